package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/tradecouncil/council/internal/fault"
)

// Client talks to an OpenAI-compatible gateway. A primary model is
// tried first; on transport failure the configured fallback model gets
// one attempt before the error propagates.
type Client struct {
	endpoint           string
	embeddingsEndpoint string
	apiKey             string
	model              string
	fallbackModel      string
	embeddingModel     string
	temperature        float64
	maxTokens          int
	httpClient         *http.Client
	breaker            *gobreaker.CircuitBreaker
	logger             zerolog.Logger
}

// ClientConfig contains configuration for the LLM client
type ClientConfig struct {
	Endpoint           string
	EmbeddingsEndpoint string
	APIKey             string
	Model              string
	FallbackModel      string
	EmbeddingModel     string
	Temperature        float64
	MaxTokens          int
	Timeout            time.Duration
	Breaker            *gobreaker.CircuitBreaker
}

// NewClient creates a new LLM client
func NewClient(config ClientConfig) *Client {
	if config.Endpoint == "" {
		config.Endpoint = "http://localhost:8080/v1/chat/completions"
	}
	if config.EmbeddingsEndpoint == "" {
		config.EmbeddingsEndpoint = "http://localhost:8080/v1/embeddings"
	}
	if config.Model == "" {
		config.Model = "claude-sonnet-4-20250514"
	}
	if config.EmbeddingModel == "" {
		config.EmbeddingModel = "text-embedding-3-small"
	}
	if config.Temperature == 0 {
		config.Temperature = 0.7
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 2000
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return &Client{
		endpoint:           config.Endpoint,
		embeddingsEndpoint: config.EmbeddingsEndpoint,
		apiKey:             config.APIKey,
		model:              config.Model,
		fallbackModel:      config.FallbackModel,
		embeddingModel:     config.EmbeddingModel,
		temperature:        config.Temperature,
		maxTokens:          config.MaxTokens,
		httpClient:         &http.Client{Timeout: config.Timeout},
		breaker:            config.Breaker,
		logger:             log.With().Str("component", "llm").Logger(),
	}
}

// chatRequest is the gateway chat completions wire shape
type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// chatResponse is the gateway chat completions response
type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// embeddingsRequest is the gateway embeddings wire shape
type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embeddingsResponse is the gateway embeddings response
type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage Usage `json:"usage"`
}

// errorResponse is the gateway error payload
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Generate runs a chat completion, trying the fallback model once when
// the primary fails with a transport error.
func (c *Client) Generate(ctx context.Context, messages []Message) (*Completion, error) {
	completion, err := c.complete(ctx, c.model, messages)
	if err == nil {
		return completion, nil
	}

	if c.fallbackModel == "" || c.fallbackModel == c.model || !fault.IsKind(err, fault.KindTransport) {
		return nil, err
	}

	c.logger.Warn().
		Err(err).
		Str("primary", c.model).
		Str("fallback", c.fallbackModel).
		Msg("Primary model failed, trying fallback")

	completion, fbErr := c.complete(ctx, c.fallbackModel, messages)
	if fbErr != nil {
		return nil, fmt.Errorf("fallback model also failed: %w (primary: %v)", fbErr, err)
	}
	return completion, nil
}

// GenerateWithSystem runs the common system+user two-message form and
// returns the content of the first choice.
func (c *Client) GenerateWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	completion, err := c.Generate(ctx, []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	})
	if err != nil {
		return "", err
	}
	return completion.Content, nil
}

// Embed returns the embedding vector for the text
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := c.post(ctx, c.embeddingsEndpoint, embeddingsRequest{
		Model: c.embeddingModel,
		Input: []string{text},
	})
	if err != nil {
		return nil, err
	}

	var resp embeddingsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fault.Wrap(fault.KindTransport, "failed to parse embeddings response", err)
	}
	if len(resp.Data) == 0 {
		return nil, fault.New(fault.KindTransport, "no embedding in gateway response")
	}
	return resp.Data[0].Embedding, nil
}

func (c *Client) complete(ctx context.Context, model string, messages []Message) (*Completion, error) {
	start := time.Now()
	body, err := c.post(ctx, c.endpoint, chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return nil, err
	}

	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fault.Wrap(fault.KindTransport, "failed to parse chat response", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fault.New(fault.KindTransport, "no choices in gateway response")
	}

	c.logger.Debug().
		Str("model", resp.Model).
		Int("prompt_tokens", resp.Usage.PromptTokens).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Dur("duration", time.Since(start)).
		Msg("Chat completion finished")

	return &Completion{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage:   resp.Usage,
	}, nil
}

// post sends one JSON request through the breaker when configured
func (c *Client) post(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	do := func() ([]byte, error) {
		return c.doPost(ctx, endpoint, payload)
	}

	if c.breaker == nil {
		return do()
	}

	out, err := c.breaker.Execute(func() (any, error) {
		return do()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fault.Wrap(fault.KindTransport, "llm circuit open", err)
		}
		return nil, err
	}
	return out.([]byte), nil
}

func (c *Client) doPost(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	requestBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fault.Wrap(fault.KindTimeout, "gateway request timed out", err)
		}
		return nil, fault.Wrap(fault.KindTransport, "gateway request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransport, "failed to read gateway response", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
			return nil, fault.Newf(fault.KindTransport, "gateway error (status %d): %s", resp.StatusCode, errResp.Error.Message)
		}
		return nil, fault.Newf(fault.KindTransport, "gateway error (status %d): %s", resp.StatusCode, string(body))
	}

	return body, nil
}

// ExtractJSON pulls a JSON document out of a model reply, stripping a
// markdown code fence when present. Models frequently wrap structured
// output in ```json fences despite instructions.
func ExtractJSON(content string, target any) error {
	raw := []byte(content)

	start := -1
	if idx := bytes.Index(raw, []byte("```json")); idx >= 0 {
		start = idx + 7
	} else if idx := bytes.Index(raw, []byte("```")); idx >= 0 {
		start = idx + 3
	}
	if start >= 0 {
		if idx := bytes.Index(raw[start:], []byte("```")); idx >= 0 {
			raw = raw[start : start+idx]
		}
	}
	raw = bytes.TrimSpace(raw)

	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("failed to parse model JSON: %w", err)
	}
	return nil
}
