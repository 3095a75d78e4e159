package analysts

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradecouncil/council/internal/agent"
	"github.com/tradecouncil/council/internal/dataservice"
	"github.com/tradecouncil/council/internal/fault"
	"github.com/tradecouncil/council/internal/llm"
)

// base carries the plumbing every built-in agent shares: identity,
// advertised capabilities and the collaborator ports.
type base struct {
	id   string
	kind agent.Kind
	caps []agent.Capability
	llm  llm.CompletionService
	data dataservice.DataService
	log  zerolog.Logger
}

func newBase(kind agent.Kind, cfg Config, caps ...agent.Capability) base {
	id := string(kind) + "-" + uuid.NewString()[:8]
	return base{
		id:   id,
		kind: kind,
		caps: caps,
		llm:  cfg.LLM,
		data: cfg.Data,
		log: log.With().
			Str("component", "agent").
			Str("agent_kind", string(kind)).
			Str("agent_id", id).
			Logger(),
	}
}

func (b *base) ID() string                       { return b.id }
func (b *base) Kind() agent.Kind                 { return b.kind }
func (b *base) Capabilities() []agent.Capability { return b.caps }

// HealthCheck reports healthy by default. Agents that cannot work
// without the data service override it.
func (b *base) HealthCheck(ctx context.Context) error { return nil }

// requireData is the HealthCheck body for data-driven analysts.
func (b *base) requireData() error {
	if b.data == nil {
		return fault.Newf(fault.KindAgentUnavailable, "%s has no data service", b.kind)
	}
	return nil
}

// completeJSON runs one system+user exchange and decodes the JSON the
// model was told to reply with. Transport errors pass through so the
// caller can decide between retrying and falling back.
func (b *base) completeJSON(ctx context.Context, system, user string, out any) error {
	if b.llm == nil {
		return fault.New(fault.KindInternal, "no completion service configured")
	}
	content, err := b.llm.GenerateWithSystem(ctx, system, user)
	if err != nil {
		return err
	}
	if err := llm.ExtractJSON(content, out); err != nil {
		return fault.Wrap(fault.KindInternal, "model reply did not match the requested format", err)
	}
	return nil
}

// llmVerdict is the JSON shape the verdict prompts request.
type llmVerdict struct {
	Recommendation string   `json:"recommendation"`
	Confidence     float64  `json:"confidence"`
	RiskLevel      string   `json:"risk_level"`
	Reasoning      string   `json:"reasoning"`
	KeyFactors     []string `json:"key_factors"`
}

func (lv llmVerdict) verdict() agent.Verdict {
	if len(lv.KeyFactors) > 5 {
		lv.KeyFactors = lv.KeyFactors[:5]
	}
	return agent.Verdict{
		Recommendation: agent.ParseRecommendation(lv.Recommendation),
		Confidence:     clamp01(lv.Confidence),
		RiskLevel:      agent.ParseRiskLevel(lv.RiskLevel),
		Reasoning:      strings.TrimSpace(lv.Reasoning),
		KeyFactors:     lv.KeyFactors,
	}
}

// upstreamVerdict is one verdict recovered from an earlier step's
// results in the task metadata.
type upstreamVerdict struct {
	Step    string
	Kind    string
	Verdict agent.Verdict
}

// upstreamVerdicts collects the verdicts earlier workflow steps left
// under results.<step_id> metadata keys, ordered by step then kind so
// prompts and fusion stay deterministic. Failed agent calls are
// recorded as {"error": ...} maps and skipped here.
func upstreamVerdicts(tc *agent.TaskContext) []upstreamVerdict {
	var keys []string
	for k := range tc.Metadata {
		if strings.HasPrefix(k, "results.") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var out []upstreamVerdict
	for _, key := range keys {
		step, ok := tc.Metadata[key].(map[string]any)
		if !ok {
			continue
		}
		kinds := make([]string, 0, len(step))
		for kind := range step {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)
		for _, kind := range kinds {
			payload, ok := step[kind].(map[string]any)
			if !ok {
				continue
			}
			if _, failed := payload["error"]; failed && len(payload) == 1 {
				continue
			}
			res := agent.TaskResult{Status: agent.TaskSuccess, Payload: payload}
			out = append(out, upstreamVerdict{
				Step:    strings.TrimPrefix(key, "results."),
				Kind:    kind,
				Verdict: agent.VerdictFromResult(&res),
			})
		}
	}
	return out
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
