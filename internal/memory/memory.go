// Package memory keeps an embedding-indexed record of finished
// analyses so later runs over comparable situations can consult them.
// Cases live in Postgres with pgvector; recall is cosine
// nearest-neighbour over the summary embedding. Review outcomes
// recorded against a case adjust how much weight it deserves the next
// time it surfaces.
package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradecouncil/council/internal/agent"
)

// EmbeddingDim is the dimensionality every stored vector must have.
const EmbeddingDim = 1536

const (
	// reviewFloor is how many recorded outcomes a case needs before a
	// poor hit rate disqualifies it.
	reviewFloor  = 5
	hitRateFloor = 0.5

	defaultRecallLimit = 5
)

// Case is one remembered analysis: what was asked, what the council
// concluded and how that conclusion fared on review.
type Case struct {
	ID             uuid.UUID            `json:"id"`
	Symbol         string               `json:"symbol"`
	Market         agent.Market         `json:"market"`
	TaskName       string               `json:"task_name"`
	Recommendation agent.Recommendation `json:"recommendation"`
	Confidence     float64              `json:"confidence"`
	RiskLevel      agent.RiskLevel      `json:"risk_level"`
	Reasoning      string               `json:"reasoning"`

	// Summary is the text the embedding was computed from.
	Summary   string    `json:"summary"`
	Embedding []float32 `json:"embedding,omitempty"`

	// Context carries arbitrary JSON captured alongside the case.
	Context []byte `json:"context,omitempty"`

	// Review tallies. A hit means a later review confirmed the
	// recommendation, a miss means the market contradicted it.
	ReviewCount  int       `json:"review_count"`
	HitCount     int       `json:"hit_count"`
	MissCount    int       `json:"miss_count"`
	LastReviewed time.Time `json:"last_reviewed,omitempty"`

	AccessCount int `json:"access_count"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// Distance is the cosine distance to the query vector. Only set on
	// cases returned by Recall.
	Distance float64 `json:"distance,omitempty"`
}

// HitRate returns the share of reviews that confirmed the case (0.0 to
// 1.0). An unreviewed case scores 0.
func (c *Case) HitRate() float64 {
	total := c.HitCount + c.MissCount
	if total == 0 {
		return 0.0
	}
	return float64(c.HitCount) / float64(total)
}

// Usable reports whether the case should still influence new analyses.
// Expired cases and cases that reviews have repeatedly contradicted are
// not usable.
func (c *Case) Usable(now time.Time) bool {
	if c.ExpiresAt != nil && now.After(*c.ExpiresAt) {
		return false
	}
	if c.ReviewCount >= reviewFloor && c.HitRate() < hitRateFloor {
		return false
	}
	return true
}

// Age returns how old the case is.
func (c *Case) Age(now time.Time) time.Duration {
	return now.Sub(c.CreatedAt)
}

// Recency scores the age of the case between 0.0 and 1.0. A case loses
// half its recency value after 30 days.
func (c *Case) Recency(now time.Time) float64 {
	days := c.Age(now).Hours() / 24.0
	decayRate := 30.0
	return 1.0 / (1.0 + days/decayRate)
}

// Relevance folds confidence, review record and age into one score.
// Unusable cases score 0.
func (c *Case) Relevance(now time.Time) float64 {
	if !c.Usable(now) {
		return 0.0
	}

	score := 0.0
	score += c.Confidence * 0.4
	score += c.HitRate() * 0.3
	score += c.Recency(now) * 0.3

	return score
}

// RankByRelevance reorders cases so the strongest evidence comes
// first. Recall returns nearest-first; the nearest case is not always
// the one worth trusting most.
func RankByRelevance(cases []*Case, now time.Time) {
	sort.SliceStable(cases, func(i, j int) bool {
		return cases[i].Relevance(now) > cases[j].Relevance(now)
	})
}

// PoolInterface defines the database operations the memory needs
type PoolInterface interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Memory stores and recalls analysis cases.
type Memory struct {
	pool   PoolInterface
	logger zerolog.Logger
}

// New creates a memory over a pool-compatible interface
func New(pool PoolInterface) *Memory {
	return &Memory{
		pool:   pool,
		logger: log.With().Str("component", "memory").Logger(),
	}
}

// NewWithPool creates a memory over a pgxpool.Pool
func NewWithPool(pool *pgxpool.Pool) *Memory {
	return New(pool)
}

const caseColumns = `
			id, symbol, market, task_name, recommendation, confidence, risk_level,
			reasoning, summary, embedding, context,
			review_count, hit_count, miss_count, last_reviewed, access_count,
			created_at, updated_at, expires_at`

// Store persists a case, upserting on ID. It fills in the ID and
// timestamps when they are unset.
func (m *Memory) Store(ctx context.Context, c *Case) error {
	if len(c.Embedding) > 0 && len(c.Embedding) != EmbeddingDim {
		return fmt.Errorf("embedding must be %d dimensions, got %d", EmbeddingDim, len(c.Embedding))
	}

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	var embedding any
	if len(c.Embedding) > 0 {
		embedding = pgvector.NewVector(c.Embedding)
	}
	var lastReviewed *time.Time
	if !c.LastReviewed.IsZero() {
		lastReviewed = &c.LastReviewed
	}

	query := `
		INSERT INTO analysis_cases (` + caseColumns + `
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14, $15, $16,
			$17, $18, $19
		)
		ON CONFLICT (id) DO UPDATE SET
			recommendation = EXCLUDED.recommendation,
			confidence = EXCLUDED.confidence,
			risk_level = EXCLUDED.risk_level,
			reasoning = EXCLUDED.reasoning,
			summary = EXCLUDED.summary,
			review_count = EXCLUDED.review_count,
			hit_count = EXCLUDED.hit_count,
			miss_count = EXCLUDED.miss_count,
			last_reviewed = EXCLUDED.last_reviewed,
			access_count = EXCLUDED.access_count,
			updated_at = EXCLUDED.updated_at
	`

	_, err := m.pool.Exec(ctx, query,
		c.ID, c.Symbol, string(c.Market), c.TaskName, string(c.Recommendation), c.Confidence, string(c.RiskLevel),
		c.Reasoning, c.Summary, embedding, c.Context,
		c.ReviewCount, c.HitCount, c.MissCount, lastReviewed, c.AccessCount,
		c.CreatedAt, c.UpdatedAt, c.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store case: %w", err)
	}

	m.logger.Debug().
		Str("id", c.ID.String()).
		Str("symbol", c.Symbol).
		Str("recommendation", string(c.Recommendation)).
		Msg("Stored analysis case")

	return nil
}

// Recall finds the cases nearest to the given embedding, nearest
// first. Cases without an embedding never surface here.
func (m *Memory) Recall(ctx context.Context, embedding []float32, limit int, filters ...Filter) ([]*Case, error) {
	if len(embedding) != EmbeddingDim {
		return nil, fmt.Errorf("embedding must be %d dimensions, got %d", EmbeddingDim, len(embedding))
	}
	if limit <= 0 {
		limit = defaultRecallLimit
	}

	whereClause := "WHERE embedding IS NOT NULL"
	args := []any{pgvector.NewVector(embedding), limit}
	argIndex := 3
	for _, filter := range filters {
		clause, filterArgs := filter.SQL(argIndex)
		if clause != "" {
			whereClause += " AND " + clause
			args = append(args, filterArgs...)
			argIndex += len(filterArgs)
		}
	}

	query := fmt.Sprintf(`
		SELECT`+caseColumns+`,
			embedding <=> $1 AS distance
		FROM analysis_cases
		%s
		ORDER BY embedding <=> $1
		LIMIT $2
	`, whereClause)

	rows, err := m.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query similar cases: %w", err)
	}
	defer rows.Close()

	cases, err := scanCases(rows, true)
	if err != nil {
		return nil, err
	}
	rows.Close()

	ids := make([]uuid.UUID, 0, len(cases))
	for _, c := range cases {
		ids = append(ids, c.ID)
	}
	m.touch(ctx, ids)

	m.logger.Debug().
		Int("count", len(cases)).
		Int("limit", limit).
		Msg("Recalled similar cases")

	return cases, nil
}

// History returns the most recent cases for a symbol. It serves as the
// recall path when no embedding service is configured.
func (m *Memory) History(ctx context.Context, symbol string, limit int) ([]*Case, error) {
	if limit <= 0 {
		limit = defaultRecallLimit
	}

	query := `
		SELECT` + caseColumns + `
		FROM analysis_cases
		WHERE symbol = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := m.pool.Query(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query case history: %w", err)
	}
	defer rows.Close()

	return scanCases(rows, false)
}

// touch bumps access counts. Telemetry only, failures never surface.
func (m *Memory) touch(ctx context.Context, ids []uuid.UUID) {
	if len(ids) == 0 {
		return
	}

	query := `
		UPDATE analysis_cases
		SET access_count = access_count + 1,
		    updated_at = NOW()
		WHERE id = ANY($1)
	`

	if _, err := m.pool.Exec(ctx, query, ids); err != nil {
		m.logger.Debug().Err(err).Msg("Access count update failed")
	}
}

// RecordOutcome tallies a review of the case against what the market
// actually did.
func (m *Memory) RecordOutcome(ctx context.Context, id uuid.UUID, hit bool) error {
	var query string
	if hit {
		query = `
			UPDATE analysis_cases
			SET review_count = review_count + 1,
			    hit_count = hit_count + 1,
			    last_reviewed = NOW(),
			    updated_at = NOW()
			WHERE id = $1
		`
	} else {
		query = `
			UPDATE analysis_cases
			SET review_count = review_count + 1,
			    miss_count = miss_count + 1,
			    last_reviewed = NOW(),
			    updated_at = NOW()
			WHERE id = $1
		`
	}

	if _, err := m.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}

	m.logger.Debug().
		Str("id", id.String()).
		Bool("hit", hit).
		Msg("Recorded case review")

	return nil
}

// Delete removes one case.
func (m *Memory) Delete(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM analysis_cases WHERE id = $1`
	if _, err := m.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete case: %w", err)
	}
	return nil
}

// PruneExpired removes cases whose TTL lapsed.
func (m *Memory) PruneExpired(ctx context.Context) (int64, error) {
	query := `
		DELETE FROM analysis_cases
		WHERE expires_at IS NOT NULL AND expires_at < NOW()
	`

	tag, err := m.pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to prune expired cases: %w", err)
	}

	count := tag.RowsAffected()
	if count > 0 {
		m.logger.Info().Int64("count", count).Msg("Pruned expired cases")
	}
	return count, nil
}

// PruneUnreliable removes cases that reviews have repeatedly
// contradicted.
func (m *Memory) PruneUnreliable(ctx context.Context) (int64, error) {
	query := `
		DELETE FROM analysis_cases
		WHERE review_count >= $1
		  AND (hit_count::float / NULLIF(review_count, 0)) < $2
	`

	tag, err := m.pool.Exec(ctx, query, reviewFloor, hitRateFloor)
	if err != nil {
		return 0, fmt.Errorf("failed to prune unreliable cases: %w", err)
	}

	count := tag.RowsAffected()
	if count > 0 {
		m.logger.Info().
			Int64("count", count).
			Float64("min_hit_rate", hitRateFloor).
			Msg("Pruned unreliable cases")
	}
	return count, nil
}

// Stats returns aggregate counts over the stored cases.
func (m *Memory) Stats(ctx context.Context) (map[string]any, error) {
	query := `
		SELECT
			COUNT(*) AS total_cases,
			COUNT(CASE WHEN recommendation = 'buy' THEN 1 END) AS buys,
			COUNT(CASE WHEN recommendation = 'hold' THEN 1 END) AS holds,
			COUNT(CASE WHEN recommendation = 'sell' THEN 1 END) AS sells,
			AVG(confidence) AS avg_confidence,
			SUM(review_count) AS total_reviews,
			SUM(hit_count) AS total_hits
		FROM analysis_cases
	`

	var stats struct {
		Total         int64
		Buys          int64
		Holds         int64
		Sells         int64
		AvgConfidence *float64
		TotalReviews  *int64
		TotalHits     *int64
	}

	err := m.pool.QueryRow(ctx, query).Scan(
		&stats.Total,
		&stats.Buys,
		&stats.Holds,
		&stats.Sells,
		&stats.AvgConfidence,
		&stats.TotalReviews,
		&stats.TotalHits,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	result := map[string]any{
		"total_cases": stats.Total,
		"buys":        stats.Buys,
		"holds":       stats.Holds,
		"sells":       stats.Sells,
	}
	if stats.AvgConfidence != nil {
		result["avg_confidence"] = *stats.AvgConfidence
	}
	if stats.TotalReviews != nil && stats.TotalHits != nil {
		result["total_reviews"] = *stats.TotalReviews
		if *stats.TotalReviews > 0 {
			result["hit_rate"] = float64(*stats.TotalHits) / float64(*stats.TotalReviews)
		}
	}

	return result, nil
}

// scanCases reads cases from query results. withDistance matches the
// extra column Recall selects.
func scanCases(rows pgx.Rows, withDistance bool) ([]*Case, error) {
	var cases []*Case

	for rows.Next() {
		var c Case
		var market, recommendation, riskLevel string
		var embeddingVec *pgvector.Vector
		var lastReviewed *time.Time

		dest := []any{
			&c.ID, &c.Symbol, &market, &c.TaskName, &recommendation, &c.Confidence, &riskLevel,
			&c.Reasoning, &c.Summary, &embeddingVec, &c.Context,
			&c.ReviewCount, &c.HitCount, &c.MissCount, &lastReviewed, &c.AccessCount,
			&c.CreatedAt, &c.UpdatedAt, &c.ExpiresAt,
		}
		if withDistance {
			dest = append(dest, &c.Distance)
		}

		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan case: %w", err)
		}

		c.Market = agent.Market(market)
		c.Recommendation = agent.Recommendation(recommendation)
		c.RiskLevel = agent.RiskLevel(riskLevel)
		if embeddingVec != nil {
			c.Embedding = embeddingVec.Slice()
		}
		if lastReviewed != nil {
			c.LastReviewed = *lastReviewed
		}

		cases = append(cases, &c)
	}

	return cases, rows.Err()
}

// Filter narrows a Recall query.
type Filter interface {
	SQL(argIndex int) (clause string, args []any)
}

// SymbolFilter restricts recall to one symbol
type SymbolFilter struct {
	Symbol string
}

func (f SymbolFilter) SQL(argIndex int) (string, []any) {
	return fmt.Sprintf("symbol = $%d", argIndex), []any{f.Symbol}
}

// MarketFilter restricts recall to one market
type MarketFilter struct {
	Market agent.Market
}

func (f MarketFilter) SQL(argIndex int) (string, []any) {
	return fmt.Sprintf("market = $%d", argIndex), []any{string(f.Market)}
}

// TaskFilter restricts recall to cases produced by one task shape
type TaskFilter struct {
	TaskName string
}

func (f TaskFilter) SQL(argIndex int) (string, []any) {
	return fmt.Sprintf("task_name = $%d", argIndex), []any{f.TaskName}
}

// MinConfidenceFilter drops low-conviction cases
type MinConfidenceFilter struct {
	MinConfidence float64
}

func (f MinConfidenceFilter) SQL(argIndex int) (string, []any) {
	return fmt.Sprintf("confidence >= $%d", argIndex), []any{f.MinConfidence}
}

// UsableOnlyFilter drops expired cases and cases reviews have
// contradicted too often
type UsableOnlyFilter struct{}

func (f UsableOnlyFilter) SQL(argIndex int) (string, []any) {
	return "(expires_at IS NULL OR expires_at > NOW()) AND (review_count < 5 OR (hit_count::float / NULLIF(review_count, 0)) >= 0.5)", nil
}
