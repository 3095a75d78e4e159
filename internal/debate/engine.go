package debate

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tradecouncil/council/internal/agent"
	"github.com/tradecouncil/council/internal/alerts"
	"github.com/tradecouncil/council/internal/fault"
	"github.com/tradecouncil/council/internal/state"
)

const (
	minParticipants = 2
	maxParticipants = 5

	// snapshotTimeout bounds best-effort state store writes
	snapshotTimeout = 5 * time.Second
	// defaultRetryDelay is the pause before re-selecting an agent after
	// an unavailable or busy rejection
	defaultRetryDelay = 100 * time.Millisecond
	// callRetries caps unavailable/busy retries per agent call
	callRetries = 2
)

// Executor dispatches one task to an agent of the given kind.
// *registry.Dispatcher satisfies it.
type Executor interface {
	Execute(ctx context.Context, kind agent.Kind, tc *agent.TaskContext) (*agent.TaskResult, error)
}

// Config wires an engine. Rules default when zero; Store is optional
// and skipping it only disables snapshot publication.
type Config struct {
	Rules    Rules
	Executor Executor
	Store    *state.Store

	// RetryDelay is the pause before the retry of a rejected agent call
	// (default 100ms)
	RetryDelay time.Duration
}

// Engine drives debates: it gathers initial positions, runs bounded
// argument/rebuttal rounds through the executor, scores each round for
// agreement and stops as soon as consensus strength clears the
// threshold.
type Engine struct {
	rules      Rules
	exec       Executor
	store      *state.Store
	retryDelay time.Duration

	mu   sync.RWMutex
	runs map[string]*run

	log     zerolog.Logger
	metrics *debateMetrics
}

// NewEngine creates a debate engine
func NewEngine(cfg Config) *Engine {
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	return &Engine{
		rules:      cfg.Rules.normalized(),
		exec:       cfg.Executor,
		store:      cfg.Store,
		retryDelay: retryDelay,
		runs:       make(map[string]*run),
		log:        log.With().Str("component", "debate_engine").Logger(),
		metrics:    getOrCreateDebateMetrics(),
	}
}

// Rules returns the engine's normalized debate rules
func (e *Engine) Rules() Rules {
	return e.rules
}

// Start launches an asynchronous debate on the topic between the given
// participants. The driver goroutine derives its lifetime from ctx plus
// a global bound of one round timeout per phase; cancelling ctx aborts
// in-flight agent calls.
func (e *Engine) Start(ctx context.Context, topic string, participants []agent.Kind, tc *agent.TaskContext) (string, error) {
	if e.exec == nil {
		return "", fault.New(fault.KindInternal, "debate engine has no executor")
	}
	if tc == nil {
		return "", fault.New(fault.KindInvalid, "task context is required")
	}
	if strings.TrimSpace(topic) == "" {
		return "", fault.New(fault.KindInvalid, "debate topic is required")
	}
	if len(participants) < minParticipants || len(participants) > maxParticipants {
		return "", fault.Newf(fault.KindInvalid, "debate needs %d to %d participants, got %d",
			minParticipants, maxParticipants, len(participants))
	}
	seen := make(map[agent.Kind]bool, len(participants))
	for _, kind := range participants {
		if _, err := agent.ParseKind(string(kind)); err != nil {
			return "", fault.Newf(fault.KindInvalid, "unknown participant kind %q", kind)
		}
		if seen[kind] {
			return "", fault.Newf(fault.KindInvalid, "duplicate participant %q", kind)
		}
		seen[kind] = true
	}

	r := &run{
		deb: Debate{
			ID:           uuid.New().String(),
			Topic:        topic,
			Participants: append([]agent.Kind(nil), participants...),
			Task:         tc,
			Rules:        e.rules,
			Status:       StatusPending,
			Positions:    make(map[string]*Position, len(participants)),
			StartedAt:    time.Now(),
		},
	}

	e.mu.Lock()
	e.runs[r.deb.ID] = r
	e.mu.Unlock()

	e.publish(r)
	e.metrics.started.Inc()
	e.log.Info().
		Str("debate_id", r.deb.ID).
		Str("topic", topic).
		Str("symbol", tc.Symbol).
		Int("participants", len(participants)).
		Msg("Debate started")

	// one positions phase plus max_rounds rounds, each bounded by the
	// round timeout
	global := time.Duration(e.rules.MaxRounds+1) * e.rules.RoundTimeout
	runCtx, cancel := context.WithTimeout(ctx, global)
	go func() {
		defer cancel()
		e.drive(runCtx, r)
	}()
	return r.deb.ID, nil
}

// Get returns a snapshot of the debate
func (e *Engine) Get(debateID string) (*Debate, error) {
	r, err := e.run(debateID)
	if err != nil {
		return nil, err
	}
	return r.snapshot(), nil
}

// Cancel marks the debate cancelled. In-flight agent calls are left to
// finish and their arguments are recorded, but the driver schedules no
// further rounds and the debate ends without a final consensus.
func (e *Engine) Cancel(debateID string) error {
	r, err := e.run(debateID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deb.Status.Terminal() {
		return fault.Newf(fault.KindDuplicate, "debate %s already %s", debateID, r.deb.Status)
	}
	r.cancelled = true
	r.deb.Status = StatusCancelled
	e.log.Info().Str("debate_id", debateID).Msg("Debate cancelled")
	return nil
}

func (e *Engine) run(debateID string) (*run, error) {
	e.mu.RLock()
	r, ok := e.runs[debateID]
	e.mu.RUnlock()
	if !ok {
		return nil, fault.Newf(fault.KindNotFound, "debate %s not found", debateID)
	}
	return r, nil
}

// drive is the debate loop: initial positions, then rounds until the
// threshold is cleared, the round budget runs out, or the debate is
// cancelled or timed out.
func (e *Engine) drive(ctx context.Context, r *run) {
	if !r.begin() {
		e.finalize(r, StatusCancelled, "")
		return
	}
	e.publish(r)

	e.gatherPositions(ctx, r)
	e.publish(r)

	rules := r.rules()
	for number := 1; number <= rules.MaxRounds; number++ {
		if r.isCancelled() {
			e.finalize(r, StatusCancelled, "")
			return
		}
		if ctx.Err() != nil {
			e.conclude(r)
			e.finalize(r, StatusFailed, "debate timed out: "+ctx.Err().Error())
			return
		}

		rd := e.runRound(ctx, r, number)
		e.publish(r)

		if rd.Strength > rules.ConsensusThreshold {
			e.log.Info().
				Str("debate_id", r.id()).
				Int("round", number).
				Float64("strength", rd.Strength).
				Str("stance", string(rd.Dominant)).
				Msg("Debate reached consensus early")
			break
		}
	}

	e.conclude(r)
	e.finalize(r, StatusCompleted, "")
}

// gatherPositions collects every participant's opening position
// concurrently. A failed call yields a neutral position with zero
// confidence and the error as reasoning, so the debate proceeds with a
// full roster.
func (e *Engine) gatherPositions(ctx context.Context, r *run) {
	participants, rules := r.roster()
	posCtx, cancel := context.WithTimeout(ctx, rules.RoundTimeout)
	defer cancel()

	var g errgroup.Group
	for _, kind := range participants {
		g.Go(func() error {
			pos := e.position(posCtx, r, kind)
			r.mu.Lock()
			r.deb.Positions[string(kind)] = pos
			r.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) position(ctx context.Context, r *run, kind agent.Kind) *Position {
	res, err := e.invoke(ctx, r, kind, r.task("debate_position", kind, 0))
	if err != nil {
		return &Position{Kind: string(kind), Stance: StanceNeutral, Reasoning: err.Error()}
	}
	if !res.OK() {
		return &Position{Kind: string(kind), Stance: StanceNeutral, Reasoning: res.Error}
	}
	v := agent.VerdictFromResult(res)
	return &Position{
		Kind:       string(kind),
		Stance:     StanceOf(v.Recommendation),
		Confidence: v.Confidence,
		Reasoning:  v.Reasoning,
	}
}

// runRound executes one argument/rebuttal exchange and scores it.
// Both phases fan out concurrently across participants; rebuttals see
// the arguments of the round they answer.
func (e *Engine) runRound(ctx context.Context, r *run, number int) *Round {
	rd := &Round{
		Number:    number,
		Arguments: make(map[string]*Argument),
		Rebuttals: make(map[string]*Rebuttal),
		StartedAt: time.Now(),
	}
	r.mu.Lock()
	r.deb.CurrentRound = number
	r.deb.Rounds = append(r.deb.Rounds, rd)
	r.mu.Unlock()

	participants, rules := r.roster()
	roundCtx, cancel := context.WithTimeout(ctx, rules.RoundTimeout)
	defer cancel()

	var args errgroup.Group
	for _, kind := range participants {
		args.Go(func() error {
			arg := e.argue(roundCtx, r, kind, number)
			r.mu.Lock()
			rd.Arguments[string(kind)] = arg
			r.mu.Unlock()
			return nil
		})
	}
	_ = args.Wait()

	var rebs errgroup.Group
	for _, kind := range participants {
		rebs.Go(func() error {
			reb := e.rebut(roundCtx, r, kind, number)
			r.mu.Lock()
			rd.Rebuttals[string(kind)] = reb
			r.mu.Unlock()
			return nil
		})
	}
	_ = rebs.Wait()

	r.mu.Lock()
	scoreRound(rd)
	rd.FinishedAt = time.Now()
	strength := rd.Strength
	dominant := rd.Dominant
	r.mu.Unlock()

	e.metrics.rounds.Inc()
	e.metrics.strength.Observe(strength)
	e.log.Debug().
		Str("debate_id", r.id()).
		Int("round", number).
		Str("dominant", string(dominant)).
		Float64("strength", strength).
		Msg("Debate round finished")
	return rd
}

func (e *Engine) argue(ctx context.Context, r *run, kind agent.Kind, number int) *Argument {
	res, err := e.invoke(ctx, r, kind, r.task("debate_argument", kind, number))
	if err != nil {
		return &Argument{Kind: string(kind), Stance: StanceNeutral, Status: agent.TaskError, Error: err.Error()}
	}
	if !res.OK() {
		return &Argument{Kind: string(kind), Stance: StanceNeutral, Status: agent.TaskError, Error: res.Error}
	}
	v := agent.VerdictFromResult(res)
	return &Argument{
		Kind:       string(kind),
		Stance:     StanceOf(v.Recommendation),
		Claim:      claimFrom(res.Payload, v),
		Evidence:   v.KeyFactors,
		Confidence: v.Confidence,
		Status:     agent.TaskSuccess,
	}
}

func (e *Engine) rebut(ctx context.Context, r *run, kind agent.Kind, number int) *Rebuttal {
	res, err := e.invoke(ctx, r, kind, r.task("debate_rebuttal", kind, number))
	if err != nil {
		return &Rebuttal{Kind: string(kind), Status: agent.TaskError, Error: err.Error()}
	}
	if !res.OK() {
		return &Rebuttal{Kind: string(kind), Status: agent.TaskError, Error: res.Error}
	}
	return &Rebuttal{
		Kind:     string(kind),
		Counters: countersFrom(res.Payload),
		Status:   agent.TaskSuccess,
	}
}

// invoke runs one agent call with the unavailable/busy retry policy
func (e *Engine) invoke(ctx context.Context, r *run, kind agent.Kind, tc *agent.TaskContext) (*agent.TaskResult, error) {
	for attempt := 0; ; attempt++ {
		res, err := e.exec.Execute(ctx, kind, tc)
		if err == nil {
			return res, nil
		}

		retriable := fault.IsKind(err, fault.KindAgentUnavailable) || fault.IsKind(err, fault.KindAgentBusy)
		if !retriable || attempt >= callRetries {
			e.log.Warn().
				Err(err).
				Str("debate_id", r.id()).
				Str("kind", string(kind)).
				Str("task", tc.TaskName).
				Int("attempts", attempt+1).
				Msg("Agent dispatch failed")
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.retryDelay):
		}
	}
}

// conclude picks the strongest round and records its dominant stance as
// the final consensus. Strength ties go to the earlier round.
func (e *Engine) conclude(r *run) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *Round
	for _, rd := range r.deb.Rounds {
		if best == nil || rd.Strength > best.Strength {
			best = rd
		}
	}
	if best == nil {
		return
	}
	r.deb.Final = &Outcome{
		Stance:     best.Dominant,
		Confidence: best.Strength,
		Round:      best.Number,
	}
}

// finalize publishes the terminal state. A concurrent Cancel wins over
// any other terminal status, and a cancelled debate carries no final
// consensus even when the driver scored its rounds.
func (e *Engine) finalize(r *run, status Status, reason string) {
	r.mu.Lock()
	if r.cancelled {
		status = StatusCancelled
		r.deb.Final = nil
	}
	now := time.Now()
	r.deb.Status = status
	r.deb.Error = reason
	r.deb.FinishedAt = now
	debateID := r.deb.ID
	topic := r.deb.Topic
	rounds := len(r.deb.Rounds)
	duration := now.Sub(r.deb.StartedAt)
	var stance Stance
	var confidence float64
	if r.deb.Final != nil {
		stance = r.deb.Final.Stance
		confidence = r.deb.Final.Confidence
	}
	r.mu.Unlock()

	e.publish(r)
	e.metrics.duration.Observe(duration.Seconds())

	switch status {
	case StatusCompleted:
		e.metrics.completed.Inc()
	case StatusFailed:
		e.metrics.failed.Inc()
		alerts.AlertDebateStalled(context.Background(), debateID, topic, errors.New(reason))
	case StatusCancelled:
		e.metrics.cancelled.Inc()
	}

	e.log.Info().
		Str("debate_id", debateID).
		Str("status", string(status)).
		Int("rounds", rounds).
		Str("stance", string(stance)).
		Float64("confidence", confidence).
		Dur("duration", duration).
		Msg("Debate finished")
}

// publish saves the debate snapshot. Best effort: the engine already
// holds the state in memory.
func (e *Engine) publish(r *run) {
	if e.store == nil {
		return
	}
	snap := r.snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	if err := e.store.Save(ctx, state.NamespaceDebate, snap.ID, snap); err != nil {
		e.log.Warn().Err(err).Str("debate_id", snap.ID).Msg("Failed to publish debate snapshot")
	}
}

// scoreRound computes the per-round consensus snapshot: stance buckets
// over all arguments, agreement_ratio = max bucket / total, mean of
// argument confidences, strength = ratio x mean. Failed arguments count
// as neutral with zero confidence, dragging both factors down. Caller
// holds the run lock.
func scoreRound(rd *Round) {
	total := len(rd.Arguments)
	if total == 0 {
		rd.Dominant = StanceNeutral
		return
	}

	counts := make(map[Stance]int, 3)
	sum := 0.0
	for _, arg := range rd.Arguments {
		counts[arg.Stance]++
		sum += arg.Confidence
	}

	rd.Dominant = dominantStance(counts)
	rd.AgreementRatio = float64(counts[rd.Dominant]) / float64(total)
	rd.MeanConfidence = sum / float64(total)
	rd.Strength = rd.AgreementRatio * rd.MeanConfidence
}

// conservativeStances orders stances for tie-breaking, most conservative
// first. Mirrors the consensus engine's majority tie rule.
var conservativeStances = []Stance{StanceBearish, StanceNeutral, StanceBullish}

// dominantStance picks the most voted stance. Two-way ties go to the
// more conservative side; a three-way tie reads as total disagreement
// and resolves to neutral.
func dominantStance(counts map[Stance]int) Stance {
	maxCount := 0
	for _, c := range counts {
		if c > maxCount {
			maxCount = c
		}
	}
	var top []Stance
	for _, s := range conservativeStances {
		if counts[s] == maxCount {
			top = append(top, s)
		}
	}
	if len(top) == 3 {
		return StanceNeutral
	}
	return top[0]
}

// claimFrom extracts the argument text, preferring an explicit claim
// over the verdict reasoning
func claimFrom(payload map[string]any, v agent.Verdict) string {
	for _, key := range []string{"claim", "argument"} {
		if s, ok := payload[key].(string); ok && s != "" {
			return s
		}
	}
	return v.Reasoning
}

// countersFrom extracts targeted counterarguments from a rebuttal
// payload. A bare rebuttal string becomes a single counter addressed to
// the whole round.
func countersFrom(payload map[string]any) []Counter {
	for _, key := range []string{"counters", "rebuttals"} {
		raw, ok := payload[key].([]any)
		if !ok {
			continue
		}
		out := make([]Counter, 0, len(raw))
		for _, item := range raw {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			c := Counter{}
			if s, ok := m["target"].(string); ok {
				c.Target = s
			}
			if s, ok := m["counter"].(string); ok {
				c.Counter = s
			}
			if c.Counter != "" {
				out = append(out, c)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	for _, key := range []string{"rebuttal", "reasoning"} {
		if s, ok := payload[key].(string); ok && s != "" {
			return []Counter{{Target: "all", Counter: s}}
		}
	}
	return nil
}

// run is the engine-internal mutable state of one debate
type run struct {
	mu        sync.Mutex
	deb       Debate
	cancelled bool
}

// begin moves the debate to running unless it was cancelled first
func (r *run) begin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return false
	}
	r.deb.Status = StatusRunning
	return true
}

func (r *run) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func (r *run) id() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deb.ID
}

func (r *run) rules() Rules {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deb.Rules
}

func (r *run) roster() ([]agent.Kind, Rules) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]agent.Kind(nil), r.deb.Participants...), r.deb.Rules
}

// task derives a fresh task for one agent call. Metadata carries the
// participant's opening position and the transcript of prior rounds so
// agents argue against what was actually said. Round 0 marks the
// positions phase.
func (r *run) task(name string, kind agent.Kind, round int) *agent.TaskContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	base := r.deb.Task

	tc := agent.NewTaskContext(name, base.Symbol, base.Market)
	tc.CompanyName = base.CompanyName
	tc.AnalysisDate = base.AnalysisDate
	for k, v := range base.Parameters {
		tc.Parameters[k] = v
	}
	for k, v := range base.Metadata {
		tc.Metadata[k] = v
	}
	tc.Parameters["debate_topic"] = r.deb.Topic
	tc.Metadata["debate_id"] = r.deb.ID
	tc.Metadata["agent_kind"] = string(kind)
	if round > 0 {
		tc.Metadata["debate_round"] = round
	}
	if pos := r.deb.Positions[string(kind)]; pos != nil {
		tc.Metadata["debate_position"] = map[string]any{
			"stance":     string(pos.Stance),
			"confidence": pos.Confidence,
			"reasoning":  pos.Reasoning,
		}
	}
	if hist := r.transcriptLocked(); len(hist) > 0 {
		tc.Metadata["debate_history"] = hist
	}
	return tc
}

// transcriptLocked flattens the recorded rounds into a compact history
// for agent prompts. The current round's arguments are included once
// the argument phase has recorded them, which is what the rebuttal
// phase needs. Caller holds the run lock.
func (r *run) transcriptLocked() []map[string]any {
	var hist []map[string]any
	for _, rd := range r.deb.Rounds {
		kinds := make([]string, 0, len(rd.Arguments))
		for kind := range rd.Arguments {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)
		for _, kind := range kinds {
			arg := rd.Arguments[kind]
			if arg.Status != agent.TaskSuccess {
				continue
			}
			hist = append(hist, map[string]any{
				"round":      rd.Number,
				"kind":       kind,
				"stance":     string(arg.Stance),
				"claim":      arg.Claim,
				"confidence": arg.Confidence,
			})
		}
	}
	return hist
}

// snapshot deep-copies the debate for external readers. Arguments and
// rebuttals are immutable once recorded, so sharing their pointers is
// safe.
func (r *run) snapshot() *Debate {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.deb
	snap.Participants = append([]agent.Kind(nil), r.deb.Participants...)
	snap.Positions = make(map[string]*Position, len(r.deb.Positions))
	for k, v := range r.deb.Positions {
		snap.Positions[k] = v
	}
	snap.Rounds = make([]*Round, len(r.deb.Rounds))
	for i, rd := range r.deb.Rounds {
		rdCopy := *rd
		rdCopy.Arguments = make(map[string]*Argument, len(rd.Arguments))
		for k, v := range rd.Arguments {
			rdCopy.Arguments[k] = v
		}
		rdCopy.Rebuttals = make(map[string]*Rebuttal, len(rd.Rebuttals))
		for k, v := range rd.Rebuttals {
			rdCopy.Rebuttals[k] = v
		}
		snap.Rounds[i] = &rdCopy
	}
	if r.deb.Final != nil {
		f := *r.deb.Final
		snap.Final = &f
	}
	return &snap
}

type debateMetrics struct {
	started   prometheus.Counter
	completed prometheus.Counter
	failed    prometheus.Counter
	cancelled prometheus.Counter
	rounds    prometheus.Counter
	strength  prometheus.Histogram
	duration  prometheus.Histogram
}

var (
	debateMetricsOnce     sync.Once
	debateMetricsInstance *debateMetrics
)

func getOrCreateDebateMetrics() *debateMetrics {
	debateMetricsOnce.Do(func() {
		debateMetricsInstance = &debateMetrics{
			started: promauto.NewCounter(prometheus.CounterOpts{
				Name: "council_debates_started_total",
				Help: "Debates started",
			}),
			completed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "council_debates_completed_total",
				Help: "Debates that completed",
			}),
			failed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "council_debates_failed_total",
				Help: "Debates that failed",
			}),
			cancelled: promauto.NewCounter(prometheus.CounterOpts{
				Name: "council_debates_cancelled_total",
				Help: "Debates cancelled by callers",
			}),
			rounds: promauto.NewCounter(prometheus.CounterOpts{
				Name: "council_debate_rounds_total",
				Help: "Debate rounds executed",
			}),
			strength: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "council_debate_consensus_strength",
				Help:    "Per-round consensus strength",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			}),
			duration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "council_debate_duration_seconds",
				Help:    "Wall time of finished debates",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			}),
		}
	})
	return debateMetricsInstance
}
