package analyzer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradecouncil/council/internal/state"
)

// Status is the lifecycle state of an analysis
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Progress is the externally visible snapshot of one analysis
type Progress struct {
	AnalysisID         string    `json:"analysis_id"`
	Status             Status    `json:"status"`
	ProgressPercentage float64   `json:"progress_percentage"`
	CurrentStep        string    `json:"current_step,omitempty"`
	CurrentTask        string    `json:"current_task,omitempty"`
	CurrentStatus      string    `json:"current_status,omitempty"`
	ErrorMessage       string    `json:"error_message,omitempty"`
	StartedAt          time.Time `json:"started_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	FinishedAt         time.Time `json:"finished_at,omitempty"`
}

const (
	// watcherBuffer sizes per-subscriber progress channels. A slow
	// consumer loses intermediate updates, never the close.
	watcherBuffer = 8
	// snapshotTimeout bounds the best-effort store write per emission
	snapshotTimeout = 5 * time.Second
)

// tracker owns the progress record of one analysis. It enforces the
// monotonic percentage, snapshots every emission to the state store,
// and fans updates out to watchers. Watcher channels are closed exactly
// once, by the terminal emission.
type tracker struct {
	mu       sync.Mutex
	current  Progress
	watchers map[int]chan Progress
	nextID   int
	done     bool
	lastEmit time.Time

	store  *state.Store
	logger zerolog.Logger
}

func newTracker(analysisID string, store *state.Store, logger zerolog.Logger) *tracker {
	now := time.Now()
	return &tracker{
		current: Progress{
			AnalysisID: analysisID,
			Status:     StatusPending,
			StartedAt:  now,
			UpdatedAt:  now,
		},
		watchers: make(map[int]chan Progress),
		lastEmit: now,
		store:    store,
		logger:   logger,
	}
}

// emit applies mut to the record and publishes the result. The
// percentage never decreases and stays within [0,100]; a terminal
// status freezes the record against further mutation.
func (t *tracker) emit(mut func(p *Progress)) Progress {
	t.mu.Lock()
	if t.done {
		snap := t.current
		t.mu.Unlock()
		return snap
	}
	floor := t.current.ProgressPercentage
	if mut != nil {
		mut(&t.current)
	}
	if t.current.ProgressPercentage < floor {
		t.current.ProgressPercentage = floor
	}
	if t.current.ProgressPercentage > 100 {
		t.current.ProgressPercentage = 100
	}
	t.current.UpdatedAt = time.Now()
	t.lastEmit = t.current.UpdatedAt

	terminal := t.current.Status.Terminal()
	if terminal {
		t.current.FinishedAt = t.current.UpdatedAt
		if t.current.Status == StatusCompleted {
			t.current.ProgressPercentage = 100
		}
		t.done = true
	}
	snap := t.current

	chans := make([]chan Progress, 0, len(t.watchers))
	for _, ch := range t.watchers {
		chans = append(chans, ch)
	}
	if terminal {
		t.watchers = make(map[int]chan Progress)
	}
	t.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- snap:
		default:
		}
	}
	if terminal {
		for _, ch := range chans {
			close(ch)
		}
	}
	t.save(snap)
	return snap
}

// heartbeat re-emits the current state if nothing has been published
// for maxQuiet
func (t *tracker) heartbeat(maxQuiet time.Duration) {
	t.mu.Lock()
	due := !t.done && time.Since(t.lastEmit) >= maxQuiet
	t.mu.Unlock()
	if due {
		t.emit(nil)
	}
}

// snapshot returns the latest record without emitting
func (t *tracker) snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// watch subscribes to updates. The channel is primed with the current
// snapshot and closed when the analysis reaches a terminal status. The
// returned cancel detaches the subscriber; the tracker remains the only
// closer of the channel.
func (t *tracker) watch() (<-chan Progress, func()) {
	t.mu.Lock()
	if t.done {
		ch := make(chan Progress, 1)
		ch <- t.current
		close(ch)
		t.mu.Unlock()
		return ch, func() {}
	}
	id := t.nextID
	t.nextID++
	ch := make(chan Progress, watcherBuffer)
	ch <- t.current
	t.watchers[id] = ch
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		delete(t.watchers, id)
		t.mu.Unlock()
	}
	return ch, cancel
}

func (t *tracker) save(snap Progress) {
	if t.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	if err := t.store.Save(ctx, state.NamespaceProgress, snap.AnalysisID, snap); err != nil {
		t.logger.Warn().Err(err).
			Str("analysis_id", snap.AnalysisID).
			Msg("Failed to snapshot analysis progress")
	}
}
