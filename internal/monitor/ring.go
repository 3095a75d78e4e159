package monitor

import (
	"sync"
	"time"
)

// alertHistoryCap bounds the alert ring
const alertHistoryCap = 100

// ThresholdAlert records one threshold breach
type ThresholdAlert struct {
	Metric    string    `json:"metric"`
	Severity  string    `json:"severity"`
	AgentID   string    `json:"agent_id,omitempty"`
	Observed  float64   `json:"observed"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// alertRing is a fixed-capacity ring; new alerts overwrite the oldest
type alertRing struct {
	mu   sync.Mutex
	buf  []ThresholdAlert
	next int
	full bool
}

func newAlertRing() *alertRing {
	return &alertRing{buf: make([]ThresholdAlert, alertHistoryCap)}
}

func (r *alertRing) add(a ThresholdAlert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = a
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// list returns alerts oldest-first
func (r *alertRing) list() []ThresholdAlert {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]ThresholdAlert, r.next)
		copy(out, r.buf[:r.next])
		return out
	}

	out := make([]ThresholdAlert, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

func (r *alertRing) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}
