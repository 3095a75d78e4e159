// Package state provides the typed KV store used for agent, task,
// workflow and debate snapshots plus final analysis results. Entries live
// in an in-memory tier that readers hit directly; Redis and Postgres
// backends are optional and strictly best-effort.
package state

import (
	"encoding/json"
	"time"
)

// Namespace partitions the store. The set is closed; writes to an
// unknown namespace are rejected.
type Namespace string

const (
	NamespaceAgent    Namespace = "agent"
	NamespaceTask     Namespace = "task"
	NamespaceWorkflow Namespace = "workflow"
	NamespaceDebate   Namespace = "debate"
	NamespaceResult   Namespace = "result"
	NamespaceProgress Namespace = "progress"
)

// AllNamespaces returns the closed namespace set in stable order
func AllNamespaces() []Namespace {
	return []Namespace{
		NamespaceAgent,
		NamespaceTask,
		NamespaceWorkflow,
		NamespaceDebate,
		NamespaceResult,
		NamespaceProgress,
	}
}

// Valid reports whether the namespace is part of the closed set
func (ns Namespace) Valid() bool {
	switch ns {
	case NamespaceAgent, NamespaceTask, NamespaceWorkflow,
		NamespaceDebate, NamespaceResult, NamespaceProgress:
		return true
	}
	return false
}

// TTL returns the inactivity lifetime for entries in the namespace.
// Results are kept a day; everything else expires after an hour.
func (ns Namespace) TTL() time.Duration {
	if ns == NamespaceResult {
		return 24 * time.Hour
	}
	return time.Hour
}

// Entry is one stored value with its expiry bookkeeping
type Entry struct {
	Namespace Namespace       `json:"namespace"`
	ID        string          `json:"id"`
	Value     json.RawMessage `json:"value"`
	SavedAt   time.Time       `json:"saved_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Expired reports whether the entry lapsed at the given time
func (e *Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Decode unmarshals the stored value into out
func (e *Entry) Decode(out any) error {
	return json.Unmarshal(e.Value, out)
}

// Filter narrows Query results. Zero value matches everything.
type Filter struct {
	// IDPrefix keeps entries whose id starts with the prefix
	IDPrefix string
	// SavedAfter keeps entries saved strictly after the given time
	SavedAfter time.Time
	// Limit caps the number of returned entries (0 = unlimited)
	Limit int
}

func (f Filter) matches(e *Entry) bool {
	if f.IDPrefix != "" && len(e.ID) < len(f.IDPrefix) {
		return false
	}
	if f.IDPrefix != "" && e.ID[:len(f.IDPrefix)] != f.IDPrefix {
		return false
	}
	if !f.SavedAfter.IsZero() && !e.SavedAt.After(f.SavedAfter) {
		return false
	}
	return true
}
