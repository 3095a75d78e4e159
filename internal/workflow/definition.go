// Package workflow implements the DAG execution engine: validated workflow
// definitions, the built-in analysis workflows, and a driver that honors
// dependencies, per-step parallelism, optional steps, failure strategies,
// timeouts and cancellation.
package workflow

import (
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradecouncil/council/internal/agent"
	"github.com/tradecouncil/council/internal/fault"
)

// FailureStrategy decides what a non-optional step failure does to the
// rest of the execution
type FailureStrategy string

const (
	// FailStop ends the execution at the first non-optional failure
	FailStop FailureStrategy = "stop"
	// FailContinue keeps driving steps whose dependencies are intact;
	// dependents of the failed step fail by propagation
	FailContinue FailureStrategy = "continue"
)

const (
	// defaultStepTimeout bounds a step that does not declare its own
	defaultStepTimeout = 5 * time.Minute
	// defaultWorkflowTimeout bounds a definition without a global timeout
	defaultWorkflowTimeout = 30 * time.Minute
	// defaultStepRetries is how often a step retries agent selection when
	// no agent is free at dispatch time
	defaultStepRetries = 1
)

// Step is one node of a workflow DAG
type Step struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	AgentKinds []agent.Kind   `json:"agent_kinds"`
	DependsOn  []string       `json:"depends_on,omitempty"`
	Parallel   bool           `json:"parallel"`
	Optional   bool           `json:"optional"`
	Condition  string         `json:"condition,omitempty"`
	Timeout    time.Duration  `json:"timeout"`
	MaxRetries int            `json:"max_retries"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Definition is a validated workflow: an ordered list of steps whose
// dependencies only ever point at earlier steps
type Definition struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Version         string            `json:"version"`
	Steps           []Step            `json:"steps"`
	Timeout         time.Duration     `json:"timeout"`
	FailureStrategy FailureStrategy   `json:"failure_strategy"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Validate checks structural integrity. Steps must be non-empty with
// unique ids, every dependency must name an earlier step (which makes
// the graph a DAG by construction), agent kinds must be known, and the
// version must parse as semver.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fault.New(fault.KindInvalid, "workflow id is required")
	}
	if d.Name == "" {
		return fault.Newf(fault.KindInvalid, "workflow %s: name is required", d.ID)
	}
	if _, err := semver.NewVersion(d.Version); err != nil {
		return fault.Newf(fault.KindInvalid, "workflow %s: version %q is not semver", d.ID, d.Version)
	}
	if len(d.Steps) == 0 {
		return fault.Newf(fault.KindInvalid, "workflow %s: at least one step is required", d.ID)
	}

	switch d.FailureStrategy {
	case FailStop, FailContinue, "":
	default:
		return fault.Newf(fault.KindInvalid, "workflow %s: unknown failure strategy %q", d.ID, d.FailureStrategy)
	}

	seen := make(map[string]bool, len(d.Steps))
	for i, step := range d.Steps {
		if step.ID == "" {
			return fault.Newf(fault.KindInvalid, "workflow %s: step %d has no id", d.ID, i)
		}
		if seen[step.ID] {
			return fault.Newf(fault.KindInvalid, "workflow %s: duplicate step id %q", d.ID, step.ID)
		}
		if step.Name == "" {
			return fault.Newf(fault.KindInvalid, "workflow %s: step %q has no name", d.ID, step.ID)
		}
		if len(step.AgentKinds) == 0 {
			return fault.Newf(fault.KindInvalid, "workflow %s: step %q names no agent kinds", d.ID, step.ID)
		}
		for _, kind := range step.AgentKinds {
			if _, err := agent.ParseKind(string(kind)); err != nil {
				return fault.Newf(fault.KindInvalid, "workflow %s: step %q: %v", d.ID, step.ID, err)
			}
		}
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				return fault.Newf(fault.KindInvalid,
					"workflow %s: step %q depends on %q which is not an earlier step", d.ID, step.ID, dep)
			}
		}
		seen[step.ID] = true
	}
	return nil
}

// normalize fills defaults after validation
func (d *Definition) normalize() {
	if d.FailureStrategy == "" {
		d.FailureStrategy = FailStop
	}
	if d.Timeout <= 0 {
		d.Timeout = defaultWorkflowTimeout
	}
	for i := range d.Steps {
		if d.Steps[i].Timeout <= 0 {
			d.Steps[i].Timeout = defaultStepTimeout
		}
		if d.Steps[i].MaxRetries < 0 {
			d.Steps[i].MaxRetries = 0
		}
	}
}

// step returns the definition step by id
func (d *Definition) step(id string) *Step {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// Library is the registry of workflow definitions
type Library struct {
	mu   sync.RWMutex
	defs map[string]*Definition
	log  zerolog.Logger
}

// NewLibrary creates a library pre-seeded with the built-in workflows
func NewLibrary() *Library {
	l := &Library{
		defs: make(map[string]*Definition),
		log:  log.With().Str("component", "workflow_library").Logger(),
	}
	for _, def := range builtinDefinitions() {
		if err := l.Register(def); err != nil {
			// Built-ins are code constants; a failure here is a programming error
			panic(fmt.Sprintf("invalid built-in workflow %s: %v", def.ID, err))
		}
	}
	return l
}

// Register validates and stores a definition. Re-registering an id is
// allowed as long as the version does not decrease.
func (l *Library) Register(def *Definition) error {
	if def == nil {
		return fault.New(fault.KindInvalid, "workflow definition is required")
	}
	if err := def.Validate(); err != nil {
		return err
	}

	version, _ := semver.NewVersion(def.Version)

	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.defs[def.ID]; ok {
		current, _ := semver.NewVersion(existing.Version)
		if version.LessThan(current) {
			return fault.Newf(fault.KindInvalid,
				"workflow %s: version %s is older than registered %s", def.ID, def.Version, existing.Version)
		}
	}

	stored := *def
	stored.normalize()
	l.defs[def.ID] = &stored

	l.log.Info().
		Str("workflow_id", def.ID).
		Str("version", def.Version).
		Int("steps", len(def.Steps)).
		Msg("Workflow registered")
	return nil
}

// Get returns a definition by id
func (l *Library) Get(id string) (*Definition, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	def, ok := l.defs[id]
	if !ok {
		return nil, fault.Newf(fault.KindNotFound, "workflow %s not registered", id)
	}
	return def, nil
}

// List returns every registered definition sorted by id
func (l *Library) List() []*Definition {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Definition, 0, len(l.defs))
	for _, def := range l.defs {
		out = append(out, def)
	}
	sortDefinitions(out)
	return out
}

func sortDefinitions(defs []*Definition) {
	for i := 1; i < len(defs); i++ {
		for j := i; j > 0 && defs[j].ID < defs[j-1].ID; j-- {
			defs[j], defs[j-1] = defs[j-1], defs[j]
		}
	}
}
