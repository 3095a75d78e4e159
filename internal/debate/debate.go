// Package debate runs bounded multi-round exchanges between agents.
// Participants state initial positions, then argue and rebut for up to
// max_rounds rounds; each round is scored for agreement and the debate
// terminates early once consensus strength clears the threshold. The
// final verdict is the dominant stance of the strongest round.
package debate

import (
	"time"

	"github.com/tradecouncil/council/internal/agent"
)

// Stance is the debate-time encoding of a position
type Stance string

const (
	StanceBullish Stance = "bullish"
	StanceBearish Stance = "bearish"
	StanceNeutral Stance = "neutral"
)

// StanceOf maps a trading recommendation onto the debate axis
func StanceOf(rec agent.Recommendation) Stance {
	switch rec {
	case agent.RecommendBuy:
		return StanceBullish
	case agent.RecommendSell:
		return StanceBearish
	default:
		return StanceNeutral
	}
}

// Recommendation maps the stance back onto the trading axis
func (s Stance) Recommendation() agent.Recommendation {
	switch s {
	case StanceBullish:
		return agent.RecommendBuy
	case StanceBearish:
		return agent.RecommendSell
	default:
		return agent.RecommendHold
	}
}

// Status is the lifecycle state of a debate
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

// Rules bound a debate. Zero fields fall back to defaults on Start.
type Rules struct {
	MaxRounds          int           `json:"max_rounds"`
	RoundTimeout       time.Duration `json:"round_timeout"`
	ConsensusThreshold float64       `json:"consensus_threshold"`
}

// DefaultRules returns the standard three-round debate configuration
func DefaultRules() Rules {
	return Rules{
		MaxRounds:          3,
		RoundTimeout:       5 * time.Minute,
		ConsensusThreshold: 0.7,
	}
}

func (r Rules) normalized() Rules {
	def := DefaultRules()
	if r.MaxRounds <= 0 {
		r.MaxRounds = def.MaxRounds
	}
	if r.RoundTimeout <= 0 {
		r.RoundTimeout = def.RoundTimeout
	}
	if r.ConsensusThreshold <= 0 || r.ConsensusThreshold > 1 {
		r.ConsensusThreshold = def.ConsensusThreshold
	}
	return r
}

// Position is a participant's opening stance
type Position struct {
	Kind       string  `json:"kind"`
	Stance     Stance  `json:"stance"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// Argument is one participant's case in one round. Failed agent calls
// still produce an argument so every round accounts for every
// participant; those read neutral with zero confidence.
type Argument struct {
	Kind       string           `json:"kind"`
	Stance     Stance           `json:"stance"`
	Claim      string           `json:"claim,omitempty"`
	Evidence   []string         `json:"evidence,omitempty"`
	Confidence float64          `json:"confidence"`
	Status     agent.TaskStatus `json:"status"`
	Error      string           `json:"error,omitempty"`
}

// Counter is one targeted counterargument within a rebuttal
type Counter struct {
	Target  string `json:"target"`
	Counter string `json:"counter"`
}

// Rebuttal is a participant's response to the current round's arguments
type Rebuttal struct {
	Kind     string           `json:"kind"`
	Counters []Counter        `json:"counters,omitempty"`
	Status   agent.TaskStatus `json:"status"`
	Error    string           `json:"error,omitempty"`
}

// Round is one completed argument/rebuttal exchange with its consensus
// snapshot. Arguments and rebuttals are keyed by participant kind.
type Round struct {
	Number         int                  `json:"round_number"`
	Arguments      map[string]*Argument `json:"arguments"`
	Rebuttals      map[string]*Rebuttal `json:"rebuttals"`
	Dominant       Stance               `json:"dominant_stance"`
	AgreementRatio float64              `json:"agreement_ratio"`
	MeanConfidence float64              `json:"mean_confidence"`
	Strength       float64              `json:"consensus_strength"`
	StartedAt      time.Time            `json:"started_at"`
	FinishedAt     time.Time            `json:"finished_at,omitempty"`
}

// Outcome is the final consensus of a completed debate: the dominant
// stance of the strongest round, with that round's strength as
// confidence
type Outcome struct {
	Stance     Stance  `json:"stance"`
	Confidence float64 `json:"confidence"`
	Round      int     `json:"round"`
}

// Debate is a point-in-time snapshot of one debate
type Debate struct {
	ID           string               `json:"debate_id"`
	Topic        string               `json:"topic"`
	Participants []agent.Kind         `json:"participants"`
	Task         *agent.TaskContext   `json:"task"`
	Rules        Rules                `json:"rules"`
	Status       Status               `json:"status"`
	CurrentRound int                  `json:"current_round"`
	Positions    map[string]*Position `json:"positions,omitempty"`
	Rounds       []*Round             `json:"rounds,omitempty"`
	Final        *Outcome             `json:"final_consensus,omitempty"`
	Error        string               `json:"error,omitempty"`
	StartedAt    time.Time            `json:"started_at"`
	FinishedAt   time.Time            `json:"finished_at,omitempty"`
}
