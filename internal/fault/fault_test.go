package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindInternal},
		{"plain error", errors.New("boom"), KindInternal},
		{"classified", New(KindAgentBusy, "agent at capacity"), KindAgentBusy},
		{"wrapped classified", fmt.Errorf("dispatch: %w", New(KindNotFound, "no such agent")), KindNotFound},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"wrapped deadline", fmt.Errorf("step: %w", context.DeadlineExceeded), KindTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorIs_MatchesByKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", Wrap(KindAgentUnavailable, "no idle market analyst", errors.New("pool empty")))

	assert.True(t, errors.Is(err, &Error{Kind: KindAgentUnavailable}))
	assert.False(t, errors.Is(err, &Error{Kind: KindAgentBusy}))
	assert.True(t, IsKind(err, KindAgentUnavailable))
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindTransport, "data service request failed", cause)

	assert.Equal(t, "data service request failed: connection refused", err.Error())
	assert.True(t, errors.Is(err, cause))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "agent_busy", KindAgentBusy.String())
	assert.Equal(t, "internal", KindInternal.String())
	assert.Equal(t, "not_found", KindNotFound.String())
}

func TestNewf(t *testing.T) {
	err := Newf(KindInvalid, "research_depth %d out of range", 9)
	assert.Equal(t, "research_depth 9 out of range", err.Message)
	assert.Equal(t, KindInvalid, err.Kind)
}
