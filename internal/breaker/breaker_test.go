package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecouncil/council/internal/fault"
)

func TestExecute_Success(t *testing.T) {
	m := NewManager()

	got, err := Execute(m.LLM(), func() (string, error) {
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, gobreaker.StateClosed, m.LLM().State())
}

func TestExecute_PropagatesError(t *testing.T) {
	m := NewManager()
	boom := errors.New("upstream 500")

	_, err := Execute(m.Data(), func() (int, error) {
		return 0, boom
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
}

func TestExecute_OpenCircuitBecomesTransportFault(t *testing.T) {
	m := NewManagerWithSettings(&Settings{
		MinRequests:     2,
		FailureRatio:    0.5,
		OpenTimeout:     time.Minute,
		HalfOpenMaxReqs: 1,
		CountInterval:   time.Minute,
	}, nil, nil)

	// Trip the breaker.
	for i := 0; i < 3; i++ {
		_, _ = Execute(m.LLM(), func() (string, error) {
			return "", errors.New("gateway down")
		})
	}
	require.Equal(t, gobreaker.StateOpen, m.LLM().State())

	_, err := Execute(m.LLM(), func() (string, error) {
		t.Fatal("must not be called while open")
		return "", nil
	})

	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindTransport))
}

func TestPassthroughManager_NeverTrips(t *testing.T) {
	m := NewPassthroughManager()

	for i := 0; i < 50; i++ {
		_, _ = Execute(m.Database(), func() (bool, error) {
			return false, errors.New("always failing")
		})
	}

	// Still lets calls through.
	got, err := Execute(m.Database(), func() (bool, error) {
		return true, nil
	})
	require.NoError(t, err)
	assert.True(t, got)
}

func TestManager_DistinctBreakersPerUpstream(t *testing.T) {
	m := NewManager()

	assert.Equal(t, "llm", m.LLM().Name())
	assert.Equal(t, "data", m.Data().Name())
	assert.Equal(t, "database", m.Database().Name())

	// Tripping one upstream leaves the others closed.
	trip := NewManagerWithSettings(&Settings{
		MinRequests:     1,
		FailureRatio:    0.1,
		OpenTimeout:     time.Minute,
		HalfOpenMaxReqs: 1,
		CountInterval:   time.Minute,
	}, nil, nil)
	for i := 0; i < 2; i++ {
		_, _ = Execute(trip.LLM(), func() (string, error) {
			return "", errors.New("down")
		})
	}
	assert.Equal(t, gobreaker.StateOpen, trip.LLM().State())
	assert.Equal(t, gobreaker.StateClosed, trip.Data().State())
	assert.Equal(t, gobreaker.StateClosed, trip.Database().State())
}
