package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/lakeflow/internal/clock"
	"github.com/rendis/lakeflow/pkg/schema"
)

var t0 = time.Date(2025, 1, 30, 0, 0, 0, 0, time.UTC)

func newTestBreakers(threshold int, cooldown time.Duration) (*BreakerRegistry, *clock.Fake) {
	fc := clock.NewFake(t0)
	return NewBreakerRegistry(BreakerConfig{FailureThreshold: threshold, Cooldown: cooldown}, fc), fc
}

func TestBreaker_StartsClosed(t *testing.T) {
	br, _ := newTestBreakers(3, time.Minute)
	assert.NoError(t, br.AllowRequest("cleaner"))
	assert.Equal(t, CircuitClosed, br.State("cleaner"))
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	br, _ := newTestBreakers(3, 10*time.Second)

	br.RecordFailure("cleaner")
	br.RecordFailure("cleaner")
	assert.Equal(t, CircuitClosed, br.State("cleaner"))

	assert.Equal(t, CircuitOpen, br.RecordFailure("cleaner"))

	err := br.AllowRequest("cleaner")
	require.Error(t, err)
	var pe *schema.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, schema.ErrCodeCircuitOpen, pe.Code)
	assert.True(t, pe.IsRetryable(), "open circuit is transient")
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	br, _ := newTestBreakers(3, 10*time.Second)
	br.RecordFailure("x")
	br.RecordFailure("x")
	br.RecordSuccess("x")
	br.RecordFailure("x")
	br.RecordFailure("x")
	assert.Equal(t, CircuitClosed, br.State("x"))
	br.RecordFailure("x")
	assert.Equal(t, CircuitOpen, br.State("x"))
}

func TestBreaker_HalfOpenLifecycle(t *testing.T) {
	br, fc := newTestBreakers(2, 30*time.Second)
	br.RecordFailure("crawler")
	br.RecordFailure("crawler")
	require.Error(t, br.AllowRequest("crawler"))

	fc.Advance(30 * time.Second)
	assert.Equal(t, CircuitHalfOpen, br.State("crawler"))

	require.NoError(t, br.AllowRequest("crawler"), "first trial call allowed")
	assert.Error(t, br.AllowRequest("crawler"), "second trial call rejected")

	assert.Equal(t, CircuitOpen, br.RecordFailure("crawler"), "failed trial call reopens")

	fc.Advance(30 * time.Second)
	require.NoError(t, br.AllowRequest("crawler"))
	br.RecordSuccess("crawler")
	assert.Equal(t, CircuitClosed, br.State("crawler"))
}

func TestBreaker_AbortReleasesHalfOpenTrial(t *testing.T) {
	br, fc := newTestBreakers(1, 10*time.Second)
	br.RecordFailure("cleaner")
	fc.Advance(10 * time.Second)

	require.NoError(t, br.AllowRequest("cleaner"))
	require.Error(t, br.AllowRequest("cleaner"), "trial call in flight")

	br.RecordAbort("cleaner")
	assert.Equal(t, CircuitHalfOpen, br.State("cleaner"))
	require.NoError(t, br.AllowRequest("cleaner"), "slot handed back")
}

func TestBreaker_AbortOnClosedCircuitIsNoop(t *testing.T) {
	br, _ := newTestBreakers(2, time.Minute)
	br.RecordFailure("x")
	br.RecordAbort("x")
	assert.Equal(t, CircuitClosed, br.State("x"))
	assert.Equal(t, CircuitOpen, br.RecordFailure("x"), "abort keeps the failure count")
}

func TestBreaker_PerRefIsolation(t *testing.T) {
	br, _ := newTestBreakers(1, time.Minute)
	br.RecordFailure("a")
	assert.Equal(t, CircuitOpen, br.State("a"))
	assert.NoError(t, br.AllowRequest("b"))
}

func TestBreaker_Snapshot(t *testing.T) {
	br, clk := newTestBreakers(2, time.Minute)
	assert.Empty(t, br.Snapshot())

	br.RecordFailure("spark")
	br.RecordFailure("crawler")
	br.RecordFailure("crawler")

	snap := br.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "crawler", snap[0].JobRef)
	assert.Equal(t, "open", snap[0].State)
	assert.Equal(t, 2, snap[0].ConsecutiveFailures)
	assert.Equal(t, "spark", snap[1].JobRef)
	assert.Equal(t, "closed", snap[1].State)
	assert.Equal(t, 1, snap[1].ConsecutiveFailures)
	assert.Equal(t, 2, snap[1].FailureThreshold)
	assert.Equal(t, "1m0s", snap[1].Cooldown)

	clk.Advance(time.Minute)
	assert.Equal(t, "half_open", br.Snapshot()[0].State)
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(99).String())
}
