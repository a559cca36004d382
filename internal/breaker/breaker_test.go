package breaker

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowlens-io/snowlens/internal/taxonomy"
)

func connectionFailure() error {
	return taxonomy.New(taxonomy.CategoryConnection, "backend unreachable")
}

func authFailure() error {
	return taxonomy.New(taxonomy.CategoryAuthentication, "credential rejected")
}

func TestBreaker_ClosedPassesThrough(t *testing.T) {
	b := New(Config{Name: "default"})

	result, err := b.Do(func() (any, error) {
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New(Config{Name: "default", FailureThreshold: 2, RecoveryTimeout: time.Minute})

	var calls atomic.Int32

	fail := func() (any, error) {
		calls.Add(1)

		return nil, connectionFailure()
	}

	for i := 0; i < 2; i++ {
		_, err := b.Do(fail)
		require.Error(t, err)
	}

	require.Equal(t, StateOpen, b.State())

	// The circuit is open: the next call must fail fast without invoking
	// the function.
	_, err := b.Do(fail)
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())

	var classified *taxonomy.Error
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, taxonomy.CategoryConnection, classified.Category)
	assert.Equal(t, "open", classified.Data["circuit_state"])
	assert.Equal(t, 2, classified.Data["failure_count"])
	assert.NotEmpty(t, classified.Data["next_probe_at"])
}

func TestBreaker_AnsweredErrorDoesNotTrip(t *testing.T) {
	b := New(Config{Name: "default", FailureThreshold: 2, RecoveryTimeout: time.Minute})

	var calls atomic.Int32

	for i := 0; i < 5; i++ {
		_, err := b.Do(func() (any, error) {
			calls.Add(1)

			return nil, authFailure()
		})
		require.Error(t, err)

		var classified *taxonomy.Error
		require.ErrorAs(t, err, &classified)
		assert.Equal(t, taxonomy.CategoryAuthentication, classified.Category)
	}

	// Every call reached the backend because answered errors never open
	// the circuit.
	assert.Equal(t, int32(5), calls.Load())
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_AnsweredErrorResetsFailureStreak(t *testing.T) {
	b := New(Config{Name: "default", FailureThreshold: 2, RecoveryTimeout: time.Minute})

	_, err := b.Do(func() (any, error) { return nil, connectionFailure() })
	require.Error(t, err)

	_, err = b.Do(func() (any, error) { return nil, authFailure() })
	require.Error(t, err)

	_, err = b.Do(func() (any, error) { return nil, connectionFailure() })
	require.Error(t, err)

	// The answered error between the two connection failures broke the
	// streak, so the threshold of two was never reached.
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_RecoveryClosesWithinOneWindow(t *testing.T) {
	recovery := 50 * time.Millisecond
	b := New(Config{Name: "default", FailureThreshold: 1, RecoveryTimeout: recovery})

	_, err := b.Do(func() (any, error) { return nil, connectionFailure() })
	require.Error(t, err)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(recovery + 20*time.Millisecond)

	// One probe is admitted after the recovery timeout; its success
	// closes the circuit and clears the failure diagnostics.
	result, err := b.Do(func() (any, error) { return "pong", nil })
	require.NoError(t, err)
	assert.Equal(t, "pong", result)
	assert.Equal(t, StateClosed, b.State())

	snap := b.Snapshot()
	assert.Equal(t, 0, snap.FailureCount)
	assert.True(t, snap.NextProbeAt.IsZero())
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	recovery := 50 * time.Millisecond
	b := New(Config{Name: "default", FailureThreshold: 1, RecoveryTimeout: recovery})

	_, err := b.Do(func() (any, error) { return nil, connectionFailure() })
	require.Error(t, err)

	time.Sleep(recovery + 20*time.Millisecond)

	before := time.Now()

	_, err = b.Do(func() (any, error) { return nil, connectionFailure() })
	require.Error(t, err)

	assert.Equal(t, StateOpen, b.State())

	snap := b.Snapshot()
	assert.False(t, snap.NextProbeAt.Before(before), "failed probe must push the next probe out by a fresh recovery window")
}

func TestBreaker_HalfOpenAdmitsExactlyOneProbe(t *testing.T) {
	recovery := 50 * time.Millisecond
	b := New(Config{Name: "default", FailureThreshold: 1, RecoveryTimeout: recovery})

	_, err := b.Do(func() (any, error) { return nil, connectionFailure() })
	require.Error(t, err)

	time.Sleep(recovery + 20*time.Millisecond)

	probeEntered := make(chan struct{})
	release := make(chan struct{})
	probeDone := make(chan error, 1)

	go func() {
		_, probeErr := b.Do(func() (any, error) {
			close(probeEntered)
			<-release

			return nil, nil
		})
		probeDone <- probeErr
	}()

	<-probeEntered

	// A second caller while the probe is in flight must fail fast.
	var calls atomic.Int32

	_, err = b.Do(func() (any, error) {
		calls.Add(1)

		return nil, nil
	})
	require.Error(t, err)
	assert.Equal(t, int32(0), calls.Load())

	var classified *taxonomy.Error
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, "half_open", classified.Data["circuit_state"])

	close(release)
	require.NoError(t, <-probeDone)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_SnapshotTracksFailures(t *testing.T) {
	b := New(Config{Name: "default", FailureThreshold: 3, RecoveryTimeout: time.Minute})

	start := time.Now()

	for i := 0; i < 2; i++ {
		_, err := b.Do(func() (any, error) { return nil, connectionFailure() })
		require.Error(t, err)
	}

	snap := b.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 2, snap.FailureCount)
	assert.WithinDuration(t, start, snap.LastFailureAt, time.Second)
	assert.True(t, snap.NextProbeAt.IsZero(), "no probe is scheduled while closed")
}

func TestBreaker_SnapshotAfterOpen(t *testing.T) {
	recovery := time.Minute
	b := New(Config{Name: "default", FailureThreshold: 1, RecoveryTimeout: recovery})

	_, err := b.Do(func() (any, error) { return nil, connectionFailure() })
	require.Error(t, err)

	snap := b.Snapshot()
	assert.Equal(t, StateOpen, snap.State)
	assert.Equal(t, 1, snap.FailureCount)
	assert.WithinDuration(t, time.Now().Add(recovery), snap.NextProbeAt, time.Second)
}

func TestBreaker_ErrorPassthroughKeepsCause(t *testing.T) {
	b := New(Config{Name: "default"})

	sentinel := errors.New("boom")

	_, err := b.Do(func() (any, error) { return nil, sentinel })
	require.ErrorIs(t, err, sentinel)
}

func TestRegistry_SharesBreakerPerBackend(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 2, RecoveryTimeout: time.Minute})

	prod := r.For("prod")
	again := r.For("prod")
	dev := r.For("dev")

	assert.Same(t, prod, again)
	assert.NotSame(t, prod, dev)
}

func TestRegistry_SnapshotsCoverCreatedBreakers(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})

	_, err := r.For("prod").Do(func() (any, error) { return nil, connectionFailure() })
	require.Error(t, err)

	r.For("dev")

	snaps := r.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, StateOpen, snaps["prod"].State)
	assert.Equal(t, StateClosed, snaps["dev"].State)
}
