package circuit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/multivault/pkg/circuit"
)

var errBoom = errors.New("boom")

func failing() error { return errBoom }
func succeeding() error { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("should stay closed below the failure threshold", func(t *testing.T) {
		b := circuit.NewBreaker(circuit.Config{MaxFailures: 3, Timeout: time.Minute})

		for i := 0; i < 2; i++ {
			assert.ErrorIs(t, b.Execute(ctx, failing), errBoom)
		}
		assert.Equal(t, circuit.StateClosed, b.State())
	})

	t.Run("should open at the threshold and reject calls", func(t *testing.T) {
		b := circuit.NewBreaker(circuit.Config{MaxFailures: 3, Timeout: time.Minute})

		for i := 0; i < 3; i++ {
			require.Error(t, b.Execute(ctx, failing))
		}
		assert.Equal(t, circuit.StateOpen, b.State())

		called := false
		err := b.Execute(ctx, func() error { called = true; return nil })
		assert.ErrorIs(t, err, circuit.ErrCircuitOpen)
		assert.False(t, called)
	})

	t.Run("should reset the failure count on success", func(t *testing.T) {
		b := circuit.NewBreaker(circuit.Config{MaxFailures: 3, Timeout: time.Minute})

		require.Error(t, b.Execute(ctx, failing))
		require.Error(t, b.Execute(ctx, failing))
		require.NoError(t, b.Execute(ctx, succeeding))
		require.Error(t, b.Execute(ctx, failing))
		require.Error(t, b.Execute(ctx, failing))

		assert.Equal(t, circuit.StateClosed, b.State())
	})
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	ctx := context.Background()

	open := func(t *testing.T, timeout time.Duration) *circuit.Breaker {
		t.Helper()
		b := circuit.NewBreaker(circuit.Config{MaxFailures: 1, Timeout: timeout})
		require.Error(t, b.Execute(ctx, failing))
		require.Equal(t, circuit.StateOpen, b.State())
		return b
	}

	t.Run("should close again after a successful probe", func(t *testing.T) {
		b := open(t, 10*time.Millisecond)
		time.Sleep(20 * time.Millisecond)

		require.NoError(t, b.Execute(ctx, succeeding))
		assert.Equal(t, circuit.StateClosed, b.State())
	})

	t.Run("should reopen after a failed probe", func(t *testing.T) {
		b := open(t, 10*time.Millisecond)
		time.Sleep(20 * time.Millisecond)

		require.Error(t, b.Execute(ctx, failing))
		assert.Equal(t, circuit.StateOpen, b.State())
	})

	t.Run("should admit a single probe at a time", func(t *testing.T) {
		b := open(t, 10*time.Millisecond)
		time.Sleep(20 * time.Millisecond)

		release := make(chan struct{})
		probing := make(chan struct{})
		go func() {
			_ = b.Execute(ctx, func() error {
				close(probing)
				<-release
				return nil
			})
		}()
		<-probing

		err := b.Execute(ctx, succeeding)
		assert.ErrorIs(t, err, circuit.ErrCircuitOpen)
		close(release)
	})

	t.Run("should notify on state changes", func(t *testing.T) {
		var transitions []string
		b := circuit.NewBreaker(circuit.Config{
			MaxFailures: 1,
			Timeout:     10 * time.Millisecond,
			OnStateChange: func(from, to circuit.State) {
				transitions = append(transitions, from.String()+">"+to.String())
			},
		})

		require.Error(t, b.Execute(ctx, failing))
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, b.Execute(ctx, succeeding))

		assert.Equal(t, []string{"closed>open", "open>half-open", "half-open>closed"}, transitions)
	})
}

func TestBreakerContext(t *testing.T) {
	t.Run("should refuse work when the context is done", func(t *testing.T) {
		b := circuit.NewBreaker(circuit.Config{MaxFailures: 3, Timeout: time.Minute})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		called := false
		err := b.Execute(ctx, func() error { called = true; return nil })
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, called)
		assert.Equal(t, circuit.StateClosed, b.State())
	})
}
