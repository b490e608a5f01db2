package shutdown

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownRunsLIFO(t *testing.T) {
	m := New(time.Second, nil)
	var order []string
	for _, name := range []string{"logs", "monitors", "workload"} {
		name := name
		m.Register(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	assert.Empty(t, m.Shutdown())
	assert.Equal(t, []string{"workload", "monitors", "logs"}, order)

	// second call is a no-op
	assert.Nil(t, m.Shutdown())
	assert.Len(t, order, 3)
}

func TestShutdownCollectsErrors(t *testing.T) {
	m := New(time.Second, nil)
	boom := errors.New("boom")
	ran := false
	m.Register("first", func(context.Context) error {
		ran = true
		return nil
	})
	m.Register("second", func(context.Context) error { return boom })

	errs := m.Shutdown()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)
	assert.Contains(t, errs[0].Error(), "second")
	assert.True(t, ran)
}

func TestShutdownStepHasDeadline(t *testing.T) {
	m := New(50*time.Millisecond, nil)
	m.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	errs := m.Shutdown()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], context.DeadlineExceeded)
}

func TestRegisterAfterShutdownRunsImmediately(t *testing.T) {
	m := New(time.Second, nil)
	m.Shutdown()
	ran := false
	m.Register("late", func(context.Context) error {
		ran = true
		return nil
	})
	assert.True(t, ran)
}

func TestSignalContext(t *testing.T) {
	ctx, cancel := SignalContext(context.Background(), nil)
	defer cancel()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGINT))
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context not cancelled by SIGINT")
	}
}
