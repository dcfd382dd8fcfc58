package lifecycle

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExecuteRunsStepsInFixedOrder(t *testing.T) {
	m := NewManager()
	m.SetShutdownTimeout(time.Second)

	var order []string
	record := func(name string) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			order = append(order, name)
			return nil
		}
	}

	// Registered out of order to prove Execute's order is fixed, not
	// registration order.
	m.RegisterFinalShutdown("observability", record("final"))
	m.RegisterDispatcherShutdown("dispatcher", time.Second, record("dispatcher"))
	m.RegisterAdminHTTPShutdown("admin-http", record("admin-http"))

	require := assert.New(t)
	require.NoError(m.Execute())
	require.Equal([]string{"admin-http", "dispatcher", "final"}, order)
}

func TestExecuteSkipsUnregisteredSteps(t *testing.T) {
	m := NewManager()
	m.SetShutdownTimeout(time.Second)

	var ran bool
	m.RegisterDispatcherShutdown("dispatcher", time.Second, func(ctx context.Context) error {
		ran = true
		return nil
	})

	assert.NoError(t, m.Execute())
	assert.True(t, ran)
}

func TestExecuteTimesOutSlowStep(t *testing.T) {
	m := NewManager()
	m.SetShutdownTimeout(50 * time.Millisecond)

	m.RegisterDispatcherShutdown("dispatcher", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := m.Execute()
	assert.Error(t, err)
}

func TestShutdownUnblocksWaitForSignal(t *testing.T) {
	m := NewManager()
	var fired atomic.Bool

	go func() {
		m.WaitForSignal()
		fired.Store(true)
	}()

	time.Sleep(10 * time.Millisecond)
	m.Shutdown()

	assert.Eventually(t, fired.Load, time.Second, 10*time.Millisecond)
}
