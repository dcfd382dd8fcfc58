package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnny-lai/sqs-dispatch/internal/handler"
	"github.com/johnny-lai/sqs-dispatch/internal/queue"
)

// fakeAdapter is an in-memory queue.Adapter driven by test cases: Poll
// results are fed through a channel, and every Delete/ChangeVisibility
// call is recorded for assertions.
type fakeAdapter struct {
	mu sync.Mutex

	toDeliver [][]queue.Message // one slice per Receive call; empty slice beyond that

	deleteCalls     [][]string
	visibilityCalls [][]string
}

func (f *fakeAdapter) Receive(ctx context.Context, maxMessages, waitSeconds int32) ([]queue.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.toDeliver) == 0 {
		return nil, nil
	}
	next := f.toDeliver[0]
	f.toDeliver = f.toDeliver[1:]
	return next, nil
}

func (f *fakeAdapter) DeleteBatch(ctx context.Context, receipts []string) (queue.BatchResult, error) {
	f.mu.Lock()
	f.deleteCalls = append(f.deleteCalls, append([]string(nil), receipts...))
	f.mu.Unlock()
	return queue.BatchResult{Succeeded: receipts}, nil
}

func (f *fakeAdapter) ChangeVisibilityBatch(ctx context.Context, receipts []string, timeoutSeconds int32) (queue.BatchResult, error) {
	f.mu.Lock()
	f.visibilityCalls = append(f.visibilityCalls, append([]string(nil), receipts...))
	f.mu.Unlock()
	return queue.BatchResult{Succeeded: receipts}, nil
}

func (f *fakeAdapter) CheckConnectivity(ctx context.Context) error { return nil }

func (f *fakeAdapter) snapshot() (deletes, visibilities [][]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.deleteCalls...), append([][]string(nil), f.visibilityCalls...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.ShutdownGrace = 2 * time.Second
	return cfg
}

// TestHappyPath covers spec scenario 1.
func TestHappyPath(t *testing.T) {
	adapter := &fakeAdapter{toDeliver: [][]queue.Message{
		{{ID: "m1", ReceiptHandle: "r1", Body: "hello"}},
	}}

	h := handler.Func(func(ctx context.Context, msg *queue.Message) {
		time.Sleep(50 * time.Millisecond)
	})

	d := New(adapter, h, testConfig())
	go d.Run(context.Background())

	require.Eventually(t, func() bool {
		deletes, _ := adapter.snapshot()
		for _, batch := range deletes {
			for _, r := range batch {
				if r == "r1" {
					return true
				}
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	d.Shutdown()
	<-d.Stopped()
	assert.Equal(t, 0, d.InflightCount())
}

// TestHeartbeatWhileBusy covers spec scenario 2.
func TestHeartbeatWhileBusy(t *testing.T) {
	adapter := &fakeAdapter{toDeliver: [][]queue.Message{
		{{ID: "m2", ReceiptHandle: "r2"}},
	}}

	started := make(chan struct{})
	h := handler.Func(func(ctx context.Context, msg *queue.Message) {
		close(started)
		time.Sleep(300 * time.Millisecond)
	})

	cfg := testConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	d := New(adapter, h, cfg)
	go d.Run(context.Background())

	<-started
	time.Sleep(250 * time.Millisecond)

	_, visibilities := adapter.snapshot()
	count := 0
	for _, batch := range visibilities {
		for _, r := range batch {
			if r == "r2" {
				count++
			}
		}
	}
	assert.GreaterOrEqual(t, count, 2)

	require.Eventually(t, func() bool {
		deletes, _ := adapter.snapshot()
		for _, batch := range deletes {
			for _, r := range batch {
				if r == "r2" {
					return true
				}
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	d.Shutdown()
	<-d.Stopped()
}

// TestShutdownDuringWork covers spec scenario 3.
func TestShutdownDuringWork(t *testing.T) {
	adapter := &fakeAdapter{toDeliver: [][]queue.Message{
		{
			{ID: "m3", ReceiptHandle: "r3"},
			{ID: "m4", ReceiptHandle: "r4"},
		},
	}}

	h := handler.Func(func(ctx context.Context, msg *queue.Message) {
		time.Sleep(200 * time.Millisecond)
	})

	cfg := testConfig()
	cfg.ShutdownGrace = 5 * time.Second
	d := New(adapter, h, cfg)
	go d.Run(context.Background())

	time.Sleep(20 * time.Millisecond)
	d.Shutdown()

	select {
	case <-d.Stopped():
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not terminate")
	}

	deletes, _ := adapter.snapshot()
	seen := map[string]bool{}
	for _, batch := range deletes {
		for _, r := range batch {
			seen[r] = true
		}
	}
	assert.True(t, seen["r3"])
	assert.True(t, seen["r4"])
	assert.Equal(t, StateTerminated, d.State())
}

// TestShutdownExceedsGrace covers spec scenario 4.
func TestShutdownExceedsGrace(t *testing.T) {
	adapter := &fakeAdapter{toDeliver: [][]queue.Message{
		{{ID: "m5", ReceiptHandle: "r5"}},
	}}

	block := make(chan struct{})
	h := handler.Func(func(ctx context.Context, msg *queue.Message) {
		<-block // never returns within the test
	})
	defer close(block)

	cfg := testConfig()
	cfg.ShutdownGrace = 100 * time.Millisecond
	d := New(adapter, h, cfg)
	go d.Run(context.Background())

	time.Sleep(20 * time.Millisecond)
	d.Shutdown()

	select {
	case <-d.Stopped():
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not terminate within grace")
	}

	deletes, _ := adapter.snapshot()
	for _, batch := range deletes {
		for _, r := range batch {
			assert.NotEqual(t, "r5", r)
		}
	}
}

// TestMissingReceiptIsDropped covers spec scenario 5.
func TestMissingReceiptIsDropped(t *testing.T) {
	adapter := &fakeAdapter{toDeliver: [][]queue.Message{
		{{ID: "m5", ReceiptHandle: "", Body: "x"}},
	}}

	called := false
	h := handler.Func(func(ctx context.Context, msg *queue.Message) {
		called = true
	})

	d := New(adapter, h, testConfig())
	go d.Run(context.Background())

	time.Sleep(100 * time.Millisecond)
	d.Shutdown()
	<-d.Stopped()

	assert.False(t, called)
	deletes, _ := adapter.snapshot()
	assert.Empty(t, deletes)
}
