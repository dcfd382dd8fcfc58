// Package dispatcher implements the core concurrent state machine
// described as "the dispatcher loop": it polls the queue, hands messages
// to a handler pool, extends visibility on a heartbeat, deletes finished
// receipts in batch, and drains outstanding work on shutdown. Grounded
// on original_source/sqs-dispatch/src/dispatch.rs for the loop's
// semantics and on internal/router/manager.QueueManager's
// runVisibilityExtender/Start/Stop for the idiomatic Go shape of the
// same ticker-driven lifecycle.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/johnny-lai/sqs-dispatch/internal/handler"
	"github.com/johnny-lai/sqs-dispatch/internal/metrics"
	"github.com/johnny-lai/sqs-dispatch/internal/queue"
)

// State is one of the three states in spec §4.5.
type State int32

const (
	StateRunning State = iota
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Heartbeat visibility presets (spec §4.1 design note, §9 Open Question).
//
// HeartbeatVisibilityShort is the value observed in the original source:
// it *shortens* visibility to near-immediate instead of extending it,
// the opposite of "keep processing exclusively." It is preserved here
// only as an explicit, clearly-labeled opt-in for parity testing — never
// the default.
const HeartbeatVisibilityShort int32 = 1

// HeartbeatVisibilityLong is the redesigned default: extend visibility
// generously so a message stays invisible to other consumers for the
// whole heartbeat interval between ticks.
const HeartbeatVisibilityLong int32 = 30

// Config configures a Dispatcher. New uses every field as given; start
// from DefaultConfig to get populated values.
type Config struct {
	// MaxMessages per Receive call, ≤10 (SQS limit).
	MaxMessages int32
	// WaitSeconds is the long-poll wait window.
	WaitSeconds int32
	// HeartbeatInterval is how often Inflight is refreshed; spec default
	// 500ms.
	HeartbeatInterval time.Duration
	// HeartbeatVisibilitySeconds is the value passed to
	// ChangeVisibilityBatch on every heartbeat tick.
	HeartbeatVisibilitySeconds int32
	// ShutdownGrace bounds how long Draining waits for outstanding
	// workers before abandoning them.
	ShutdownGrace time.Duration
	// SpawnRateLimit, if non-zero, caps worker spawns per second.
	SpawnRateLimit float64
	SpawnRateBurst int
	// OnPanic, if set, is invoked for every recovered handler panic in
	// addition to the standard log line and metric — this worker's hook
	// into Sentry reporting.
	OnPanic func(messageID string, recovered interface{})
}

// DefaultConfig returns the spec's recommended defaults.
func DefaultConfig() Config {
	return Config{
		MaxMessages:                10,
		WaitSeconds:                20,
		HeartbeatInterval:          500 * time.Millisecond,
		HeartbeatVisibilitySeconds: HeartbeatVisibilityLong,
		ShutdownGrace:              10 * time.Second,
	}
}

// Dispatcher is the state machine driving one queue against one handler.
type Dispatcher struct {
	adapter queue.Adapter
	pool    *pool
	inflight *inflight
	cfg     Config
	breaker *gobreaker.CircuitBreaker

	mu    sync.Mutex
	state State

	inflightGauge atomic.Int64

	stopCh    chan struct{}
	stopOnce  sync.Once
	stoppedCh chan struct{}
}

// New builds a Dispatcher. h is invoked once per delivered message.
func New(adapter queue.Adapter, h handler.Handler, cfg Config) *Dispatcher {
	var limiter *rate.Limiter
	if cfg.SpawnRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SpawnRateLimit), cfg.SpawnRateBurst)
	}

	d := &Dispatcher{
		adapter:   adapter,
		pool:      newPool(h, limiter, cfg.OnPanic),
		inflight:  newInflight(),
		cfg:       cfg,
		state:     StateRunning,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}

	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sqs-poll",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("poll circuit breaker state changed")
			switch to {
			case gobreaker.StateClosed:
				metrics.PollBreakerState.Set(metrics.CircuitBreakerClosed)
			case gobreaker.StateOpen:
				metrics.PollBreakerState.Set(metrics.CircuitBreakerOpen)
			case gobreaker.StateHalfOpen:
				metrics.PollBreakerState.Set(metrics.CircuitBreakerHalfOpen)
			}
		},
	})

	return d
}

// State returns the dispatcher's current state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Dispatcher) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// InflightCount returns the current size of the Inflight Registry,
// snapshotted after the last insert or remove. Safe to call from
// outside the loop goroutine (e.g. the admin status endpoint).
func (d *Dispatcher) InflightCount() int {
	return int(d.inflightGauge.Load())
}

// Shutdown requests a transition to Draining. It returns immediately;
// callers that need to wait for Terminated should read Stopped().
func (d *Dispatcher) Shutdown() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// Stopped is closed once Run has returned.
func (d *Dispatcher) Stopped() <-chan struct{} {
	return d.stoppedCh
}

type pollResult struct {
	messages []queue.Message
	err      error
}

// Run executes the dispatcher loop until Shutdown is called and drain
// completes. ctx governs the queue operations themselves (Receive,
// DeleteBatch, ChangeVisibilityBatch); it does not cancel in-flight
// handler invocations (spec §5).
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.stoppedCh)

	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()

	pollCh := make(chan pollResult, 1)
	d.pollAsync(ctx, pollCh)

running:
	for {
		select {
		case <-d.stopCh:
			break running
		case <-ticker.C:
			d.heartbeat(ctx)
		case res := <-pollCh:
			d.handlePoll(ctx, res)
			d.pollAsync(ctx, pollCh)
		case <-ctx.Done():
			break running
		}
	}

	d.drain(ctx)
	d.setState(StateTerminated)
	return nil
}

// pollAsync issues one Receive call on its own goroutine so the main
// select loop is never blocked waiting on the long poll, mirroring the
// original's tokio::select! arm that awaits the receive future directly.
func (d *Dispatcher) pollAsync(ctx context.Context, out chan<- pollResult) {
	go func() {
		messages, err := d.receiveWithBreaker(ctx)
		select {
		case out <- pollResult{messages: messages, err: err}:
		case <-ctx.Done():
		}
	}()
}

// receiveWithBreaker wraps Receive in a circuit breaker so a persistent
// run of poll failures backs off instead of busy-retrying, without
// changing the fail-open contract: a poll error is always logged and the
// loop always continues (spec §7, §9).
func (d *Dispatcher) receiveWithBreaker(ctx context.Context) ([]queue.Message, error) {
	result, err := d.breaker.Execute(func() (interface{}, error) {
		return d.adapter.Receive(ctx, d.cfg.MaxMessages, d.cfg.WaitSeconds)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Breaker is open: pace the retry instead of spinning.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
		}
		log.Error().Err(err).Msg("poll failed; continuing")
		return nil, err
	}
	return result.([]queue.Message), nil
}

// handlePoll processes one Receive result: drops unprocessable messages,
// inserts the rest into Inflight and spawns workers, then immediately
// drains whatever has already finished and deletes it.
func (d *Dispatcher) handlePoll(ctx context.Context, res pollResult) {
	if res.err != nil {
		return
	}

	for _, m := range res.messages {
		metrics.MessagesReceived.Inc()

		if !m.HasReceipt() {
			log.Warn().Str("messageId", m.ID).Msg("message has no receipt handle, dropping")
			metrics.MessagesDropped.WithLabelValues("missing_receipt").Inc()
			continue
		}

		d.inflight.insert(m.ReceiptHandle)
		d.inflightGauge.Store(int64(d.inflight.len()))
		d.pool.spawn(ctx, m)
	}

	d.finishCompleted(ctx, d.pool.tryDrain())
}

// heartbeat issues a ChangeVisibilityBatch for the entire Inflight
// snapshot. Errors are logged, never fatal (spec §4.5, §7).
func (d *Dispatcher) heartbeat(ctx context.Context) {
	metrics.HeartbeatTicks.Inc()

	snapshot := d.inflight.snapshot()
	metrics.InflightCount.Set(float64(len(snapshot)))
	if len(snapshot) == 0 {
		return
	}

	if _, err := d.adapter.ChangeVisibilityBatch(ctx, snapshot, d.cfg.HeartbeatVisibilitySeconds); err != nil {
		log.Warn().Err(err).Int("count", len(snapshot)).Msg("heartbeat visibility change failed")
	}
}

// finishCompleted takes a batch of worker results, deletes the receipts
// of the ones that returned normally, and leaves panicked or
// delete-failed receipts in Inflight so they redeliver.
func (d *Dispatcher) finishCompleted(ctx context.Context, results []workResult) {
	if len(results) == 0 {
		return
	}

	finished := make([]string, 0, len(results))
	for _, r := range results {
		if r.panicked {
			// Receipt stays in Inflight; message redelivers once its
			// visibility timeout expires (spec §4.2, §7).
			continue
		}
		if r.msg.HasReceipt() {
			finished = append(finished, r.msg.ReceiptHandle)
		}
	}

	if len(finished) == 0 {
		return
	}

	result, err := d.adapter.DeleteBatch(ctx, finished)
	if err != nil {
		log.Error().Err(err).Int("count", len(finished)).Msg("delete batch failed; receipts remain inflight")
		return
	}

	metrics.MessagesDeleted.Add(float64(len(result.Succeeded)))
	for _, r := range result.Succeeded {
		d.inflight.remove(r)
	}
	for _, f := range result.Failed {
		log.Warn().Str("receipt", f.ReceiptHandle).Str("code", f.Code).Msg("delete batch entry failed; receipt remains inflight")
	}
	d.inflightGauge.Store(int64(d.inflight.len()))
}

// drain implements the Draining state: stop polling (the caller already
// exited the select loop so no further pollAsync calls happen), wait for
// every outstanding worker up to ShutdownGrace, and best-effort delete
// whatever finished.
func (d *Dispatcher) drain(ctx context.Context) {
	d.setState(StateDraining)
	log.Info().Dur("grace", d.cfg.ShutdownGrace).Msg("draining")

	drainCtx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownGrace)
	defer cancel()

	results := d.pool.drainAll(drainCtx)
	d.finishCompleted(ctx, results)

	if remaining := d.inflight.len(); remaining > 0 {
		log.Warn().Int("abandoned", remaining).Msg("shutdown grace period elapsed with workers still inflight; their messages will redeliver")
	}
}
