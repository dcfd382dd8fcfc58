package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/johnny-lai/sqs-dispatch/internal/handler"
	"github.com/johnny-lai/sqs-dispatch/internal/metrics"
	"github.com/johnny-lai/sqs-dispatch/internal/queue"
)

// workResult is what a worker goroutine reports back on completion,
// whichever way it completed.
type workResult struct {
	msg      queue.Message
	panicked bool
}

// pool is the bounded-in-spirit collection of in-flight handler
// executions described in spec §4.3. It has no explicit size cap —
// long-polling naturally paces intake — but an optional rate.Limiter
// throttles spawn rate, the concurrency-permit idiom the teacher tracks
// via its PoolAvailablePermits/PoolActiveWorkers metrics.
type pool struct {
	handler handler.Handler
	limiter *rate.Limiter
	onPanic func(messageID string, recovered interface{})

	wg      sync.WaitGroup
	results chan workResult
}

// newPool builds a pool around h. limiter may be nil to disable spawn
// throttling. onPanic may be nil; when set, it is invoked (in addition
// to the standard log line and metric) for every recovered handler
// panic — this worker's hook into Sentry reporting.
func newPool(h handler.Handler, limiter *rate.Limiter, onPanic func(messageID string, recovered interface{})) *pool {
	return &pool{
		handler: h,
		limiter: limiter,
		onPanic: onPanic,
		results: make(chan workResult, 4096),
	}
}

// spawn starts one worker for msg. It never blocks the caller beyond the
// optional rate limiter wait.
func (p *pool) spawn(ctx context.Context, msg queue.Message) {
	if p.limiter != nil {
		_ = p.limiter.Wait(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		panicked := false
		func() {
			defer func() {
				if r := recover(); r != nil {
					panicked = true
					metrics.WorkerPanics.Inc()
					log.Error().
						Str("messageId", msg.ID).
						Interface("panic", r).
						Msg("handler panicked; message will redeliver")
					if p.onPanic != nil {
						p.onPanic(msg.ID, r)
					}
				}
			}()

			start := time.Now()
			// Workers run on a context independent of shutdown: the
			// dispatcher never cancels in-flight handler invocations
			// (spec §5), only awaits them up to the grace deadline.
			p.handler.Call(context.Background(), &msg)
			metrics.HandlerDuration.Observe(time.Since(start).Seconds())
		}()

		p.results <- workResult{msg: msg, panicked: panicked}
	}()
}

// tryDrain is the non-blocking drain: it collects every result already
// sitting in the channel and returns immediately.
func (p *pool) tryDrain() []workResult {
	var out []workResult
	for {
		select {
		case r := <-p.results:
			out = append(out, r)
		default:
			return out
		}
	}
}

// drainAll blocks until every outstanding worker has terminated, or ctx
// is done, whichever comes first. Workers still running when ctx
// expires are abandoned: their goroutines keep running to completion,
// but drainAll stops waiting and their results (if any arrive later) are
// simply never read — a bounded, accepted leak matching the original's
// "detach and let it redeliver" behavior.
func (p *pool) drainAll(ctx context.Context) []workResult {
	allDone := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(allDone)
	}()

	var out []workResult
	for {
		select {
		case r := <-p.results:
			out = append(out, r)
		case <-allDone:
			return append(out, p.drainBuffered()...)
		case <-ctx.Done():
			return out
		}
	}
}

// drainBuffered collects whatever is sitting in the results channel
// without blocking, used once every worker has finished and no further
// sends are possible.
func (p *pool) drainBuffered() []workResult {
	var out []workResult
	for {
		select {
		case r := <-p.results:
			out = append(out, r)
		default:
			return out
		}
	}
}
