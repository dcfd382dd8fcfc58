// Package observability wraps github.com/getsentry/sentry-go for this
// worker's two error-reporting moments: a fatal startup error and a
// worker panic. Grounded on stherrien-gorax's
// internal/errortracking/sentry.go — the teacher has no error-reporting
// sink of its own, so this is enrichment from the rest of the retrieved
// pack, trimmed to what a single-process worker needs (no HTTP request
// enrichment, no per-tenant tagging).
package observability

import (
	"time"

	"github.com/getsentry/sentry-go"
)

// Reporter sends fatal errors and panics to Sentry. A zero-value
// Reporter (enabled == false) is always safe to call — every method is
// a no-op until Init succeeds.
type Reporter struct {
	enabled bool
}

// Init configures the global Sentry client. dsn == "" disables
// reporting entirely and every Reporter method becomes a no-op.
func Init(dsn, environment string) (*Reporter, error) {
	if dsn == "" {
		return &Reporter{enabled: false}, nil
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
	}); err != nil {
		return nil, err
	}

	return &Reporter{enabled: true}, nil
}

// CaptureFatal reports a fatal startup error and blocks briefly so the
// event has a chance to flush before the process exits.
func (r *Reporter) CaptureFatal(err error) {
	if !r.enabled || err == nil {
		return
	}
	sentry.CaptureException(err)
	sentry.Flush(2 * time.Second)
}

// CapturePanic reports a recovered worker panic. Unlike CaptureFatal it
// does not flush synchronously — the dispatcher keeps running and a
// blocking flush on every panic would throttle message throughput.
func (r *Reporter) CapturePanic(messageID string, recovered interface{}) {
	if !r.enabled {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("message_id", messageID)
		sentry.CurrentHub().Recover(recovered)
	})
}

// Close flushes any buffered events before shutdown.
func (r *Reporter) Close() {
	if !r.enabled {
		return
	}
	sentry.Flush(5 * time.Second)
}
