package sqs

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ConnectivityChecker is satisfied by Client; factored out so the admin
// readiness handler doesn't need the whole adapter surface. Adapted from
// the teacher's BrokerConnectivityChecker.
type ConnectivityChecker interface {
	CheckConnectivity(ctx context.Context) error
}

// HealthService tracks the result of periodic connectivity checks so the
// admin readiness endpoint can answer instantly instead of blocking on a
// live SQS round trip per request.
type HealthService struct {
	checker ConnectivityChecker
	timeout time.Duration

	available atomic.Bool
	lastErr   atomic.Value // string
}

// NewHealthService wraps checker with a default 5s per-check timeout.
func NewHealthService(checker ConnectivityChecker) *HealthService {
	h := &HealthService{checker: checker, timeout: 5 * time.Second}
	h.lastErr.Store("")
	return h
}

// Check runs one connectivity probe and records the outcome.
func (h *HealthService) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	if err := h.checker.CheckConnectivity(ctx); err != nil {
		h.available.Store(false)
		h.lastErr.Store(err.Error())
		log.Warn().Err(err).Msg("queue connectivity check failed")
		return false
	}

	h.available.Store(true)
	h.lastErr.Store("")
	return true
}

// IsAvailable returns the result of the most recent Check.
func (h *HealthService) IsAvailable() bool {
	return h.available.Load()
}

// LastError returns the error from the most recent failed Check, or "".
func (h *HealthService) LastError() string {
	return h.lastErr.Load().(string)
}
