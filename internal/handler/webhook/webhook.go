// Package webhook is a supplemental delivery handler, not named by the
// original CLI but a natural companion to exec for systems that prefer
// HTTP fan-out over subprocess invocation. Adapted from
// internal/router/mediator's HTTP mediator: same client construction,
// circuit breaker, and status-code classification, narrowed to a single
// POST per message instead of FlowCatalyst's ack/delay JSON protocol.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/johnny-lai/sqs-dispatch/internal/metrics"
	"github.com/johnny-lai/sqs-dispatch/internal/queue"
)

// Config configures a Handler.
type Config struct {
	URL     string
	Timeout time.Duration

	// RatePerSecond bounds outbound requests; zero disables limiting.
	RatePerSecond float64
	RateBurst     int

	CircuitBreakerRequests    uint32
	CircuitBreakerInterval    time.Duration
	CircuitBreakerRatio       float64
	CircuitBreakerTimeout     time.Duration
	CircuitBreakerMinRequests uint32
}

// DefaultConfig returns sensible defaults, mirroring the teacher's
// DefaultHTTPMediatorConfig.
func DefaultConfig(url string) Config {
	return Config{
		URL:                       url,
		Timeout:                   30 * time.Second,
		RatePerSecond:             50,
		RateBurst:                 50,
		CircuitBreakerRequests:    10,
		CircuitBreakerInterval:    60 * time.Second,
		CircuitBreakerRatio:       0.5,
		CircuitBreakerTimeout:     5 * time.Second,
		CircuitBreakerMinRequests: 10,
	}
}

// payload is the wire body POSTed per message.
type payload struct {
	MessageID  string            `json:"messageId"`
	Body       string            `json:"body"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Handler POSTs each message to a configured URL.
type Handler struct {
	client  *http.Client
	url     string
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// New builds a Handler from cfg.
func New(cfg Config) *Handler {
	client := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webhook-handler",
		MaxRequests: cfg.CircuitBreakerRequests,
		Interval:    cfg.CircuitBreakerInterval,
		Timeout:     cfg.CircuitBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.CircuitBreakerMinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.CircuitBreakerRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("webhook circuit breaker state changed")
			var stateValue float64
			switch to {
			case gobreaker.StateClosed:
				stateValue = metrics.CircuitBreakerClosed
			case gobreaker.StateOpen:
				stateValue = metrics.CircuitBreakerOpen
				metrics.WebhookCircuitBreakerTrips.Inc()
			case gobreaker.StateHalfOpen:
				stateValue = metrics.CircuitBreakerHalfOpen
			}
			metrics.WebhookCircuitBreakerState.Set(stateValue)
		},
	})

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst)
	}

	return &Handler{client: client, url: cfg.URL, breaker: breaker, limiter: limiter}
}

// Call POSTs msg to the configured URL. A 5xx response or a connection
// failure panics, which the dispatcher treats as a worker crash and
// redelivers the message (spec §4.2); a 2xx or 4xx response returns
// normally, matching the rest of this core's "completion is success"
// contract.
func (h *Handler) Call(ctx context.Context, msg *queue.Message) {
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			panic(fmt.Errorf("webhook rate limiter wait: %w", err))
		}
	}

	_, err := h.breaker.Execute(func() (interface{}, error) {
		return nil, h.post(ctx, msg)
	})
	if err != nil {
		panic(fmt.Errorf("webhook delivery failed for message %s: %w", msg.ID, err))
	}
}

func (h *Handler) post(ctx context.Context, msg *queue.Message) error {
	body, err := json.Marshal(payload{MessageID: msg.ID, Body: msg.Body, Attributes: msg.Attributes})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := h.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		metrics.WebhookRequests.WithLabelValues("error").Inc()
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	metrics.WebhookDuration.Observe(duration.Seconds())
	metrics.WebhookRequests.WithLabelValues(statusClass(resp.StatusCode)).Inc()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		log.Warn().Str("messageId", msg.ID).Int("status", resp.StatusCode).Msg("webhook delivery rejected, not retrying")
		return nil
	default:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "other"
	}
}
