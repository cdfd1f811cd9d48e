package upstream

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"sinkhole/pkg/logging"
	"sinkhole/pkg/telemetry"

	"github.com/miekg/dns"
)

// Config controls a Pool's retry count, per-query timeout, and circuit
// breaker thresholds.
type Config struct {
	Upstreams      []string
	Timeout        time.Duration
	Retries        int
	CircuitBreaker CircuitBreakerConfig
}

// Pool forwards queries to one of several upstream servers, selected
// round-robin among the currently healthy ones, retrying on the next
// upstream when a query fails for a network reason. A SERVFAIL or
// NXDOMAIN reply is a valid answer and is returned immediately, never
// retried.
type Pool struct {
	client    *Client
	logger    *logging.Logger
	upstreams []string
	health    *UpstreamHealth
	timeout   time.Duration
	retries   int
	index     atomic.Uint32
}

// NewPool builds a Pool from cfg. Upstream addresses missing a port get
// ":53" appended. metrics may be nil.
func NewPool(cfg Config, logger *logging.Logger, metrics *telemetry.Metrics) *Pool {
	upstreams := normalizeUpstreams(cfg.Upstreams)

	cb := cfg.CircuitBreaker
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = 5
	}
	if cb.SuccessThreshold == 0 {
		cb.SuccessThreshold = 2
	}
	if cb.TimeoutSeconds == 0 {
		cb.TimeoutSeconds = 30
	}

	retries := cfg.Retries
	if retries == 0 {
		retries = 2
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 2 * time.Second
	}

	p := &Pool{
		client:    NewClient(),
		logger:    logger,
		upstreams: upstreams,
		timeout:   timeout,
		retries:   retries,
	}

	if cb.Enabled {
		p.health = NewUpstreamHealth(upstreams, cb, metrics)
		logger.Info("circuit breaker initialized",
			"failure_threshold", cb.FailureThreshold,
			"success_threshold", cb.SuccessThreshold,
			"timeout_seconds", cb.TimeoutSeconds)
	}

	logger.Info("upstream pool initialized",
		"upstreams", upstreams, "timeout", timeout, "retries", retries)

	return p
}

func normalizeUpstreams(raw []string) []string {
	out := make([]string, len(raw))
	for i, u := range raw {
		if _, _, err := net.SplitHostPort(u); err != nil {
			out[i] = net.JoinHostPort(u, "53")
		} else {
			out[i] = u
		}
	}
	return out
}

// Forward selects an upstream and queries it, retrying against a
// different upstream on network failure, up to Retries attempts.
func (p *Pool) Forward(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	if len(p.upstreams) == 0 {
		return nil, fmt.Errorf("upstream: no upstream servers configured")
	}

	attempts := p.retries
	if attempts > len(p.upstreams) {
		attempts = len(p.upstreams)
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		target, err := p.selectUpstream()
		if err != nil {
			return nil, err
		}

		var resp *dns.Msg
		queryErr := error(nil)
		if p.health != nil {
			if breaker := p.health.GetBreaker(target); breaker != nil {
				queryErr = breaker.Call(func() error {
					var exchangeErr error
					resp, exchangeErr = p.client.Query(ctx, req, target, p.timeout)
					return exchangeErr
				})
			} else {
				resp, queryErr = p.client.Query(ctx, req, target, p.timeout)
			}
		} else {
			resp, queryErr = p.client.Query(ctx, req, target, p.timeout)
		}

		if queryErr != nil {
			p.logger.Warn("upstream query failed", "upstream", target, "error", queryErr, "attempt", i+1)
			lastErr = queryErr
			continue
		}

		p.logger.Debug("upstream query succeeded",
			"upstream", target,
			"domain", req.Question[0].Name,
			"rcode", dns.RcodeToString[resp.Rcode])
		return resp, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("all upstream servers failed: %w", lastErr)
	}
	return nil, fmt.Errorf("all upstream servers failed")
}

func (p *Pool) selectUpstream() (string, error) {
	upstreams := p.upstreams
	if p.health != nil {
		upstreams = p.health.GetHealthyUpstreams(p.upstreams)
		if len(upstreams) == 0 {
			return "", ErrNoHealthyUpstreams
		}
	}

	idx := (p.index.Add(1) - 1) % uint32(len(upstreams))
	return upstreams[idx], nil
}

// Upstreams returns the configured, normalized upstream addresses.
func (p *Pool) Upstreams() []string {
	return p.upstreams
}
