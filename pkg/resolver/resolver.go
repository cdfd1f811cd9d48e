// Package resolver resolves hostnames against the sinkhole's own
// upstream DNS servers instead of the host's /etc/resolv.conf. It
// exists for exactly one caller: the blocklist fetcher's HTTP client.
// Once pkg/hostdns has pointed the machine's resolver at this process,
// a blocklist source fetch that used the system resolver would recurse
// through the sinkhole's own query path; pinning fetch traffic to the
// configured upstreams (the same ones the DNS server forwards to)
// breaks that loop.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"sinkhole/pkg/logging"
	"sinkhole/pkg/telemetry"
)

// PinnedResolver resolves hostnames through a fixed list of upstream
// DNS servers, in order, falling back to the system resolver only when
// every pinned server fails - unless built with NewStrict, in which
// case it never falls back at all.
type PinnedResolver struct {
	logger    *logging.Logger
	metrics   *telemetry.Metrics
	dialer    *net.Dialer
	upstreams []string
	strict    bool
}

// New builds a PinnedResolver over upstreams. An empty upstreams list
// degrades to the system resolver for every lookup. metrics may be nil.
func New(upstreams []string, logger *logging.Logger, metrics *telemetry.Metrics) *PinnedResolver {
	return newWithOptions(upstreams, logger, metrics, false)
}

// NewStrict is like New but never falls back to the system resolver
// once the pinned upstreams are exhausted; used when the system
// resolver is known to recurse back into this process.
func NewStrict(upstreams []string, logger *logging.Logger, metrics *telemetry.Metrics) *PinnedResolver {
	return newWithOptions(upstreams, logger, metrics, true)
}

func newWithOptions(upstreams []string, logger *logging.Logger, metrics *telemetry.Metrics, strict bool) *PinnedResolver {
	if len(upstreams) == 0 {
		logger.Warn("pinned resolver has no upstreams configured, all lookups will use the system resolver")
	} else {
		logger.Info("pinned resolver initialized", "upstreams", upstreams, "strict", strict)
	}

	return &PinnedResolver{
		upstreams: upstreams,
		logger:    logger,
		metrics:   metrics,
		strict:    strict,
		dialer: &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		},
	}
}

// LookupIP resolves host by walking the pinned upstreams in order,
// per RFC 1035 §7.2's guidance to retry alternate name servers on
// failure, then falls back to the system resolver unless built strict.
func (r *PinnedResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	if len(r.upstreams) == 0 {
		return net.DefaultResolver.LookupIP(ctx, network, host)
	}

	var lastErr error
	for idx, upstream := range r.upstreams {
		netResolver := &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				return r.dialer.DialContext(ctx, "udp", upstream)
			},
		}

		ips, err := netResolver.LookupIP(ctx, network, host)
		if err != nil {
			lastErr = err
			r.logger.Warn("pinned resolver lookup failed",
				"host", host,
				"upstream", upstream,
				"attempt", idx+1,
				"error", err,
			)
			continue
		}

		r.logger.Debug("pinned resolver lookup succeeded",
			"host", host,
			"upstream", upstream,
			"ips", ips,
		)
		return ips, nil
	}

	if r.strict {
		return nil, fmt.Errorf("resolve %s via pinned upstreams (strict): %w", host, lastErr)
	}

	r.logger.Warn("all pinned upstreams failed, falling back to system resolver",
		"host", host,
		"attempts", len(r.upstreams),
		"error", lastErr,
	)
	if r.metrics != nil {
		r.metrics.ResolverFallbacks.Add(ctx, 1)
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, network, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s via pinned upstreams: %w", host, errors.Join(lastErr, err))
	}
	return ips, nil
}

// DialContext dials addr, resolving a hostname portion through the
// pinned upstreams first. It is compatible with http.Transport.DialContext.
func (r *PinnedResolver) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %s: %w", addr, err)
	}

	if net.ParseIP(host) != nil {
		return r.dialer.DialContext(ctx, network, addr)
	}

	ips, err := r.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no IP addresses found for %s", host)
	}

	resolvedAddr := net.JoinHostPort(ips[0].String(), port)
	return r.dialer.DialContext(ctx, network, resolvedAddr)
}

// Upstreams returns the configured pinned upstream servers.
func (r *PinnedResolver) Upstreams() []string {
	return r.upstreams
}
