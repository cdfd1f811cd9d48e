// Package server implements the sinkhole's UDP DNS listener: a raw
// socket receive loop feeding a bounded worker pool, with per-query
// blocklist, cache, and upstream-forwarding logic.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"sinkhole/pkg/cache"
	"sinkhole/pkg/hostdns"
	"sinkhole/pkg/logging"
	"sinkhole/pkg/matcher"
	"sinkhole/pkg/rules"
	"sinkhole/pkg/storage"
	"sinkhole/pkg/telemetry"
	"sinkhole/pkg/upstream"

	"github.com/miekg/dns"
)

const (
	maxDatagramSize = 512
	readTimeout     = time.Second
	upstreamTimeout = 5 * time.Second
)

// Config configures a Server.
type Config struct {
	Host       string
	Port       int
	MaxWorkers int
	QueueSize  int // job queue capacity; 0 picks 4x MaxWorkers
}

// Server receives DNS queries over UDP and answers them from the
// blocklist matcher, the response cache, or an upstream resolver.
type Server struct {
	cfg     Config
	matcher *matcher.Matcher
	cache   cache.Interface
	pool    *upstream.Pool
	rules   *rules.Engine
	hostDNS hostdns.Collaborator
	logger  *logging.Logger
	metrics *telemetry.Metrics
	storage storage.Storage

	conn    *net.UDPConn
	jobs    chan job
	stats   Stats
	workers sync.WaitGroup
	recvWg  sync.WaitGroup
	done    chan struct{}
}

type job struct {
	data []byte
	addr *net.UDPAddr
}

// New builds a Server. cache and rules may be nil to disable those
// tiers; pool must be non-nil.
func New(cfg Config, m *matcher.Matcher, c cache.Interface, pool *upstream.Pool, re *rules.Engine, hostDNS hostdns.Collaborator, logger *logging.Logger, metrics *telemetry.Metrics) *Server {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 50
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.MaxWorkers * 4
	}
	return &Server{
		cfg:     cfg,
		matcher: m,
		cache:   c,
		pool:    pool,
		rules:   re,
		hostDNS: hostDNS,
		logger:  logger,
		metrics: metrics,
		jobs:    make(chan job, cfg.QueueSize),
		done:    make(chan struct{}),
	}
}

// SetStorage attaches a query-log collaborator. LogQuery is called
// asynchronously after every reply, so a nil or slow Storage never
// affects query latency.
func (s *Server) SetStorage(st storage.Storage) {
	s.storage = st
}

// ListenAndServe binds the UDP socket, starts the worker pool and the
// receive loop, and optionally invokes the host-DNS-redirect
// collaborator. It returns once the socket is bound; the receive loop
// runs on its own goroutine.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := &net.UDPAddr{IP: net.ParseIP(s.cfg.Host), Port: s.cfg.Port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s:%d: %w", s.cfg.Host, s.cfg.Port, err)
	}
	s.conn = conn

	for i := 0; i < s.cfg.MaxWorkers; i++ {
		s.workers.Add(1)
		go s.worker()
	}

	if s.hostDNS != nil {
		if ok := s.hostDNS.SaveAndRedirectToLocal(); !ok {
			s.logger.Warn("failed to redirect host DNS")
		}
	}

	s.logger.Info("dns server listening", "host", s.cfg.Host, "port", s.cfg.Port, "workers", s.cfg.MaxWorkers)

	s.recvWg.Add(1)
	go s.receiveLoop(ctx)

	return nil
}

// receiveLoop reads datagrams off the socket and enqueues them,
// never blocking on query handling. A short read deadline lets the
// loop notice ctx cancellation or Shutdown promptly.
func (s *Server) receiveLoop(ctx context.Context) {
	defer s.recvWg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-s.done:
				return
			default:
				s.logger.Error("read error", "error", err)
				continue
			}
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		s.enqueue(job{data: data, addr: addr})
	}
}

// enqueue drops the oldest queued job to make room for a new one when
// the worker pool is saturated, rather than blocking the receive loop.
func (s *Server) enqueue(j job) {
	select {
	case s.jobs <- j:
		return
	default:
	}

	select {
	case <-s.jobs:
	default:
	}

	select {
	case s.jobs <- j:
	default:
	}
}

func (s *Server) worker() {
	defer s.workers.Done()
	for j := range s.jobs {
		s.handleQuery(j)
	}
}

// handleQuery implements the per-query contract: blocklist check,
// rule-engine check, cache lookup, then upstream forward.
func (s *Server) handleQuery(j job) {
	t0 := time.Now()

	outcome := queryOutcome{clientIP: j.addr.IP.String()}
	defer func() {
		elapsed := time.Since(t0)
		s.stats.recordElapsed(elapsed.Milliseconds())
		s.metricQueryDuration(elapsed)
		s.asyncLogQuery(t0, elapsed, outcome)
	}()

	req := new(dns.Msg)
	if err := req.Unpack(j.data); err != nil {
		s.stats.failed.Add(1)
		s.metricDropped()
		return
	}

	if len(req.Question) != 1 {
		s.stats.failed.Add(1)
		s.metricDropped()
		return
	}

	s.stats.recordTotal()
	s.metricQueryReceived()

	q := req.Question[0]
	name := q.Name
	qtype := q.Qtype
	outcome.domain = name
	outcome.queryType = dns.TypeToString[qtype]

	if s.matcher != nil && s.matcher.IsBlocked(name) {
		s.reply(j.addr, nxdomain(req))
		s.stats.blocked.Add(1)
		s.metricBlocked()
		outcome.blocked = true
		s.logger.Debug("blocked", "domain", name, "client", j.addr.IP.String())
		return
	}

	if s.rules != nil {
		ctx := rules.NewContext(name, j.addr.IP.String(), outcome.queryType)
		if blocked, rule := s.rules.Evaluate(ctx); blocked {
			s.reply(j.addr, nxdomain(req))
			s.stats.blocked.Add(1)
			s.metricBlocked()
			outcome.blocked = true
			s.logger.Debug("blocked by rule", "domain", name, "rule", rule.Name)
			return
		}
	}

	bgCtx := context.Background()

	if s.cache != nil {
		if resp := s.cache.Get(bgCtx, req); resp != nil {
			s.reply(j.addr, resp)
			s.stats.cached.Add(1)
			s.stats.allowed.Add(1)
			outcome.cached = true
			return
		}
	}

	ctx, cancel := context.WithTimeout(bgCtx, upstreamTimeout)
	resp, err := s.pool.Forward(ctx, req)
	cancel()
	if err != nil {
		s.reply(j.addr, servfail(req))
		s.stats.failed.Add(1)
		s.metricDropped()
		s.logger.Error("upstream forward failed", "domain", name, "error", err)
		return
	}

	s.reply(j.addr, resp)
	s.stats.allowed.Add(1)
	s.stats.upstream.Add(1)
	s.metricForwarded()
	outcome.upstream = true

	if s.cache != nil && len(resp.Answer) > 0 && !resp.Truncated {
		s.cache.Set(bgCtx, req, resp)
	}
}

// queryOutcome accumulates the facts handleQuery discovers along the
// way, for the async storage log written once the reply has gone out.
type queryOutcome struct {
	clientIP  string
	domain    string
	queryType string
	blocked   bool
	cached    bool
	upstream  bool
}

// asyncLogQuery writes a query-log entry on a separate goroutine so a
// slow or unavailable storage backend never delays a reply.
func (s *Server) asyncLogQuery(start time.Time, elapsed time.Duration, outcome queryOutcome) {
	if s.storage == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		q := &storage.QueryLog{
			Timestamp:      start,
			ClientIP:       outcome.clientIP,
			Domain:         outcome.domain,
			QueryType:      outcome.queryType,
			Blocked:        outcome.blocked,
			Cached:         outcome.cached,
			ResponseTimeMs: elapsed.Milliseconds(),
		}
		if outcome.upstream {
			q.Upstream = "forwarded"
		}

		if err := s.storage.LogQuery(ctx, q); err != nil {
			s.logger.Debug("query log dropped", "error", err)
		}
	}()
}

func (s *Server) reply(addr *net.UDPAddr, msg *dns.Msg) {
	packed, err := msg.Pack()
	if err != nil {
		s.logger.Error("failed to pack response", "error", err)
		return
	}
	if _, err := s.conn.WriteToUDP(packed, addr); err != nil {
		s.logger.Error("failed to send response", "error", err)
	}
}

func (s *Server) metricQueryReceived() {
	if s.metrics == nil {
		return
	}
	ctx := context.Background()
	s.metrics.DNSQueriesTotal.Add(ctx, 1)
}

func (s *Server) metricQueryDuration(elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.DNSQueryDuration.Record(context.Background(), float64(elapsed)/float64(time.Millisecond))
}

func (s *Server) metricBlocked() {
	if s.metrics == nil {
		return
	}
	s.metrics.DNSBlockedQueries.Add(context.Background(), 1)
}

func (s *Server) metricForwarded() {
	if s.metrics == nil {
		return
	}
	s.metrics.DNSForwardedQueries.Add(context.Background(), 1)
}

func (s *Server) metricDropped() {
	if s.metrics == nil {
		return
	}
	s.metrics.DNSDroppedQueries.Add(context.Background(), 1)
}

func nxdomain(req *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetRcode(req, dns.RcodeNameError)
	return resp
}

func servfail(req *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetRcode(req, dns.RcodeServerFailure)
	return resp
}

// Stats returns a snapshot of the server's lifetime counters.
func (s *Server) Stats() Snapshot {
	return s.stats.Snapshot()
}

// Shutdown stops the receive loop, waits for the worker pool to drain
// in-flight queries, closes the socket, and restores host DNS.
func (s *Server) Shutdown() {
	close(s.done)
	s.recvWg.Wait()

	close(s.jobs)
	s.workers.Wait()

	if s.conn != nil {
		s.conn.Close()
	}

	if s.hostDNS != nil {
		if ok := s.hostDNS.RestoreOriginal(); !ok {
			s.logger.Warn("failed to restore host DNS")
		}
	}

	s.logger.Info("dns server stopped", "total", s.stats.total.Load(), "blocked", s.stats.blocked.Load())
}
