// Package upstream forwards DNS queries to recursive resolvers, with a
// single-shot Client for the common case and a multi-upstream Pool for
// round-robin selection with per-upstream circuit breaking.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Errors a Query can return, distinguished by cause for errors.Is. The
// server answers SERVFAIL for every one of them.
var (
	ErrTimeout        = errors.New("upstream: query timed out")
	ErrNetwork        = errors.New("upstream: network error")
	ErrMalformedReply = errors.New("upstream: malformed reply")
	ErrNilQuery       = errors.New("upstream: nil query message")
)

// Client performs a single DNS exchange against one upstream server. It
// does not retry; callers needing failover across multiple upstreams
// should use Pool instead.
type Client struct {
	net string // "udp" or "tcp"
}

// NewClient returns a Client that exchanges queries over UDP.
func NewClient() *Client {
	return &Client{net: "udp"}
}

// NewTCPClient returns a Client that exchanges queries over TCP, used
// for responses too large for a single UDP datagram.
func NewTCPClient() *Client {
	return &Client{net: "tcp"}
}

// Query sends req to upstream and returns its reply. timeout bounds the
// entire exchange.
func (c *Client) Query(ctx context.Context, req *dns.Msg, upstream string, timeout time.Duration) (*dns.Msg, error) {
	if req == nil {
		return nil, ErrNilQuery
	}

	dnsClient := &dns.Client{Net: c.net, Timeout: timeout}

	resp, _, err := dnsClient.ExchangeContext(ctx, req, upstream)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: %s: %v", ErrTimeout, upstream, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrNetwork, upstream, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: %s: nil response", ErrMalformedReply, upstream)
	}

	return resp, nil
}
