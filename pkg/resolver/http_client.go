package resolver

import (
	"net/http"
	"time"
)

// NewHTTPClient builds an *http.Client whose hostname resolution goes
// through r instead of the system resolver. This is what lets the
// blocklist fetcher talk to source URLs safely even after pkg/hostdns
// has taken over the machine's DNS.
func (r *PinnedResolver) NewHTTPClient(timeout time.Duration) *http.Client {
	if len(r.upstreams) == 0 {
		r.logger.Debug("building http client with system resolver, no upstreams pinned")
		return &http.Client{Timeout: timeout}
	}

	r.logger.Debug("building http client pinned to upstream resolver",
		"upstream", r.upstreams[0],
		"timeout", timeout,
	)

	transport := &http.Transport{
		DialContext:           r.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
