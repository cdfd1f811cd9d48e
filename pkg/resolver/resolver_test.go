package resolver

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"sinkhole/pkg/logging"
)

func getTestLogger() *logging.Logger {
	logger, _ := logging.New(logging.Config{
		Level:  "error",
		Format: "text",
		Output: "stdout",
	})
	return logger
}

func TestNewReportsConfiguredUpstreams(t *testing.T) {
	logger := getTestLogger()

	tests := []struct {
		name      string
		upstreams []string
	}{
		{name: "with upstreams", upstreams: []string{"1.1.1.1:53", "8.8.8.8:53"}},
		{name: "empty slice", upstreams: []string{}},
		{name: "nil slice", upstreams: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(tt.upstreams, logger, nil)
			if r == nil {
				t.Fatal("New() returned nil")
			}
			if len(r.Upstreams()) != len(tt.upstreams) {
				t.Errorf("Upstreams() = %v, want %v", r.Upstreams(), tt.upstreams)
			}
		})
	}
}

func TestLookupIPFallsBackToSystemResolverWhenUnpinned(t *testing.T) {
	logger := getTestLogger()
	r := New(nil, logger, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// No upstreams pinned, so LookupIP must go straight to the system
	// resolver rather than attempting to dial anything.
	_, err := r.LookupIP(ctx, "ip", "localhost")
	if err != nil {
		t.Fatalf("LookupIP(localhost) with no pinned upstreams: %v", err)
	}
}

func TestDialContextSkipsResolutionForLiteralIP(t *testing.T) {
	logger := getTestLogger()
	r := New([]string{"203.0.113.1:53"}, logger, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// A literal IP address must be dialed directly without ever
	// consulting the pinned upstream, which here is unreachable.
	conn, err := r.DialContext(ctx, "tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("DialContext() with literal IP: %v", err)
	}
	conn.Close()
}

func TestDialContextRejectsAddressWithoutPort(t *testing.T) {
	logger := getTestLogger()
	r := New([]string{"1.1.1.1:53"}, logger, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := r.DialContext(ctx, "tcp", "not-a-host-port"); err == nil {
		t.Error("DialContext() should fail on an address with no port")
	}
}

func TestNewHTTPClientWithoutUpstreamsUsesPlainTransport(t *testing.T) {
	logger := getTestLogger()
	r := New(nil, logger, nil)

	client := r.NewHTTPClient(5 * time.Second)
	if client == nil {
		t.Fatal("NewHTTPClient() returned nil")
	}
	if client.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", client.Timeout)
	}
	if client.Transport != nil {
		t.Error("expected default transport when no upstreams are pinned")
	}
}

func TestNewHTTPClientWithUpstreamsPinsDialContext(t *testing.T) {
	logger := getTestLogger()
	r := New([]string{"1.1.1.1:53"}, logger, nil)

	client := r.NewHTTPClient(5 * time.Second)
	transport, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("Transport = %T, want *http.Transport", client.Transport)
	}
	if transport.DialContext == nil {
		t.Error("expected DialContext to be pinned to the resolver")
	}
}
