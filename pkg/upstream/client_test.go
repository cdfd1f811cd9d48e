package upstream

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func TestClientQueryNilRequest(t *testing.T) {
	c := NewClient()
	if _, err := c.Query(context.Background(), nil, "127.0.0.1:53", time.Second); !errors.Is(err, ErrNilQuery) {
		t.Errorf("err = %v, want ErrNilQuery", err)
	}
}

func TestClientQueryTimeout(t *testing.T) {
	// An address with no listener behind it (reserved TEST-NET-1 per
	// RFC 5737) should fail fast rather than hang, but since UDP is
	// connectionless the exchange will instead time out against the
	// client's own deadline.
	c := NewClient()
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	_, err := c.Query(context.Background(), req, "192.0.2.1:53", 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected an error querying an unreachable upstream")
	}
}

func TestClientQueryAgainstLocalResponder(t *testing.T) {
	addr, stop := startEchoResponder(t)
	defer stop()

	c := NewClient()
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	resp, err := c.Query(context.Background(), req, addr, time.Second)
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		t.Errorf("Rcode = %v, want success", resp.Rcode)
	}
}

// startEchoResponder runs a minimal UDP DNS responder that replies
// NOERROR with no answers, for exercising the success path without a
// live network dependency.
func startEchoResponder(t *testing.T) (addr string, stop func()) {
	t.Helper()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start test responder: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 512)
		for {
			n, raddr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			m := new(dns.Msg)
			if err := m.Unpack(buf[:n]); err != nil {
				continue
			}
			reply := new(dns.Msg)
			reply.SetReply(m)
			out, err := reply.Pack()
			if err != nil {
				continue
			}
			_, _ = conn.WriteTo(out, raddr)
		}
	}()

	return conn.LocalAddr().String(), func() {
		_ = conn.Close()
		<-done
	}
}
