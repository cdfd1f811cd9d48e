package cache

import (
	"context"

	"github.com/miekg/dns"
)

// Interface is implemented by both Cache and ShardedCache.
type Interface interface {
	Get(ctx context.Context, r *dns.Msg) *dns.Msg
	Set(ctx context.Context, r *dns.Msg, resp *dns.Msg)
	Stats() Stats
	Clear()
	Close() error
}

var (
	_ Interface = (*Cache)(nil)
	_ Interface = (*ShardedCache)(nil)
)
