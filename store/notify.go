package store

import (
	"context"
	"sync"

	"github.com/graphops/tap-agent/core"
)

// chanSet fans a single produced value out to every currently-subscribed
// channel, used for the in-process new-receipt notification
// requires ("a fan-out channel carrying only (id, allocation, signer,
// timestamp_ns, value)").
type chanSet struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan core.NewReceiptNotice
}

func newChanSet() chanSet {
	return chanSet{subs: make(map[int]chan core.NewReceiptNotice)}
}

func (c *chanSet) subscribe(buf int) (ch <-chan core.NewReceiptNotice, cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	out := make(chan core.NewReceiptNotice, buf)
	c.subs[id] = out

	return out, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

func (c *chanSet) publish(n core.NewReceiptNotice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- n:
		default:
			// A slow subscriber (Accounts Manager fell behind) drops
			// the notice; it will be rediscovered on the next
			// periodic active-allocation/escrow scan rather than
			// blocking receipt ingestion.
		}
	}
}

// NewReceiptNotifications returns a channel of new-receipt notices and a
// cancel function to unsubscribe. The Accounts Manager holds exactly one
// of these for the lifetime of the process.
func (s *Store) NewReceiptNotifications(ctx context.Context) (<-chan core.NewReceiptNotice, func()) {
	return s.receiptNotices.subscribe(256)
}
