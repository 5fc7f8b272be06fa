package checks

import (
	"context"
	"fmt"
	"sync"

	"github.com/graphops/tap-agent/core"
	"github.com/graphops/tap-agent/store"
)

// DenySet is the in-memory mirror of the denylist table: only this check
// reads it; writes arrive through Apply, called either by Watch or by a
// caller's own loop over the denylist notification stream.
type DenySet struct {
	mu     sync.RWMutex
	denied map[core.Address]struct{}
}

// NewDenySet seeds a DenySet from an initial list, typically read from the
// store at startup.
func NewDenySet(initial []core.Address) *DenySet {
	d := &DenySet{denied: make(map[core.Address]struct{}, len(initial))}
	for _, s := range initial {
		d.denied[s] = struct{}{}
	}
	return d
}

// IsDenied reports whether sender is currently denied.
func (d *DenySet) IsDenied(sender core.Address) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.denied[sender]
	return ok
}

// Apply mutates d with a single observed change, exported so callers
// driving their own dispatch loop (the accounts supervisor, which also
// needs to notify the affected sender actor) don't have to route through
// a channel just to reach this state.
func (d *DenySet) Apply(change store.DenyChange) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if change.Deleted {
		delete(d.denied, change.Sender)
	} else {
		d.denied[change.Sender] = struct{}{}
	}
}

// Watch drains changes from the store's denylist notification stream into
// d until ctx is cancelled or the channel closes.
func (d *DenySet) Watch(ctx context.Context, changes <-chan store.DenyChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			d.Apply(change)
		}
	}
}

// DenyListCheck rejects receipts from a sender currently on the denylist.
func DenyListCheck(ctx context.Context, cctx *Context, receipt *core.Receipt, signer *core.Address) (Outcome, error) {
	if cctx.IsDenied == nil {
		return Ok, nil
	}
	sender, ok := cctx.Escrow.SenderForSigner(*signer)
	if !ok {
		return Retry, fmt.Errorf("deny_list: no sender for signer %s", signer)
	}
	if cctx.IsDenied(sender) {
		return Fail, fmt.Errorf("deny_list: sender %s is denied", sender)
	}
	return Ok, nil
}
