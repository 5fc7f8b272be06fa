// Package accounts implements the root supervisor: it subscribes to the
// escrow, active-allocation and new-receipt streams, spawns and tears down
// one Sender Actor per sender with an escrow account or active allocation,
// and keeps the shared deny-list mirror current.
package accounts

import (
	"context"
	"sync"

	"github.com/graphops/tap-agent/aggregator"
	"github.com/graphops/tap-agent/checks"
	"github.com/graphops/tap-agent/core"
	"github.com/graphops/tap-agent/escrow"
	"github.com/graphops/tap-agent/logutil"
	"github.com/graphops/tap-agent/network"
	"github.com/graphops/tap-agent/sender"
	"github.com/graphops/tap-agent/store"
	"github.com/graphops/tap-agent/watcher"
)

var log = logutil.Disabled

// UseLogger installs subsystem logging for the accounts package.
func UseLogger(l logutil.Logger) {
	log = l
}

// Manager is the top-level supervisor: one per running agent process.
type Manager struct {
	store            *store.Store
	aggregators      *aggregator.Selector
	domain           *core.DomainSeparator
	pipeline         []checks.Check
	denySet          *checks.DenySet
	transactions     network.TransactionsWatcher
	closureConfirmer network.ClosureConfirmer
	appraiser        checks.MinValueAppraiser
	escrowWatcher    *watcher.Snapshot[escrow.Snapshot]
	allocWatcher     *watcher.Snapshot[map[core.Address][]core.Allocation]
	senderCfg        sender.Config
	dsn              string

	mu      sync.Mutex
	senders map[core.Address]*sender.Actor

	wg sync.WaitGroup
}

// Config bundles what the Manager needs beyond the shared watchers, which
// are constructed by the caller (cmd/tap-agent) and passed in directly so
// tests can substitute fakes.
type Config struct {
	Store            *store.Store
	Aggregators      *aggregator.Selector
	Domain           *core.DomainSeparator
	Pipeline         []checks.Check
	Transactions     network.TransactionsWatcher
	ClosureConfirmer network.ClosureConfirmer
	Appraiser        checks.MinValueAppraiser
	EscrowWatcher    *watcher.Snapshot[escrow.Snapshot]
	AllocWatcher     *watcher.Snapshot[map[core.Address][]core.Allocation]
	SenderConfig     sender.Config
	DSN              string
}

// New constructs a Manager. Run starts it.
func New(cfg Config) *Manager {
	return &Manager{
		store:            cfg.Store,
		aggregators:      cfg.Aggregators,
		domain:           cfg.Domain,
		pipeline:         cfg.Pipeline,
		transactions:     cfg.Transactions,
		closureConfirmer: cfg.ClosureConfirmer,
		appraiser:        cfg.Appraiser,
		escrowWatcher:    cfg.EscrowWatcher,
		allocWatcher:     cfg.AllocWatcher,
		senderCfg:        cfg.SenderConfig,
		dsn:              cfg.DSN,
		senders:          make(map[core.Address]*sender.Actor),
	}
}

// Run seeds the deny-list mirror, spawns a Sender Actor for every sender
// currently known (escrow account or active allocation), and then serves
// the deny-list, allocation/escrow-change and new-receipt streams until ctx
// is cancelled. It blocks until every Sender Actor has drained.
func (m *Manager) Run(ctx context.Context) error {
	initialDeny, err := m.store.ListDenied(ctx)
	if err != nil {
		return err
	}
	m.denySet = checks.NewDenySet(initialDeny)

	denyChanges, err := m.store.DenylistChanges(ctx, m.dsn)
	if err != nil {
		return err
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.watchDenyChanges(ctx, denyChanges)
	}()

	receipts, cancelReceipts := m.store.NewReceiptNotifications(ctx)
	defer cancelReceipts()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.watchReceipts(ctx, receipts)
	}()

	m.reconcileKnownSenders(ctx)

	allocCh, cancelAlloc := m.allocWatcher.Changes()
	defer cancelAlloc()
	escrowCh, cancelEscrow := m.escrowWatcher.Changes()
	defer cancelEscrow()

	for {
		select {
		case <-ctx.Done():
			m.shutdown(context.Background())
			m.wg.Wait()
			return nil
		case <-allocCh:
			m.reconcileKnownSenders(ctx)
			m.broadcastAllocations()
		case <-escrowCh:
			m.reconcileKnownSenders(ctx)
			m.broadcastEscrow()
		}
	}
}

func (m *Manager) watchDenyChanges(ctx context.Context, changes <-chan store.DenyChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			m.denySet.Apply(change)

			m.mu.Lock()
			act, ok := m.senders[change.Sender]
			m.mu.Unlock()
			if ok {
				act.DenyChanged(!change.Deleted)
			}
		}
	}
}

func (m *Manager) watchReceipts(ctx context.Context, notices <-chan core.NewReceiptNotice) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notices:
			if !ok {
				return
			}
			snap := m.escrowWatcher.Current()
			addr, ok := snap.SenderForSigner(n.Signer)
			if !ok {
				log.Warnf("accounts: no escrow account authorizes signer %s, dropping receipt notice %d", n.Signer, n.ID)
				continue
			}
			act := m.getOrSpawn(ctx, addr)
			if act == nil {
				continue
			}
			act.NewReceipt(n)
		}
	}
}

// reconcileKnownSenders spawns a Sender Actor for every sender with an
// escrow account or an active allocation that doesn't have one yet.
func (m *Manager) reconcileKnownSenders(ctx context.Context) {
	seen := make(map[core.Address]struct{})
	for _, addr := range m.escrowWatcher.Current().Senders() {
		seen[addr] = struct{}{}
	}
	for addr := range m.allocWatcher.Current() {
		if addr.IsZero() {
			// The network subgraph's allocation set isn't partitioned by
			// sender (any authorized signer of any sender may pay for any
			// allocation); fetchers that can't group it by sender place
			// everything under the zero address, which never owns escrow
			// and must not spawn a spurious sender actor of its own.
			continue
		}
		seen[addr] = struct{}{}
	}
	for addr := range seen {
		m.getOrSpawn(ctx, addr)
	}
}

func (m *Manager) getOrSpawn(ctx context.Context, addr core.Address) *sender.Actor {
	m.mu.Lock()
	act, ok := m.senders[addr]
	m.mu.Unlock()
	if ok {
		return act
	}

	act = sender.New(
		addr, m,
		m.store, m.aggregators, m.domain, m.pipeline,
		m.denySet, m.transactions, m.closureConfirmer, m.appraiser,
		m.escrowWatcher, m.allocWatcher,
		m.senderCfg,
	)
	if err := act.Start(ctx); err != nil {
		log.Errorf("accounts: start sender %s: %v", addr, err)
		return nil
	}

	m.mu.Lock()
	m.senders[addr] = act
	m.mu.Unlock()
	return act
}

func (m *Manager) broadcastAllocations() {
	// The network subgraph's active-allocation set isn't partitioned by
	// sender, so every sender actor gets the full flattened set rather
	// than a per-address bucket.
	all := flattenAllocations(m.allocWatcher.Current())
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, act := range m.senders {
		act.UpdateAllocations(all)
	}
}

func (m *Manager) broadcastEscrow() {
	snap := m.escrowWatcher.Current()
	m.mu.Lock()
	defer m.mu.Unlock()
	for addr, act := range m.senders {
		act.UpdateEscrow(snap.Accounts[addr])
	}
}

func flattenAllocations(bySender map[core.Address][]core.Allocation) map[core.Address]core.Allocation {
	out := make(map[core.Address]core.Allocation)
	for _, list := range bySender {
		for _, al := range list {
			out[al.ID] = al
		}
	}
	return out
}

func (m *Manager) shutdown(ctx context.Context) {
	m.mu.Lock()
	actors := make([]*sender.Actor, 0, len(m.senders))
	for _, act := range m.senders {
		actors = append(actors, act)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, act := range actors {
		act := act
		wg.Add(1)
		go func() {
			defer wg.Done()
			act.GracefulClose(ctx)
		}()
	}
	wg.Wait()
}

// SenderTerminated implements sender.Parent.
func (m *Manager) SenderTerminated(addr core.Address) {
	m.mu.Lock()
	delete(m.senders, addr)
	m.mu.Unlock()
}
