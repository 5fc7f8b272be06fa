// Package escrow models the escrow-subgraph view the core consumes
// read-only: it never mutates escrow, only observes it.
package escrow

import (
	"context"
	"time"

	"github.com/graphops/tap-agent/core"
	"github.com/graphops/tap-agent/watcher"
)

// Account is one sender's escrow position: its balance (already net of
// thawing/pending withdrawals) and the signers it has authorized.
type Account struct {
	Sender  core.Address
	Balance core.U128
	Signers map[core.Address]struct{}
}

// Snapshot is the escrow-subgraph view at one point in time: per-sender
// accounts plus a signer->sender reverse index kept in lock-step with the
// forward map (original_source/common/src/escrow_accounts.rs keeps these
// paired so a reverse lookup never races ahead of the forward one; here
// that's for free since both are derived from the same immutable value).
type Snapshot struct {
	Accounts map[core.Address]Account
	reverse  map[core.Address]core.Address
}

// NewSnapshot builds a Snapshot from a flat account list, deriving the
// signer->sender reverse index.
func NewSnapshot(accounts []Account) Snapshot {
	s := Snapshot{
		Accounts: make(map[core.Address]Account, len(accounts)),
		reverse:  make(map[core.Address]core.Address),
	}
	for _, a := range accounts {
		s.Accounts[a.Sender] = a
		for signer := range a.Signers {
			s.reverse[signer] = a.Sender
		}
	}
	return s
}

// SenderForSigner resolves a signer address to its authorizing sender.
func (s Snapshot) SenderForSigner(signer core.Address) (core.Address, bool) {
	sender, ok := s.reverse[signer]
	return sender, ok
}

// Balance returns the sender's current escrow balance, zero if unknown.
func (s Snapshot) Balance(sender core.Address) core.U128 {
	return s.Accounts[sender].Balance
}

// HasEscrow reports whether sender has any account (zero balance still
// counts; Sender Actor lifecycle keys off existence, not balance > 0,
// except at spawn time).
func (s Snapshot) HasEscrow(sender core.Address) bool {
	_, ok := s.Accounts[sender]
	return ok
}

// Senders returns the set of senders with an escrow account in this
// snapshot.
func (s Snapshot) Senders() []core.Address {
	out := make([]core.Address, 0, len(s.Accounts))
	for addr := range s.Accounts {
		out = append(out, addr)
	}
	return out
}

// Fetcher resolves the current escrow snapshot from the escrow subgraph;
// implemented outside the core and consumed as a watcher returning snapshots.
type Fetcher interface {
	FetchSnapshot(ctx context.Context) (Snapshot, error)
}

// Watch starts a Snapshot[Snapshot] watcher polling f on interval,
// publishing the escrow view the Sender Actor and Deny List check read.
func Watch(ctx context.Context, f Fetcher, interval time.Duration, onError func(error)) (*watcher.Snapshot[Snapshot], error) {
	return watcher.New(ctx, interval, func(ctx context.Context) (Snapshot, error) {
		return f.FetchSnapshot(ctx)
	}, onError)
}
