// Package feetracker implements the per-allocation fee bookkeeping: a plain
// running-total tracker used for RAV and invalid-receipt values, and a
// buffered variant used for unaggregated receipt fees that must respect the
// aggregation time buffer.
package feetracker

import (
	"sync"

	"github.com/graphops/tap-agent/core"
)

// Simple is a mapping allocation -> running total, used directly for the
// RAV tracker (total value already aggregated per allocation) and the
// invalid-receipt tracker (monotonically increasing, never decremented per
// an open design question, resolved here in favor of simplicity).
type Simple struct {
	mu     sync.RWMutex
	totals map[core.Address]core.U128
}

// NewSimple returns an empty Simple tracker.
func NewSimple() *Simple {
	return &Simple{totals: make(map[core.Address]core.U128)}
}

// Update overwrites the allocation's current total.
func (s *Simple) Update(allocation core.Address, value core.U128) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totals[allocation] = value
}

// Add increments the allocation's total by value with saturating
// semantics, reporting whether the add saturated so the caller can log it.
func (s *Simple) Add(allocation core.Address, value core.U128) (ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.totals[allocation]
	next, added := cur.SaturatingAdd(value)
	s.totals[allocation] = next
	return added
}

// Remove deletes the allocation's entry entirely, used when an allocation's
// final RAV is stored and it drops out of the active set.
func (s *Simple) Remove(allocation core.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.totals, allocation)
}

// Total returns the allocation's current total (zero if absent).
func (s *Simple) Total(allocation core.Address) core.U128 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totals[allocation]
}

// List returns a defensive copy of the full allocation -> total map.
func (s *Simple) List() map[core.Address]core.U128 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[core.Address]core.U128, len(s.totals))
	for k, v := range s.totals {
		out[k] = v
	}
	return out
}

// Sum returns the sum across all tracked allocations.
func (s *Simple) Sum() core.U128 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total core.U128
	for _, v := range s.totals {
		total, _ = total.SaturatingAdd(v)
	}
	return total
}
