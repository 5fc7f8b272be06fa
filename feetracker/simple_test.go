package feetracker_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/graphops/tap-agent/core"
	"github.com/graphops/tap-agent/feetracker"
)

func TestSimpleAddAccumulates(t *testing.T) {
	s := feetracker.NewSimple()
	alloc := core.Address{0x01}

	s.Add(alloc, core.NewU128FromUint64(10))
	s.Add(alloc, core.NewU128FromUint64(5))
	require.Equal(t, "15", s.Total(alloc).String())
}

func TestSimpleUpdateOverwrites(t *testing.T) {
	s := feetracker.NewSimple()
	alloc := core.Address{0x01}

	s.Add(alloc, core.NewU128FromUint64(10))
	s.Update(alloc, core.NewU128FromUint64(3))
	require.Equal(t, "3", s.Total(alloc).String())
}

func TestSimpleRemoveDeletesEntry(t *testing.T) {
	s := feetracker.NewSimple()
	alloc := core.Address{0x01}
	s.Add(alloc, core.NewU128FromUint64(10))
	s.Remove(alloc)
	require.True(t, s.Total(alloc).IsZero())
	require.Empty(t, s.List())
}

func TestSimpleSumAcrossAllocations(t *testing.T) {
	s := feetracker.NewSimple()
	s.Add(core.Address{0x01}, core.NewU128FromUint64(10))
	s.Add(core.Address{0x02}, core.NewU128FromUint64(20))
	require.Equal(t, "30", s.Sum().String())
}

func TestSimpleListIsDefensiveCopy(t *testing.T) {
	s := feetracker.NewSimple()
	s.Add(core.Address{0x01}, core.NewU128FromUint64(10))
	list := s.List()
	list[core.Address{0x01}] = core.NewU128FromUint64(999)
	require.Equal(t, "10", s.Total(core.Address{0x01}).String())
}
