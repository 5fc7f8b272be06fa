// Package core holds the wire-level and domain types shared across the
// accounting core: receipts, RAVs, addresses and the saturating-math
// helpers they're built on.
package core

import (
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Address is a 20-byte chain address: a sender, a signer, or an allocation
// identifier. It wraps go-ethereum's common.Address so receipts and RAVs
// use the same checksum and hex formatting the rest of the ecosystem does.
type Address common.Address

// ZeroAddress is the all-zero address.
var ZeroAddress = Address{}

// HexToAddress parses a 0x-prefixed or bare hex string into an Address.
func HexToAddress(s string) Address {
	return Address(common.HexToAddress(s))
}

// Bytes returns the 20-byte big-endian representation.
func (a Address) Bytes() []byte {
	return common.Address(a).Bytes()
}

// Hex returns the EIP-55 checksummed hex representation.
func (a Address) Hex() string {
	return common.Address(a).Hex()
}

// String implements fmt.Stringer.
func (a Address) String() string {
	return a.Hex()
}

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool {
	return a == ZeroAddress
}

// Less provides a deterministic lexicographic ordering, used to break ties
// when the buffered fee tracker selects the heaviest allocation.
func (a Address) Less(b Address) bool {
	return strings.Compare(strings.ToLower(a.Hex()), strings.ToLower(b.Hex())) < 0
}

// MarshalText implements encoding.TextMarshaler so Address can round-trip
// through JSON and the TOML config loader.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	*a = HexToAddress(string(text))
	return nil
}

// FromHexBytes decodes a raw (non-0x-prefixed) hex-encoded 20-byte address,
// as stored in the `signer`/`allocation_id` columns of the receipt tables.
func FromHexBytes(s string) (Address, error) {
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, err
	}
	var a Address
	copy(a[20-len(b):], b)
	return a, nil
}
