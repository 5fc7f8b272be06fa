package core

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// DomainSeparator is the EIP-712 domain hash for the TAP "Receipt" and
// "ReceiptAggregateVoucher" structs, fixed by the protocol: name "TAP",
// version "1", chainId and verifyingContract bound to the escrow contract
// the indexer is deployed against.
type DomainSeparator struct {
	chainID            uint64
	verifyingContract  Address
	cachedSeparatorHex [32]byte
	computed           bool
}

// NewDomainSeparator precomputes the EIP-712 domain hash for a given chain
// and escrow contract address.
func NewDomainSeparator(chainID uint64, verifyingContract Address) *DomainSeparator {
	d := &DomainSeparator{chainID: chainID, verifyingContract: verifyingContract}
	d.hash()
	return d
}

func keccak256(buf []byte) [32]byte {
	return [32]byte(crypto.Keccak256Hash(buf))
}

var domainTypeHash = keccak256(
	[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
)

func (d *DomainSeparator) hash() [32]byte {
	if d.computed {
		return d.cachedSeparatorHex
	}
	nameHash := keccak256([]byte("TAP"))
	versionHash := keccak256([]byte("1"))

	var chainIDBuf [32]byte
	binary.BigEndian.PutUint64(chainIDBuf[24:], d.chainID)

	var contractBuf [32]byte
	copy(contractBuf[12:], d.verifyingContract.Bytes())

	buf := make([]byte, 0, 32*5)
	buf = append(buf, domainTypeHash[:]...)
	buf = append(buf, nameHash[:]...)
	buf = append(buf, versionHash[:]...)
	buf = append(buf, chainIDBuf[:]...)
	buf = append(buf, contractBuf[:]...)

	d.cachedSeparatorHex = keccak256(buf)
	d.computed = true
	return d.cachedSeparatorHex
}

var receiptTypeHash = keccak256(
	[]byte("Receipt(address allocation_id,uint64 timestamp_ns,uint64 nonce,uint128 value)"),
)

var ravTypeHash = keccak256(
	[]byte("ReceiptAggregateVoucher(address allocationId,uint64 timestampNs,uint128 valueAggregate)"),
)

// signingHash assembles the final EIP-712 digest ("\x19\x01" || domain ||
// structHash) that go-ethereum's crypto.Sign/Ecrecover operate on.
func signingHash(domain *DomainSeparator, structHash [32]byte) [32]byte {
	buf := make([]byte, 0, 2+32+32)
	buf = append(buf, 0x19, 0x01)
	sep := domain.hash()
	buf = append(buf, sep[:]...)
	buf = append(buf, structHash[:]...)
	return keccak256(buf)
}

func padU64(v uint64) [32]byte {
	var out [32]byte
	binary.BigEndian.PutUint64(out[24:], v)
	return out
}

func padU128(v U128) [32]byte {
	var out [32]byte
	b := v.Big().Bytes()
	if len(b) > 16 {
		b = b[len(b)-16:]
	}
	copy(out[32-len(b):], b)
	return out
}

func padAddress(a Address) [32]byte {
	var out [32]byte
	copy(out[12:], a.Bytes())
	return out
}

// recoverSigner recovers the 20-byte address that produced sig over hash,
// matching go-ethereum's crypto.SigToPub/PubkeyToAddress pipeline used
// throughout the ecosystem for EIP-712 signature recovery.
func recoverSigner(hash [32]byte, sig []byte) (Address, error) {
	if len(sig) != 65 {
		return Address{}, fmt.Errorf("core: invalid signature length %d", len(sig))
	}
	// go-ethereum's Ecrecover expects the recovery id in the last byte as
	// 0/1; client libraries commonly send 27/28, so normalize here.
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	pub, err := crypto.SigToPub(hash[:], normalized)
	if err != nil {
		return Address{}, fmt.Errorf("core: recover signer: %w", err)
	}
	return Address(crypto.PubkeyToAddress(*pub)), nil
}
