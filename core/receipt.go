package core

import "fmt"

// Receipt is a signed claim of payment for a single query, recoverable to
// the signer that produced it. It is immutable once signed; the database
// `id` assigned on insertion is carried separately (see NewReceiptNotice)
// rather than on the struct itself, since unsigned receipts never have one.
type Receipt struct {
	AllocationID Address
	Nonce        uint64
	TimestampNs  uint64
	Value        U128
	Signature    []byte // 65-byte r||s||v
}

// StructHash returns the EIP-712 struct hash for this receipt's fields,
// independent of any signature.
func (r *Receipt) StructHash() [32]byte {
	buf := make([]byte, 0, 32*5)
	buf = append(buf, receiptTypeHash[:]...)
	allocBuf := padAddress(r.AllocationID)
	buf = append(buf, allocBuf[:]...)
	tsBuf := padU64(r.TimestampNs)
	buf = append(buf, tsBuf[:]...)
	nonceBuf := padU64(r.Nonce)
	buf = append(buf, nonceBuf[:]...)
	valBuf := padU128(r.Value)
	buf = append(buf, valBuf[:]...)
	return keccak256(buf)
}

// RecoverSigner recovers the address that produced r.Signature over r's
// EIP-712 digest under domain.
func (r *Receipt) RecoverSigner(domain *DomainSeparator) (Address, error) {
	if len(r.Signature) == 0 {
		return Address{}, fmt.Errorf("core: receipt has no signature")
	}
	hash := signingHash(domain, r.StructHash())
	return recoverSigner(hash, r.Signature)
}

// StoredReceipt is a Receipt as read back from the receipt store, carrying
// the database identity and the signer recovered (and cached) at insert
// time so checks don't re-run ECDSA recovery on every pass.
type StoredReceipt struct {
	ID     int64
	Signer Address
	Receipt
}

// NewReceiptNotice is the lightweight fan-out payload the store emits on
// every insert: enough for routing without re-reading the
// full signed receipt.
type NewReceiptNotice struct {
	ID           int64
	AllocationID Address
	Signer       Address
	TimestampNs  uint64
	Value        U128
}
