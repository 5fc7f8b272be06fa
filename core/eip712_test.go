package core

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func newTestKey(t *testing.T) ([]byte, Address) {
	t.Helper()
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	raw := crypto.FromECDSA(priv)
	addr := Address(crypto.PubkeyToAddress(priv.PublicKey))
	return raw, addr
}

func signStructHash(t *testing.T, key []byte, domain *DomainSeparator, structHash [32]byte) []byte {
	t.Helper()
	priv, err := crypto.ToECDSA(key)
	require.NoError(t, err)
	hash := signingHash(domain, structHash)
	sig, err := crypto.Sign(hash[:], priv)
	require.NoError(t, err)
	return sig
}

func TestReceiptRecoverSignerMatchesSigner(t *testing.T) {
	key, addr := newTestKey(t)
	domain := NewDomainSeparator(1337, Address{0x01})

	r := &Receipt{
		AllocationID: Address{0x02},
		Nonce:        1,
		TimestampNs:  1_700_000_000_000_000_000,
		Value:        NewU128FromUint64(42),
	}
	r.Signature = signStructHash(t, key, domain, r.StructHash())

	recovered, err := r.RecoverSigner(domain)
	require.NoError(t, err)
	require.Equal(t, addr, recovered)
}

func TestReceiptRecoverSignerRejectsTamperedValue(t *testing.T) {
	key, addr := newTestKey(t)
	domain := NewDomainSeparator(1337, Address{0x01})

	r := &Receipt{
		AllocationID: Address{0x02},
		Nonce:        1,
		TimestampNs:  1_700_000_000_000_000_000,
		Value:        NewU128FromUint64(42),
	}
	r.Signature = signStructHash(t, key, domain, r.StructHash())

	r.Value = NewU128FromUint64(9999)
	recovered, err := r.RecoverSigner(domain)
	require.NoError(t, err)
	require.NotEqual(t, addr, recovered)
}

func TestReceiptRecoverSignerNoSignature(t *testing.T) {
	domain := NewDomainSeparator(1337, Address{0x01})
	r := &Receipt{AllocationID: Address{0x02}}
	_, err := r.RecoverSigner(domain)
	require.Error(t, err)
}

func TestRAVRecoverSignerMatchesSigner(t *testing.T) {
	key, addr := newTestKey(t)
	domain := NewDomainSeparator(1, Address{0xAA})

	rav := &RAV{
		AllocationID:   Address{0x03},
		TimestampNs:    1_700_000_000_000_000_000,
		ValueAggregate: NewU128FromUint64(1000),
	}
	rav.Signature = signStructHash(t, key, domain, rav.StructHash())

	recovered, err := rav.RecoverSigner(domain)
	require.NoError(t, err)
	require.Equal(t, addr, recovered)
}

func TestDomainSeparatorDiffersByChainOrContract(t *testing.T) {
	d1 := NewDomainSeparator(1, Address{0x01})
	d2 := NewDomainSeparator(2, Address{0x01})
	d3 := NewDomainSeparator(1, Address{0x02})

	r := &Receipt{AllocationID: Address{0x02}, Nonce: 1, Value: NewU128FromUint64(1)}
	h1 := signingHash(d1, r.StructHash())
	h2 := signingHash(d2, r.StructHash())
	h3 := signingHash(d3, r.StructHash())
	require.NotEqual(t, h1, h2)
	require.NotEqual(t, h1, h3)
}

func TestRecoverSignerRejectsBadLength(t *testing.T) {
	_, err := recoverSigner([32]byte{}, []byte{1, 2, 3})
	require.Error(t, err)
}

func TestVerifyMonotoneRejectsTimestampRegression(t *testing.T) {
	prev := &RAV{TimestampNs: 100, ValueAggregate: NewU128FromUint64(10)}
	next := &RAV{TimestampNs: 100, ValueAggregate: NewU128FromUint64(20)}
	require.Error(t, VerifyMonotone(prev, next))
}

func TestVerifyMonotoneRejectsValueRegression(t *testing.T) {
	prev := &RAV{TimestampNs: 100, ValueAggregate: NewU128FromUint64(20)}
	next := &RAV{TimestampNs: 200, ValueAggregate: NewU128FromUint64(10)}
	require.Error(t, VerifyMonotone(prev, next))
}

func TestVerifyMonotoneAcceptsFirstRAV(t *testing.T) {
	next := &RAV{TimestampNs: 100, ValueAggregate: NewU128FromUint64(10)}
	require.NoError(t, VerifyMonotone(nil, next))
}

func TestVerifyMonotoneAcceptsValidSuccessor(t *testing.T) {
	prev := &RAV{TimestampNs: 100, ValueAggregate: NewU128FromUint64(10)}
	next := &RAV{TimestampNs: 200, ValueAggregate: NewU128FromUint64(20)}
	require.NoError(t, VerifyMonotone(prev, next))
}
