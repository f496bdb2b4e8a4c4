package swap

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/subswap/pkg/helpers"
	"github.com/stretchr/testify/require"
)

// sessionFixture is a local session advanced to SessionInitialized
// against the in-memory cosigner.
type sessionFixture struct {
	swap   *testSwap
	out    *SwapOutput
	tx     *wire.MsgTx
	bound  *BoundSession
	remote *CooperativeResponse
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()

	s := newReverseSwap(t)
	out := s.swapOutput(t)

	session, err := NewSession(s.local, s.counterparty.PubKey(), WithNonceSource(fixedReader(0x01)))
	require.NoError(t, err)
	tweaked, err := session.Tweak(s.tree, s.outputKey)
	require.NoError(t, err)
	require.True(t, tweaked.TweakedKey().IsEqual(s.outputKey))

	internal, err := tweaked.InternalKey()
	require.NoError(t, err)
	require.True(t, internal.IsEqual(s.internalKey))

	tx, _, err := BuildSpend(&SpendDetails{Output: out}, s.destScript, 1000,
		DefaultMaxFeeIterations, nil, KeyPathSize)
	require.NoError(t, err)
	txHex, err := SerializeTx(tx)
	require.NoError(t, err)

	nonceSession, err := tweaked.GenerateNonce()
	require.NoError(t, err)

	c := &cosigner{key: s.counterparty, local: s.local.PubKey(), tree: s.tree, nonce: 0x02}
	remote, err := c.sign(s.lockup, &CooperativeRequest{
		TransactionHex: txHex,
		PubNonce:       nonceSession.PubNonce(),
	})
	require.NoError(t, err)

	aggregated, err := nonceSession.ReceiveNonce(remote.PubNonce)
	require.NoError(t, err)
	bound, err := aggregated.Bind(tx, 0, out)
	require.NoError(t, err)

	return &sessionFixture{swap: s, out: out, tx: tx, bound: bound, remote: remote}
}

func TestSessionProducesValidKeySpend(t *testing.T) {
	f := newSessionFixture(t)

	signed, err := f.bound.SignLocal()
	require.NoError(t, err)
	require.NotNil(t, signed.LocalPartial())

	full, err := signed.AddRemotePartial(f.remote.PartialSignature)
	require.NoError(t, err)

	sig, err := full.Aggregate(f.tx)
	require.NoError(t, err)

	sigHash := f.bound.SigHash()
	require.True(t, sig.Verify(sigHash[:], f.swap.outputKey))
	require.Equal(t, wire.TxWitness{sig.Serialize()}, f.tx.TxIn[0].Witness)

	requireValidSpend(t, f.tx, f.out)
}

func TestSessionRejectsMutatedTransaction(t *testing.T) {
	f := newSessionFixture(t)

	signed, err := f.bound.SignLocal()
	require.NoError(t, err)
	full, err := signed.AddRemotePartial(f.remote.PartialSignature)
	require.NoError(t, err)

	f.tx.TxOut[0].Value--
	_, err = full.Aggregate(f.tx)
	require.ErrorIs(t, err, ErrSighashMismatch)
	require.Empty(t, f.tx.TxIn[0].Witness)
}

func TestSessionRejectsInvalidPartial(t *testing.T) {
	f := newSessionFixture(t)

	signed, err := f.bound.SignLocal()
	require.NoError(t, err)

	var one btcec.ModNScalar
	one.SetInt(1)
	f.remote.PartialSignature.S.Add(&one)

	_, err = signed.AddRemotePartial(f.remote.PartialSignature)
	require.ErrorIs(t, err, ErrInvalidPartialSignature)
}

func TestSessionRejectsMissingPartial(t *testing.T) {
	f := newSessionFixture(t)

	signed, err := f.bound.SignLocal()
	require.NoError(t, err)

	_, err = signed.AddRemotePartial(nil)
	require.ErrorIs(t, err, ErrInvalidPartialSignature)
}

func TestSessionStagesAreSingleUse(t *testing.T) {
	f := newSessionFixture(t)

	_, err := f.bound.SignLocal()
	require.NoError(t, err)
	require.Panics(t, func() {
		_, _ = f.bound.SignLocal()
	})

	s := newReverseSwap(t)
	session, err := NewSession(s.local, s.counterparty.PubKey())
	require.NoError(t, err)
	_, err = session.Tweak(s.tree, nil)
	require.NoError(t, err)
	require.Panics(t, func() {
		_, _ = session.Tweak(s.tree, nil)
	})
}

func TestSessionTweakMismatch(t *testing.T) {
	s := newReverseSwap(t)

	session, err := NewSession(s.local, s.counterparty.PubKey())
	require.NoError(t, err)

	_, err = session.Tweak(s.tree, testKey("stranger").PubKey())
	require.ErrorIs(t, err, ErrTweakMismatch)
}

func TestSessionKeyOrderMatters(t *testing.T) {
	s := newReverseSwap(t)

	// Swapping the roles aggregates [local, counterparty], which is a
	// different key.
	session, err := NewSession(s.counterparty, s.local.PubKey())
	require.NoError(t, err)

	_, err = session.Tweak(s.tree, s.outputKey)
	require.ErrorIs(t, err, ErrTweakMismatch)
}

func TestNewSessionRejectsBadKeys(t *testing.T) {
	key := testKey("local")

	_, err := NewSession(nil, key.PubKey())
	require.ErrorIs(t, err, ErrInvalidPubKey)

	_, err = NewSession(key, nil)
	require.ErrorIs(t, err, ErrInvalidPubKey)

	_, err = NewSession(key, key.PubKey())
	require.ErrorIs(t, err, ErrInvalidPubKey)
}

func TestSessionRejectsEchoedNonce(t *testing.T) {
	s := newReverseSwap(t)

	session, err := NewSession(s.local, s.counterparty.PubKey())
	require.NoError(t, err)
	tweaked, err := session.Tweak(s.tree, nil)
	require.NoError(t, err)
	nonceSession, err := tweaked.GenerateNonce()
	require.NoError(t, err)

	_, err = nonceSession.ReceiveNonce(nonceSession.PubNonce())
	require.Error(t, err)
}

func TestPartialSignatureEncoding(t *testing.T) {
	f := newSessionFixture(t)

	encoded, err := EncodePartialSignature(f.remote.PartialSignature)
	require.NoError(t, err)
	require.Len(t, encoded, 64)

	decoded, err := ParsePartialSignature(encoded)
	require.NoError(t, err)
	require.True(t, decoded.S.Equals(f.remote.PartialSignature.S))

	// The curve order itself overflows.
	_, err = ParsePartialSignature("fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141")
	require.ErrorIs(t, err, ErrInvalidPartialSignature)

	_, err = ParsePartialSignature("00")
	require.ErrorIs(t, err, ErrInvalidPartialSignature)
}

func TestParsePubNonce(t *testing.T) {
	f := newSessionFixture(t)

	nonce := f.remote.PubNonce
	parsed, err := ParsePubNonce(helpers.BytesToHex(nonce[:]))
	require.NoError(t, err)
	require.Equal(t, nonce, parsed)

	_, err = ParsePubNonce("abcd")
	require.Error(t, err)
}
