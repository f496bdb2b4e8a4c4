package swap

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
)

const (
	testSwapID        = "Z8M9kR2pQ1bz"
	testSwapValue     = btcutil.Amount(100_000)
	testTimeoutHeight = 2_016
)

var testNet = &chaincfg.RegressionNetParams

// testKey derives a deterministic private key from a label.
func testKey(label string) *btcec.PrivateKey {
	seed := sha256.Sum256([]byte(label))
	key, _ := btcec.PrivKeyFromBytes(seed[:])
	return key
}

// fixedReader returns an endless stream of the same byte.
func fixedReader(b byte) io.Reader {
	return bytes.NewReader(bytes.Repeat([]byte{b}, 4096))
}

// testSwap is a fully formed swap with a lockup transaction paying its
// output.
type testSwap struct {
	local        *btcec.PrivateKey
	counterparty *btcec.PrivateKey
	preimage     lntypes.Preimage

	tree        *SwapTree
	internalKey *btcec.PublicKey
	outputKey   *btcec.PublicKey
	descriptor  *SwapDescriptor

	lockup      *wire.MsgTx
	destination string
	destScript  []byte
}

// newReverseSwap builds a reverse swap: the local key claims with the
// preimage, the counterparty refunds after the timeout.
func newReverseSwap(t *testing.T) *testSwap {
	t.Helper()

	s := newTestSwapKeys()
	claim, err := ReverseClaimLeaf(s.preimage.Hash(), s.local.PubKey())
	require.NoError(t, err)
	refund, err := RefundLeaf(s.counterparty.PubKey(), testTimeoutHeight)
	require.NoError(t, err)

	s.finish(t, claim, refund)
	return s
}

// newSubmarineSwap builds a submarine swap: the counterparty claims with
// the preimage, the local key refunds after the timeout.
func newSubmarineSwap(t *testing.T) *testSwap {
	t.Helper()

	s := newTestSwapKeys()
	claim, err := SubmarineClaimLeaf(s.preimage.Hash(), s.counterparty.PubKey())
	require.NoError(t, err)
	refund, err := RefundLeaf(s.local.PubKey(), testTimeoutHeight)
	require.NoError(t, err)

	s.finish(t, claim, refund)
	return s
}

func newTestSwapKeys() *testSwap {
	var preimage lntypes.Preimage
	copy(preimage[:], bytes.Repeat([]byte{0x42}, 32))

	return &testSwap{
		local:        testKey("local"),
		counterparty: testKey("counterparty"),
		preimage:     preimage,
	}
}

func (s *testSwap) finish(t *testing.T, claim, refund []byte) {
	t.Helper()

	s.tree = NewSwapTree(claim, refund)

	var err error
	s.internalKey, err = InternalKey(s.counterparty.PubKey(), s.local.PubKey())
	require.NoError(t, err)
	s.outputKey = s.tree.OutputKey(s.internalKey)

	lockupAddr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(s.outputKey), testNet)
	require.NoError(t, err)

	swapScript, err := TaprootOutputScript(s.outputKey)
	require.NoError(t, err)

	// The swap output sits behind a change output.
	s.lockup = wire.NewMsgTx(2)
	s.lockup.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{0x01}, 0), nil, nil))
	changeScript, err := TaprootOutputScript(testKey("change").PubKey())
	require.NoError(t, err)
	s.lockup.AddTxOut(wire.NewTxOut(5_000_000, changeScript))
	s.lockup.AddTxOut(wire.NewTxOut(int64(testSwapValue), swapScript))

	dest, err := btcutil.NewAddressTaproot(
		schnorr.SerializePubKey(testKey("destination").PubKey()), testNet,
	)
	require.NoError(t, err)
	s.destination = dest.EncodeAddress()
	s.destScript, err = txscript.PayToAddrScript(dest)
	require.NoError(t, err)

	s.descriptor = &SwapDescriptor{
		ID:                 testSwapID,
		CounterpartyPubKey: s.counterparty.PubKey(),
		Tree:               s.tree,
		LockupAddress:      lockupAddr.EncodeAddress(),
		TimeoutBlockHeight: testTimeoutHeight,
	}
}

func (s *testSwap) lockupHex(t *testing.T) string {
	t.Helper()
	h, err := SerializeTx(s.lockup)
	require.NoError(t, err)
	return h
}

func (s *testSwap) swapOutput(t *testing.T) *SwapOutput {
	t.Helper()
	out, err := LocateTaprootOutput(s.lockup, s.outputKey)
	require.NoError(t, err)
	return out
}

// requireValidSpend runs the script engine over input 0 of tx.
func requireValidSpend(t *testing.T, tx *wire.MsgTx, out *SwapOutput) {
	t.Helper()

	vm, err := newTestEngine(tx, out, out.PrevOutFetcher())
	require.NoError(t, err)
	require.NoError(t, vm.Execute())
}

func newTestEngine(tx *wire.MsgTx, out *SwapOutput,
	fetcher txscript.PrevOutputFetcher) (*txscript.Engine, error) {

	return txscript.NewEngine(
		out.PkScript, tx, 0, txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(tx, fetcher), int64(out.Value), fetcher,
	)
}

// cosigner plays the swap service side of a cooperative signing round.
type cosigner struct {
	key   *btcec.PrivateKey
	local *btcec.PublicKey
	tree  *SwapTree
	nonce byte
}

func (c *cosigner) sign(lockup *wire.MsgTx, req *CooperativeRequest) (*CooperativeResponse, error) {
	ctx, err := musig2.NewContext(
		c.key, false,
		musig2.WithKnownSigners([]*btcec.PublicKey{c.key.PubKey(), c.local}),
		musig2.WithTaprootTweakCtx(c.tree.MerkleRoot()),
	)
	if err != nil {
		return nil, err
	}
	outputKey, err := ctx.CombinedKey()
	if err != nil {
		return nil, err
	}
	out, err := LocateTaprootOutput(lockup, outputKey)
	if err != nil {
		return nil, err
	}

	tx, err := DeserializeTx(req.TransactionHex)
	if err != nil {
		return nil, err
	}
	sigHash, err := KeySpendSigHash(tx, req.InputIndex, out)
	if err != nil {
		return nil, err
	}

	nonces, err := musig2.GenNonces(
		musig2.WithPublicKey(c.key.PubKey()),
		musig2.WithCustomRand(fixedReader(c.nonce)),
	)
	if err != nil {
		return nil, err
	}
	session, err := ctx.NewSession(musig2.WithPreGeneratedNonce(nonces))
	if err != nil {
		return nil, err
	}
	if _, err := session.RegisterPubNonce(req.PubNonce); err != nil {
		return nil, err
	}

	// Sign blanks the local nonces, so read the public one first.
	pubNonce := session.PublicNonce()
	partial, err := session.Sign(sigHash)
	if err != nil {
		return nil, err
	}

	return &CooperativeResponse{
		PubNonce:         pubNonce,
		PartialSignature: partial,
	}, nil
}

// fakeService is an in-memory SwapService backed by a cosigner.
type fakeService struct {
	mu    sync.Mutex
	calls []string

	status    *SwapStatus
	statusErr error
	lockup    *wire.MsgTx
	cosigner  *cosigner

	// refuse makes every cooperative endpoint fail with this error.
	refuse error
	// corrupt flips the partial signature returned by the cosigner.
	corrupt bool
	// wantPreimage, when set, must be sent with claims.
	wantPreimage string
}

func newFakeService(t *testing.T, s *testSwap) *fakeService {
	t.Helper()
	return &fakeService{
		status: &SwapStatus{
			Status: "transaction.mempool",
			Transaction: &TransactionInfo{
				ID:  s.lockup.TxHash().String(),
				Hex: s.lockupHex(t),
			},
		},
		lockup: s.lockup,
		cosigner: &cosigner{
			key:   s.counterparty,
			local: s.local.PubKey(),
			tree:  s.tree,
			nonce: 0x07,
		},
	}
}

func (f *fakeService) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeService) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeService) SwapStatus(_ context.Context, swapID string) (*SwapStatus, error) {
	f.record("status:" + swapID)
	return f.status, f.statusErr
}

func (f *fakeService) ClaimReverse(_ context.Context, swapID string, req *CooperativeRequest) (*CooperativeResponse, error) {
	f.record("claimReverse:" + swapID)
	return f.cosign(req, true)
}

func (f *fakeService) ClaimForward(_ context.Context, swapID string, req *CooperativeRequest) (*CooperativeResponse, error) {
	f.record("claimForward:" + swapID)
	return f.cosign(req, true)
}

func (f *fakeService) Refund(_ context.Context, swapID string, req *CooperativeRequest) (*CooperativeResponse, error) {
	f.record("refund:" + swapID)
	return f.cosign(req, false)
}

func (f *fakeService) cosign(req *CooperativeRequest, claim bool) (*CooperativeResponse, error) {
	if f.refuse != nil {
		return nil, f.refuse
	}
	if claim && f.wantPreimage != "" && req.PreimageHex != f.wantPreimage {
		return nil, errors.New("wrong preimage")
	}

	resp, err := f.cosigner.sign(f.lockup, req)
	if err != nil {
		return nil, err
	}
	if f.corrupt {
		var one btcec.ModNScalar
		one.SetInt(1)
		resp.PartialSignature.S.Add(&one)
	}
	return resp, nil
}
