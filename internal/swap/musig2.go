package swap

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/klingon-exchange/subswap/pkg/helpers"
)

// The cooperative signing session is a chain of single-use stage types:
//
//	Session -> TweakedSession -> NonceSession -> NoncesAggregated ->
//	BoundSession -> LocallySigned -> FullySigned
//
// Each stage only exposes the transition to the next one, so steps cannot
// be skipped or reordered. Advancing the same stage twice is a programming
// error and panics.
//
// SECURITY: a session signs at most once. Nonces are generated inside the
// session and never leave it except as the public nonce, and musig2
// blanks the secret nonce after signing. A retry must start from
// NewSession.

// stage guards single use of a session stage.
type stage struct {
	name string
	used bool
}

func (s *stage) advance() {
	if s.used {
		panic(fmt.Sprintf("swap: musig2 session stage %q advanced twice", s.name))
	}
	s.used = true
}

// sessionState is shared by all stages of one session.
type sessionState struct {
	localKey     *btcec.PrivateKey
	counterparty *btcec.PublicKey

	// keys is [counterparty, local], unsorted. The swap service aggregates
	// in this order.
	keys []*btcec.PublicKey

	nonceSource io.Reader

	tree       *SwapTree
	merkleRoot []byte
	ctx        *musig2.Context
	tweakedKey *btcec.PublicKey

	session        *musig2.Session
	localPubNonce  [musig2.PubNonceSize]byte
	remotePubNonce [musig2.PubNonceSize]byte
	combinedNonce  [musig2.PubNonceSize]byte

	inputIndex int
	output     *SwapOutput
	sigHash    [32]byte
}

// SessionOption configures a new session.
type SessionOption func(*sessionState)

// WithNonceSource overrides the randomness used for the session nonce.
// Tests use it to make signing deterministic.
func WithNonceSource(r io.Reader) SessionOption {
	return func(s *sessionState) {
		if r != nil {
			s.nonceSource = r
		}
	}
}

// Session is a freshly created signing session (state Created).
type Session struct {
	stage
	st *sessionState
}

// NewSession starts a two-party session between the local key and the
// counterparty key.
func NewSession(localKey *btcec.PrivateKey, counterparty *btcec.PublicKey,
	opts ...SessionOption) (*Session, error) {

	if localKey == nil || counterparty == nil {
		return nil, ErrInvalidPubKey
	}
	if localKey.PubKey().IsEqual(counterparty) {
		return nil, fmt.Errorf("%w: counterparty key equals local key", ErrInvalidPubKey)
	}

	st := &sessionState{
		localKey:     localKey,
		counterparty: counterparty,
		keys:         []*btcec.PublicKey{counterparty, localKey.PubKey()},
		nonceSource:  rand.Reader,
	}
	for _, opt := range opts {
		opt(st)
	}

	return &Session{stage: stage{name: "created"}, st: st}, nil
}

// Tweak aggregates both keys and applies the Taproot tweak committing to
// tree. If expected is non-nil the tweaked key must match it.
func (s *Session) Tweak(tree *SwapTree, expected *btcec.PublicKey) (*TweakedSession, error) {
	s.advance()

	if tree == nil {
		return nil, ErrInvalidSwapTree
	}

	root := tree.MerkleRoot()
	ctx, err := musig2.NewContext(
		s.st.localKey, false,
		musig2.WithKnownSigners(s.st.keys),
		musig2.WithTaprootTweakCtx(root),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create musig2 context: %w", err)
	}

	tweaked, err := ctx.CombinedKey()
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate keys: %w", err)
	}

	if expected != nil && !bytes.Equal(
		schnorr.SerializePubKey(tweaked), schnorr.SerializePubKey(expected)) {

		return nil, fmt.Errorf("%w: computed %x, expected %x", ErrTweakMismatch,
			schnorr.SerializePubKey(tweaked), schnorr.SerializePubKey(expected))
	}

	s.st.tree = tree
	s.st.merkleRoot = root
	s.st.ctx = ctx
	s.st.tweakedKey = tweaked

	return &TweakedSession{stage: stage{name: "keys tweaked"}, st: s.st}, nil
}

// TweakedSession holds the aggregate key (state KeysTweaked).
type TweakedSession struct {
	stage
	st *sessionState
}

// TweakedKey is the Taproot output key the swap output pays to.
func (s *TweakedSession) TweakedKey() *btcec.PublicKey {
	return s.st.tweakedKey
}

// InternalKey is the aggregate key before the Taproot tweak.
func (s *TweakedSession) InternalKey() (*btcec.PublicKey, error) {
	return s.st.ctx.TaprootInternalKey()
}

// GenerateNonce draws a fresh nonce for this session.
func (s *TweakedSession) GenerateNonce() (*NonceSession, error) {
	s.advance()

	nonces, err := musig2.GenNonces(
		musig2.WithPublicKey(s.st.localKey.PubKey()),
		musig2.WithNonceSecretKeyAux(s.st.localKey),
		musig2.WithNonceCombinedKeyAux(s.st.tweakedKey),
		musig2.WithCustomRand(s.st.nonceSource),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	session, err := s.st.ctx.NewSession(musig2.WithPreGeneratedNonce(nonces))
	if err != nil {
		return nil, fmt.Errorf("failed to create musig2 session: %w", err)
	}

	s.st.session = session
	s.st.localPubNonce = session.PublicNonce()

	return &NonceSession{stage: stage{name: "nonce generated"}, st: s.st}, nil
}

// NonceSession holds the local nonce (state NonceGenerated).
type NonceSession struct {
	stage
	st *sessionState
}

// PubNonce is the public nonce to send to the counterparty.
func (s *NonceSession) PubNonce() [musig2.PubNonceSize]byte {
	return s.st.localPubNonce
}

// ReceiveNonce registers the counterparty's public nonce and aggregates it
// with ours.
func (s *NonceSession) ReceiveNonce(remote [musig2.PubNonceSize]byte) (*NoncesAggregated, error) {
	s.advance()

	if remote == s.st.localPubNonce {
		return nil, errors.New("counterparty echoed our nonce")
	}

	haveAll, err := s.st.session.RegisterPubNonce(remote)
	if err != nil {
		return nil, fmt.Errorf("failed to register counterparty nonce: %w", err)
	}
	if !haveAll {
		return nil, errors.New("nonce set incomplete")
	}

	combined, err := musig2.AggregateNonces([][musig2.PubNonceSize]byte{
		remote, s.st.localPubNonce,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate nonces: %w", err)
	}

	s.st.remotePubNonce = remote
	s.st.combinedNonce = combined

	return &NoncesAggregated{stage: stage{name: "counterparty nonce received"}, st: s.st}, nil
}

// NoncesAggregated holds both nonces (state CounterpartyNonceReceived).
type NoncesAggregated struct {
	stage
	st *sessionState
}

// Bind computes the key-path sighash of input idx of tx, which must spend
// out, and binds the session to it. Any later change to tx invalidates the
// binding.
func (s *NoncesAggregated) Bind(tx *wire.MsgTx, idx int, out *SwapOutput) (*BoundSession, error) {
	s.advance()

	if out == nil {
		return nil, ErrSwapOutputNotFound
	}
	sigHash, err := KeySpendSigHash(tx, idx, out)
	if err != nil {
		return nil, err
	}

	s.st.inputIndex = idx
	s.st.output = out
	s.st.sigHash = sigHash

	return &BoundSession{stage: stage{name: "session initialized"}, st: s.st}, nil
}

// BoundSession is bound to one sighash (state SessionInitialized).
type BoundSession struct {
	stage
	st *sessionState
}

// SigHash returns the message being signed.
func (s *BoundSession) SigHash() [32]byte {
	return s.st.sigHash
}

// SignLocal produces our partial signature over the bound sighash.
func (s *BoundSession) SignLocal() (*LocallySigned, error) {
	s.advance()

	sig, err := s.st.session.Sign(s.st.sigHash)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	return &LocallySigned{
		stage: stage{name: "local partial signed"},
		st:    s.st,
		local: sig,
	}, nil
}

// LocallySigned holds our partial signature (state LocalPartialSigned).
type LocallySigned struct {
	stage
	st    *sessionState
	local *musig2.PartialSignature
}

// LocalPartial returns our partial signature.
func (s *LocallySigned) LocalPartial() *musig2.PartialSignature {
	return s.local
}

// AddRemotePartial verifies the counterparty's partial signature against
// its key, its nonce and the bound sighash, then buffers it.
func (s *LocallySigned) AddRemotePartial(sig *musig2.PartialSignature) (*FullySigned, error) {
	s.advance()

	if sig == nil || sig.S == nil {
		return nil, fmt.Errorf("%w: missing", ErrInvalidPartialSignature)
	}

	ok := sig.Verify(
		s.st.remotePubNonce, s.st.combinedNonce, s.st.keys,
		s.st.counterparty, s.st.sigHash,
		musig2.WithTaprootSignTweak(s.st.merkleRoot),
	)
	if !ok {
		return nil, ErrInvalidPartialSignature
	}

	haveAll, err := s.st.session.CombineSig(sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPartialSignature, err)
	}
	if !haveAll {
		return nil, errors.New("partial signature set incomplete")
	}

	return &FullySigned{stage: stage{name: "remote partial added"}, st: s.st}, nil
}

// FullySigned holds both partial signatures (state RemotePartialAdded).
type FullySigned struct {
	stage
	st *sessionState
}

// Aggregate combines both partial signatures into the final Schnorr
// signature and attaches it as the only witness element of the bound
// input of tx. tx must be the transaction the session was bound to,
// unmodified.
func (s *FullySigned) Aggregate(tx *wire.MsgTx) (*schnorr.Signature, error) {
	s.advance()

	sigHash, err := KeySpendSigHash(tx, s.st.inputIndex, s.st.output)
	if err != nil {
		return nil, err
	}
	if sigHash != s.st.sigHash {
		return nil, ErrSighashMismatch
	}

	final := s.st.session.FinalSig()
	if final == nil || !final.Verify(sigHash[:], s.st.tweakedKey) {
		return nil, fmt.Errorf("%w: aggregate does not verify", ErrInvalidPartialSignature)
	}

	tx.TxIn[s.st.inputIndex].Witness = wire.TxWitness{final.Serialize()}
	return final, nil
}

// EncodePartialSignature returns the 32 byte hex encoding of sig.
func EncodePartialSignature(sig *musig2.PartialSignature) (string, error) {
	var buf bytes.Buffer
	if err := sig.Encode(&buf); err != nil {
		return "", err
	}
	return helpers.BytesToHex(buf.Bytes()), nil
}

// ParsePartialSignature decodes a 32 byte hex partial signature. Values not
// below the curve order are rejected.
func ParsePartialSignature(s string) (*musig2.PartialSignature, error) {
	raw, err := helpers.HexToFixed(s, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPartialSignature, err)
	}

	var scalar secp256k1.ModNScalar
	if overflow := scalar.SetByteSlice(raw); overflow {
		return nil, fmt.Errorf("%w: scalar overflows curve order", ErrInvalidPartialSignature)
	}

	sig := musig2.NewPartialSignature(&scalar, nil)
	return &sig, nil
}

// ParsePubNonce decodes a 66 byte hex public nonce.
func ParsePubNonce(s string) ([musig2.PubNonceSize]byte, error) {
	var nonce [musig2.PubNonceSize]byte
	raw, err := helpers.HexToFixed(s, musig2.PubNonceSize)
	if err != nil {
		return nonce, fmt.Errorf("public nonce: %w", err)
	}
	copy(nonce[:], raw)
	return nonce, nil
}
