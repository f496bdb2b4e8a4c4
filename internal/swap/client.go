package swap

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/subswap/internal/chain"
	"github.com/klingon-exchange/subswap/pkg/helpers"
	"github.com/klingon-exchange/subswap/pkg/logging"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// TransactionInfo is a transaction reported by the swap service.
type TransactionInfo struct {
	ID  string
	Hex string
}

// SwapStatus is the swap service's view of a swap.
type SwapStatus struct {
	Status      string
	Transaction *TransactionInfo
}

// CooperativeRequest carries our half of a key-path signing round.
type CooperativeRequest struct {
	InputIndex     int
	TransactionHex string
	// PreimageHex is empty for refunds.
	PreimageHex string
	PubNonce    [musig2.PubNonceSize]byte
}

// CooperativeResponse carries the counterparty's half.
type CooperativeResponse struct {
	PubNonce         [musig2.PubNonceSize]byte
	PartialSignature *musig2.PartialSignature
}

// SwapService is the remote counterparty. Each method blocks until the
// service answers.
type SwapService interface {
	SwapStatus(ctx context.Context, swapID string) (*SwapStatus, error)
	ClaimReverse(ctx context.Context, swapID string, req *CooperativeRequest) (*CooperativeResponse, error)
	ClaimForward(ctx context.Context, swapID string, req *CooperativeRequest) (*CooperativeResponse, error)
	Refund(ctx context.Context, swapID string, req *CooperativeRequest) (*CooperativeResponse, error)
}

// ClaimRequest holds the inputs of a claim.
type ClaimRequest struct {
	Swap        *SwapDescriptor
	Destination string
	FeeRate     chainfee.SatPerKVByte
	PrivateKey  *btcec.PrivateKey
	Preimage    lntypes.Preimage

	// DestinationBlindingKey is only used on confidential-asset chains.
	DestinationBlindingKey []byte
}

// RefundRequest holds the inputs of a refund.
type RefundRequest struct {
	Swap        *SwapDescriptor
	Destination string
	FeeRate     chainfee.SatPerKVByte
	PrivateKey  *btcec.PrivateKey

	// CurrentHeight, when known, must reach the refund timeout before the
	// refund leaf is used. Zero means unknown.
	CurrentHeight uint32

	DestinationBlindingKey []byte
}

// Result is a fully signed transaction ready for broadcast.
type Result struct {
	Kind           Kind
	SwapID         string
	Transaction    *wire.MsgTx
	TransactionHex string
	Fee            btcutil.Amount
	// Cooperative is false when the spend went through a script leaf.
	Cooperative bool
}

// Client runs claim and refund operations against a swap service.
type Client struct {
	service     SwapService
	params      *chain.Params
	maxIter     int
	nonceSource io.Reader
	blinder     Blinder
	log         *logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithMaxFeeIterations caps the fee convergence loop.
func WithMaxFeeIterations(n int) Option {
	return func(c *Client) { c.maxIter = n }
}

// WithNonceReader sets the randomness source of every session nonce.
func WithNonceReader(r io.Reader) Option {
	return func(c *Client) { c.nonceSource = r }
}

// WithBlinder sets the confidential-asset blinder.
func WithBlinder(b Blinder) Option {
	return func(c *Client) { c.blinder = b }
}

// NewClient creates a client for one network.
func NewClient(service SwapService, params *chain.Params, opts ...Option) *Client {
	c := &Client{
		service: service,
		params:  params,
		maxIter: DefaultMaxFeeIterations,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logging.GetDefault()
	}
	c.log = c.log.Component("swap")
	return c
}

var errNoClaimRequest = errors.New("no claim request")

type cooperativePost func(ctx context.Context, swapID string, req *CooperativeRequest) (*CooperativeResponse, error)

// ClaimReverse claims the output the service locked for a reverse swap.
func (c *Client) ClaimReverse(ctx context.Context, req *ClaimRequest) (*Result, error) {
	return c.claim(ctx, KindClaimReverse, req, c.service.ClaimReverse)
}

// ClaimForward claims the lockup of a submarine swap cooperatively.
func (c *Client) ClaimForward(ctx context.Context, req *ClaimRequest) (*Result, error) {
	return c.claim(ctx, KindClaimForward, req, c.service.ClaimForward)
}

func (c *Client) claim(ctx context.Context, kind Kind, req *ClaimRequest,
	post cooperativePost) (*Result, error) {

	if req == nil {
		return nil, errNoClaimRequest
	}
	if err := validateDescriptor(req.Swap); err != nil {
		return nil, err
	}
	if req.PrivateKey == nil {
		return nil, fmt.Errorf("%w: no private key", ErrInvalidPubKey)
	}
	id := req.Swap.ID
	log := c.log.With("swap", id, "op", kind)

	terms, err := req.Swap.Tree.ClaimTerms()
	if err != nil {
		return nil, err
	}
	if !terms.MatchesPreimage(req.Preimage) {
		return nil, ErrPreimageMismatch
	}

	destScript, err := c.params.OutputScript(req.Destination)
	if err != nil {
		return nil, err
	}

	lockupTx, err := c.fetchLockup(ctx, id)
	if err != nil {
		return nil, err
	}

	tweaked, out, err := c.prepareSession(req.Swap, req.PrivateKey, lockupTx)
	if err != nil {
		return nil, err
	}
	log.Debug("Swap output located", "outpoint", out.OutPoint, "value", out.Value)

	spend := &SpendDetails{
		Output:                 out,
		DestinationBlindingKey: req.DestinationBlindingKey,
	}
	tx, fee, err := BuildSpend(spend, destScript, req.FeeRate, c.maxIter, c.blinder, KeyPathSize)
	if err != nil {
		return nil, err
	}

	if err := c.signCooperatively(ctx, id, tweaked, tx, out, req.Preimage[:], post); err != nil {
		return nil, err
	}

	log.Info("Claim transaction signed", "txid", tx.TxHash(), "fee", fee,
		"sat_per_vbyte", FormatFeeRate(req.FeeRate))
	return c.result(kind, id, tx, fee, true)
}

// Refund returns the locked funds of a submarine swap to the client. It
// first asks the service to sign cooperatively and falls back to the
// refund leaf when the service refuses or cannot be reached.
func (c *Client) Refund(ctx context.Context, req *RefundRequest) (*Result, error) {
	if req == nil {
		return nil, errors.New("no refund request")
	}
	if err := validateDescriptor(req.Swap); err != nil {
		return nil, err
	}
	if req.PrivateKey == nil {
		return nil, fmt.Errorf("%w: no private key", ErrInvalidPubKey)
	}
	id := req.Swap.ID
	log := c.log.With("swap", id, "op", KindRefund)

	terms, err := req.Swap.Tree.RefundTerms()
	if err != nil {
		return nil, err
	}
	if !helpers.ConstantTimeCompare(terms.Key, schnorr.SerializePubKey(req.PrivateKey.PubKey())) {
		return nil, ErrRefundKeyMismatch
	}
	if req.Swap.TimeoutBlockHeight != 0 && req.Swap.TimeoutBlockHeight != terms.TimeoutHeight {
		return nil, fmt.Errorf("%w: descriptor timeout %d, leaf timeout %d", ErrInvalidSwapTree,
			req.Swap.TimeoutBlockHeight, terms.TimeoutHeight)
	}

	destScript, err := c.params.OutputScript(req.Destination)
	if err != nil {
		return nil, err
	}

	lockupTx, err := c.fetchLockup(ctx, id)
	if err != nil {
		return nil, err
	}

	tweaked, out, err := c.prepareSession(req.Swap, req.PrivateKey, lockupTx)
	if err != nil {
		return nil, err
	}

	spend := &SpendDetails{
		Output:                 out,
		DestinationBlindingKey: req.DestinationBlindingKey,
	}
	tx, fee, err := BuildSpend(spend, destScript, req.FeeRate, c.maxIter, c.blinder, KeyPathSize)
	if err != nil {
		return nil, err
	}

	err = c.signCooperatively(ctx, id, tweaked, tx, out, nil, c.service.Refund)
	switch {
	case err == nil:
		log.Info("Cooperative refund signed", "txid", tx.TxHash(), "fee", fee)
		return c.result(KindRefund, id, tx, fee, true)

	case errors.Is(err, ErrInvalidPartialSignature), ctx.Err() != nil:
		return nil, err
	}

	// The leaf spend is only valid once the chain reaches the timeout.
	if req.CurrentHeight != 0 && req.CurrentHeight < terms.TimeoutHeight {
		log.Warn("Cooperative refund unavailable and refund leaf not final",
			"error", err, "height", req.CurrentHeight, "timeout", terms.TimeoutHeight)
		return nil, fmt.Errorf("%w: height %d, timeout %d: %v", ErrRefundNotFinal,
			req.CurrentHeight, terms.TimeoutHeight, err)
	}

	log.Warn("Cooperative refund unavailable, using refund leaf", "error", err)

	internalKey, err := tweaked.InternalKey()
	if err != nil {
		return nil, err
	}

	leafSpend := RefundScriptPath(spend, req.Swap.Tree, internalKey, req.PrivateKey, terms.TimeoutHeight)
	tx, fee, err = BuildScriptPath(leafSpend, destScript, req.FeeRate, c.blinder)
	if err != nil {
		return nil, err
	}

	log.Info("Script path refund signed", "txid", tx.TxHash(), "fee", fee,
		"locktime", tx.LockTime)
	return c.result(KindRefund, id, tx, fee, false)
}

// ClaimScriptPath claims through the claim leaf without contacting the
// service. It is the non-cooperative counterpart of ClaimReverse.
func (c *Client) ClaimScriptPath(ctx context.Context, req *ClaimRequest) (*Result, error) {
	if req == nil {
		return nil, errNoClaimRequest
	}
	if err := validateDescriptor(req.Swap); err != nil {
		return nil, err
	}
	if req.PrivateKey == nil {
		return nil, fmt.Errorf("%w: no private key", ErrInvalidPubKey)
	}

	terms, err := req.Swap.Tree.ClaimTerms()
	if err != nil {
		return nil, err
	}
	if !terms.MatchesPreimage(req.Preimage) {
		return nil, ErrPreimageMismatch
	}
	if !helpers.ConstantTimeCompare(terms.Key, schnorr.SerializePubKey(req.PrivateKey.PubKey())) {
		return nil, ErrClaimKeyMismatch
	}

	destScript, err := c.params.OutputScript(req.Destination)
	if err != nil {
		return nil, err
	}

	lockupTx, err := c.fetchLockup(ctx, req.Swap.ID)
	if err != nil {
		return nil, err
	}

	tweaked, out, err := c.prepareSession(req.Swap, req.PrivateKey, lockupTx)
	if err != nil {
		return nil, err
	}
	internalKey, err := tweaked.InternalKey()
	if err != nil {
		return nil, err
	}

	spend := &SpendDetails{
		Output:                 out,
		DestinationBlindingKey: req.DestinationBlindingKey,
	}
	leafSpend := ClaimScriptPath(spend, req.Swap.Tree, internalKey, req.PrivateKey, req.Preimage)
	tx, fee, err := BuildScriptPath(leafSpend, destScript, req.FeeRate, c.blinder)
	if err != nil {
		return nil, err
	}

	c.log.Info("Script path claim signed", "swap", req.Swap.ID, "txid", tx.TxHash(), "fee", fee)
	return c.result(KindClaimReverse, req.Swap.ID, tx, fee, false)
}

func validateDescriptor(d *SwapDescriptor) error {
	switch {
	case d == nil:
		return errors.New("no swap descriptor")
	case d.ID == "":
		return errors.New("swap descriptor has no id")
	case d.Tree == nil:
		return ErrInvalidSwapTree
	case d.CounterpartyPubKey == nil:
		return fmt.Errorf("%w: no counterparty key", ErrInvalidPubKey)
	}
	return nil
}

// fetchLockup is the first suspension point of every operation. No further
// network call happens when it fails.
func (c *Client) fetchLockup(ctx context.Context, id string) (*wire.MsgTx, error) {
	status, err := c.service.SwapStatus(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch swap status: %w", err)
	}
	if status == nil || status.Transaction == nil || status.Transaction.Hex == "" {
		return nil, ErrLockupTransactionMissing
	}

	tx, err := DeserializeTx(status.Transaction.Hex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockupTransactionMissing, err)
	}
	return tx, nil
}

// prepareSession runs the session up to KeysTweaked and locates the output
// paying the tweaked key.
func (c *Client) prepareSession(d *SwapDescriptor, key *btcec.PrivateKey,
	lockupTx *wire.MsgTx) (*TweakedSession, *SwapOutput, error) {

	expected, err := d.ExpectedOutputKey(c.params.Chain)
	if err != nil {
		return nil, nil, err
	}

	session, err := NewSession(key, d.CounterpartyPubKey, WithNonceSource(c.nonceSource))
	if err != nil {
		return nil, nil, err
	}
	tweaked, err := session.Tweak(d.Tree, expected)
	if err != nil {
		return nil, nil, err
	}

	out, err := LocateTaprootOutput(lockupTx, tweaked.TweakedKey())
	if err != nil {
		return nil, nil, err
	}
	out.BlindingKey = d.BlindingKey

	return tweaked, out, nil
}

// signCooperatively runs the session from KeysTweaked to Aggregated. The
// local nonce is sent together with the unsigned transaction, and the
// counterparty answers with its nonce and partial signature.
func (c *Client) signCooperatively(ctx context.Context, id string, tweaked *TweakedSession,
	tx *wire.MsgTx, out *SwapOutput, preimage []byte, post cooperativePost) error {

	nonceSession, err := tweaked.GenerateNonce()
	if err != nil {
		return err
	}

	txHex, err := SerializeTx(tx)
	if err != nil {
		return err
	}

	req := &CooperativeRequest{
		InputIndex:     0,
		TransactionHex: txHex,
		PubNonce:       nonceSession.PubNonce(),
	}
	if preimage != nil {
		req.PreimageHex = helpers.BytesToHex(preimage)
	}

	c.log.Debug("Requesting partial signature", "swap", id,
		"nonce", helpers.ShortHex(req.PubNonce[:], 16))
	resp, err := post(ctx, id, req)
	if err != nil {
		return err
	}
	if resp == nil {
		return fmt.Errorf("%w: empty response", ErrCooperationRefused)
	}

	aggregated, err := nonceSession.ReceiveNonce(resp.PubNonce)
	if err != nil {
		return err
	}
	bound, err := aggregated.Bind(tx, 0, out)
	if err != nil {
		return err
	}
	signed, err := bound.SignLocal()
	if err != nil {
		return err
	}
	full, err := signed.AddRemotePartial(resp.PartialSignature)
	if err != nil {
		return err
	}
	_, err = full.Aggregate(tx)
	return err
}

func (c *Client) result(kind Kind, id string, tx *wire.MsgTx, fee btcutil.Amount,
	cooperative bool) (*Result, error) {

	txHex, err := SerializeTx(tx)
	if err != nil {
		return nil, err
	}
	return &Result{
		Kind:           kind,
		SwapID:         id,
		Transaction:    tx,
		TransactionHex: txHex,
		Fee:            fee,
		Cooperative:    cooperative,
	}, nil
}
