// Package swap implements the claim and refund side of Taproot submarine
// swaps against a swap service counterparty.
//
// The package is organised leaf first:
//   - descriptor.go and script.go describe the swap script tree
//   - locator.go finds the swap output in a lockup transaction
//   - feetarget.go and tx.go build spends that land on a target fee rate
//   - musig2.go drives the cooperative key-path signing session
//   - scriptpath.go builds non-cooperative leaf spends
//   - client.go sequences all of the above per operation
package swap

import (
	"errors"
)

// Protocol errors. Every operation returns at most one of these, wrapped
// with context.
var (
	ErrLockupTransactionMissing = errors.New("lockup transaction missing")
	ErrSwapOutputNotFound       = errors.New("no swap output found in lockup transaction")
	ErrAmbiguousSwapOutput      = errors.New("multiple outputs in lockup transaction match the swap")
	ErrTweakMismatch            = errors.New("tweaked aggregate key does not match lockup address")
	ErrFeeConvergenceFailed     = errors.New("fee did not converge")
	ErrInvalidPartialSignature  = errors.New("invalid partial signature")
	ErrEmptyTransaction         = errors.New("constructed transaction is empty")

	ErrInvalidSwapTree    = errors.New("invalid swap tree")
	ErrInvalidPubKey      = errors.New("invalid public key")
	ErrPreimageMismatch   = errors.New("preimage does not match swap hash")
	ErrRefundKeyMismatch  = errors.New("refund leaf does not pay to local key")
	ErrClaimKeyMismatch   = errors.New("claim leaf does not pay to local key")
	ErrRefundNotFinal     = errors.New("refund leaf timeout not reached")
	ErrInsufficientFunds  = errors.New("swap output cannot cover fee")
	ErrDustOutput         = errors.New("destination output would be dust")
	ErrInvalidFeeRate     = errors.New("fee rate must be positive")
	ErrSighashMismatch    = errors.New("transaction changed after session was bound")
	ErrCooperationRefused = errors.New("counterparty refused to cooperate")
)

// Kind names the operation that produced a result.
type Kind string

const (
	KindClaimReverse Kind = "claim_reverse"
	KindClaimForward Kind = "claim_forward"
	KindRefund       Kind = "refund"
)

// Sequence numbers used by spends.
const (
	// SequenceRBF signals opt-in replace-by-fee and satisfies the
	// OP_CHECKLOCKTIMEVERIFY requirement of a non-final input.
	SequenceRBF uint32 = 0xfffffffd
)
