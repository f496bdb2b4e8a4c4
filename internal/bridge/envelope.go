package bridge

import (
	"github.com/klingon-exchange/subswap/internal/swap"
)

// ClaimEnvelope is delivered to the host after a reverse claim.
type ClaimEnvelope struct {
	Tx string `json:"tx"`
	ID string `json:"id"`
}

// ForwardEnvelope is delivered to the host after a forward claim.
type ForwardEnvelope struct {
	Result ClaimEnvelope `json:"result"`
}

// RefundEnvelope is delivered to the host after a refund.
type RefundEnvelope struct {
	RefundTx string `json:"refundTx"`
	ID       string `json:"id"`
}

// ErrorEnvelope is delivered to the host when an operation fails.
type ErrorEnvelope struct {
	Error string `json:"error"`
}

// Envelope converts the outcome of one operation into the message the host
// expects. Any error wins over the result.
func Envelope(kind swap.Kind, res *swap.Result, err error) interface{} {
	if err != nil {
		return ErrorEnvelope{Error: err.Error()}
	}
	if res == nil {
		return ErrorEnvelope{Error: "no result"}
	}

	switch kind {
	case swap.KindClaimForward:
		return ForwardEnvelope{Result: ClaimEnvelope{Tx: res.TransactionHex, ID: res.SwapID}}
	case swap.KindRefund:
		return RefundEnvelope{RefundTx: res.TransactionHex, ID: res.SwapID}
	default:
		return ClaimEnvelope{Tx: res.TransactionHex, ID: res.SwapID}
	}
}
