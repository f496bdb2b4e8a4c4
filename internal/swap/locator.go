package swap

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// SwapOutput is the output of a lockup transaction that pays the swap.
type SwapOutput struct {
	OutPoint wire.OutPoint
	Value    btcutil.Amount
	PkScript []byte

	// Asset and BlindingKey are only set on confidential-asset chains.
	Asset       []byte
	BlindingKey []byte
}

// PrevOutFetcher returns a fetcher that resolves the swap outpoint.
func (o *SwapOutput) PrevOutFetcher() txscript.PrevOutputFetcher {
	return txscript.NewCannedPrevOutputFetcher(o.PkScript, int64(o.Value))
}

// TaprootOutputScript returns the P2TR scriptPubKey for an output key.
func TaprootOutputScript(outputKey *btcec.PublicKey) ([]byte, error) {
	if outputKey == nil {
		return nil, ErrInvalidPubKey
	}
	return txscript.PayToTaprootScript(outputKey)
}

// LocateOutput scans every output of tx for one whose scriptPubKey equals
// one of the candidate scripts. Exactly one match is required.
func LocateOutput(tx *wire.MsgTx, candidates ...[]byte) (*SwapOutput, error) {
	if tx == nil {
		return nil, ErrLockupTransactionMissing
	}

	txHash := tx.TxHash()
	var found *SwapOutput
	for i, out := range tx.TxOut {
		if !matchesAny(out.PkScript, candidates) {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("%w: outputs %d and %d in %s",
				ErrAmbiguousSwapOutput, found.OutPoint.Index, i, txHash)
		}
		found = &SwapOutput{
			OutPoint: *wire.NewOutPoint(&txHash, uint32(i)),
			Value:    btcutil.Amount(out.Value),
			PkScript: out.PkScript,
		}
	}

	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrSwapOutputNotFound, txHash)
	}
	return found, nil
}

// LocateTaprootOutput finds the output paying to the tweaked key.
func LocateTaprootOutput(tx *wire.MsgTx, outputKey *btcec.PublicKey) (*SwapOutput, error) {
	script, err := TaprootOutputScript(outputKey)
	if err != nil {
		return nil, err
	}
	return LocateOutput(tx, script)
}

func matchesAny(pkScript []byte, candidates [][]byte) bool {
	for _, c := range candidates {
		if len(c) > 0 && bytes.Equal(pkScript, c) {
			return true
		}
	}
	return false
}
