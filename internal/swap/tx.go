package swap

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/mempool"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/subswap/pkg/helpers"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// spendTxVersion is required for relative timelocks and matches what the
// swap service builds.
const spendTxVersion = 2

// Blinder attaches confidential-asset blinding to the destination output
// of a freshly constructed spend. It runs on every fee iteration, before
// the transaction is sized.
type Blinder interface {
	Blind(tx *wire.MsgTx, outputIndex int, blindingKey []byte) error
}

// SpendDetails describes the single swap output being spent.
type SpendDetails struct {
	Output *SwapOutput

	// Sequence of the spending input. Defaults to SequenceRBF.
	Sequence uint32

	// LockTime of the spend. Zero for claims, the timeout height for
	// script-path refunds.
	LockTime uint32

	// DestinationBlindingKey is passed to the Blinder.
	DestinationBlindingKey []byte
}

// ConstructSpend builds an unsigned transaction spending the swap output to
// destScript, paying exactly fee. The output value is the input value minus
// fee, so value + fee always equals the input total.
func ConstructSpend(spend *SpendDetails, destScript []byte, fee btcutil.Amount,
	blinder Blinder) (*wire.MsgTx, error) {

	if spend == nil || spend.Output == nil {
		return nil, ErrEmptyTransaction
	}
	if len(destScript) == 0 {
		return nil, fmt.Errorf("%w: no destination script", ErrEmptyTransaction)
	}

	value := spend.Output.Value - fee
	if value <= 0 {
		return nil, fmt.Errorf("%w: output %v, fee %v",
			ErrInsufficientFunds, spend.Output.Value, fee)
	}

	out := wire.NewTxOut(int64(value), destScript)
	if mempool.IsDust(out, mempool.DefaultMinRelayTxFee) {
		return nil, fmt.Errorf("%w: %v", ErrDustOutput, value)
	}

	sequence := spend.Sequence
	if sequence == 0 {
		sequence = SequenceRBF
	}

	tx := wire.NewMsgTx(spendTxVersion)
	tx.LockTime = spend.LockTime
	in := wire.NewTxIn(&spend.Output.OutPoint, nil, nil)
	in.Sequence = sequence
	tx.AddTxIn(in)
	tx.AddTxOut(out)

	if blinder != nil {
		if err := blinder.Blind(tx, 0, spend.DestinationBlindingKey); err != nil {
			return nil, fmt.Errorf("failed to blind output: %w", err)
		}
	}

	return tx, nil
}

// BuildSpend constructs a spend whose fee targets rate given the final
// witness size estimated by size.
func BuildSpend(spend *SpendDetails, destScript []byte, rate chainfee.SatPerKVByte,
	maxIter int, blinder Blinder, size SizeFunc) (*wire.MsgTx, btcutil.Amount, error) {

	tx, fee, err := TargetFee(rate, maxIter, func(fee btcutil.Amount) (*wire.MsgTx, error) {
		return ConstructSpend(spend, destScript, fee, blinder)
	}, size)
	if err != nil {
		return nil, 0, err
	}

	if err := checkNotEmpty(tx); err != nil {
		return nil, 0, err
	}
	return tx, fee, nil
}

func checkNotEmpty(tx *wire.MsgTx) error {
	if tx == nil || len(tx.TxIn) == 0 || len(tx.TxOut) == 0 {
		return ErrEmptyTransaction
	}
	if tx.SerializeSize() == 0 {
		return ErrEmptyTransaction
	}
	return nil
}

// KeySpendSigHash computes the BIP-341 key-path sighash of input idx,
// which must spend out, using SIGHASH_DEFAULT.
func KeySpendSigHash(tx *wire.MsgTx, idx int, out *SwapOutput) ([32]byte, error) {
	var msg [32]byte
	if err := checkSpendsOutput(tx, idx, out); err != nil {
		return msg, err
	}

	fetcher := out.PrevOutFetcher()
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	hash, err := txscript.CalcTaprootSignatureHash(
		sigHashes, txscript.SigHashDefault, tx, idx, fetcher,
	)
	if err != nil {
		return msg, fmt.Errorf("failed to compute sighash: %w", err)
	}

	copy(msg[:], hash)
	return msg, nil
}

func checkSpendsOutput(tx *wire.MsgTx, idx int, out *SwapOutput) error {
	if tx == nil || idx < 0 || idx >= len(tx.TxIn) {
		return fmt.Errorf("input %d out of range", idx)
	}
	if tx.TxIn[idx].PreviousOutPoint != out.OutPoint {
		return fmt.Errorf("input %d spends %v, not swap output %v",
			idx, tx.TxIn[idx].PreviousOutPoint, out.OutPoint)
	}
	return nil
}

// SerializeTx serializes a transaction to hex.
func SerializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	if buf.Len() == 0 {
		return "", ErrEmptyTransaction
	}
	return helpers.BytesToHex(buf.Bytes()), nil
}

// DeserializeTx deserializes a transaction from hex.
func DeserializeTx(hexStr string) (*wire.MsgTx, error) {
	data, err := helpers.HexToBytes(hexStr)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrEmptyTransaction
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to deserialize: %w", err)
	}

	return tx, nil
}
