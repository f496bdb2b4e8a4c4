package swap

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// ScriptPathSpend describes a non-cooperative spend through one leaf of the
// swap tree.
type ScriptPathSpend struct {
	Spend *SpendDetails
	Tree  *SwapTree
	Leaf  txscript.TapLeaf

	// InternalKey is the untweaked aggregate key of the output.
	InternalKey *btcec.PublicKey

	// Key signs for the leaf's key.
	Key *btcec.PrivateKey

	// Extra witness elements placed between the signature and the script,
	// such as the claim preimage.
	Extra [][]byte
}

// InternalKey aggregates [counterparty, local] without a tweak. It is the
// internal key of a swap output and is needed for control blocks.
func InternalKey(counterparty, local *btcec.PublicKey) (*btcec.PublicKey, error) {
	agg, _, _, err := musig2.AggregateKeys(
		[]*btcec.PublicKey{counterparty, local}, false,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate keys: %w", err)
	}
	return agg.FinalKey, nil
}

// BuildScriptPath builds and signs a leaf spend. The witness layout is
// [signature, extra..., leaf script, control block]. Its size is known
// before signing, so the fee is computed in a single pass.
func BuildScriptPath(p *ScriptPathSpend, destScript []byte, rate chainfee.SatPerKVByte,
	blinder Blinder) (*wire.MsgTx, btcutil.Amount, error) {

	if rate <= 0 {
		return nil, 0, ErrInvalidFeeRate
	}
	if p.Tree == nil || p.InternalKey == nil || p.Key == nil {
		return nil, 0, fmt.Errorf("%w: incomplete script path spend", ErrInvalidSwapTree)
	}

	control, err := p.Tree.ControlBlock(p.InternalKey, p.Leaf)
	if err != nil {
		return nil, 0, err
	}

	template := make(wire.TxWitness, 0, len(p.Extra)+3)
	template = append(template, make([]byte, schnorr.SignatureSize))
	template = append(template, p.Extra...)
	template = append(template, p.Leaf.Script, control)

	unsized, err := ConstructSpend(p.Spend, destScript, 0, blinder)
	if err != nil {
		return nil, 0, err
	}
	fee := FeeForVSize(rate, WitnessTemplateSize(template)(unsized))

	tx, err := ConstructSpend(p.Spend, destScript, fee, blinder)
	if err != nil {
		return nil, 0, err
	}
	if err := checkNotEmpty(tx); err != nil {
		return nil, 0, err
	}

	fetcher := p.Spend.Output.PrevOutFetcher()
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	sigHash, err := txscript.CalcTapscriptSignaturehash(
		sigHashes, txscript.SigHashDefault, tx, 0, fetcher, p.Leaf,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to compute tapscript sighash: %w", err)
	}

	sig, err := schnorr.Sign(p.Key, sigHash)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to sign leaf: %w", err)
	}

	witness := make(wire.TxWitness, 0, len(template))
	witness = append(witness, sig.Serialize())
	witness = append(witness, p.Extra...)
	witness = append(witness, p.Leaf.Script, control)
	tx.TxIn[0].Witness = witness

	return tx, fee, nil
}

// ClaimScriptPath spends the claim leaf with the preimage.
func ClaimScriptPath(spend *SpendDetails, tree *SwapTree, internalKey *btcec.PublicKey,
	key *btcec.PrivateKey, preimage lntypes.Preimage) *ScriptPathSpend {

	return &ScriptPathSpend{
		Spend:       spend,
		Tree:        tree,
		Leaf:        tree.ClaimLeaf,
		InternalKey: internalKey,
		Key:         key,
		Extra:       [][]byte{preimage[:]},
	}
}

// RefundScriptPath spends the refund leaf. The spend's locktime is set to
// the leaf timeout so OP_CHECKLOCKTIMEVERIFY passes.
func RefundScriptPath(spend *SpendDetails, tree *SwapTree, internalKey *btcec.PublicKey,
	key *btcec.PrivateKey, timeoutHeight uint32) *ScriptPathSpend {

	s := *spend
	s.LockTime = timeoutHeight
	if s.Sequence == 0 || s.Sequence == wire.MaxTxInSequenceNum {
		s.Sequence = SequenceRBF
	}

	return &ScriptPathSpend{
		Spend:       &s,
		Tree:        tree,
		Leaf:        tree.RefundLeaf,
		InternalKey: internalKey,
		Key:         key,
	}
}
