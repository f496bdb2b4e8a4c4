package swap

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/lightningnetwork/lnd/lntypes"
	"golang.org/x/crypto/ripemd160"
)

// PreimageSize is the only preimage length the reverse claim leaf accepts.
const PreimageSize = 32

// maxScriptNumLen bounds the locktime push in a refund leaf.
const maxScriptNumLen = 5

// hashCommitment returns ripemd160(paymentHash). Since the payment hash is
// sha256(preimage), OP_HASH160 of the preimage evaluates to this value.
func hashCommitment(paymentHash lntypes.Hash) []byte {
	h := ripemd160.New()
	h.Write(paymentHash[:])
	return h.Sum(nil)
}

// ReverseClaimLeaf builds the claim leaf of a reverse swap.
// Script: OP_SIZE 32 OP_EQUALVERIFY OP_HASH160 <ripemd160(hash)> OP_EQUALVERIFY <claimKey> OP_CHECKSIG
func ReverseClaimLeaf(paymentHash lntypes.Hash, claimKey *btcec.PublicKey) ([]byte, error) {
	if claimKey == nil {
		return nil, fmt.Errorf("%w: claim key is nil", ErrInvalidPubKey)
	}

	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_SIZE).
		AddInt64(PreimageSize).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_HASH160).
		AddData(hashCommitment(paymentHash)).
		AddOp(txscript.OP_EQUALVERIFY).
		AddData(schnorr.SerializePubKey(claimKey)).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

// SubmarineClaimLeaf builds the claim leaf of a submarine swap.
// Script: OP_HASH160 <ripemd160(hash)> OP_EQUALVERIFY <claimKey> OP_CHECKSIG
func SubmarineClaimLeaf(paymentHash lntypes.Hash, claimKey *btcec.PublicKey) ([]byte, error) {
	if claimKey == nil {
		return nil, fmt.Errorf("%w: claim key is nil", ErrInvalidPubKey)
	}

	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_HASH160).
		AddData(hashCommitment(paymentHash)).
		AddOp(txscript.OP_EQUALVERIFY).
		AddData(schnorr.SerializePubKey(claimKey)).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

// RefundLeaf builds the timeout leaf shared by both swap directions.
// Script: <refundKey> OP_CHECKSIGVERIFY <timeoutHeight> OP_CHECKLOCKTIMEVERIFY
//
// The timeout is an absolute block height.
func RefundLeaf(refundKey *btcec.PublicKey, timeoutHeight uint32) ([]byte, error) {
	if refundKey == nil {
		return nil, fmt.Errorf("%w: refund key is nil", ErrInvalidPubKey)
	}
	if timeoutHeight == 0 || timeoutHeight >= txscript.LockTimeThreshold {
		return nil, fmt.Errorf("timeout height %d is not a block height", timeoutHeight)
	}

	return txscript.NewScriptBuilder().
		AddData(schnorr.SerializePubKey(refundKey)).
		AddOp(txscript.OP_CHECKSIGVERIFY).
		AddInt64(int64(timeoutHeight)).
		AddOp(txscript.OP_CHECKLOCKTIMEVERIFY).
		Script()
}

// ClaimTerms is what a claim leaf commits to.
type ClaimTerms struct {
	// HashCommitment is ripemd160(sha256(preimage)).
	HashCommitment []byte
	// Key is the x-only key that may claim.
	Key []byte
}

// MatchesPreimage reports whether preimage opens the hash commitment.
func (c *ClaimTerms) MatchesPreimage(preimage lntypes.Preimage) bool {
	return bytes.Equal(c.HashCommitment, hashCommitment(preimage.Hash()))
}

// RefundTerms is what a refund leaf commits to.
type RefundTerms struct {
	// Key is the x-only key that may refund.
	Key []byte
	// TimeoutHeight is the absolute block height after which Key may spend.
	TimeoutHeight uint32
}

type scriptToken struct {
	op   byte
	data []byte
}

func tokenize(script []byte) ([]scriptToken, error) {
	var tokens []scriptToken
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	for tokenizer.Next() {
		tokens = append(tokens, scriptToken{
			op:   tokenizer.Opcode(),
			data: tokenizer.Data(),
		})
	}
	if err := tokenizer.Err(); err != nil {
		return nil, err
	}
	return tokens, nil
}

// ParseClaimLeaf extracts the hash commitment and key from either claim
// leaf form: OP_HASH160 <20 bytes> OP_EQUALVERIFY <32 bytes> OP_CHECKSIG,
// optionally preceded by a preimage size check.
func ParseClaimLeaf(script []byte) (*ClaimTerms, error) {
	tokens, err := tokenize(script)
	if err != nil {
		return nil, fmt.Errorf("%w: claim leaf: %v", ErrInvalidSwapTree, err)
	}

	n := len(tokens)
	if n < 5 {
		return nil, fmt.Errorf("%w: claim leaf too short", ErrInvalidSwapTree)
	}
	tail := tokens[n-5:]
	if tail[0].op != txscript.OP_HASH160 ||
		len(tail[1].data) != ripemd160.Size ||
		tail[2].op != txscript.OP_EQUALVERIFY ||
		len(tail[3].data) != schnorr.PubKeyBytesLen ||
		tail[4].op != txscript.OP_CHECKSIG {

		return nil, fmt.Errorf("%w: unexpected claim leaf layout", ErrInvalidSwapTree)
	}

	if _, err := schnorr.ParsePubKey(tail[3].data); err != nil {
		return nil, fmt.Errorf("%w: claim key: %v", ErrInvalidPubKey, err)
	}

	return &ClaimTerms{
		HashCommitment: tail[1].data,
		Key:            tail[3].data,
	}, nil
}

// ParseRefundLeaf extracts the refund key and timeout from a refund leaf.
func ParseRefundLeaf(script []byte) (*RefundTerms, error) {
	tokens, err := tokenize(script)
	if err != nil {
		return nil, fmt.Errorf("%w: refund leaf: %v", ErrInvalidSwapTree, err)
	}

	if len(tokens) != 4 ||
		len(tokens[0].data) != schnorr.PubKeyBytesLen ||
		tokens[1].op != txscript.OP_CHECKSIGVERIFY ||
		tokens[3].op != txscript.OP_CHECKLOCKTIMEVERIFY {

		return nil, fmt.Errorf("%w: unexpected refund leaf layout", ErrInvalidSwapTree)
	}

	if _, err := schnorr.ParsePubKey(tokens[0].data); err != nil {
		return nil, fmt.Errorf("%w: refund key: %v", ErrInvalidPubKey, err)
	}

	timeout, err := decodeScriptNum(tokens[2])
	if err != nil {
		return nil, fmt.Errorf("%w: refund timeout: %v", ErrInvalidSwapTree, err)
	}
	if timeout <= 0 || timeout >= txscript.LockTimeThreshold {
		return nil, fmt.Errorf("%w: refund timeout %d out of range", ErrInvalidSwapTree, timeout)
	}

	return &RefundTerms{
		Key:           tokens[0].data,
		TimeoutHeight: uint32(timeout),
	}, nil
}

// decodeScriptNum decodes a minimally pushed little-endian script number
// with a sign bit in the most significant byte.
func decodeScriptNum(tok scriptToken) (int64, error) {
	switch {
	case tok.op == txscript.OP_0:
		return 0, nil
	case tok.op >= txscript.OP_1 && tok.op <= txscript.OP_16:
		return int64(tok.op-txscript.OP_1) + 1, nil
	case len(tok.data) == 0 || len(tok.data) > maxScriptNumLen:
		return 0, fmt.Errorf("push of %d bytes is not a number", len(tok.data))
	}

	var v int64
	for i, b := range tok.data {
		v |= int64(b) << (8 * uint(i))
	}

	last := len(tok.data) - 1
	if tok.data[last]&0x80 != 0 {
		v &^= int64(0x80) << (8 * uint(last))
		return -v, nil
	}
	return v, nil
}
