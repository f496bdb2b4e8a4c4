package swap

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/mempool"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/subswap/pkg/helpers"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// DefaultMaxFeeIterations caps the fee convergence loop.
const DefaultMaxFeeIterations = 10

// ConstructFunc builds an unsigned spend paying the given absolute fee.
type ConstructFunc func(fee btcutil.Amount) (*wire.MsgTx, error)

// SizeFunc estimates the virtual size of a transaction once signed.
type SizeFunc func(tx *wire.MsgTx) int64

// FeeRateFromSatPerVByte converts a fractional sat/vB rate.
func FeeRateFromSatPerVByte(satPerVByte float64) chainfee.SatPerKVByte {
	return chainfee.SatPerKVByte(satPerVByte*1000 + 0.5)
}

// ParseFeeRate parses a decimal sat/vB rate such as "0.11" without going
// through floating point. Digits past the third decimal are dropped.
func ParseFeeRate(s string) (chainfee.SatPerKVByte, error) {
	v, err := helpers.ParseAmount(s, 3)
	if err != nil {
		return 0, fmt.Errorf("fee rate: %w", err)
	}
	if v == 0 {
		return 0, ErrInvalidFeeRate
	}
	return chainfee.SatPerKVByte(v), nil
}

// FormatFeeRate renders rate in sat/vB.
func FormatFeeRate(rate chainfee.SatPerKVByte) string {
	return helpers.FormatAmount(uint64(rate), 3)
}

// FeeForVSize returns ceil(vsize * rate).
func FeeForVSize(rate chainfee.SatPerKVByte, vsize int64) btcutil.Amount {
	return btcutil.Amount((int64(rate)*vsize + 999) / 1000)
}

// TargetFee searches for the fixed point fee = FeeForVSize(rate, size(tx(fee))).
// It starts from a zero fee guess and rebuilds until the fee no longer
// changes. If that takes more than maxIter constructions it fails with
// ErrFeeConvergenceFailed.
func TargetFee(rate chainfee.SatPerKVByte, maxIter int,
	construct ConstructFunc, size SizeFunc) (*wire.MsgTx, btcutil.Amount, error) {

	if rate <= 0 {
		return nil, 0, ErrInvalidFeeRate
	}
	if maxIter <= 0 {
		maxIter = DefaultMaxFeeIterations
	}

	var fee btcutil.Amount
	for i := 0; i < maxIter; i++ {
		tx, err := construct(fee)
		if err != nil {
			return nil, 0, err
		}

		next := FeeForVSize(rate, size(tx))
		if next == fee {
			return tx, fee, nil
		}
		fee = next
	}

	return nil, 0, fmt.Errorf("%w: after %d iterations at %v",
		ErrFeeConvergenceFailed, maxIter, rate)
}

// VirtualSize returns the BIP-141 virtual size of tx as it stands.
func VirtualSize(tx *wire.MsgTx) int64 {
	return mempool.GetTxVirtualSize(btcutil.NewTx(tx))
}

// KeyPathSize estimates the size of tx after every unsigned input receives
// a single 64 byte Schnorr signature.
func KeyPathSize(tx *wire.MsgTx) int64 {
	sized := tx.Copy()
	for _, in := range sized.TxIn {
		if len(in.Witness) == 0 {
			in.Witness = wire.TxWitness{make([]byte, schnorr.SignatureSize)}
		}
	}
	return VirtualSize(sized)
}

// WitnessTemplateSize returns a SizeFunc that sizes tx as if input 0 carried
// a witness with the given element lengths.
func WitnessTemplateSize(template wire.TxWitness) SizeFunc {
	return func(tx *wire.MsgTx) int64 {
		sized := tx.Copy()
		sized.TxIn[0].Witness = template
		return VirtualSize(sized)
	}
}
