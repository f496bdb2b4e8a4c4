package swap

import (
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/klingon-exchange/subswap/internal/chain"
	"github.com/klingon-exchange/subswap/pkg/helpers"
	"github.com/klingon-exchange/subswap/pkg/logging"
	"github.com/stretchr/testify/require"
)

func regtestParams(t *testing.T) *chain.Params {
	t.Helper()
	params, ok := chain.Get(chain.Regtest)
	require.True(t, ok)
	return params
}

func newTestClient(t *testing.T, service SwapService) *Client {
	t.Helper()
	return NewClient(service, regtestParams(t),
		WithLogger(logging.Discard()),
		WithNonceReader(fixedReader(0x01)),
	)
}

func (s *testSwap) claimRequest() *ClaimRequest {
	return &ClaimRequest{
		Swap:        s.descriptor,
		Destination: s.destination,
		FeeRate:     FeeRateFromSatPerVByte(0.11),
		PrivateKey:  s.local,
		Preimage:    s.preimage,
	}
}

func (s *testSwap) refundRequest() *RefundRequest {
	return &RefundRequest{
		Swap:        s.descriptor,
		Destination: s.destination,
		FeeRate:     FeeRateFromSatPerVByte(0.11),
		PrivateKey:  s.local,
	}
}

// goldenClaimHex is the cooperative claim of newReverseSwap at 0.11 sat/vB
// with a local nonce reader of 0x01 bytes and a cosigner nonce reader of
// 0x07 bytes. It spends output 1 of lockup
// cc6190344a95850db54c9a435a331b1d28a8acd25c52ed8379a56c763ef6aa66 and pays
// 99987 sat to the destination.
const goldenClaimHex = "0200000000010166aaf63e766ca57983ed525cd2aca8281d1b335a439a4cb50d85954a349061cc" +
	"0100000000fdffffff01938601000000000022512066ce5dbd6cc950f671e86506a23a219b6c74ede3ebd538d503" +
	"1fcb344f066cbc01403f13e0d48e73c8102f5d86af7d6623bc4b8ebb19cfe4b79f2847b43a6d97b2ae093b104adf" +
	"e64ffd52251f2adeaab4db458f495400d5fcd196bc29f601f571b100000000"

func TestClaimReverseDeterministic(t *testing.T) {
	s := newReverseSwap(t)

	run := func() *Result {
		service := newFakeService(t, s)
		service.wantPreimage = helpers.BytesToHex(s.preimage[:])

		res, err := newTestClient(t, service).ClaimReverse(context.Background(), s.claimRequest())
		require.NoError(t, err)
		require.Equal(t, []string{"status:" + testSwapID, "claimReverse:" + testSwapID}, service.Calls())
		return res
	}

	first := run()
	second := run()

	require.Equal(t, goldenClaimHex, first.TransactionHex)
	require.Equal(t, first.TransactionHex, second.TransactionHex)
	require.Equal(t, "cc6190344a95850db54c9a435a331b1d28a8acd25c52ed8379a56c763ef6aa66", s.lockup.TxHash().String())
	require.Equal(t, btcutil.Amount(13), first.Fee)
	require.Equal(t, testSwapID, first.SwapID)
	require.Equal(t, KindClaimReverse, first.Kind)
	require.True(t, first.Cooperative)

	out := s.swapOutput(t)
	tx := first.Transaction
	require.Len(t, tx.TxIn, 1)
	require.Len(t, tx.TxOut, 1)
	require.Equal(t, out.OutPoint, tx.TxIn[0].PreviousOutPoint)
	require.Equal(t, s.destScript, tx.TxOut[0].PkScript)
	require.Equal(t, int64(out.Value), tx.TxOut[0].Value+int64(first.Fee))
	require.Len(t, tx.TxIn[0].Witness, 1)
	require.Len(t, tx.TxIn[0].Witness[0], 64)

	requireValidSpend(t, tx, out)

	decoded, err := DeserializeTx(first.TransactionHex)
	require.NoError(t, err)
	require.Equal(t, tx.TxHash(), decoded.TxHash())
}

func TestClaimForward(t *testing.T) {
	s := newReverseSwap(t)
	service := newFakeService(t, s)

	res, err := newTestClient(t, service).ClaimForward(context.Background(), s.claimRequest())
	require.NoError(t, err)
	require.Equal(t, KindClaimForward, res.Kind)
	require.Equal(t, []string{"status:" + testSwapID, "claimForward:" + testSwapID}, service.Calls())

	requireValidSpend(t, res.Transaction, s.swapOutput(t))
}

func TestClaimMissingLockup(t *testing.T) {
	s := newReverseSwap(t)

	tests := []struct {
		name   string
		status *SwapStatus
	}{
		{"no status", nil},
		{"no transaction", &SwapStatus{Status: "swap.created"}},
		{"no hex", &SwapStatus{Status: "transaction.mempool", Transaction: &TransactionInfo{ID: "ab"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := newFakeService(t, s)
			service.status = tt.status

			_, err := newTestClient(t, service).ClaimReverse(context.Background(), s.claimRequest())
			require.ErrorIs(t, err, ErrLockupTransactionMissing)
			require.Equal(t, []string{"status:" + testSwapID}, service.Calls())
		})
	}
}

func TestClaimStatusError(t *testing.T) {
	s := newReverseSwap(t)
	service := newFakeService(t, s)
	service.statusErr = errors.New("connection reset")

	_, err := newTestClient(t, service).ClaimReverse(context.Background(), s.claimRequest())
	require.ErrorContains(t, err, "connection reset")
	require.Len(t, service.Calls(), 1)
}

func TestClaimRejectsWrongPreimage(t *testing.T) {
	s := newReverseSwap(t)
	service := newFakeService(t, s)

	req := s.claimRequest()
	req.Preimage[0] ^= 0xff

	_, err := newTestClient(t, service).ClaimReverse(context.Background(), req)
	require.ErrorIs(t, err, ErrPreimageMismatch)
	require.Empty(t, service.Calls())
}

func TestClaimRejectsInvalidPartial(t *testing.T) {
	s := newReverseSwap(t)
	service := newFakeService(t, s)
	service.corrupt = true

	_, err := newTestClient(t, service).ClaimReverse(context.Background(), s.claimRequest())
	require.ErrorIs(t, err, ErrInvalidPartialSignature)
}

func TestClaimTweakMismatch(t *testing.T) {
	s := newReverseSwap(t)
	other := newSubmarineSwap(t)

	req := s.claimRequest()
	desc := *s.descriptor
	desc.LockupAddress = other.descriptor.LockupAddress
	req.Swap = &desc

	service := newFakeService(t, s)
	_, err := newTestClient(t, service).ClaimReverse(context.Background(), req)
	require.ErrorIs(t, err, ErrTweakMismatch)
	require.Equal(t, []string{"status:" + testSwapID}, service.Calls())
}

func TestClaimOutputNotInLockup(t *testing.T) {
	s := newReverseSwap(t)
	service := newFakeService(t, s)

	lockup := s.lockup.Copy()
	lockup.TxOut = lockup.TxOut[:1]
	lockupHex, err := SerializeTx(lockup)
	require.NoError(t, err)
	service.status.Transaction.Hex = lockupHex

	_, err = newTestClient(t, service).ClaimReverse(context.Background(), s.claimRequest())
	require.ErrorIs(t, err, ErrSwapOutputNotFound)
}

func TestClaimFeeConvergenceCap(t *testing.T) {
	s := newReverseSwap(t)
	service := newFakeService(t, s)

	client := NewClient(service, regtestParams(t),
		WithLogger(logging.Discard()),
		WithMaxFeeIterations(1),
	)
	_, err := client.ClaimReverse(context.Background(), s.claimRequest())
	require.ErrorIs(t, err, ErrFeeConvergenceFailed)
	require.Equal(t, []string{"status:" + testSwapID}, service.Calls())
}

func TestClaimScriptPathClient(t *testing.T) {
	s := newReverseSwap(t)
	service := newFakeService(t, s)

	res, err := newTestClient(t, service).ClaimScriptPath(context.Background(), s.claimRequest())
	require.NoError(t, err)
	require.False(t, res.Cooperative)
	require.Equal(t, []string{"status:" + testSwapID}, service.Calls())

	requireValidSpend(t, res.Transaction, s.swapOutput(t))
}

func TestRefundCooperative(t *testing.T) {
	s := newSubmarineSwap(t)
	service := newFakeService(t, s)

	res, err := newTestClient(t, service).Refund(context.Background(), s.refundRequest())
	require.NoError(t, err)
	require.True(t, res.Cooperative)
	require.Equal(t, KindRefund, res.Kind)
	require.Zero(t, res.Transaction.LockTime)
	require.Equal(t, []string{"status:" + testSwapID, "refund:" + testSwapID}, service.Calls())

	requireValidSpend(t, res.Transaction, s.swapOutput(t))
}

func TestRefundFallsBackToScriptPath(t *testing.T) {
	s := newSubmarineSwap(t)

	for _, refusal := range []error{ErrCooperationRefused, errors.New("502 bad gateway")} {
		service := newFakeService(t, s)
		service.refuse = refusal

		req := s.refundRequest()
		req.CurrentHeight = testTimeoutHeight + 10

		res, err := newTestClient(t, service).Refund(context.Background(), req)
		require.NoError(t, err)
		require.False(t, res.Cooperative)
		require.Equal(t, uint32(testTimeoutHeight), res.Transaction.LockTime)
		require.Len(t, res.Transaction.TxIn[0].Witness, 3)

		out := s.swapOutput(t)
		require.Equal(t, int64(out.Value), res.Transaction.TxOut[0].Value+int64(res.Fee))
		requireValidSpend(t, res.Transaction, out)
	}
}

func TestRefundInvalidPartialIsFatal(t *testing.T) {
	s := newSubmarineSwap(t)
	service := newFakeService(t, s)
	service.corrupt = true

	_, err := newTestClient(t, service).Refund(context.Background(), s.refundRequest())
	require.ErrorIs(t, err, ErrInvalidPartialSignature)
}

func TestRefundCancelledIsFatal(t *testing.T) {
	s := newSubmarineSwap(t)
	service := newFakeService(t, s)
	service.refuse = context.Canceled

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestClient(t, service).Refund(ctx, s.refundRequest())
	require.ErrorIs(t, err, context.Canceled)
}

func TestRefundKeyMismatch(t *testing.T) {
	// In a reverse swap the refund leaf belongs to the counterparty.
	s := newReverseSwap(t)
	service := newFakeService(t, s)

	_, err := newTestClient(t, service).Refund(context.Background(), s.refundRequest())
	require.ErrorIs(t, err, ErrRefundKeyMismatch)
	require.Empty(t, service.Calls())
}

func TestRefundBeforeTimeoutWithoutCooperation(t *testing.T) {
	s := newSubmarineSwap(t)

	tests := []struct {
		name   string
		height uint32
		err    error
	}{
		{"below timeout", testTimeoutHeight - 1, ErrRefundNotFinal},
		{"at timeout", testTimeoutHeight, nil},
		{"height unknown", 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := newFakeService(t, s)
			service.refuse = ErrCooperationRefused

			req := s.refundRequest()
			req.CurrentHeight = tt.height

			res, err := newTestClient(t, service).Refund(context.Background(), req)
			require.Equal(t, []string{"status:" + testSwapID, "refund:" + testSwapID}, service.Calls())
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				require.ErrorContains(t, err, ErrCooperationRefused.Error())
				require.Nil(t, res)
				return
			}
			require.NoError(t, err)
			require.False(t, res.Cooperative)
			require.Equal(t, uint32(testTimeoutHeight), res.Transaction.LockTime)
		})
	}
}

func TestRefundBeforeTimeoutCooperative(t *testing.T) {
	s := newSubmarineSwap(t)
	service := newFakeService(t, s)

	req := s.refundRequest()
	req.CurrentHeight = testTimeoutHeight - 100

	res, err := newTestClient(t, service).Refund(context.Background(), req)
	require.NoError(t, err)
	require.True(t, res.Cooperative)
	requireValidSpend(t, res.Transaction, s.swapOutput(t))
}

func TestClaimScriptPathKeyMismatch(t *testing.T) {
	// In a submarine swap the claim leaf belongs to the counterparty.
	s := newSubmarineSwap(t)
	service := newFakeService(t, s)

	_, err := newTestClient(t, service).ClaimScriptPath(context.Background(), s.claimRequest())
	require.ErrorIs(t, err, ErrClaimKeyMismatch)
	require.Empty(t, service.Calls())
}

func TestClientRejectsNilRequests(t *testing.T) {
	s := newReverseSwap(t)
	ctx := context.Background()

	tests := []struct {
		name string
		call func(c *Client) (*Result, error)
	}{
		{"claim reverse", func(c *Client) (*Result, error) { return c.ClaimReverse(ctx, nil) }},
		{"claim forward", func(c *Client) (*Result, error) { return c.ClaimForward(ctx, nil) }},
		{"claim script path", func(c *Client) (*Result, error) { return c.ClaimScriptPath(ctx, nil) }},
		{"refund", func(c *Client) (*Result, error) { return c.Refund(ctx, nil) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := newFakeService(t, s)

			var (
				res *Result
				err error
			)
			require.NotPanics(t, func() { res, err = tt.call(newTestClient(t, service)) })
			require.Error(t, err)
			require.Nil(t, res)
			require.Empty(t, service.Calls())
		})
	}
}

func TestClientRejectsBadRequests(t *testing.T) {
	s := newReverseSwap(t)
	client := newTestClient(t, newFakeService(t, s))
	ctx := context.Background()

	req := s.claimRequest()
	req.Swap = nil
	_, err := client.ClaimReverse(ctx, req)
	require.Error(t, err)

	req = s.claimRequest()
	req.PrivateKey = nil
	_, err = client.ClaimReverse(ctx, req)
	require.ErrorIs(t, err, ErrInvalidPubKey)

	req = s.claimRequest()
	req.Destination = "not-an-address"
	_, err = client.ClaimReverse(ctx, req)
	require.Error(t, err)

	req = s.claimRequest()
	req.FeeRate = 0
	_, err = client.ClaimReverse(ctx, req)
	require.ErrorIs(t, err, ErrInvalidFeeRate)
}
