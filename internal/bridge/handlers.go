package bridge

import (
	"context"
	"encoding/json"

	"github.com/klingon-exchange/subswap/internal/backend"
	"github.com/klingon-exchange/subswap/internal/swap"
	"github.com/klingon-exchange/subswap/pkg/helpers"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// ClaimParams are the parameters of swap_claimReverse and swap_claimForward.
type ClaimParams struct {
	Swap        *swap.SwapDescriptor `json:"swap"`
	Destination string               `json:"destination"`
	// FeeRate in sat/vB. Zero selects the server default.
	FeeRate    float64 `json:"feeRate,omitempty"`
	PrivateKey string  `json:"privateKey"`
	Preimage   string  `json:"preimage"`
	// BlindingKey of the destination, on confidential-asset chains only.
	BlindingKey string `json:"blindingKey,omitempty"`
}

// RefundParams are the parameters of swap_refund.
type RefundParams struct {
	Swap          *swap.SwapDescriptor `json:"swap"`
	Destination   string               `json:"destination"`
	FeeRate       float64              `json:"feeRate,omitempty"`
	PrivateKey    string               `json:"privateKey"`
	CurrentHeight uint32               `json:"currentHeight,omitempty"`
	BlindingKey   string               `json:"blindingKey,omitempty"`
}

func (s *Server) swapClaimReverse(ctx context.Context, params json.RawMessage) (interface{}, error) {
	req, err := s.claimRequest(ctx, params)
	if err != nil {
		return nil, err
	}

	res, err := s.op.ClaimReverse(ctx, req)
	return s.finish(swap.KindClaimReverse, req.Swap.ID, res, err), nil
}

func (s *Server) swapClaimForward(ctx context.Context, params json.RawMessage) (interface{}, error) {
	req, err := s.claimRequest(ctx, params)
	if err != nil {
		return nil, err
	}

	res, err := s.op.ClaimForward(ctx, req)
	return s.finish(swap.KindClaimForward, req.Swap.ID, res, err), nil
}

func (s *Server) swapRefund(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p RefundParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams("invalid params: %v", err)
	}
	if p.Swap == nil {
		return nil, invalidParams("swap is required")
	}
	key, err := swap.ParsePrivKey(p.PrivateKey)
	if err != nil {
		return nil, invalidParams("%v", err)
	}
	blinding, err := optionalHex(p.BlindingKey)
	if err != nil {
		return nil, invalidParams("blinding key: %v", err)
	}

	rate, err := s.feeRate(ctx, p.FeeRate)
	if err != nil {
		return nil, err
	}

	height := p.CurrentHeight
	if height == 0 && s.chain != nil {
		if tip, err := s.chain.GetBlockHeight(ctx); err == nil && tip > 0 {
			height = uint32(tip)
		} else if err != nil {
			s.log.Debug("Tip height unavailable", "error", err)
		}
	}

	res, err := s.op.Refund(ctx, &swap.RefundRequest{
		Swap:                   p.Swap,
		Destination:            p.Destination,
		FeeRate:                rate,
		PrivateKey:             key,
		CurrentHeight:          height,
		DestinationBlindingKey: blinding,
	})
	return s.finish(swap.KindRefund, p.Swap.ID, res, err), nil
}

func (s *Server) claimRequest(ctx context.Context, params json.RawMessage) (*swap.ClaimRequest, error) {
	var p ClaimParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams("invalid params: %v", err)
	}
	if p.Swap == nil {
		return nil, invalidParams("swap is required")
	}
	key, err := swap.ParsePrivKey(p.PrivateKey)
	if err != nil {
		return nil, invalidParams("%v", err)
	}
	preimage, err := lntypes.MakePreimageFromStr(p.Preimage)
	if err != nil {
		return nil, invalidParams("preimage: %v", err)
	}
	blinding, err := optionalHex(p.BlindingKey)
	if err != nil {
		return nil, invalidParams("blinding key: %v", err)
	}

	rate, err := s.feeRate(ctx, p.FeeRate)
	if err != nil {
		return nil, err
	}

	return &swap.ClaimRequest{
		Swap:                   p.Swap,
		Destination:            p.Destination,
		FeeRate:                rate,
		PrivateKey:             key,
		Preimage:               preimage,
		DestinationBlindingKey: blinding,
	}, nil
}

// feeRate resolves the request rate, then the server default, then the
// chain backend's half hour estimate.
func (s *Server) feeRate(ctx context.Context, satPerVByte float64) (chainfee.SatPerKVByte, error) {
	if satPerVByte < 0 {
		return 0, invalidParams("fee rate must not be negative")
	}
	if satPerVByte == 0 {
		satPerVByte = s.defaults.FeeRate
	}
	if satPerVByte > 0 {
		return swap.FeeRateFromSatPerVByte(satPerVByte), nil
	}
	if s.chain == nil {
		return 0, swap.ErrInvalidFeeRate
	}
	return backend.FeeRate(ctx, s.chain)
}

// finish logs the outcome, notifies WebSocket subscribers and returns the
// envelope for the caller.
func (s *Server) finish(kind swap.Kind, swapID string, res *swap.Result, err error) interface{} {
	env := Envelope(kind, res, err)

	if err != nil || res == nil {
		s.log.Warn("Swap operation failed", "swap", swapID, "op", kind, "error", err)
		s.wsHub.Broadcast(EventSwapFailed, env)
		return env
	}

	s.log.Info("Swap operation complete", "swap", swapID, "op", kind,
		"fee", res.Fee, "cooperative", res.Cooperative)
	if kind == swap.KindRefund {
		s.wsHub.Broadcast(EventSwapRefunded, env)
	} else {
		s.wsHub.Broadcast(EventSwapClaimed, env)
	}
	return env
}

func optionalHex(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return helpers.HexToBytes(s)
}
