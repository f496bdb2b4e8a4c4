// Package backend provides read-only block explorer clients. The swap
// client only needs two things from the chain: a fee rate estimate and the
// current tip height.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// Common errors
var (
	ErrNotFound           = errors.New("not found")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnsupportedBackend = errors.New("unsupported backend type")
	ErrNoEstimate         = errors.New("no fee estimate available")
)

// Type represents the backend type.
type Type string

const (
	TypeMempool Type = "mempool" // mempool.space API
	TypeEsplora Type = "esplora" // blockstream.info API
)

// FeeEstimate contains fee estimation for different confirmation targets.
// All rates are in sat/vB.
type FeeEstimate struct {
	FastestFee  float64 `json:"fastest_fee"`   // next block
	HalfHourFee float64 `json:"half_hour_fee"` // ~30 min
	HourFee     float64 `json:"hour_fee"`      // ~1 hour
	EconomyFee  float64 `json:"economy_fee"`   // low priority
	MinimumFee  float64 `json:"minimum_fee"`   // minimum relay fee
}

// HalfHourRate returns the half hour estimate as a fee rate, falling back
// to slower targets when the explorer has none.
func (f *FeeEstimate) HalfHourRate() (chainfee.SatPerKVByte, error) {
	for _, r := range []float64{f.HalfHourFee, f.HourFee, f.EconomyFee, f.MinimumFee} {
		if r > 0 {
			return chainfee.SatPerKVByte(r*1000 + 0.5), nil
		}
	}
	return 0, ErrNoEstimate
}

// Backend defines the interface for blockchain data providers.
type Backend interface {
	// Type returns the backend type (mempool, esplora).
	Type() Type

	// GetBlockHeight returns the height of the chain tip.
	GetBlockHeight(ctx context.Context) (int64, error)

	// GetFeeEstimates returns fee estimates.
	GetFeeEstimates(ctx context.Context) (*FeeEstimate, error)
}

// Config contains backend configuration.
type Config struct {
	Type    Type          `yaml:"type"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout,omitempty"` // default 30s
}

// New creates the backend described by cfg.
func New(cfg *Config) (Backend, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, fmt.Errorf("%w: no url", ErrUnsupportedBackend)
	}

	var b Backend
	var client *http.Client
	switch cfg.Type {
	case TypeMempool, "":
		m := NewMempoolBackend(cfg.URL)
		b, client = m, m.httpClient
	case TypeEsplora:
		e := NewEsploraBackend(cfg.URL)
		b, client = e, e.httpClient
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, cfg.Type)
	}

	if cfg.Timeout > 0 {
		client.Timeout = cfg.Timeout
	}
	return b, nil
}

// FeeRate returns the half hour fee rate reported by b.
func FeeRate(ctx context.Context, b Backend) (chainfee.SatPerKVByte, error) {
	est, err := b.GetFeeEstimates(ctx)
	if err != nil {
		return 0, err
	}
	return est.HalfHourRate()
}
