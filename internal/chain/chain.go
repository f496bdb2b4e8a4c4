// Package chain defines the networks the swap client can operate on.
// All network values are hardcoded here; only the selection is configurable.
package chain

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// Network represents mainnet, testnet or regtest.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Regtest Network = "regtest"
)

var (
	ErrUnknownNetwork = errors.New("unknown network")
	ErrAddressNetwork = errors.New("address is not valid for network")
	ErrInvalidAddress = errors.New("invalid address")
)

// Params contains all parameters for a network.
type Params struct {
	Network Network
	Name    string

	// Bech32HRP is the human-readable prefix of segwit addresses.
	Bech32HRP string

	// Chain is the btcd parameter set used for address and script handling.
	Chain *chaincfg.Params

	// Default service endpoints. Either can be overridden in config.
	DefaultAPIURL      string
	DefaultExplorerURL string
}

var registry = make(map[Network]*Params)

// Register adds network params to the registry.
func Register(params *Params) {
	registry[params.Network] = params
}

// Get returns the params for a network.
func Get(network Network) (*Params, bool) {
	params, ok := registry[network]
	return params, ok
}

// Lookup parses a network name and returns its params.
func Lookup(name string) (*Params, error) {
	params, ok := Get(Network(strings.ToLower(strings.TrimSpace(name))))
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, name)
	}
	return params, nil
}

// List returns all registered network names, sorted.
func List() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, string(n))
	}
	sort.Strings(names)
	return names
}

// DecodeAddress decodes addr and checks it belongs to this network.
func (p *Params) DecodeAddress(addr string) (btcutil.Address, error) {
	decoded, err := btcutil.DecodeAddress(addr, p.Chain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if !decoded.IsForNet(p.Chain) {
		return nil, fmt.Errorf("%w: %s on %s", ErrAddressNetwork, addr, p.Network)
	}
	return decoded, nil
}

// OutputScript returns the scriptPubKey paying to addr.
func (p *Params) OutputScript(addr string) ([]byte, error) {
	decoded, err := p.DecodeAddress(addr)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(decoded)
}
