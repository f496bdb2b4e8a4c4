package chain

import "github.com/btcsuite/btcd/chaincfg"

func init() {
	Register(&Params{
		Network:            Mainnet,
		Name:               "Bitcoin",
		Bech32HRP:          chaincfg.MainNetParams.Bech32HRPSegwit,
		Chain:              &chaincfg.MainNetParams,
		DefaultAPIURL:      "https://api.boltz.exchange",
		DefaultExplorerURL: "https://mempool.space/api",
	})

	Register(&Params{
		Network:            Testnet,
		Name:               "Bitcoin Testnet",
		Bech32HRP:          chaincfg.TestNet3Params.Bech32HRPSegwit,
		Chain:              &chaincfg.TestNet3Params,
		DefaultAPIURL:      "https://api.testnet.boltz.exchange",
		DefaultExplorerURL: "https://mempool.space/testnet/api",
	})

	// Regtest has no public explorer.
	Register(&Params{
		Network:       Regtest,
		Name:          "Bitcoin Regtest",
		Bech32HRP:     chaincfg.RegressionNetParams.Bech32HRPSegwit,
		Chain:         &chaincfg.RegressionNetParams,
		DefaultAPIURL: "http://127.0.0.1:9001",
	})
}
