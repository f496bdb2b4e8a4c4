// Package main provides subswap, a claim and refund client for Taproot
// submarine swaps.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/klingon-exchange/subswap/internal/backend"
	"github.com/klingon-exchange/subswap/internal/boltz"
	"github.com/klingon-exchange/subswap/internal/chain"
	"github.com/klingon-exchange/subswap/internal/config"
	"github.com/klingon-exchange/subswap/internal/swap"
	"github.com/klingon-exchange/subswap/pkg/logging"
	"github.com/urfave/cli"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[subswap] %v\n", err)
	os.Exit(1)
}

func main() {
	app := cli.NewApp()
	app.Name = "subswap"
	app.Version = fmt.Sprintf("%s commit=%s", version, commit)
	app.Usage = "claim and refund Taproot submarine swaps"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "datadir",
			Value: config.DefaultDataDir,
			Usage: "directory holding " + config.ConfigFileName,
		},
		cli.StringFlag{
			Name:  "network, n",
			Usage: "the network to operate on (mainnet, testnet, regtest); overrides config",
		},
		cli.StringFlag{
			Name:  "apiurl",
			Usage: "swap service base URL; overrides config",
		},
		cli.StringFlag{
			Name:  "explorer",
			Usage: "explorer API URL used for fee estimates and the tip height",
		},
		cli.StringFlag{
			Name:  "explorertype",
			Usage: "explorer API flavour (mempool, esplora)",
		},
		cli.StringFlag{
			Name:  "loglevel",
			Usage: "log level (debug, info, warn, error)",
		},
		cli.StringFlag{
			Name:  "logformat",
			Usage: "log format (text, json)",
		},
	}
	app.Commands = []cli.Command{
		claimReverseCommand,
		claimForwardCommand,
		refundCommand,
		serveCommand,
		versionCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}

// env is everything a command needs, built from config and global flags.
type env struct {
	cfg     *config.Config
	log     *logging.Logger
	params  *chain.Params
	client  *swap.Client
	service *boltz.Client
	chain   backend.Backend
}

func loadEnv(ctx *cli.Context) (*env, error) {
	cfg, err := config.Load(ctx.GlobalString("datadir"))
	if err != nil {
		return nil, err
	}

	// Global flags take precedence over the config file.
	if n := ctx.GlobalString("network"); n != "" {
		cfg.Network = chain.Network(n)
	}
	if u := ctx.GlobalString("apiurl"); u != "" {
		cfg.APIURL = u
	}
	if u := ctx.GlobalString("explorer"); u != "" {
		cfg.ExplorerURL = u
	}
	if t := ctx.GlobalString("explorertype"); t != "" {
		cfg.ExplorerType = t
	}
	if l := ctx.GlobalString("loglevel"); l != "" {
		cfg.Logging.Level = l
	}
	if f := ctx.GlobalString("logformat"); f != "" {
		cfg.Logging.Format = f
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	params, err := cfg.ChainParams()
	if err != nil {
		return nil, err
	}

	service := boltz.NewClient(cfg.ResolvedAPIURL(),
		boltz.WithTimeout(cfg.RequestTimeout),
		boltz.WithLogger(log),
	)

	e := &env{
		cfg:     cfg,
		log:     log,
		params:  params,
		service: service,
		client: swap.NewClient(service, params,
			swap.WithLogger(log),
			swap.WithMaxFeeIterations(cfg.Fees.MaxIterations),
		),
	}

	if url := cfg.ResolvedExplorerURL(); url != "" {
		e.chain, err = backend.New(&backend.Config{
			Type:    backend.Type(cfg.ExplorerType),
			URL:     url,
			Timeout: cfg.RequestTimeout,
		})
		if err != nil {
			return nil, err
		}
	}

	log.Debug("Config loaded", "path", config.ConfigPath(ctx.GlobalString("datadir")),
		"network", params.Network, "api", cfg.ResolvedAPIURL())
	return e, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
