package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/klingon-exchange/subswap/internal/backend"
	"github.com/klingon-exchange/subswap/internal/bridge"
	"github.com/klingon-exchange/subswap/internal/swap"
	"github.com/klingon-exchange/subswap/pkg/helpers"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/urfave/cli"
)

var spendFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "swap",
		Usage: "the swap descriptor as JSON, or @path to read it from a file",
	},
	cli.StringFlag{
		Name:  "destination, d",
		Usage: "the address receiving the swap output",
	},
	cli.StringFlag{
		Name:  "privkey",
		Usage: "hex encoded private key of our side of the swap",
	},
	cli.StringFlag{
		Name: "feerate",
		Usage: "fee rate in sat/vB, e.g. 0.11. Defaults to the config " +
			"value, then the explorer's half hour estimate",
	},
	cli.StringFlag{
		Name:  "blindingkey",
		Usage: "hex encoded blinding key of the destination",
	},
}

var claimFlags = append([]cli.Flag{
	cli.StringFlag{
		Name:  "preimage",
		Usage: "hex encoded preimage of the swap's payment hash",
	},
}, spendFlags...)

var claimReverseCommand = cli.Command{
	Name:  "claim-reverse",
	Usage: "Cooperatively claim the output of a reverse swap.",
	Flags: append([]cli.Flag{
		cli.BoolFlag{
			Name: "scriptpath",
			Usage: "claim through the claim leaf without asking the " +
				"swap service to co-sign",
		},
	}, claimFlags...),
	Action: claimAction(swap.KindClaimReverse),
}

var claimForwardCommand = cli.Command{
	Name:   "claim-forward",
	Usage:  "Cooperatively claim the lockup of a submarine swap.",
	Flags:  claimFlags,
	Action: claimAction(swap.KindClaimForward),
}

var refundCommand = cli.Command{
	Name:  "refund",
	Usage: "Refund a submarine swap, falling back to the refund leaf.",
	Description: `
	Asks the swap service to co-sign a key path refund. If the service
	refuses, the refund leaf is used instead, which is only valid once the
	swap's timeout height has been reached.`,
	Flags: append([]cli.Flag{
		cli.Uint64Flag{
			Name:  "height",
			Usage: "current chain tip; queried from the explorer when omitted",
		},
	}, spendFlags...),
	Action: refundAction,
}

var serveCommand = cli.Command{
	Name:  "serve",
	Usage: "Serve the host bridge over JSON-RPC and WebSocket.",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "listen",
			Usage: "listen address; overrides config",
		},
	},
	Action: serveAction,
}

var versionCommand = cli.Command{
	Name:  "version",
	Usage: "Print the version.",
	Action: func(ctx *cli.Context) error {
		fmt.Printf("subswap %s (commit: %s)\n", version, commit)
		return nil
	},
}

func claimAction(kind swap.Kind) func(*cli.Context) error {
	return func(ctx *cli.Context) error {
		e, err := loadEnv(ctx)
		if err != nil {
			return err
		}

		desc, err := readDescriptor(ctx.String("swap"))
		if err != nil {
			return err
		}
		key, err := swap.ParsePrivKey(ctx.String("privkey"))
		if err != nil {
			return err
		}
		preimage, err := lntypes.MakePreimageFromStr(ctx.String("preimage"))
		if err != nil {
			return fmt.Errorf("preimage: %w", err)
		}
		blinding, err := optionalHex(ctx.String("blindingkey"))
		if err != nil {
			return fmt.Errorf("blinding key: %w", err)
		}

		runCtx, cancel := signalContext()
		defer cancel()

		rate, err := e.feeRate(runCtx, ctx.String("feerate"))
		if err != nil {
			return err
		}

		req := &swap.ClaimRequest{
			Swap:                   desc,
			Destination:            ctx.String("destination"),
			FeeRate:                rate,
			PrivateKey:             key,
			Preimage:               preimage,
			DestinationBlindingKey: blinding,
		}

		var res *swap.Result
		switch {
		case kind == swap.KindClaimForward:
			res, err = e.client.ClaimForward(runCtx, req)
		case ctx.Bool("scriptpath"):
			res, err = e.client.ClaimScriptPath(runCtx, req)
		default:
			res, err = e.client.ClaimReverse(runCtx, req)
		}
		return printEnvelope(kind, res, err)
	}
}

func refundAction(ctx *cli.Context) error {
	e, err := loadEnv(ctx)
	if err != nil {
		return err
	}

	desc, err := readDescriptor(ctx.String("swap"))
	if err != nil {
		return err
	}
	key, err := swap.ParsePrivKey(ctx.String("privkey"))
	if err != nil {
		return err
	}
	blinding, err := optionalHex(ctx.String("blindingkey"))
	if err != nil {
		return fmt.Errorf("blinding key: %w", err)
	}

	runCtx, cancel := signalContext()
	defer cancel()

	rate, err := e.feeRate(runCtx, ctx.String("feerate"))
	if err != nil {
		return err
	}

	height := uint32(ctx.Uint64("height"))
	if height == 0 && e.chain != nil {
		tip, err := e.chain.GetBlockHeight(runCtx)
		if err != nil {
			e.log.Warn("Could not query tip height", "error", err)
		} else {
			height = uint32(tip)
		}
	}

	res, err := e.client.Refund(runCtx, &swap.RefundRequest{
		Swap:                   desc,
		Destination:            ctx.String("destination"),
		FeeRate:                rate,
		PrivateKey:             key,
		CurrentHeight:          height,
		DestinationBlindingKey: blinding,
	})
	return printEnvelope(swap.KindRefund, res, err)
}

func serveAction(ctx *cli.Context) error {
	e, err := loadEnv(ctx)
	if err != nil {
		return err
	}

	addr := e.cfg.Bridge.ListenAddr
	if l := ctx.String("listen"); l != "" {
		addr = l
	}

	opts := []bridge.Option{
		bridge.WithLogger(e.log),
		bridge.WithDefaults(bridge.Defaults{FeeRate: e.cfg.Fees.Rate}),
	}
	if e.chain != nil {
		opts = append(opts, bridge.WithBackend(e.chain))
	}

	server := bridge.NewServer(e.client, opts...)
	if err := server.Start(addr); err != nil {
		return err
	}

	runCtx, cancel := signalContext()
	defer cancel()

	e.log.Info("Serving host bridge", "network", e.params.Network,
		"api", e.cfg.ResolvedAPIURL(), "version", version)
	<-runCtx.Done()

	e.log.Info("Shutting down...")
	return server.Stop()
}

// feeRate resolves the flag, then the config, then the explorer estimate.
func (e *env) feeRate(ctx context.Context, flag string) (chainfee.SatPerKVByte, error) {
	if flag != "" {
		return swap.ParseFeeRate(flag)
	}
	if e.cfg.Fees.Rate > 0 {
		return swap.FeeRateFromSatPerVByte(e.cfg.Fees.Rate), nil
	}
	if e.chain == nil {
		return 0, fmt.Errorf("no fee rate given and no explorer configured")
	}

	rate, err := backend.FeeRate(ctx, e.chain)
	if err != nil {
		return 0, fmt.Errorf("fee estimate: %w", err)
	}
	e.log.Debug("Using explorer fee estimate", "sat_per_vbyte", swap.FormatFeeRate(rate))
	return rate, nil
}

// readDescriptor decodes inline JSON, or the file named after an @.
func readDescriptor(arg string) (*swap.SwapDescriptor, error) {
	if arg == "" {
		return nil, fmt.Errorf("--swap is required")
	}

	data := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("read swap descriptor: %w", err)
		}
	}

	var desc swap.SwapDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("parse swap descriptor: %w", err)
	}
	return &desc, nil
}

func optionalHex(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return helpers.HexToBytes(s)
}

// printEnvelope writes the host envelope to stdout. A failed operation
// still prints its error envelope and exits non-zero.
func printEnvelope(kind swap.Kind, res *swap.Result, opErr error) error {
	out, err := json.MarshalIndent(bridge.Envelope(kind, res, opErr), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if opErr != nil {
		return cli.NewExitError("", 1)
	}
	return nil
}
