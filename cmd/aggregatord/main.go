// Command aggregatord runs the BLS bundle aggregator engine behind
// the minimal apiserver HTTP transport, wired together the way the
// teacher's cmd/geth wires node + eth + rpc: urfave/cli flags,
// optional TOML config file, structured logging throughout.
package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/mantlenetworkio/bls-bundle-aggregator/aggregator"
	"github.com/mantlenetworkio/bls-bundle-aggregator/apiserver"
	"github.com/mantlenetworkio/bls-bundle-aggregator/bundletable"
	"github.com/mantlenetworkio/bls-bundle-aggregator/chainadapter"
	"github.com/mantlenetworkio/bls-bundle-aggregator/internal/config"
	"github.com/urfave/cli/v2"
)

var aggregatorCategory = "AGGREGATOR"

var (
	configFileFlag = &cli.StringFlag{
		Name:     "config",
		Usage:    "TOML configuration file",
		Category: aggregatorCategory,
	}
	dataDirFlag = &cli.StringFlag{
		Name:     "datadir",
		Usage:    "Directory for the bundle table's pebble database",
		Category: aggregatorCategory,
	}
	listenAddrFlag = &cli.StringFlag{
		Name:     "http.addr",
		Usage:    "Listen address for the bundle admission HTTP API",
		Category: aggregatorCategory,
	}
	rpcURLFlag = &cli.StringFlag{
		Name:     "rpc.url",
		Usage:    "JSON-RPC endpoint of the chain the gateway contract lives on",
		Category: aggregatorCategory,
	}
	gatewayAddrFlag = &cli.StringFlag{
		Name:     "gateway.address",
		Usage:    "VerificationGateway contract address",
		Category: aggregatorCategory,
	}
	signerKeyFlag = &cli.StringFlag{
		Name:     "signer.keyfile",
		Usage:    "Path to a hex-encoded ECDSA private key used to submit aggregates",
		Category: aggregatorCategory,
	}
	maxAggregationSizeFlag = &cli.IntFlag{
		Name:     "aggregation.maxsize",
		Usage:    "Maximum actions per aggregate bundle",
		Category: aggregatorCategory,
	}
)

func main() {
	app := &cli.App{
		Name:  "aggregatord",
		Usage: "BLS bundle aggregator daemon",
		Flags: []cli.Flag{
			configFileFlag,
			dataDirFlag,
			listenAddrFlag,
			rpcURLFlag,
			gatewayAddrFlag,
			signerKeyFlag,
			maxAggregationSizeFlag,
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	cfg := config.Defaults()
	if path := ctx.String(configFileFlag.Name); path != "" {
		if err := config.LoadTOML(path, &cfg); err != nil {
			return fmt.Errorf("aggregatord: loading config: %w", err)
		}
	}
	applyFlags(ctx, &cfg)

	table, err := bundletable.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("aggregatord: opening bundle table: %w", err)
	}
	defer table.Close()

	signer, err := loadSigner(cfg.SignerKeyFile, cfg.Chain)
	if err != nil {
		return fmt.Errorf("aggregatord: loading signer: %w", err)
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter, err := chainadapter.NewEthAdapter(rootCtx, cfg.Chain, signer)
	if err != nil {
		return fmt.Errorf("aggregatord: connecting to chain: %w", err)
	}

	svc := aggregator.NewBundleService(cfg.Aggregator, table, adapter)
	defer svc.Stop()

	server := apiserver.New(cfg.ListenAddr, svc)
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return err
	case sig := <-sigCh:
		log.Info("aggregatord: received signal, shutting down", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Aggregator.SubmissionTimeout)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

func applyFlags(ctx *cli.Context, cfg *config.Config) {
	if ctx.IsSet(dataDirFlag.Name) {
		cfg.DataDir = ctx.String(dataDirFlag.Name)
	}
	if ctx.IsSet(listenAddrFlag.Name) {
		cfg.ListenAddr = ctx.String(listenAddrFlag.Name)
	}
	if ctx.IsSet(rpcURLFlag.Name) {
		cfg.Chain.RPCURL = ctx.String(rpcURLFlag.Name)
	}
	if ctx.IsSet(gatewayAddrFlag.Name) {
		cfg.Chain.GatewayAddress = common.HexToAddress(ctx.String(gatewayAddrFlag.Name))
	}
	if ctx.IsSet(signerKeyFlag.Name) {
		cfg.SignerKeyFile = ctx.String(signerKeyFlag.Name)
	}
	if ctx.IsSet(maxAggregationSizeFlag.Name) {
		cfg.Aggregator.MaxAggregationSize = ctx.Int(maxAggregationSizeFlag.Name)
	}
}

// loadSigner reads a hex-encoded ECDSA private key from path, in the
// same style the teacher's load-testing tools parse their fixed test
// keys via crypto.HexToECDSA, and builds a chain-bound TransactOpts.
func loadSigner(path string, chainCfg chainadapter.Config) (*bind.TransactOpts, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := crypto.HexToECDSA(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("parsing signer key: %w", err)
	}

	// chainID is resolved by NewEthAdapter's caller only after dialing;
	// bind.NewKeyedTransactorWithChainID needs it up front, so
	// aggregatord dials once here purely to read the chain ID.
	chainID, err := fetchChainID(chainCfg.RPCURL)
	if err != nil {
		return nil, err
	}
	return bind.NewKeyedTransactorWithChainID(key, chainID)
}

// fetchChainID dials rpcURL just long enough to read the network ID,
// matching tests/preconf/stress's own client.NetworkID(ctx) call.
func fetchChainID(rpcURL string) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	return client.NetworkID(ctx)
}
