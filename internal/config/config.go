// Package config defines the aggregator daemon's on-disk/CLI
// configuration, following the teacher's cmd/geth + cmd/utils
// convention: flags parsed by github.com/urfave/cli/v2, optionally
// overlaid with a TOML file loaded by github.com/naoina/toml.
package config

import (
	"math/big"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mantlenetworkio/bls-bundle-aggregator/aggregator"
	"github.com/mantlenetworkio/bls-bundle-aggregator/chainadapter"
	"github.com/mantlenetworkio/bls-bundle-aggregator/reward"
	"github.com/naoina/toml"
)

// Config mirrors spec.md §3's Configuration plus the connection
// settings needed to actually run: where to find the chain, the
// gateway contract, the signing key, the data directory and the
// listen address.
type Config struct {
	// Aggregator is spec.md §3's fixed-at-construction engine config.
	Aggregator aggregator.Config

	// Chain describes how to reach the gateway contract.
	Chain chainadapter.Config

	// SignerKeyFile is the path to a hex-encoded ECDSA private key used
	// to sign submitted aggregate transactions, in the manner of the
	// teacher's own FundKeyHex-loaded test keys.
	SignerKeyFile string

	// DataDir holds the bundle table's pebble database.
	DataDir string

	// ListenAddr is the apiserver's HTTP listen address.
	ListenAddr string
}

// tomlConfig mirrors Config's field names for a round-trippable TOML
// document; *big.Int and common.Address don't implement
// naoina/toml-friendly (un)marshalers on their own, so the reward
// amounts are carried as decimal strings and addresses as hex
// strings, matching the style the teacher uses for its own
// hex-encoded TOML fields (e.g. FundKeyHex).
type tomlConfig struct {
	Aggregator struct {
		BundleQueryLimit           int
		MaxAggregationSize         int
		MaxAggregationDelay        time.Duration
		MaxUnconfirmedAggregations int
		MaxEligibilityDelay        uint64
		RewardKind                 string
		RewardTokenAddr            string
		RewardPerGas               string
		RewardPerByte              string
		SubmissionTimeout          time.Duration
		BlockTickWarmup            time.Duration
	}
	Chain struct {
		RPCURL          string
		GatewayAddress  string
		AggregatorAddr  string
		ConfirmPollFreq time.Duration
	}
	SignerKeyFile string
	DataDir       string
	ListenAddr    string
}

// Defaults returns the configuration the daemon starts from before
// flags or a TOML file are applied.
func Defaults() Config {
	return Config{
		Aggregator: aggregator.Config{
			BundleQueryLimit:           256,
			MaxAggregationSize:         64,
			MaxAggregationDelay:        2 * time.Second,
			MaxUnconfirmedAggregations: 4,
			MaxEligibilityDelay:        16,
			Rewards:                    reward.Model{Kind: reward.Native, PerGas: big.NewInt(0), PerByte: big.NewInt(0)},
			SubmissionTimeout:          30 * time.Second,
			BlockTickWarmup:            5 * time.Second,
		},
		Chain: chainadapter.Config{
			ConfirmPollFreq: time.Second,
		},
		DataDir:    "./aggregatord-data",
		ListenAddr: "127.0.0.1:8645",
	}
}

// tomlSettings mirrors the teacher's cmd/geth tomlSettings: a
// case-insensitive field matcher with underscores ignored, so a TOML
// file can spell its keys however is most readable.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return strings.ToLower(strings.Replace(key, "_", "", -1))
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		return nil
	},
}

// LoadTOML reads path and overlays its values onto cfg, the way the
// teacher's cmd/geth loads its own node/eth config file.
func LoadTOML(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var tc tomlConfig
	tc.fromConfig(cfg)
	if err := tomlSettings.NewDecoder(f).Decode(&tc); err != nil {
		return err
	}
	return tc.intoConfig(cfg)
}

func (tc *tomlConfig) fromConfig(cfg *Config) {
	tc.Aggregator.BundleQueryLimit = cfg.Aggregator.BundleQueryLimit
	tc.Aggregator.MaxAggregationSize = cfg.Aggregator.MaxAggregationSize
	tc.Aggregator.MaxAggregationDelay = cfg.Aggregator.MaxAggregationDelay
	tc.Aggregator.MaxUnconfirmedAggregations = cfg.Aggregator.MaxUnconfirmedAggregations
	tc.Aggregator.MaxEligibilityDelay = cfg.Aggregator.MaxEligibilityDelay
	tc.Aggregator.SubmissionTimeout = cfg.Aggregator.SubmissionTimeout
	tc.Aggregator.BlockTickWarmup = cfg.Aggregator.BlockTickWarmup
	if cfg.Aggregator.Rewards.Kind == reward.Token {
		tc.Aggregator.RewardKind = "token"
	} else {
		tc.Aggregator.RewardKind = "native"
	}
	if cfg.Aggregator.Rewards.PerGas != nil {
		tc.Aggregator.RewardPerGas = cfg.Aggregator.Rewards.PerGas.String()
	}
	if cfg.Aggregator.Rewards.PerByte != nil {
		tc.Aggregator.RewardPerByte = cfg.Aggregator.Rewards.PerByte.String()
	}
	tc.Aggregator.RewardTokenAddr = cfg.Aggregator.Rewards.TokenAddr.Hex()

	tc.Chain.RPCURL = cfg.Chain.RPCURL
	tc.Chain.GatewayAddress = cfg.Chain.GatewayAddress.Hex()
	tc.Chain.AggregatorAddr = cfg.Chain.AggregatorAddr.Hex()
	tc.Chain.ConfirmPollFreq = cfg.Chain.ConfirmPollFreq

	tc.SignerKeyFile = cfg.SignerKeyFile
	tc.DataDir = cfg.DataDir
	tc.ListenAddr = cfg.ListenAddr
}

func (tc *tomlConfig) intoConfig(cfg *Config) error {
	cfg.Aggregator.BundleQueryLimit = tc.Aggregator.BundleQueryLimit
	cfg.Aggregator.MaxAggregationSize = tc.Aggregator.MaxAggregationSize
	cfg.Aggregator.MaxAggregationDelay = tc.Aggregator.MaxAggregationDelay
	cfg.Aggregator.MaxUnconfirmedAggregations = tc.Aggregator.MaxUnconfirmedAggregations
	cfg.Aggregator.MaxEligibilityDelay = tc.Aggregator.MaxEligibilityDelay
	cfg.Aggregator.SubmissionTimeout = tc.Aggregator.SubmissionTimeout
	cfg.Aggregator.BlockTickWarmup = tc.Aggregator.BlockTickWarmup

	model := reward.Model{Kind: reward.Native, PerGas: big.NewInt(0), PerByte: big.NewInt(0)}
	if tc.Aggregator.RewardKind == "token" {
		model.Kind = reward.Token
	}
	if tc.Aggregator.RewardPerGas != "" {
		v, ok := new(big.Int).SetString(tc.Aggregator.RewardPerGas, 10)
		if !ok {
			return invalidRewardAmountError{field: "perGas", value: tc.Aggregator.RewardPerGas}
		}
		model.PerGas = v
	}
	if tc.Aggregator.RewardPerByte != "" {
		v, ok := new(big.Int).SetString(tc.Aggregator.RewardPerByte, 10)
		if !ok {
			return invalidRewardAmountError{field: "perByte", value: tc.Aggregator.RewardPerByte}
		}
		model.PerByte = v
	}
	if tc.Aggregator.RewardTokenAddr != "" {
		model.TokenAddr = common.HexToAddress(tc.Aggregator.RewardTokenAddr)
	}
	cfg.Aggregator.Rewards = model

	cfg.Chain.RPCURL = tc.Chain.RPCURL
	cfg.Chain.GatewayAddress = common.HexToAddress(tc.Chain.GatewayAddress)
	cfg.Chain.AggregatorAddr = common.HexToAddress(tc.Chain.AggregatorAddr)
	cfg.Chain.ConfirmPollFreq = tc.Chain.ConfirmPollFreq

	cfg.SignerKeyFile = tc.SignerKeyFile
	cfg.DataDir = tc.DataDir
	cfg.ListenAddr = tc.ListenAddr
	return nil
}

type invalidRewardAmountError struct {
	field string
	value string
}

func (e invalidRewardAmountError) Error() string {
	return "config: invalid reward amount for " + e.field + ": " + e.value
}
