// Package config loads the chain list of a witnessd node and converts it into
// the configuration of the individual pipeline stages.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/certusone/wormhole/witnessd/pkg/chain"
	"github.com/certusone/wormhole/witnessd/pkg/chain/evm"
	"github.com/certusone/wormhole/witnessd/pkg/chunker"
	"github.com/certusone/wormhole/witnessd/pkg/regularizer"
	"github.com/certusone/wormhole/witnessd/pkg/retrier"
	"github.com/certusone/wormhole/witnessd/pkg/safety"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"
)

const KindEVM = "evm"

var validRPCSchemes = []string{"http", "https", "ws", "wss"}

type Config struct {
	Chains []ChainConfig `mapstructure:"chains"`
}

type ChainConfig struct {
	Name string `mapstructure:"name"`
	Kind string `mapstructure:"kind"`
	// RPC lists the endpoints of the chain in order of preference.
	RPC          []string      `mapstructure:"rpc"`
	Contracts    []string      `mapstructure:"contracts"`
	PollInterval time.Duration `mapstructure:"pollInterval"`
	// Finality is the block tag polled for finalized heights: "", "safe" or "finalized".
	Finality string `mapstructure:"finality"`

	Safety      SafetyConfig      `mapstructure:"safety"`
	Regularizer RegularizerConfig `mapstructure:"regularizer"`
	Source      SourceConfig      `mapstructure:"source"`
	ReplaySize  int               `mapstructure:"replaySize"`
	Categories  []CategoryConfig  `mapstructure:"categories"`
}

type SafetyConfig struct {
	Mode            string `mapstructure:"mode"`
	Margin          uint64 `mapstructure:"margin"`
	MaxPending      int    `mapstructure:"maxPending"`
	DeepReorgPolicy string `mapstructure:"deepReorgPolicy"`
}

type RegularizerConfig struct {
	WindowSize      int    `mapstructure:"windowSize"`
	LookbackHorizon uint64 `mapstructure:"lookbackHorizon"`
}

type SourceConfig struct {
	RequestsPerSecond float64       `mapstructure:"requestsPerSecond"`
	MaxConcurrent     int           `mapstructure:"maxConcurrent"`
	MaxElapsedTime    time.Duration `mapstructure:"maxElapsedTime"`
}

type CategoryConfig struct {
	Name          string        `mapstructure:"name"`
	BackoffBase   time.Duration `mapstructure:"backoffBase"`
	BackoffCap    time.Duration `mapstructure:"backoffCap"`
	MaxConcurrent int           `mapstructure:"maxConcurrent"`
	MaxHistorical int           `mapstructure:"maxHistorical"`
}

// Load reads the chain list from v and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.UnmarshalKey("chains", &cfg.Chains); err != nil {
		return nil, fmt.Errorf("failed to parse chains: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem of the configuration at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	if len(c.Chains) == 0 {
		result = multierror.Append(result, errors.New("no chains configured"))
	}
	seen := make(map[string]bool)
	for i := range c.Chains {
		cc := &c.Chains[i]
		if cc.Name != "" {
			if seen[cc.Name] {
				result = multierror.Append(result, fmt.Errorf("chain %s is configured twice", cc.Name))
			}
			seen[cc.Name] = true
		}
		if err := cc.Validate(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (cc *ChainConfig) Validate() error {
	var result *multierror.Error
	fail := func(format string, args ...interface{}) {
		result = multierror.Append(result, fmt.Errorf("chain %q: "+format, append([]interface{}{cc.Name}, args...)...))
	}

	if err := validateName(cc.Name); err != nil {
		fail("%v", err)
	}
	if cc.Kind != KindEVM {
		fail("unsupported kind %q", cc.Kind)
	}
	if len(cc.RPC) == 0 {
		fail("no rpc endpoints")
	}
	for _, u := range cc.RPC {
		if !validateURL(u, validRPCSchemes) {
			fail("invalid rpc url %q, must be %s", u, strings.Join(validRPCSchemes, ", "))
		}
	}
	for _, a := range cc.Contracts {
		if !ethCommon.IsHexAddress(a) {
			fail("invalid contract address %q", a)
		}
	}
	if cc.PollInterval < 0 {
		fail("negative poll interval")
	}

	switch evm.FinalityLevel(cc.Finality) {
	case evm.FinalityNone, evm.FinalitySafe, evm.FinalityFinalized:
	default:
		fail("unknown finality tag %q", cc.Finality)
	}
	mode, err := safety.ParseMode(cc.Safety.Mode)
	if err != nil {
		fail("%v", err)
	} else if mode == safety.ModeFinalized && cc.Finality == "" {
		fail("safety mode finalized requires a finality tag")
	}
	if _, err := safety.ParseDeepReorgPolicy(cc.Safety.DeepReorgPolicy); err != nil {
		fail("%v", err)
	}
	if cc.Safety.MaxPending < 0 {
		fail("negative safety maxPending")
	} else if mode == safety.ModeLag && cc.Safety.MaxPending > 0 && uint64(cc.Safety.MaxPending) <= cc.Safety.Margin {
		fail("safety maxPending %d must exceed margin %d in lag mode", cc.Safety.MaxPending, cc.Safety.Margin)
	}
	if cc.Regularizer.WindowSize < 0 {
		fail("negative regularizer window")
	}

	if len(cc.Categories) == 0 {
		fail("no categories")
	}
	cats := make(map[string]bool)
	for _, cat := range cc.Categories {
		if err := validateName(cat.Name); err != nil {
			fail("category: %v", err)
		}
		if cats[cat.Name] {
			fail("category %s is configured twice", cat.Name)
		}
		cats[cat.Name] = true
		if cat.BackoffBase < 0 || cat.BackoffCap < 0 {
			fail("category %s: negative backoff", cat.Name)
		}
		if cat.BackoffBase > 0 && cat.BackoffCap > 0 && cat.BackoffBase > cat.BackoffCap {
			fail("category %s: backoff base %s exceeds cap %s", cat.Name, cat.BackoffBase, cat.BackoffCap)
		}
		if cat.MaxConcurrent < 0 || cat.MaxHistorical < 0 {
			fail("category %s: negative concurrency", cat.Name)
		}
	}

	return result.ErrorOrNil()
}

// Names become part of storage keys, which use ':' as separator.
func validateName(name string) error {
	if name == "" {
		return errors.New("empty name")
	}
	if strings.ContainsAny(name, ": \t\n") {
		return fmt.Errorf("name %q must not contain ':' or whitespace", name)
	}
	return nil
}

func validateURL(urlStr string, validSchemes []string) bool {
	parsedURL, err := url.Parse(urlStr)
	if err != nil || parsedURL.Host == "" {
		return false
	}
	for _, scheme := range validSchemes {
		if parsedURL.Scheme == scheme {
			return true
		}
	}
	return false
}

func (cc *ChainConfig) ID() chain.ID {
	return chain.ID(cc.Name)
}

// EVMConfig is only meaningful for a validated chain.
func (cc *ChainConfig) EVMConfig() evm.Config {
	contracts := make([]ethCommon.Address, 0, len(cc.Contracts))
	for _, a := range cc.Contracts {
		contracts = append(contracts, ethCommon.HexToAddress(a))
	}
	return evm.Config{
		PollInterval: cc.PollInterval,
		Contracts:    contracts,
		Finality:     evm.FinalityLevel(cc.Finality),
	}
}

func (cc *ChainConfig) SafetyConfig() (safety.Config, error) {
	mode, err := safety.ParseMode(cc.Safety.Mode)
	if err != nil {
		return safety.Config{}, err
	}
	policy, err := safety.ParseDeepReorgPolicy(cc.Safety.DeepReorgPolicy)
	if err != nil {
		return safety.Config{}, err
	}
	return safety.Config{
		Mode:            mode,
		Margin:          cc.Safety.Margin,
		MaxPending:      cc.Safety.MaxPending,
		DeepReorgPolicy: policy,
	}, nil
}

func (cc *ChainConfig) RegularizerConfig() regularizer.Config {
	cfg := regularizer.DefaultConfig()
	if cc.Regularizer.WindowSize > 0 {
		cfg.WindowSize = cc.Regularizer.WindowSize
	}
	if cc.Regularizer.LookbackHorizon > 0 {
		cfg.LookbackHorizon = cc.Regularizer.LookbackHorizon
	}
	return cfg
}

func (cc *ChainConfig) SourceOptions() chain.RetryOptions {
	opts := chain.DefaultRetryOptions()
	if cc.Source.RequestsPerSecond > 0 {
		opts.RequestsPerSecond = cc.Source.RequestsPerSecond
	}
	if cc.Source.MaxConcurrent > 0 {
		opts.MaxConcurrent = cc.Source.MaxConcurrent
	}
	if cc.Source.MaxElapsedTime > 0 {
		opts.MaxElapsedTime = cc.Source.MaxElapsedTime
	}
	return opts
}

func (cc *ChainConfig) ChunkerOptions() chunker.Options {
	opts := chunker.DefaultOptions
	if cc.ReplaySize > 0 {
		opts.ReplaySize = cc.ReplaySize
	}
	return opts
}

// RetryConfig fills unset fields of the category with the defaults.
func (cat CategoryConfig) RetryConfig() retrier.Config {
	cfg := retrier.DefaultConfig(chain.Category(cat.Name))
	if cat.BackoffBase > 0 {
		cfg.BackoffBase = cat.BackoffBase
	}
	if cat.BackoffCap > 0 {
		cfg.BackoffCap = cat.BackoffCap
	}
	if cfg.BackoffBase > cfg.BackoffCap {
		cfg.BackoffCap = cfg.BackoffBase
	}
	if cat.MaxConcurrent > 0 {
		cfg.MaxConcurrent = cat.MaxConcurrent
	}
	if cat.MaxHistorical > 0 {
		cfg.MaxHistorical = cat.MaxHistorical
	}
	return cfg
}
