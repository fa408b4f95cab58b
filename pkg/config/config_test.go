package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/certusone/wormhole/witnessd/pkg/chain/evm"
	"github.com/certusone/wormhole/witnessd/pkg/safety"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfigYAML = `
dataDir: /var/lib/witnessd
chains:
  - name: ethereum
    kind: evm
    rpc:
      - https://eth-a.example.org
      - wss://eth-b.example.org
    contracts:
      - "0x98f3c9e6E3fAce36bAAd05FE09d375Ef1464288B"
    pollInterval: 2s
    finality: finalized
    safety:
      mode: finalized
      deepReorgPolicy: stall
    regularizer:
      windowSize: 64
    categories:
      - name: headers
      - name: logs
        backoffBase: 2s
        backoffCap: 1m
        maxConcurrent: 4
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "witnessd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func newTestCommand(path string, loaded **viper.Viper) (*cobra.Command, *string) {
	var dataDir *string
	cmd := &cobra.Command{
		Use: "config_test",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v, err := InitFileConfig(cmd, FileOptions{FilePath: path, EnvPrefix: "TEST_WITNESSD"})
			*loaded = v
			return err
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "dataDir:", *dataDir)
		},
	}
	dataDir = cmd.Flags().String("dataDir", "", "Data directory")
	return cmd, dataDir
}

func TestInitFileConfig(t *testing.T) {
	path := writeConfig(t, testConfigYAML)

	t.Run("config file", func(t *testing.T) {
		var v *viper.Viper
		cmd, _ := newTestCommand(path, &v)
		out := &bytes.Buffer{}
		cmd.SetOut(out)
		cmd.SetArgs([]string{})
		require.NoError(t, cmd.Execute())
		assert.Equal(t, "dataDir: /var/lib/witnessd\n", out.String())
	})

	t.Run("environment", func(t *testing.T) {
		t.Setenv("TEST_WITNESSD_DATADIR", "/srv/witnessd")
		var v *viper.Viper
		cmd, _ := newTestCommand(path, &v)
		out := &bytes.Buffer{}
		cmd.SetOut(out)
		cmd.SetArgs([]string{})
		require.NoError(t, cmd.Execute())
		assert.Equal(t, "dataDir: /srv/witnessd\n", out.String())
	})

	t.Run("flag", func(t *testing.T) {
		t.Setenv("TEST_WITNESSD_DATADIR", "/srv/witnessd")
		var v *viper.Viper
		cmd, _ := newTestCommand(path, &v)
		out := &bytes.Buffer{}
		cmd.SetOut(out)
		cmd.SetArgs([]string{"--dataDir", "/tmp/witnessd"})
		require.NoError(t, cmd.Execute())
		assert.Equal(t, "dataDir: /tmp/witnessd\n", out.String())
	})

	t.Run("missing file", func(t *testing.T) {
		var v *viper.Viper
		cmd, _ := newTestCommand(filepath.Join(t.TempDir(), "missing.yaml"), &v)
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs([]string{})
		assert.Error(t, cmd.Execute())
	})
}

func TestLoad(t *testing.T) {
	v := viper.New()
	v.SetConfigFile(writeConfig(t, testConfigYAML))
	require.NoError(t, v.ReadInConfig())

	cfg, err := Load(v)
	require.NoError(t, err)
	require.Len(t, cfg.Chains, 1)

	cc := cfg.Chains[0]
	assert.Equal(t, "ethereum", string(cc.ID()))
	assert.Len(t, cc.RPC, 2)

	ec := cc.EVMConfig()
	assert.Equal(t, 2*time.Second, ec.PollInterval)
	assert.Equal(t, evm.FinalityFinalized, ec.Finality)
	require.Len(t, ec.Contracts, 1)

	sc, err := cc.SafetyConfig()
	require.NoError(t, err)
	assert.Equal(t, safety.ModeFinalized, sc.Mode)
	assert.Equal(t, safety.DeepReorgStall, sc.DeepReorgPolicy)

	rc := cc.RegularizerConfig()
	assert.Equal(t, 64, rc.WindowSize)
	assert.Equal(t, uint64(256), rc.LookbackHorizon)

	require.Len(t, cc.Categories, 2)
	headers := cc.Categories[0].RetryConfig()
	assert.Equal(t, "headers", string(headers.Category))
	assert.Equal(t, time.Second, headers.BackoffBase)
	logs := cc.Categories[1].RetryConfig()
	assert.Equal(t, 2*time.Second, logs.BackoffBase)
	assert.Equal(t, time.Minute, logs.BackoffCap)
	assert.Equal(t, 4, logs.MaxConcurrent)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Config{Chains: []ChainConfig{
		{
			Name: "eth:main",
			Kind: "solana",
			RPC:  []string{"eth-node:8545"},
			Safety: SafetyConfig{
				Mode: "finalized",
			},
			Categories: []CategoryConfig{
				{Name: "headers", BackoffBase: time.Minute, BackoffCap: time.Second},
				{Name: "headers"},
			},
		},
		{
			Name:       "bsc",
			Kind:       KindEVM,
			RPC:        []string{"https://bsc.example.org"},
			Contracts:  []string{"not-an-address"},
			Safety:     SafetyConfig{DeepReorgPolicy: "panic", Margin: 10, MaxPending: 10},
			Categories: []CategoryConfig{{Name: "headers"}},
		},
		{
			Name:       "bsc",
			Kind:       KindEVM,
			RPC:        []string{"https://bsc.example.org"},
			Categories: []CategoryConfig{{Name: "headers"}},
		},
	}}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"must not contain ':'",
		"unsupported kind \"solana\"",
		"invalid rpc url \"eth-node:8545\"",
		"requires a finality tag",
		"backoff base 1m0s exceeds cap 1s",
		"category headers is configured twice",
		"invalid contract address \"not-an-address\"",
		"unknown deep reorg policy \"panic\"",
		"safety maxPending 10 must exceed margin 10 in lag mode",
		"chain bsc is configured twice",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidateEmpty(t *testing.T) {
	err := (&Config{}).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no chains configured")
}
