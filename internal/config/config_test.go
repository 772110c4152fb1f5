package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerperp/engine/internal/controller"
	"github.com/powerperp/engine/internal/strategy"
)

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeTempFile(t, `
controller:
  risk:
    collateral_ratio: 2
    dust_threshold: "0.25"
  funding:
    funding_period: 24h
  pools:
    power: osqth-weth
  fee_rate: 0.002
  fee_recipient: "0x0000000000000000000000000000000000000fee"
strategy:
  id: crab-v2
  manager: "0x0000000000000000000000000000000000000002"
  auction:
    hedge_time_threshold: 12h
    hedge_price_threshold: 0.1
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Controller.Risk.CollateralRatio.Equal(decimal.NewFromInt(2)))
	assert.True(t, cfg.Controller.Risk.DustThreshold.Equal(decimal.RequireFromString("0.25")))
	assert.Equal(t, 24*time.Hour, cfg.Controller.Funding.FundingPeriod)
	assert.Equal(t, "osqth-weth", cfg.Controller.Pools.Power)
	assert.True(t, cfg.Controller.FeeRate.Equal(decimal.RequireFromString("0.002")))
	assert.Equal(t, common.HexToAddress("0xfee"), cfg.Controller.FeeRecipient)
	assert.Equal(t, "crab-v2", cfg.Strategy.ID)
	assert.Equal(t, common.HexToAddress("0x2"), cfg.Strategy.Manager)
	assert.Equal(t, 12*time.Hour, cfg.Strategy.Auction.HedgeTimeThreshold)

	// Load alone leaves unset fields empty.
	assert.True(t, cfg.Controller.Risk.CloseFactor.IsZero())
	assert.Empty(t, cfg.Controller.Pools.EthStable)
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_MANAGER", "0x0000000000000000000000000000000000000abc")

	path := writeTempFile(t, `
strategy:
  manager: "${TEST_MANAGER}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xabc"), cfg.Strategy.Manager)
}

func TestLoadWithDefaults(t *testing.T) {
	path := writeTempFile(t, `
controller:
  risk:
    collateral_ratio: 2
strategy:
  address: "0x0000000000000000000000000000000000001234"
`)

	cfg, err := LoadWithDefaults(path)
	require.NoError(t, err)

	cd := controller.DefaultParams()
	sd := strategy.DefaultParams()
	assert.True(t, cfg.Controller.Risk.CollateralRatio.Equal(decimal.NewFromInt(2)), "explicit value kept")
	assert.True(t, cfg.Controller.Risk.CloseFactor.Equal(cd.Risk.CloseFactor))
	assert.Equal(t, cd.Funding.FundingPeriod, cfg.Controller.Funding.FundingPeriod)
	assert.Equal(t, cd.Pools, cfg.Controller.Pools)
	assert.Equal(t, cd.TwapPeriod, cfg.Controller.TwapPeriod)
	assert.Equal(t, sd.ID, cfg.Strategy.ID)
	assert.Equal(t, sd.Auction.AuctionTime, cfg.Strategy.Auction.AuctionTime)
	assert.True(t, cfg.Strategy.Auction.MaxPriceMultiplier.Equal(sd.Auction.MaxPriceMultiplier))

	// The signing domain follows the configured strategy address.
	assert.Equal(t, common.HexToAddress("0x1234"), cfg.Strategy.Domain.VerifyingContract)
	assert.Equal(t, sd.Domain.Name, cfg.Strategy.Domain.Name)

	require.NoError(t, cfg.Validate())
}

func TestLoadAndValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"ratio at one", "controller:\n  risk:\n    collateral_ratio: 1\n"},
		{"close factor above one", "controller:\n  risk:\n    close_factor: 1.5\n"},
		{"same pools", "controller:\n  pools:\n    power: p\n    eth_stable: p\n"},
		{"fee without recipient", "controller:\n  fee_rate: 0.01\n"},
		{"inverted multiplier", "strategy:\n  auction:\n    max_price_multiplier: 0.9\n"},
		{"tolerance of one", "strategy:\n  otc_price_tolerance: 1\n"},
		{"negative chain id", "strategy:\n  domain:\n    chain_id: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadAndValidate(writeTempFile(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "validate config")
		})
	}
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config file")

	_, err = Load(writeTempFile(t, "controller:\n  fee_rate: lots\n"))
	assert.ErrorContains(t, err, "parse config yaml")
}

func TestDefault_Validates(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadEnv(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() {
		os.Chdir(wd)
		os.Unsetenv("REDIS_TTL")
	})
	require.NoError(t, os.WriteFile(".env", []byte("PORT=9090\nREDIS_TTL=1m\n"), 0o644))
	t.Setenv("DATABASE_URL", "postgres://localhost/engine")
	t.Setenv("PORT", "7070")

	e, err := LoadEnv()
	require.NoError(t, err)
	assert.Equal(t, "7070", e.Port, "process environment wins over .env")
	assert.Equal(t, time.Minute, e.RedisTTL)
	assert.Equal(t, "postgres://localhost/engine", e.DatabaseURL)
	assert.Empty(t, e.ConfigPath)
}
