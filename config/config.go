package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the on-disk TOML configuration for the fund service. Monetary
// amounts are decimal strings at 1e18 scale so operators never lose precision
// to float parsing; Parameters converts them to runtime values.
type Config struct {
	DataDir        string `toml:"DataDir"`
	Environment    string `toml:"Environment"`
	LogDir         string `toml:"LogDir"`
	MetricsAddress string `toml:"MetricsAddress"`

	CollateralToken string `toml:"CollateralToken"`
	PrimaryToken    string `toml:"PrimaryToken"`

	ModuleAddress   string `toml:"ModuleAddress"`
	AdminAddress    string `toml:"AdminAddress"`
	Governance      string `toml:"GovernanceAddress"`
	CreatorAddress  string `toml:"CreatorAddress"`
	RoyaltyTreasury string `toml:"RoyaltyTreasuryAddress"`

	Fundraising  Fundraising  `toml:"fundraising"`
	Distribution Distribution `toml:"distribution"`
	Curve        Curve        `toml:"curve"`
	Oracle       Oracle       `toml:"oracle"`
	Pauses       Pauses       `toml:"pauses"`
}

// Fundraising configures the raise.
type Fundraising struct {
	MinDeposit       string `toml:"MinDeposit"`
	SharePrice       string `toml:"SharePrice"`
	TargetAmount     string `toml:"TargetAmount"`
	DeadlineUnix     int64  `toml:"DeadlineUnix"`
	ExtensionSeconds int64  `toml:"ExtensionSeconds"`
}

// Distribution configures the profit split.
type Distribution struct {
	RoyaltyBps                 uint64 `toml:"RoyaltyBps"`
	CreatorBps                 uint64 `toml:"CreatorBps"`
	MinRewardPerShareIncrement string `toml:"MinRewardPerShareIncrement"`
}

// Curve configures the stepped bonding curve.
type Curve struct {
	InitialPrice       string `toml:"InitialPrice"`
	InitialVolume      string `toml:"InitialVolume"`
	PriceStepBps       int64  `toml:"PriceStepBps"`
	VolumeStepBps      int64  `toml:"VolumeStepBps"`
	ProportionalityBps int64  `toml:"ProportionalityBps"`
	TotalSupply        string `toml:"TotalSupply"`
}

// Oracle configures the static price table used by the simulator and the
// freshness window applied when live feeds are registered.
type Oracle struct {
	MaxAgeSeconds int64             `toml:"MaxAgeSeconds"`
	StaticPrices  map[string]string `toml:"StaticPrices"`
}

// Pauses holds the operator kill switches.
type Pauses struct {
	Fund bool `toml:"Fund"`
}

// IsPaused implements the engine's pause view.
func (p Pauses) IsPaused(module string) bool {
	return module == "fund" && p.Fund
}

// Load reads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown field %s", path, undecoded[0])
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./fund-data"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "local"
	}
	if strings.TrimSpace(cfg.CollateralToken) == "" {
		cfg.CollateralToken = "USDC"
	}
	if strings.TrimSpace(cfg.PrimaryToken) == "" {
		cfg.PrimaryToken = "PRIME"
	}
	if cfg.Oracle.StaticPrices == nil {
		cfg.Oracle.StaticPrices = map[string]string{}
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		DataDir:         "./fund-data",
		Environment:     "local",
		MetricsAddress:  "",
		CollateralToken: "USDC",
		PrimaryToken:    "PRIME",
		Fundraising: Fundraising{
			MinDeposit:       "1000000000000000000",
			SharePrice:       "1000000000000000000",
			TargetAmount:     "0",
			ExtensionSeconds: 7 * 24 * 60 * 60,
		},
		Distribution: Distribution{
			RoyaltyBps:                 500,
			CreatorBps:                 1000,
			MinRewardPerShareIncrement: "1",
		},
		Curve: Curve{
			InitialPrice:       "1000000000000000000",
			InitialVolume:      "1000000000000000000000",
			PriceStepBps:       500,
			VolumeStepBps:      -100,
			ProportionalityBps: 7500,
			TotalSupply:        "1000000000000000000000000000",
		},
		Oracle: Oracle{
			MaxAgeSeconds: 300,
			StaticPrices: map[string]string{
				"USDC":  "1000000000000000000",
				"PRIME": "1000000000000000000",
			},
		},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(cfg)
}
