package config

import "fmt"

const maxBps = 10_000

// Validate rejects configurations that cannot produce a working engine.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil configuration")
	}
	if cfg.Distribution.RoyaltyBps > maxBps {
		return fmt.Errorf("distribution: RoyaltyBps above 10000")
	}
	if cfg.Distribution.CreatorBps > maxBps {
		return fmt.Errorf("distribution: CreatorBps above 10000")
	}
	if cfg.Curve.PriceStepBps <= -maxBps {
		return fmt.Errorf("curve: PriceStepBps at or below -10000")
	}
	if cfg.Curve.VolumeStepBps <= -maxBps {
		return fmt.Errorf("curve: VolumeStepBps at or below -10000")
	}
	if cfg.Curve.ProportionalityBps <= 0 {
		return fmt.Errorf("curve: ProportionalityBps must be positive")
	}
	if cfg.Fundraising.ExtensionSeconds < 0 {
		return fmt.Errorf("fundraising: ExtensionSeconds must not be negative")
	}
	if cfg.CollateralToken == cfg.PrimaryToken {
		return fmt.Errorf("tokens: collateral and primary must differ")
	}
	return nil
}
