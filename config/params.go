package config

import (
	"fmt"
	"math/big"
	"strings"

	"daofund/crypto"
	"daofund/native/curve"
	"daofund/native/fund"
)

// Parameters is the parsed runtime view of a Config.
type Parameters struct {
	ModuleAddress [20]byte
	Roles         fund.Roles
	Fundraising   fund.FundraisingConfig
	Distribution  fund.DistributionConfig
	Curve         curve.Params
	StaticPrices  map[string]*big.Int
}

// Parameters converts the string-encoded amounts and bech32 addresses into
// runtime values.
func (c *Config) Parameters() (Parameters, error) {
	params := Parameters{StaticPrices: make(map[string]*big.Int)}

	var err error
	if params.ModuleAddress, err = parseAddress("ModuleAddress", c.ModuleAddress); err != nil {
		return params, err
	}
	if params.ModuleAddress == ([20]byte{}) {
		// Unset module accounts fall back to a derived identity.
		params.ModuleAddress = crypto.ModuleAddress("fund")
	}
	if params.Roles.Admin, err = parseAddress("AdminAddress", c.AdminAddress); err != nil {
		return params, err
	}
	if params.Roles.Governance, err = parseAddress("GovernanceAddress", c.Governance); err != nil {
		return params, err
	}
	if params.Roles.Creator, err = parseAddress("CreatorAddress", c.CreatorAddress); err != nil {
		return params, err
	}
	if params.Roles.RoyaltyTreasury, err = parseAddress("RoyaltyTreasuryAddress", c.RoyaltyTreasury); err != nil {
		return params, err
	}

	if params.Fundraising.MinDeposit, err = parseAmount("fundraising.MinDeposit", c.Fundraising.MinDeposit); err != nil {
		return params, err
	}
	if params.Fundraising.SharePrice, err = parseAmount("fundraising.SharePrice", c.Fundraising.SharePrice); err != nil {
		return params, err
	}
	if params.Fundraising.TargetAmount, err = parseAmount("fundraising.TargetAmount", c.Fundraising.TargetAmount); err != nil {
		return params, err
	}
	params.Fundraising.Deadline = c.Fundraising.DeadlineUnix
	params.Fundraising.ExtensionSeconds = c.Fundraising.ExtensionSeconds

	params.Distribution.RoyaltyBps = c.Distribution.RoyaltyBps
	params.Distribution.CreatorBps = c.Distribution.CreatorBps
	if params.Distribution.MinRewardPerShareIncrement, err = parseAmount("distribution.MinRewardPerShareIncrement", c.Distribution.MinRewardPerShareIncrement); err != nil {
		return params, err
	}

	if params.Curve.InitialPrice, err = parseAmount("curve.InitialPrice", c.Curve.InitialPrice); err != nil {
		return params, err
	}
	if params.Curve.InitialVolume, err = parseAmount("curve.InitialVolume", c.Curve.InitialVolume); err != nil {
		return params, err
	}
	if params.Curve.TotalSupply, err = parseAmount("curve.TotalSupply", c.Curve.TotalSupply); err != nil {
		return params, err
	}
	params.Curve.PriceStepBps = c.Curve.PriceStepBps
	params.Curve.VolumeStepBps = c.Curve.VolumeStepBps
	params.Curve.ProportionalityBps = c.Curve.ProportionalityBps

	for token, raw := range c.Oracle.StaticPrices {
		price, err := parseAmount("oracle.StaticPrices."+token, raw)
		if err != nil {
			return params, err
		}
		params.StaticPrices[strings.ToUpper(token)] = price
	}
	return params, nil
}

// parseAmount parses a non-negative decimal string into a big integer. Empty
// strings are zero.
func parseAmount(field, raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid %s: %q is not a decimal integer", field, raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("invalid %s: must not be negative", field)
	}
	return value, nil
}

// parseAddress decodes a bech32 address into its 20 raw bytes. Empty strings
// resolve to the zero address so optional roles can stay unset.
func parseAddress(field, raw string) ([20]byte, error) {
	var out [20]byte
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return out, nil
	}
	decoded, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return out, fmt.Errorf("invalid %s: %w", field, err)
	}
	copy(out[:], decoded.Bytes())
	return out, nil
}
