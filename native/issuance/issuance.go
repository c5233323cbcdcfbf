package issuance

import "math/big"

// Contract is the narrow interface over the external issuance contracts that
// convert pooled collateral into the primary asset. Implementations live
// outside this module; the fund engine consumes them during the
// fundraising-exchange and dissolution stages only.
type Contract interface {
	// BuyPrimaryAsset spends the given collateral amount and returns the
	// quantity of the primary asset received.
	BuyPrimaryAsset(amount *big.Int) (*big.Int, error)
	// CurrentPrice reports the issuance price in USD at 1e18 scale.
	CurrentPrice() (*big.Int, error)
	// LockEndTime reports the unix timestamp when issued assets unlock.
	LockEndTime() (int64, error)
	// WithdrawAll pulls every withdrawable balance back to the fund treasury
	// and returns the collateral amount recovered.
	WithdrawAll() (*big.Int, error)
}
