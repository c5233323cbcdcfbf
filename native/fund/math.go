package fund

import "math/big"

var (
	basisPoints = big.NewInt(10_000)
	// priceScale is the 1e18 fixed-point scale shared by prices, shares and
	// token amounts. Every multiply-then-divide preserves it, rounding toward
	// zero so residual dust always favours the pool.
	priceScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

const (
	// earlyExitWindowSeconds is the holding period below which exits take the
	// early-exit penalty.
	earlyExitWindowSeconds int64 = 365 * 24 * 60 * 60
	// earlyExitValueBps retains 80% of the exit value inside the window.
	earlyExitValueBps uint64 = 8_000
)

// mulDiv computes a*b/denom with truncation toward zero. A zero denominator
// yields zero rather than panicking; callers guard the cases where that
// matters economically.
func mulDiv(a, b, denom *big.Int) *big.Int {
	if a == nil || b == nil || denom == nil || denom.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, denom)
}

// applyBps scales amount by bps/10000.
func applyBps(amount *big.Int, bps uint64) *big.Int {
	return mulDiv(amount, new(big.Int).SetUint64(bps), basisPoints)
}

// weightedAverage folds a new observation into an existing share-weighted
// average: (oldAvg*oldShares + value*newShares) / (oldShares+newShares).
func weightedAverage(oldAvg, oldShares, value, newShares *big.Int) *big.Int {
	total := new(big.Int).Add(oldShares, newShares)
	if total.Sign() == 0 {
		return copyBigInt(value)
	}
	weighted := new(big.Int).Mul(copyBigInt(oldAvg), oldShares)
	weighted.Add(weighted, new(big.Int).Mul(copyBigInt(value), newShares))
	return weighted.Quo(weighted, total)
}
