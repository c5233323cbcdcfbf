package curve

import (
	"errors"
	"math/big"
)

var (
	errNilParams       = errors.New("curve: params not configured")
	errInvalidAmount   = errors.New("curve: sell amount must be positive")
	errInvalidStep     = errors.New("curve: step must stay above -10000 bps")
	errZeroSupply      = errors.New("curve: total supply must be positive")
	errZeroPrice       = errors.New("curve: initial price must be positive")
	errZeroVolume      = errors.New("curve: initial volume must be positive")
	// ErrSupplyExhausted indicates the requested amount exceeds the sellable
	// capacity remaining on the curve.
	ErrSupplyExhausted = errors.New("curve: sellable supply exhausted")
)

var (
	basisPoints = big.NewInt(10_000)
	priceScale  = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

// maxLevels bounds a single walk so a pathological parameter set cannot spin
// the processor; real configurations advance a handful of levels per sale.
const maxLevels = 1 << 20

// Params describes a stepped bonding curve. Prices are USD at 1e18 scale,
// volumes are primary-asset units at 1e18 scale. Step percentages compound per
// level in basis points; VolumeStepBps may be negative for shrinking levels.
type Params struct {
	InitialPrice       *big.Int
	InitialVolume      *big.Int
	PriceStepBps       int64
	VolumeStepBps      int64
	ProportionalityBps int64
	TotalSupply        *big.Int
}

// Validate checks the parameter set for internal consistency.
func (p Params) Validate() error {
	if p.InitialPrice == nil || p.InitialPrice.Sign() <= 0 {
		return errZeroPrice
	}
	if p.InitialVolume == nil || p.InitialVolume.Sign() <= 0 {
		return errZeroVolume
	}
	if p.TotalSupply == nil || p.TotalSupply.Sign() <= 0 {
		return errZeroSupply
	}
	if p.PriceStepBps <= -10_000 || p.VolumeStepBps <= -10_000 {
		return errInvalidStep
	}
	if p.ProportionalityBps <= 0 {
		return errors.New("curve: proportionality coefficient must be positive")
	}
	return nil
}

// Cache memoises the walk position after the last settled sale so subsequent
// sales resume in O(levels advanced) instead of recomputing from level zero.
// The cache is authoritative only while TotalSold matches the ledger's true
// cumulative-sold counter; any bypass of the official sell path must
// invalidate it.
type Cache struct {
	Level             uint64
	TotalSold         *big.Int
	CumulativeVolume  *big.Int
	PriceAtLevel      *big.Int
	BaseVolumeAtLevel *big.Int
}

// Clone returns a deep copy of the cache.
func (c *Cache) Clone() *Cache {
	if c == nil {
		return nil
	}
	clone := &Cache{Level: c.Level}
	clone.TotalSold = copyInt(c.TotalSold)
	clone.CumulativeVolume = copyInt(c.CumulativeVolume)
	clone.PriceAtLevel = copyInt(c.PriceAtLevel)
	clone.BaseVolumeAtLevel = copyInt(c.BaseVolumeAtLevel)
	return clone
}

// Valid reports whether the cache may serve a walk for the given
// authoritative cumulative-sold counter.
func (c *Cache) Valid(totalSold *big.Int) bool {
	if c == nil || c.TotalSold == nil || totalSold == nil {
		return false
	}
	if c.PriceAtLevel == nil || c.BaseVolumeAtLevel == nil || c.CumulativeVolume == nil {
		return false
	}
	return c.TotalSold.Cmp(totalSold) == 0
}

// Quote is the outcome of walking the curve for a sale.
type Quote struct {
	// ValueUSD is the accumulated settlement value at 1e18 scale.
	ValueUSD *big.Int
	// NewCache reflects the walk position after consuming the sale.
	NewCache *Cache
	// LevelsAdvanced counts levels crossed during the walk.
	LevelsAdvanced uint64
}

// PriceFromScratch compounds the level price from genesis. Pure; exposed so
// the cold path stays independently testable against the cached path.
func (p Params) PriceFromScratch(level uint64) *big.Int {
	return compound(p.InitialPrice, p.PriceStepBps, level)
}

// BaseVolumeFromScratch compounds the base level capacity from genesis.
func (p Params) BaseVolumeFromScratch(level uint64) *big.Int {
	return compound(p.InitialVolume, p.VolumeStepBps, level)
}

// PriceFromCache advances a cached level price to the target level without
// recomputing from genesis. target must be >= cachedLevel.
func (p Params) PriceFromCache(cachedLevel uint64, cachedPrice *big.Int, target uint64) *big.Int {
	return compound(cachedPrice, p.PriceStepBps, target-cachedLevel)
}

// BaseVolumeFromCache advances a cached base volume to the target level.
func (p Params) BaseVolumeFromCache(cachedLevel uint64, cachedVolume *big.Int, target uint64) *big.Int {
	return compound(cachedVolume, p.VolumeStepBps, target-cachedLevel)
}

func compound(initial *big.Int, stepBps int64, levels uint64) *big.Int {
	if initial == nil {
		return big.NewInt(0)
	}
	value := new(big.Int).Set(initial)
	if stepBps == 0 {
		return value
	}
	factor := big.NewInt(10_000 + stepBps)
	if factor.Sign() <= 0 {
		return big.NewInt(0)
	}
	for i := uint64(0); i < levels; i++ {
		value.Mul(value, factor)
		value.Quo(value, basisPoints)
		if value.Sign() == 0 {
			break
		}
	}
	return value
}

// AdjustedVolume scales a level's base capacity by the pooled economics:
// adjusted = base * proportionalityBps * totalShares * sharePrice
// / (totalSupply * 10000). Capacity therefore grows with pooled value, not
// just nominal supply.
func (p Params) AdjustedVolume(base, totalShares, sharePrice *big.Int) *big.Int {
	if base == nil || base.Sign() <= 0 || totalShares == nil || sharePrice == nil {
		return big.NewInt(0)
	}
	if p.TotalSupply == nil || p.TotalSupply.Sign() <= 0 {
		return big.NewInt(0)
	}
	adjusted := new(big.Int).Mul(base, big.NewInt(p.ProportionalityBps))
	adjusted.Mul(adjusted, totalShares)
	adjusted.Mul(adjusted, sharePrice)
	denom := new(big.Int).Mul(p.TotalSupply, basisPoints)
	adjusted.Quo(adjusted, denom)
	if adjusted.Sign() < 0 {
		return big.NewInt(0)
	}
	return adjusted
}

// Sell walks the curve consuming amount units starting at totalSold. When the
// supplied cache matches totalSold the walk resumes from the cached level,
// otherwise it rebuilds from level zero. It returns the accumulated USD value
// and the refreshed cache; the caller persists both together with the new
// cumulative-sold counter.
func Sell(p Params, amount, totalSold, totalShares, sharePrice *big.Int, cache *Cache) (*Quote, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	if totalSold == nil {
		totalSold = big.NewInt(0)
	}

	var (
		level      uint64
		cumulative *big.Int
		price      *big.Int
		baseVolume *big.Int
	)
	if cache.Valid(totalSold) {
		level = cache.Level
		cumulative = copyInt(cache.CumulativeVolume)
		price = copyInt(cache.PriceAtLevel)
		baseVolume = copyInt(cache.BaseVolumeAtLevel)
	} else {
		var err error
		level, cumulative, price, baseVolume, err = walkTo(p, totalSold, totalShares, sharePrice)
		if err != nil {
			return nil, err
		}
	}

	remaining := new(big.Int).Set(amount)
	sold := new(big.Int).Set(totalSold)
	valueUSD := big.NewInt(0)
	advanced := uint64(0)

	for remaining.Sign() > 0 {
		if advanced >= maxLevels {
			return nil, ErrSupplyExhausted
		}
		capacity := p.AdjustedVolume(baseVolume, totalShares, sharePrice)
		soldInLevel := new(big.Int).Sub(sold, cumulative)
		available := new(big.Int).Sub(capacity, soldInLevel)
		if available.Sign() > 0 {
			take := remaining
			if available.Cmp(remaining) < 0 {
				take = available
			}
			chunk := new(big.Int).Mul(take, price)
			chunk.Quo(chunk, priceScale)
			valueUSD.Add(valueUSD, chunk)
			sold.Add(sold, take)
			remaining = new(big.Int).Sub(remaining, take)
			if remaining.Sign() == 0 {
				break
			}
		}
		// Level drained: advance. Once base volumes decay to zero every later
		// level is zero too, so the curve is out of sellable supply.
		if baseVolume.Sign() == 0 {
			return nil, ErrSupplyExhausted
		}
		cumulative = new(big.Int).Add(cumulative, capacity)
		level++
		advanced++
		price = p.PriceFromCache(level-1, price, level)
		baseVolume = p.BaseVolumeFromCache(level-1, baseVolume, level)
	}

	quote := &Quote{
		ValueUSD:       valueUSD,
		LevelsAdvanced: advanced,
		NewCache: &Cache{
			Level:             level,
			TotalSold:         sold,
			CumulativeVolume:  cumulative,
			PriceAtLevel:      price,
			BaseVolumeAtLevel: baseVolume,
		},
	}
	return quote, nil
}

// CurrentLevel resolves the level containing the next unit to be sold for the
// given cumulative-sold counter. Non-decreasing in totalSold for fixed
// totalShares and sharePrice.
func CurrentLevel(p Params, totalSold, totalShares, sharePrice *big.Int) (uint64, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	if totalSold == nil {
		totalSold = big.NewInt(0)
	}
	level, _, _, _, err := walkTo(p, totalSold, totalShares, sharePrice)
	return level, err
}

// walkTo rebuilds the walk position from genesis until the level containing
// totalSold. This is the cold path used whenever the cache is stale.
func walkTo(p Params, totalSold, totalShares, sharePrice *big.Int) (uint64, *big.Int, *big.Int, *big.Int, error) {
	level := uint64(0)
	cumulative := big.NewInt(0)
	price := new(big.Int).Set(p.InitialPrice)
	baseVolume := new(big.Int).Set(p.InitialVolume)
	for steps := 0; ; steps++ {
		if steps >= maxLevels {
			return 0, nil, nil, nil, ErrSupplyExhausted
		}
		capacity := p.AdjustedVolume(baseVolume, totalShares, sharePrice)
		boundary := new(big.Int).Add(cumulative, capacity)
		if totalSold.Cmp(boundary) < 0 {
			return level, cumulative, price, baseVolume, nil
		}
		if baseVolume.Sign() == 0 {
			// Sold counter sits at or beyond the exhausted tail.
			return level, cumulative, price, baseVolume, nil
		}
		cumulative = boundary
		level++
		price = p.PriceFromCache(level-1, price, level)
		baseVolume = p.BaseVolumeFromCache(level-1, baseVolume, level)
	}
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
