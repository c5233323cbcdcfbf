package fund

import "math/big"

// Vault is a participant's share-holding account record, keyed by the primary
// owner identity. Backup and emergency owners allow recovery without moving
// shares. A vault whose balance reaches zero is considered closed but its
// record persists for re-entry bookkeeping.
type Vault struct {
	PrimaryOwner      [20]byte
	BackupOwner       [20]byte
	EmergencyOwner    [20]byte
	ShareBalance      *big.Int
	VotingPausedUntil int64
}

// Clone returns a deep copy so callers can mutate safely.
func (v *Vault) Clone() *Vault {
	if v == nil {
		return nil
	}
	clone := *v
	clone.ShareBalance = copyBigInt(v.ShareBalance)
	return &clone
}

// ParticipantEntry snapshots the economics fixed at a participant's first
// deposit and the weighted averages updated on subsequent deposits. Exit and
// claim paths read it; nothing else mutates it.
type ParticipantEntry struct {
	DepositedCollateral    *big.Int
	FixedSharePrice        *big.Int
	FixedLaunchPrice       *big.Int
	EntryTimestamp         int64
	WeightedAvgSharePrice  *big.Int
	WeightedAvgLaunchPrice *big.Int
}

// Clone returns a deep copy of the entry.
func (p *ParticipantEntry) Clone() *ParticipantEntry {
	if p == nil {
		return nil
	}
	clone := *p
	clone.DepositedCollateral = copyBigInt(p.DepositedCollateral)
	clone.FixedSharePrice = copyBigInt(p.FixedSharePrice)
	clone.FixedLaunchPrice = copyBigInt(p.FixedLaunchPrice)
	clone.WeightedAvgSharePrice = copyBigInt(p.WeightedAvgSharePrice)
	clone.WeightedAvgLaunchPrice = copyBigInt(p.WeightedAvgLaunchPrice)
	return &clone
}

// FundraisingConfig carries the fixed fundraising parameters set once at
// initialisation. Deadline and Extended are the only admin-mutable fields.
type FundraisingConfig struct {
	MinDeposit       *big.Int
	SharePrice       *big.Int
	TargetAmount     *big.Int
	Deadline         int64
	ExtensionSeconds int64
}

// DistributionConfig controls the profit split applied to unaccounted
// inflows before the remainder reaches shareholders.
type DistributionConfig struct {
	RoyaltyBps uint64
	CreatorBps uint64
	// MinRewardPerShareIncrement rejects distributions whose per-share
	// increment would erode below meaningful precision.
	MinRewardPerShareIncrement *big.Int
}

// ExitRequest is an entry in the append-only redemption queue. Requests are
// never removed, only flagged processed. Shares records the remaining
// unredeemed snapshot for observability; settlement reads the vault's live
// balance at processing time.
type ExitRequest struct {
	Owner                     [20]byte
	Shares                    *big.Int
	RequestedAt               int64
	FixedLaunchPriceAtRequest *big.Int
	Processed                 bool
}

// Clone returns a deep copy of the request.
func (r *ExitRequest) Clone() *ExitRequest {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Shares = copyBigInt(r.Shares)
	clone.FixedLaunchPriceAtRequest = copyBigInt(r.FixedLaunchPriceAtRequest)
	return &clone
}

// State is the single owned aggregate holding the fund's global counters.
// Every mutating operation loads it, transforms it and persists it within the
// same call; nothing else writes these fields.
type State struct {
	Stage       Stage
	TotalShares *big.Int
	// SharePrice is monotonically non-decreasing while exits deplete supply
	// against fixed backing.
	SharePrice               *big.Int
	TotalCollateralRaised    *big.Int
	TotalSharesAtFundraising *big.Int
	TotalSupplyAtFundraising *big.Int
	// TotalSold is the authoritative cumulative-sold counter for the bonding
	// curve.
	TotalSold *big.Int
	// QueueHead is the monotonic cursor pointing at the first queue index that
	// may still be unprocessed.
	QueueHead uint64
	QueueLen  uint64
	Extended  bool
	Deadline  int64
}

// Clone returns a deep copy of the aggregate.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	clone := *s
	clone.TotalShares = copyBigInt(s.TotalShares)
	clone.SharePrice = copyBigInt(s.SharePrice)
	clone.TotalCollateralRaised = copyBigInt(s.TotalCollateralRaised)
	clone.TotalSharesAtFundraising = copyBigInt(s.TotalSharesAtFundraising)
	clone.TotalSupplyAtFundraising = copyBigInt(s.TotalSupplyAtFundraising)
	clone.TotalSold = copyBigInt(s.TotalSold)
	return &clone
}

func copyBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
