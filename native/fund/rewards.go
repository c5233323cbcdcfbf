package fund

import "math/big"

// unaccountedBalance reports how much of the treasury's token balance has not
// yet been attributed to deposits, buybacks or prior distributions. This is
// the distributable profit.
func (e *Engine) unaccountedBalance(token string) (*big.Int, error) {
	moduleAcc, err := e.loadAccount(e.moduleAddr)
	if err != nil {
		return nil, err
	}
	accounted, err := e.state.AccountedBalanceGet(token)
	if err != nil {
		return nil, err
	}
	if accounted == nil {
		accounted = big.NewInt(0)
	}
	diff := new(big.Int).Sub(moduleAcc.Balance(token), accounted)
	if diff.Sign() < 0 {
		diff = big.NewInt(0)
	}
	return diff, nil
}

// DistributeProfits splits the unaccounted balance of token: royalty cut to
// the treasury, creator cut of the remainder, then exit-queue buybacks, and
// whatever survives accrues to holders through the reward-per-share
// accumulator. Fails before any payout when the final per-share accrual would
// not exceed the dust threshold.
func (e *Engine) DistributeProfits(caller [20]byte, token string) (_ *big.Int, err error) {
	done, err := e.begin()
	if err != nil {
		return nil, err
	}
	defer done(&err)
	if err := e.requireRole(caller, e.roles.Admin); err != nil {
		return nil, err
	}
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	if err := e.requireStage(st, StageActive); err != nil {
		return nil, err
	}
	if st.TotalShares.Sign() == 0 {
		return nil, errZeroTotalShares
	}

	profit, err := e.unaccountedBalance(token)
	if err != nil {
		return nil, err
	}
	if profit.Sign() == 0 {
		return nil, errNothingUnaccounted
	}

	royalty := applyBps(profit, e.distribution.RoyaltyBps)
	afterRoyalty := new(big.Int).Sub(profit, royalty)
	creatorCut := applyBps(afterRoyalty, e.distribution.CreatorBps)
	pool := new(big.Int).Sub(afterRoyalty, creatorCut)

	// The newly surfaced profit is marked accounted up front so the fee
	// transfers below cannot be re-distributed; on any error the call's
	// journal is discarded and nothing here sticks.
	if err := e.adjustAccounted(token, profit); err != nil {
		return nil, err
	}
	if royalty.Sign() > 0 {
		if err := e.transfer(e.moduleAddr, e.roles.RoyaltyTreasury, token, royalty); err != nil {
			return nil, err
		}
		if err := e.adjustAccounted(token, new(big.Int).Neg(royalty)); err != nil {
			return nil, err
		}
	}
	if creatorCut.Sign() > 0 {
		if err := e.transfer(e.moduleAddr, e.roles.Creator, token, creatorCut); err != nil {
			return nil, err
		}
		if err := e.adjustAccounted(token, new(big.Int).Neg(creatorCut)); err != nil {
			return nil, err
		}
	}

	spent, err := e.drainQueue(st, token, pool)
	if err != nil {
		return nil, err
	}
	leftover := new(big.Int).Sub(pool, spent)

	if leftover.Sign() > 0 {
		if st.TotalShares.Sign() == 0 {
			return nil, errZeroTotalShares
		}
		increment := mulDiv(leftover, priceScale, st.TotalShares)
		min := e.distribution.MinRewardPerShareIncrement
		if min != nil && min.Sign() > 0 && increment.Cmp(min) <= 0 {
			return nil, errDustDistribution
		}
		if increment.Sign() == 0 {
			return nil, errDustDistribution
		}
		rps, err := e.state.RewardPerShareGet(token)
		if err != nil {
			return nil, err
		}
		if rps == nil {
			rps = big.NewInt(0)
		}
		if err := e.state.RewardPerSharePut(token, new(big.Int).Add(rps, increment)); err != nil {
			return nil, err
		}
		if err := e.trackRewardToken(token); err != nil {
			return nil, err
		}
	}

	if err := e.state.FundStatePut(st); err != nil {
		return nil, err
	}
	e.emit(ProfitsDistributedEvent(token, profit, royalty, creatorCut, spent, leftover))
	return profit, nil
}

func (e *Engine) trackRewardToken(token string) error {
	tokens, err := e.state.RewardTokensGet()
	if err != nil {
		return err
	}
	for _, t := range tokens {
		if t == token {
			return nil
		}
	}
	return e.state.RewardTokensPut(append(tokens, token))
}

// settleRewards realizes the owner's accrued rewards across every reward
// token into pending balances and advances their per-token index to the
// global accumulator. Must run before the owner's share balance changes.
func (e *Engine) settleRewards(owner [20]byte, shares *big.Int) error {
	if shares == nil || shares.Sign() == 0 {
		// Still fast-forward the index so a fresh depositor starts from the
		// current accumulator, not zero.
		return e.syncRewardIndexes(owner)
	}
	tokens, err := e.state.RewardTokensGet()
	if err != nil {
		return err
	}
	for _, token := range tokens {
		rps, err := e.state.RewardPerShareGet(token)
		if err != nil {
			return err
		}
		if rps == nil {
			rps = big.NewInt(0)
		}
		index, err := e.state.RewardIndexGet(owner, token)
		if err != nil {
			return err
		}
		if index == nil {
			index = big.NewInt(0)
		}
		delta := new(big.Int).Sub(rps, index)
		if delta.Sign() > 0 {
			accrued := mulDiv(shares, delta, priceScale)
			if accrued.Sign() > 0 {
				pending, err := e.state.PendingRewardGet(owner, token)
				if err != nil {
					return err
				}
				if pending == nil {
					pending = big.NewInt(0)
				}
				if err := e.state.PendingRewardPut(owner, token, new(big.Int).Add(pending, accrued)); err != nil {
					return err
				}
			}
		}
		if err := e.state.RewardIndexPut(owner, token, rps); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) syncRewardIndexes(owner [20]byte) error {
	tokens, err := e.state.RewardTokensGet()
	if err != nil {
		return err
	}
	for _, token := range tokens {
		rps, err := e.state.RewardPerShareGet(token)
		if err != nil {
			return err
		}
		if rps == nil {
			rps = big.NewInt(0)
		}
		if err := e.state.RewardIndexPut(owner, token, rps); err != nil {
			return err
		}
	}
	return nil
}

// ClaimRewards settles and pays out the owner's rewards for one token.
func (e *Engine) ClaimRewards(owner [20]byte, token string) (_ *big.Int, err error) {
	done, err := e.begin()
	if err != nil {
		return nil, err
	}
	defer done(&err)
	vault, ok, err := e.state.VaultGet(owner)
	if err != nil {
		return nil, err
	}
	if !ok || vault == nil {
		return nil, errVaultNotFound
	}
	if err := e.settleRewards(owner, vault.ShareBalance); err != nil {
		return nil, err
	}
	pending, err := e.state.PendingRewardGet(owner, token)
	if err != nil {
		return nil, err
	}
	if pending == nil || pending.Sign() == 0 {
		return nil, errNothingToClaim
	}
	if err := e.state.PendingRewardPut(owner, token, big.NewInt(0)); err != nil {
		return nil, err
	}
	if err := e.transfer(e.moduleAddr, owner, token, pending); err != nil {
		return nil, err
	}
	if err := e.adjustAccounted(token, new(big.Int).Neg(pending)); err != nil {
		return nil, err
	}
	e.emit(RewardsClaimedEvent(owner, token, pending))
	return pending, nil
}

// PendingRewards reports the owner's claimable amount for token, including
// unrealized accrual, without mutating state.
func (e *Engine) PendingRewards(owner [20]byte, token string) (*big.Int, error) {
	if e.state == nil {
		return nil, errNilState
	}
	pending, err := e.state.PendingRewardGet(owner, token)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		pending = big.NewInt(0)
	}
	total := copyBigInt(pending)
	vault, ok, err := e.state.VaultGet(owner)
	if err != nil {
		return nil, err
	}
	if !ok || vault == nil || vault.ShareBalance == nil || vault.ShareBalance.Sign() == 0 {
		return total, nil
	}
	rps, err := e.state.RewardPerShareGet(token)
	if err != nil {
		return nil, err
	}
	if rps == nil {
		rps = big.NewInt(0)
	}
	index, err := e.state.RewardIndexGet(owner, token)
	if err != nil {
		return nil, err
	}
	if index == nil {
		index = big.NewInt(0)
	}
	delta := new(big.Int).Sub(rps, index)
	if delta.Sign() > 0 {
		total = new(big.Int).Add(total, mulDiv(vault.ShareBalance, delta, priceScale))
	}
	return total, nil
}
