package fund

import "math/big"

// RequestExit enqueues the owner's vault for buyback. One outstanding request
// per vault; the redeemable share count is read live from the vault when the
// queue is processed, so later trades still affect the payout.
func (e *Engine) RequestExit(owner [20]byte) (_ uint64, err error) {
	done, err := e.begin()
	if err != nil {
		return 0, err
	}
	defer done(&err)
	st, err := e.loadState()
	if err != nil {
		return 0, err
	}
	if err := e.requireStage(st, StageActive); err != nil {
		return 0, err
	}
	vault, ok, err := e.state.VaultGet(owner)
	if err != nil {
		return 0, err
	}
	if !ok || vault == nil {
		return 0, errVaultNotFound
	}
	if vault.ShareBalance == nil || vault.ShareBalance.Sign() == 0 {
		return 0, errNoShares
	}
	if pos, err := e.state.QueuePositionGet(owner); err != nil {
		return 0, err
	} else if pos != 0 {
		return 0, errAlreadyQueued
	}

	launchPrice, err := e.primaryPrice()
	if err != nil {
		return 0, err
	}
	// Suspend delegated weight for the vault while the request is live.
	if err := e.rawPowerAdjust(owner, vault.ShareBalance, false); err != nil {
		return 0, err
	}
	index := st.QueueHead + st.QueueLen
	request := &ExitRequest{
		Owner:                     owner,
		Shares:                    copyBigInt(vault.ShareBalance),
		RequestedAt:               e.now(),
		FixedLaunchPriceAtRequest: copyBigInt(launchPrice),
	}
	if err := e.state.ExitRequestPut(index, request); err != nil {
		return 0, err
	}
	if err := e.state.QueuePositionPut(owner, index+1); err != nil {
		return 0, err
	}
	st.QueueLen++
	if err := e.state.FundStatePut(st); err != nil {
		return 0, err
	}
	e.emit(ExitRequestedEvent(owner, index, request.Shares))
	return index, nil
}

// CancelExit withdraws a pending request. Cancelling pauses the vault's
// governance participation for the configured window to blunt exit-then-vote
// games.
func (e *Engine) CancelExit(owner [20]byte) (err error) {
	done, err := e.begin()
	if err != nil {
		return err
	}
	defer done(&err)
	pos, err := e.state.QueuePositionGet(owner)
	if err != nil {
		return err
	}
	if pos == 0 {
		return errNotQueued
	}
	index := pos - 1
	request, ok, err := e.state.ExitRequestGet(index)
	if err != nil {
		return err
	}
	if !ok || request == nil || request.Processed {
		return errRequestProcessed
	}
	request.Processed = true
	if err := e.state.ExitRequestPut(index, request); err != nil {
		return err
	}
	if err := e.state.QueuePositionPut(owner, 0); err != nil {
		return err
	}
	vault, ok, err := e.state.VaultGet(owner)
	if err != nil {
		return err
	}
	if ok && vault != nil {
		vault.VotingPausedUntil = e.now() + e.votingPauseSecs
		if err := e.state.VaultPut(vault); err != nil {
			return err
		}
		// Restore delegated weight against the shares still held.
		if err := e.rawPowerAdjust(owner, vault.ShareBalance, true); err != nil {
			return err
		}
	}
	e.emit(ExitCancelledEvent(owner, index))
	return nil
}

// exitValuation prices a share count for the given request at the current
// instant: the share price fixed at the owner's first deposit (live share
// price when none was fixed), 80% haircut inside the first year, and
// downward-only launch-price scaling against the level fixed at request time.
func (e *Engine) exitValuation(st *State, owner [20]byte, request *ExitRequest, shares *big.Int, now int64) (*big.Int, error) {
	entry, ok, err := e.state.EntryGet(owner)
	if err != nil {
		return nil, err
	}
	if !ok || entry == nil {
		return nil, errVaultNotFound
	}
	basis := entry.FixedSharePrice
	if basis == nil || basis.Sign() == 0 {
		basis = st.SharePrice
	}
	value := mulDiv(shares, basis, priceScale)
	if now-entry.EntryTimestamp < earlyExitWindowSeconds {
		value = applyBps(value, earlyExitValueBps)
	}
	live, err := e.primaryPrice()
	if err != nil {
		return nil, err
	}
	fixed := request.FixedLaunchPriceAtRequest
	if fixed != nil && fixed.Sign() > 0 && live.Cmp(fixed) < 0 {
		value = mulDiv(value, live, fixed)
	}
	return value, nil
}

// burnShares removes shares from a vault and reprices the remainder so the
// fund's residual value per share never falls: newPrice = oldPrice *
// oldTotal / newTotal.
func (e *Engine) burnShares(st *State, vault *Vault, owner [20]byte, shares *big.Int) error {
	oldTotal := copyBigInt(st.TotalShares)
	newTotal := new(big.Int).Sub(oldTotal, shares)
	if newTotal.Sign() < 0 {
		return errNoShares
	}
	vault.ShareBalance = new(big.Int).Sub(vault.ShareBalance, shares)
	if err := e.state.VaultPut(vault); err != nil {
		return err
	}
	st.TotalShares = newTotal
	if newTotal.Sign() > 0 {
		st.SharePrice = mulDiv(st.SharePrice, oldTotal, newTotal)
	}
	if err := e.reduceVotingPower(owner, shares); err != nil {
		return err
	}
	// Both inputs to level capacity moved.
	return e.clearCurveCache()
}

// ProcessQueue spends up to funds of the settlement token buying back queued
// exits in FIFO order. Returns the amount actually spent. A request whose
// owner denied the settlement token blocks the head until re-authorized; a
// partially filled request stays at the head for the next round.
func (e *Engine) ProcessQueue(caller [20]byte, token string, funds *big.Int) (_ *big.Int, err error) {
	done, err := e.begin()
	if err != nil {
		return nil, err
	}
	defer done(&err)
	if err := e.requireRole(caller, e.roles.Admin); err != nil {
		return nil, err
	}
	if funds == nil || funds.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	if err := e.requireStage(st, StageActive); err != nil {
		return nil, err
	}
	spent, err := e.drainQueue(st, token, funds)
	if err != nil {
		return nil, err
	}
	if err := e.state.FundStatePut(st); err != nil {
		return nil, err
	}
	return spent, nil
}

// drainQueue is the shared buyback walk used by ProcessQueue and profit
// distribution. The caller persists st afterwards.
func (e *Engine) drainQueue(st *State, token string, funds *big.Int) (*big.Int, error) {
	tokenPrice, err := e.tokenPrice(token)
	if err != nil {
		return nil, err
	}
	now := e.now()
	remaining := copyBigInt(funds)
	spent := big.NewInt(0)

	for st.QueueLen > 0 && remaining.Sign() > 0 {
		index := st.QueueHead
		request, ok, err := e.state.ExitRequestGet(index)
		if err != nil {
			return nil, err
		}
		if !ok || request == nil || request.Processed {
			st.QueueHead++
			st.QueueLen--
			continue
		}
		owner := request.Owner
		vault, hasVault, err := e.state.VaultGet(owner)
		if err != nil {
			return nil, err
		}
		if !hasVault || vault == nil || vault.ShareBalance == nil || vault.ShareBalance.Sign() == 0 {
			// Shares were burned or transferred since the request; retire it.
			request.Processed = true
			if err := e.state.ExitRequestPut(index, request); err != nil {
				return nil, err
			}
			if err := e.state.QueuePositionPut(owner, 0); err != nil {
				return nil, err
			}
			st.QueueHead++
			st.QueueLen--
			continue
		}
		denied, err := e.state.BuybackDeniedGet(owner, token)
		if err != nil {
			return nil, err
		}
		if denied {
			// FIFO fairness: nobody behind a blocked head gets paid early.
			break
		}

		shares := copyBigInt(vault.ShareBalance)
		valueUSD, err := e.exitValuation(st, owner, request, shares, now)
		if err != nil {
			return nil, err
		}
		cost := mulDiv(valueUSD, priceScale, tokenPrice)

		if cost.Sign() == 0 || remaining.Cmp(cost) >= 0 {
			// Full fill.
			if err := e.settleRewards(owner, shares); err != nil {
				return nil, err
			}
			if cost.Sign() > 0 {
				if err := e.transfer(e.moduleAddr, owner, token, cost); err != nil {
					return nil, err
				}
				if err := e.adjustAccounted(token, new(big.Int).Neg(cost)); err != nil {
					return nil, err
				}
				remaining = new(big.Int).Sub(remaining, cost)
				spent = new(big.Int).Add(spent, cost)
			}
			if err := e.burnShares(st, vault, owner, shares); err != nil {
				return nil, err
			}
			request.Processed = true
			request.Shares = big.NewInt(0)
			if err := e.state.ExitRequestPut(index, request); err != nil {
				return nil, err
			}
			if err := e.state.QueuePositionPut(owner, 0); err != nil {
				return nil, err
			}
			st.QueueHead++
			st.QueueLen--
			e.emit(ExitFilledEvent(owner, index, shares, cost, false))
			continue
		}

		// Partial fill: burn shares in proportion to the funds available and
		// leave the request at the head. The payout is the recomputed value of
		// the burned shares, not the raw remainder, so truncation dust from the
		// share rounding stays in the pool.
		fillShares := mulDiv(shares, remaining, cost)
		if fillShares.Sign() == 0 {
			break
		}
		payout := mulDiv(cost, fillShares, shares)
		if payout.Sign() == 0 {
			break
		}
		if err := e.settleRewards(owner, vault.ShareBalance); err != nil {
			return nil, err
		}
		if err := e.transfer(e.moduleAddr, owner, token, payout); err != nil {
			return nil, err
		}
		if err := e.adjustAccounted(token, new(big.Int).Neg(payout)); err != nil {
			return nil, err
		}
		if err := e.burnShares(st, vault, owner, fillShares); err != nil {
			return nil, err
		}
		request.Shares = copyBigInt(vault.ShareBalance)
		if err := e.state.ExitRequestPut(index, request); err != nil {
			return nil, err
		}
		spent = new(big.Int).Add(spent, payout)
		remaining = new(big.Int).Sub(remaining, payout)
		e.emit(ExitFilledEvent(owner, index, fillShares, payout, true))
	}
	return spent, nil
}
