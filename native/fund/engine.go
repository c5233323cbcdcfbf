package fund

import (
	"errors"
	"math/big"
	"time"

	"daofund/core/events"
	"daofund/core/types"
	nativecommon "daofund/native/common"
	"daofund/native/curve"
	"daofund/native/issuance"
	"daofund/native/oracle"
	"daofund/native/router"
)

var (
	errNilState           = errors.New("fund engine: state not configured")
	errNoOracle           = errors.New("fund engine: oracle not configured")
	errNoIssuance         = errors.New("fund engine: issuance contract not configured")
	errInvalidStage       = errors.New("fund engine: operation not legal in current stage")
	errInvalidTransition  = errors.New("fund engine: illegal stage transition")
	errUnauthorized       = errors.New("fund engine: caller not authorized")
	errReentrantCall      = errors.New("fund engine: re-entrant call rejected")
	errInvalidAmount      = errors.New("fund engine: amount must be positive")
	errBelowMinDeposit    = errors.New("fund engine: deposit below minimum")
	errDustShares         = errors.New("fund engine: deposit yields zero shares")
	errDeadlinePassed     = errors.New("fund engine: fundraising deadline passed")
	errAlreadyExtended    = errors.New("fund engine: deadline already extended once")
	errTargetNotReached   = errors.New("fund engine: fundraising target not reached")
	errVaultNotFound      = errors.New("fund engine: vault not found")
	errNoShares           = errors.New("fund engine: vault holds no shares")
	errInsufficientFunds  = errors.New("fund engine: insufficient balance")
	errAlreadyQueued      = errors.New("fund engine: vault already has a pending exit")
	errNotQueued          = errors.New("fund engine: vault has no pending exit")
	errRequestProcessed   = errors.New("fund engine: exit request already processed")
	errSlippage           = errors.New("fund engine: proceeds below caller minimum")
	errNothingToClaim     = errors.New("fund engine: nothing to claim")
	errNotDelegated       = errors.New("fund engine: vault has no delegation")
	errExitPending        = errors.New("fund engine: exit request pending")
	errSelfDelegation     = errors.New("fund engine: cannot delegate to own vault")
	errZeroTotalShares    = errors.New("fund engine: total shares is zero")
	errExchangeSnapshot   = errors.New("fund engine: fundraising snapshot not recorded")
	errNothingUnaccounted = errors.New("fund engine: no unaccounted balance to distribute")
	errDustDistribution   = errors.New("fund engine: reward-per-share increment below dust threshold")
)

const moduleName = "fund"

// engineState is the persistence surface the engine mutates. Execution is
// strictly sequential; the engine stages every write of a call in a journal
// and flushes it only when the call succeeds, so implementations need no
// transaction support of their own.
type engineState interface {
	FundStateGet() (*State, error)
	FundStatePut(*State) error

	VaultGet(owner [20]byte) (*Vault, bool, error)
	VaultPut(*Vault) error
	VaultOwners() ([][20]byte, error)

	EntryGet(owner [20]byte) (*ParticipantEntry, bool, error)
	EntryPut(owner [20]byte, entry *ParticipantEntry) error

	ExitRequestGet(index uint64) (*ExitRequest, bool, error)
	ExitRequestPut(index uint64, request *ExitRequest) error
	// QueuePosition maps a vault to its 1-based queue index; zero means the
	// vault has no outstanding request.
	QueuePositionGet(owner [20]byte) (uint64, error)
	QueuePositionPut(owner [20]byte, pos uint64) error

	CurveCacheGet() (*curve.Cache, bool, error)
	CurveCachePut(*curve.Cache) error
	CurveCacheDelete() error

	RewardPerShareGet(token string) (*big.Int, error)
	RewardPerSharePut(token string, value *big.Int) error
	RewardTokensGet() ([]string, error)
	RewardTokensPut([]string) error
	RewardIndexGet(owner [20]byte, token string) (*big.Int, error)
	RewardIndexPut(owner [20]byte, token string, value *big.Int) error
	PendingRewardGet(owner [20]byte, token string) (*big.Int, error)
	PendingRewardPut(owner [20]byte, token string, value *big.Int) error

	AccountedBalanceGet(token string) (*big.Int, error)
	AccountedBalancePut(token string, value *big.Int) error

	DelegateGet(owner [20]byte) ([20]byte, bool, error)
	DelegatePut(owner [20]byte, delegate [20]byte) error
	DelegateDelete(owner [20]byte) error
	VotingPowerGet(delegate [20]byte) (*big.Int, error)
	VotingPowerPut(delegate [20]byte, power *big.Int) error

	BuybackDeniedGet(owner [20]byte, token string) (bool, error)
	BuybackDeniedPut(owner [20]byte, token string, denied bool) error

	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, account *types.Account) error
}

// Roles holds the addresses checked by the role-gated call surface.
type Roles struct {
	Admin           [20]byte
	Governance      [20]byte
	Creator         [20]byte
	RoyaltyTreasury [20]byte
}

// Engine orchestrates the fund's economic state transitions: the stage-gated
// share ledger, the bonding-curve sell path, the exit queue and the profit
// distribution accumulator. All operations are synchronous and all-or-nothing.
type Engine struct {
	state        engineState
	emitter      events.Emitter
	nowFn        func() int64
	pauses       nativecommon.PauseView
	entered      bool
	moduleAddr   [20]byte
	roles        Roles
	fundraising  FundraisingConfig
	distribution DistributionConfig
	curveParams  curve.Params
	priceOracle  oracle.PriceOracle
	issuer       issuance.Contract
	routers      *router.AllowList
	routerSwap   router.Adapter
	maxSwapDevBps uint64

	collateralToken string
	primaryToken    string
	votingPauseSecs int64
}

// NewEngine constructs a fund engine wired with the module treasury address,
// role addresses and token symbols. State, oracle and issuance are attached
// via setters before use.
func NewEngine(moduleAddr [20]byte, roles Roles, collateralToken, primaryToken string) *Engine {
	return &Engine{
		emitter:         events.NoopEmitter{},
		nowFn:           func() int64 { return time.Now().Unix() },
		moduleAddr:      moduleAddr,
		roles:           roles,
		collateralToken: collateralToken,
		primaryToken:    primaryToken,
		routers:         router.NewAllowList(),
		maxSwapDevBps:   router.DefaultMaxDeviationBps,
		votingPauseSecs: 7 * 24 * 60 * 60,
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source for deterministic testing.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetPauses wires the operator pause switches.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetOracle configures the price oracle consulted for settlement conversions.
func (e *Engine) SetOracle(o oracle.PriceOracle) { e.priceOracle = o }

// SetIssuance configures the external issuance contract used during the
// exchange and dissolution stages.
func (e *Engine) SetIssuance(c issuance.Contract) { e.issuer = c }

// SetFundraisingConfig records the fixed fundraising parameters.
func (e *Engine) SetFundraisingConfig(cfg FundraisingConfig) { e.fundraising = cfg }

// SetDistributionConfig records the profit split parameters.
func (e *Engine) SetDistributionConfig(cfg DistributionConfig) { e.distribution = cfg }

// SetCurveParams records the bonding-curve configuration.
func (e *Engine) SetCurveParams(p curve.Params) { e.curveParams = p }

// SetRouterAdapter wires the external swap executor and its deviation bound.
func (e *Engine) SetRouterAdapter(adapter router.Adapter, maxDeviationBps uint64) {
	e.routerSwap = adapter
	if maxDeviationBps > 0 {
		e.maxSwapDevBps = maxDeviationBps
	}
}

// SetVotingPauseSeconds overrides the post-cancel voting pause window.
func (e *Engine) SetVotingPauseSeconds(secs int64) {
	if secs >= 0 {
		e.votingPauseSecs = secs
	}
}

func (e *Engine) emit(evt *types.Event) {
	if e == nil || evt == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(WrapEvent(evt))
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// begin acquires the per-call re-entrancy latch and stages all writes in a
// journal over the committed state. The returned done must be deferred with
// the caller's named error: the journal reaches the underlying state only
// when the call finishes without error, so every failed operation rolls back
// completely, including token transfers issued earlier in the same call.
// External collaborator calls (oracle reads, issuance, routers) made while
// the latch is held cannot re-enter a mutating entry point and observe
// half-updated state.
func (e *Engine) begin() (func(*error), error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if e.entered {
		return nil, errReentrantCall
	}
	e.entered = true
	committed := e.state
	tx := newStateJournal(committed)
	e.state = tx
	return func(errp *error) {
		e.state = committed
		e.entered = false
		if errp == nil || *errp != nil {
			return
		}
		*errp = tx.commit()
	}, nil
}

func (e *Engine) requireStage(st *State, allowed ...Stage) error {
	for _, stage := range allowed {
		if st.Stage == stage {
			return nil
		}
	}
	return errInvalidStage
}

func (e *Engine) requireRole(caller, role [20]byte) error {
	if caller != role {
		return errUnauthorized
	}
	return nil
}

func (e *Engine) loadState() (*State, error) {
	st, err := e.state.FundStateGet()
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = &State{Stage: StageFundraising}
	}
	if st.TotalShares == nil {
		st.TotalShares = big.NewInt(0)
	}
	if st.SharePrice == nil || st.SharePrice.Sign() == 0 {
		st.SharePrice = copyBigInt(e.fundraising.SharePrice)
	}
	if st.TotalCollateralRaised == nil {
		st.TotalCollateralRaised = big.NewInt(0)
	}
	if st.TotalSharesAtFundraising == nil {
		st.TotalSharesAtFundraising = big.NewInt(0)
	}
	if st.TotalSupplyAtFundraising == nil {
		st.TotalSupplyAtFundraising = big.NewInt(0)
	}
	if st.TotalSold == nil {
		st.TotalSold = big.NewInt(0)
	}
	if st.Deadline == 0 {
		st.Deadline = e.fundraising.Deadline
	}
	return st, nil
}

func (e *Engine) loadAccount(addr [20]byte) (*types.Account, error) {
	acc, err := e.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		acc = types.NewAccount()
	}
	return acc, nil
}

// transfer moves tokens between accounts, failing when the source balance is
// insufficient.
func (e *Engine) transfer(from, to [20]byte, token string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	fromAcc, err := e.loadAccount(from)
	if err != nil {
		return err
	}
	if fromAcc.Balance(token).Cmp(amount) < 0 {
		return errInsufficientFunds
	}
	toAcc, err := e.loadAccount(to)
	if err != nil {
		return err
	}
	fromAcc.SetBalance(token, new(big.Int).Sub(fromAcc.Balance(token), amount))
	toAcc.SetBalance(token, new(big.Int).Add(toAcc.Balance(token), amount))
	if err := e.state.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to, toAcc)
}

func (e *Engine) adjustAccounted(token string, delta *big.Int) error {
	accounted, err := e.state.AccountedBalanceGet(token)
	if err != nil {
		return err
	}
	if accounted == nil {
		accounted = big.NewInt(0)
	}
	next := new(big.Int).Add(accounted, delta)
	if next.Sign() < 0 {
		next = big.NewInt(0)
	}
	return e.state.AccountedBalancePut(token, next)
}

// clearCurveCache drops the level cache. Called whenever total shares or the
// share price change, because adjusted level capacity derives from both.
func (e *Engine) clearCurveCache() error {
	return e.state.CurveCacheDelete()
}

// Deposit converts collateral into shares for the owner's vault. Legal during
// Fundraising and Active stages.
func (e *Engine) Deposit(owner [20]byte, amount *big.Int) (_ *big.Int, err error) {
	done, err := e.begin()
	if err != nil {
		return nil, err
	}
	defer done(&err)

	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	if err := e.requireStage(st, StageFundraising, StageActive); err != nil {
		return nil, err
	}
	if e.fundraising.MinDeposit != nil && amount.Cmp(e.fundraising.MinDeposit) < 0 {
		return nil, errBelowMinDeposit
	}
	now := e.now()
	if st.Stage == StageFundraising && st.Deadline > 0 && now > st.Deadline {
		return nil, errDeadlinePassed
	}

	// Share computation: canonical share price during fundraising; after the
	// exchange, new deposits scale by the fundraising snapshot so late joiners
	// pay the same collateral-per-share rate the raise settled at.
	var shares *big.Int
	if st.Stage == StageFundraising {
		if st.SharePrice == nil || st.SharePrice.Sign() == 0 {
			return nil, errExchangeSnapshot
		}
		shares = mulDiv(amount, priceScale, st.SharePrice)
	} else {
		if st.TotalSupplyAtFundraising.Sign() == 0 {
			return nil, errExchangeSnapshot
		}
		shares = mulDiv(amount, st.TotalSharesAtFundraising, st.TotalSupplyAtFundraising)
	}
	if shares.Sign() == 0 {
		return nil, errDustShares
	}

	// External read up front: an oracle outage must reject the deposit before
	// anything moves.
	launchPrice, err := e.primaryPrice()
	if err != nil {
		return nil, err
	}

	vault, ok, err := e.state.VaultGet(owner)
	if err != nil {
		return nil, err
	}
	if !ok || vault == nil {
		vault = &Vault{PrimaryOwner: owner, ShareBalance: big.NewInt(0)}
	}
	if vault.ShareBalance == nil {
		vault.ShareBalance = big.NewInt(0)
	}

	// Realize pending rewards before the share balance moves so the lazy
	// accumulator never credits new shares for old distributions.
	if err := e.settleRewards(owner, vault.ShareBalance); err != nil {
		return nil, err
	}

	if err := e.transfer(owner, e.moduleAddr, e.collateralToken, amount); err != nil {
		return nil, err
	}
	if err := e.adjustAccounted(e.collateralToken, amount); err != nil {
		return nil, err
	}

	entry, hasEntry, err := e.state.EntryGet(owner)
	if err != nil {
		return nil, err
	}
	if !hasEntry || entry == nil {
		entry = &ParticipantEntry{
			DepositedCollateral:    copyBigInt(amount),
			FixedSharePrice:        copyBigInt(st.SharePrice),
			FixedLaunchPrice:       copyBigInt(launchPrice),
			EntryTimestamp:         now,
			WeightedAvgSharePrice:  copyBigInt(st.SharePrice),
			WeightedAvgLaunchPrice: copyBigInt(launchPrice),
		}
	} else {
		oldShares := copyBigInt(vault.ShareBalance)
		entry.DepositedCollateral = new(big.Int).Add(copyBigInt(entry.DepositedCollateral), amount)
		entry.WeightedAvgSharePrice = weightedAverage(entry.WeightedAvgSharePrice, oldShares, st.SharePrice, shares)
		// The launch-price input is halved before averaging. Carried over
		// verbatim from the original entry-pricing policy.
		halvedLaunch := new(big.Int).Quo(copyBigInt(launchPrice), big.NewInt(2))
		entry.WeightedAvgLaunchPrice = weightedAverage(entry.WeightedAvgLaunchPrice, oldShares, halvedLaunch, shares)
	}
	if err := e.state.EntryPut(owner, entry); err != nil {
		return nil, err
	}

	vault.ShareBalance = new(big.Int).Add(vault.ShareBalance, shares)
	if err := e.state.VaultPut(vault); err != nil {
		return nil, err
	}

	st.TotalShares = new(big.Int).Add(st.TotalShares, shares)
	if st.Stage == StageFundraising {
		st.TotalCollateralRaised = new(big.Int).Add(st.TotalCollateralRaised, amount)
	}
	if err := e.state.FundStatePut(st); err != nil {
		return nil, err
	}

	// Total shares moved, so derived level capacity is stale.
	if err := e.clearCurveCache(); err != nil {
		return nil, err
	}

	if err := e.addVotingPower(owner, shares); err != nil {
		return nil, err
	}

	e.emit(DepositedEvent(owner, amount, shares, st.TotalShares))
	return shares, nil
}

// SetRecoveryAddresses assigns the backup and emergency owners on the
// caller's vault.
func (e *Engine) SetRecoveryAddresses(owner, backup, emergency [20]byte) (err error) {
	done, err := e.begin()
	if err != nil {
		return err
	}
	defer done(&err)
	vault, ok, err := e.state.VaultGet(owner)
	if err != nil {
		return err
	}
	if !ok || vault == nil {
		return errVaultNotFound
	}
	vault.BackupOwner = backup
	vault.EmergencyOwner = emergency
	return e.state.VaultPut(vault)
}

// primaryPrice resolves the live USD price of the primary asset.
func (e *Engine) primaryPrice() (*big.Int, error) {
	if e.priceOracle == nil {
		return nil, errNoOracle
	}
	quote, err := e.priceOracle.GetPrice(e.primaryToken)
	if err != nil {
		return nil, err
	}
	return quote.PriceUSD, nil
}

func (e *Engine) tokenPrice(token string) (*big.Int, error) {
	if e.priceOracle == nil {
		return nil, errNoOracle
	}
	quote, err := e.priceOracle.GetPrice(token)
	if err != nil {
		return nil, err
	}
	return quote.PriceUSD, nil
}

// SellPrimaryAsset settles a sale of the primary asset against the stepped
// bonding curve and pays collateral proceeds to the seller. Rejected when the
// computed proceeds fall below minProceeds.
func (e *Engine) SellPrimaryAsset(seller [20]byte, amount, minProceeds *big.Int) (_ *big.Int, err error) {
	done, err := e.begin()
	if err != nil {
		return nil, err
	}
	defer done(&err)

	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	if err := e.requireStage(st, StageActive); err != nil {
		return nil, err
	}

	cache, _, err := e.state.CurveCacheGet()
	if err != nil {
		return nil, err
	}
	quote, err := curve.Sell(e.curveParams, amount, st.TotalSold, st.TotalShares, st.SharePrice, cache)
	if err != nil {
		return nil, err
	}

	collateralPrice, err := e.tokenPrice(e.collateralToken)
	if err != nil {
		return nil, err
	}
	proceeds := mulDiv(quote.ValueUSD, priceScale, collateralPrice)
	if minProceeds != nil && proceeds.Cmp(minProceeds) < 0 {
		return nil, errSlippage
	}

	if err := e.transfer(seller, e.moduleAddr, e.primaryToken, amount); err != nil {
		return nil, err
	}
	if err := e.transfer(e.moduleAddr, seller, e.collateralToken, proceeds); err != nil {
		return nil, err
	}
	if err := e.adjustAccounted(e.primaryToken, amount); err != nil {
		return nil, err
	}
	if err := e.adjustAccounted(e.collateralToken, new(big.Int).Neg(proceeds)); err != nil {
		return nil, err
	}

	st.TotalSold = copyBigInt(quote.NewCache.TotalSold)
	if err := e.state.FundStatePut(st); err != nil {
		return nil, err
	}
	if err := e.state.CurveCachePut(quote.NewCache); err != nil {
		return nil, err
	}

	e.emit(PrimarySoldEvent(seller, amount, quote.ValueUSD, proceeds, quote.NewCache.Level))
	return proceeds, nil
}

// ExecuteRouterSwap runs an admin-approved swap through an allow-listed
// router, validating the executed amount against the oracle-derived
// expectation within the configured deviation bound.
func (e *Engine) ExecuteRouterSwap(caller, routerAddr [20]byte, payload []byte, tokenIn, tokenOut string, amountIn *big.Int) (_ *big.Int, err error) {
	done, err := e.begin()
	if err != nil {
		return nil, err
	}
	defer done(&err)
	if err := e.requireRole(caller, e.roles.Admin); err != nil {
		return nil, err
	}
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	priceIn, err := e.tokenPrice(tokenIn)
	if err != nil {
		return nil, err
	}
	priceOut, err := e.tokenPrice(tokenOut)
	if err != nil {
		return nil, err
	}
	expected := mulDiv(mulDiv(amountIn, priceIn, priceScale), priceScale, priceOut)
	received, err := router.Execute(e.routerSwap, e.routers, routerAddr, payload, expected, e.maxSwapDevBps)
	if err != nil {
		return nil, err
	}
	return received, nil
}

// AllowRouter adds a router address to the admin allow-list.
func (e *Engine) AllowRouter(caller, routerAddr [20]byte) error {
	if err := e.requireRole(caller, e.roles.Admin); err != nil {
		return err
	}
	e.routers.Add(routerAddr)
	return nil
}

// RevokeRouter removes a router address from the allow-list.
func (e *Engine) RevokeRouter(caller, routerAddr [20]byte) error {
	if err := e.requireRole(caller, e.roles.Admin); err != nil {
		return err
	}
	e.routers.Remove(routerAddr)
	return nil
}

// --- lifecycle transitions ---

func (e *Engine) transition(st *State, next Stage) error {
	if !st.Stage.CanTransition(next) {
		return errInvalidTransition
	}
	prev := st.Stage
	st.Stage = next
	if err := e.state.FundStatePut(st); err != nil {
		return err
	}
	e.emit(StageChangedEvent(prev, next))
	return nil
}

// CancelFundraising aborts the raise. Participants recover their collateral
// through ClaimRefund.
func (e *Engine) CancelFundraising(caller [20]byte) (err error) {
	done, err := e.begin()
	if err != nil {
		return err
	}
	defer done(&err)
	if err := e.requireRole(caller, e.roles.Admin); err != nil {
		return err
	}
	st, err := e.loadState()
	if err != nil {
		return err
	}
	if err := e.requireStage(st, StageFundraising); err != nil {
		return err
	}
	return e.transition(st, StageFundraisingCancelled)
}

// ExtendDeadline pushes the fundraising deadline once by the configured
// extension window.
func (e *Engine) ExtendDeadline(caller [20]byte) (err error) {
	done, err := e.begin()
	if err != nil {
		return err
	}
	defer done(&err)
	if err := e.requireRole(caller, e.roles.Admin); err != nil {
		return err
	}
	st, err := e.loadState()
	if err != nil {
		return err
	}
	if err := e.requireStage(st, StageFundraising); err != nil {
		return err
	}
	if st.Extended {
		return errAlreadyExtended
	}
	st.Extended = true
	st.Deadline += e.fundraising.ExtensionSeconds
	return e.state.FundStatePut(st)
}

// BeginExchange snapshots the raise and spends the pooled collateral through
// the issuance contract, converting it into the primary asset.
func (e *Engine) BeginExchange(caller [20]byte) (_ *big.Int, err error) {
	done, err := e.begin()
	if err != nil {
		return nil, err
	}
	defer done(&err)
	if err := e.requireRole(caller, e.roles.Admin); err != nil {
		return nil, err
	}
	if e.issuer == nil {
		return nil, errNoIssuance
	}
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	if err := e.requireStage(st, StageFundraising); err != nil {
		return nil, err
	}
	if target := e.fundraising.TargetAmount; target != nil && target.Sign() > 0 &&
		st.TotalCollateralRaised.Cmp(target) < 0 {
		return nil, errTargetNotReached
	}

	moduleAcc, err := e.loadAccount(e.moduleAddr)
	if err != nil {
		return nil, err
	}
	collateral := moduleAcc.Balance(e.collateralToken)
	if collateral.Sign() == 0 {
		return nil, errInsufficientFunds
	}

	st.TotalSharesAtFundraising = copyBigInt(st.TotalShares)
	st.TotalSupplyAtFundraising = copyBigInt(st.TotalCollateralRaised)

	received, err := e.issuer.BuyPrimaryAsset(collateral)
	if err != nil {
		return nil, err
	}
	spent := copyBigInt(collateral)
	moduleAcc.SetBalance(e.collateralToken, big.NewInt(0))
	moduleAcc.SetBalance(e.primaryToken, new(big.Int).Add(moduleAcc.Balance(e.primaryToken), received))
	if err := e.state.PutAccount(e.moduleAddr, moduleAcc); err != nil {
		return nil, err
	}
	if err := e.adjustAccounted(e.collateralToken, new(big.Int).Neg(spent)); err != nil {
		return nil, err
	}
	if err := e.adjustAccounted(e.primaryToken, received); err != nil {
		return nil, err
	}

	if err := e.transition(st, StageFundraisingExchange); err != nil {
		return nil, err
	}
	e.emit(ExchangeSettledEvent(spent, received))
	return received, nil
}

// FinishExchange moves the fund into LP provisioning once issuance completed.
func (e *Engine) FinishExchange(caller [20]byte) (err error) {
	done, err := e.begin()
	if err != nil {
		return err
	}
	defer done(&err)
	if err := e.requireRole(caller, e.roles.Admin); err != nil {
		return err
	}
	st, err := e.loadState()
	if err != nil {
		return err
	}
	if err := e.requireStage(st, StageFundraisingExchange); err != nil {
		return err
	}
	return e.transition(st, StageWaitingForLP)
}

// ActivateTrading opens the internal market. Creator-gated because LP
// provisioning is the creator's responsibility.
func (e *Engine) ActivateTrading(caller [20]byte) (err error) {
	done, err := e.begin()
	if err != nil {
		return err
	}
	defer done(&err)
	if err := e.requireRole(caller, e.roles.Creator); err != nil {
		return err
	}
	st, err := e.loadState()
	if err != nil {
		return err
	}
	if err := e.requireStage(st, StageWaitingForLP); err != nil {
		return err
	}
	return e.transition(st, StageActive)
}

// Dissolve winds the fund down. Any withdrawable issuance balance is pulled
// back into the treasury before claims open.
func (e *Engine) Dissolve(caller [20]byte) (err error) {
	done, err := e.begin()
	if err != nil {
		return err
	}
	defer done(&err)
	if err := e.requireRole(caller, e.roles.Governance); err != nil {
		return err
	}
	st, err := e.loadState()
	if err != nil {
		return err
	}
	if err := e.requireStage(st, StageActive); err != nil {
		return err
	}
	if e.issuer != nil {
		recovered, err := e.issuer.WithdrawAll()
		if err != nil {
			return err
		}
		if recovered != nil && recovered.Sign() > 0 {
			moduleAcc, err := e.loadAccount(e.moduleAddr)
			if err != nil {
				return err
			}
			moduleAcc.SetBalance(e.collateralToken, new(big.Int).Add(moduleAcc.Balance(e.collateralToken), recovered))
			if err := e.state.PutAccount(e.moduleAddr, moduleAcc); err != nil {
				return err
			}
			if err := e.adjustAccounted(e.collateralToken, recovered); err != nil {
				return err
			}
		}
	}
	return e.transition(st, StageDissolved)
}

// ClaimRefund returns a participant's proportional collateral after a
// cancelled raise and zeroes their vault.
func (e *Engine) ClaimRefund(owner [20]byte) (_ *big.Int, err error) {
	done, err := e.begin()
	if err != nil {
		return nil, err
	}
	defer done(&err)
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	if err := e.requireStage(st, StageFundraisingCancelled); err != nil {
		return nil, err
	}
	paid, err := e.closeVaultProRata(st, owner, []string{e.collateralToken})
	if err != nil {
		return nil, err
	}
	amount := paid[e.collateralToken]
	e.emit(RefundClaimedEvent(owner, amount))
	return amount, nil
}

// DissolutionClaim releases a participant's proportional slice of every
// custodied token after dissolution and zeroes their vault.
func (e *Engine) DissolutionClaim(owner [20]byte) (_ map[string]*big.Int, err error) {
	done, err := e.begin()
	if err != nil {
		return nil, err
	}
	defer done(&err)
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	if err := e.requireStage(st, StageDissolved); err != nil {
		return nil, err
	}
	moduleAcc, err := e.loadAccount(e.moduleAddr)
	if err != nil {
		return nil, err
	}
	tokens := make([]string, 0, len(moduleAcc.Balances))
	for token, bal := range moduleAcc.Balances {
		if bal != nil && bal.Sign() > 0 {
			tokens = append(tokens, token)
		}
	}
	paid, err := e.closeVaultProRata(st, owner, tokens)
	if err != nil {
		return nil, err
	}
	e.emit(DissolutionClaimedEvent(owner, paid))
	return paid, nil
}

// closeVaultProRata pays balance*shares/totalShares for each token, burns the
// vault's shares and revokes its delegation. Truncation leaves residual dust
// in custody.
func (e *Engine) closeVaultProRata(st *State, owner [20]byte, tokens []string) (map[string]*big.Int, error) {
	vault, ok, err := e.state.VaultGet(owner)
	if err != nil {
		return nil, err
	}
	if !ok || vault == nil {
		return nil, errVaultNotFound
	}
	shares := copyBigInt(vault.ShareBalance)
	if shares.Sign() == 0 {
		return nil, errNoShares
	}
	if st.TotalShares.Sign() == 0 {
		return nil, errZeroTotalShares
	}
	if err := e.settleRewards(owner, shares); err != nil {
		return nil, err
	}

	moduleAcc, err := e.loadAccount(e.moduleAddr)
	if err != nil {
		return nil, err
	}
	paid := make(map[string]*big.Int, len(tokens))
	for _, token := range tokens {
		slice := mulDiv(moduleAcc.Balance(token), shares, st.TotalShares)
		// Fold in any realized-but-unclaimed rewards for the token.
		pending, err := e.state.PendingRewardGet(owner, token)
		if err != nil {
			return nil, err
		}
		if pending != nil && pending.Sign() > 0 {
			slice = new(big.Int).Add(slice, pending)
			if err := e.state.PendingRewardPut(owner, token, big.NewInt(0)); err != nil {
				return nil, err
			}
		}
		if slice.Sign() == 0 {
			paid[token] = big.NewInt(0)
			continue
		}
		if err := e.transfer(e.moduleAddr, owner, token, slice); err != nil {
			return nil, err
		}
		if err := e.adjustAccounted(token, new(big.Int).Neg(slice)); err != nil {
			return nil, err
		}
		paid[token] = slice
	}

	if err := e.reduceVotingPower(owner, shares); err != nil {
		return nil, err
	}

	vault.ShareBalance = big.NewInt(0)
	if err := e.state.VaultPut(vault); err != nil {
		return nil, err
	}
	st.TotalShares = new(big.Int).Sub(st.TotalShares, shares)
	if err := e.state.FundStatePut(st); err != nil {
		return nil, err
	}
	if err := e.clearCurveCache(); err != nil {
		return nil, err
	}
	return paid, nil
}

// --- delegation bookkeeping ---

// Delegate routes the vault's voting weight to another address.
func (e *Engine) Delegate(owner, delegate [20]byte) (err error) {
	done, err := e.begin()
	if err != nil {
		return err
	}
	defer done(&err)
	if owner == delegate {
		return errSelfDelegation
	}
	if pos, err := e.state.QueuePositionGet(owner); err != nil {
		return err
	} else if pos != 0 {
		return errExitPending
	}
	vault, ok, err := e.state.VaultGet(owner)
	if err != nil {
		return err
	}
	if !ok || vault == nil {
		return errVaultNotFound
	}
	if prev, had, err := e.state.DelegateGet(owner); err != nil {
		return err
	} else if had {
		if err := e.reducePowerOf(prev, vault.ShareBalance); err != nil {
			return err
		}
	}
	if err := e.state.DelegatePut(owner, delegate); err != nil {
		return err
	}
	return e.addPowerTo(delegate, vault.ShareBalance)
}

// Undelegate removes the vault's delegation.
func (e *Engine) Undelegate(owner [20]byte) (err error) {
	done, err := e.begin()
	if err != nil {
		return err
	}
	defer done(&err)
	if pos, err := e.state.QueuePositionGet(owner); err != nil {
		return err
	} else if pos != 0 {
		return errExitPending
	}
	vault, ok, err := e.state.VaultGet(owner)
	if err != nil {
		return err
	}
	if !ok || vault == nil {
		return errVaultNotFound
	}
	delegate, had, err := e.state.DelegateGet(owner)
	if err != nil {
		return err
	}
	if !had {
		return errNotDelegated
	}
	if err := e.reducePowerOf(delegate, vault.ShareBalance); err != nil {
		return err
	}
	return e.state.DelegateDelete(owner)
}

// addVotingPower credits the owner's delegate unless the owner has a pending
// exit request, in which case the delegation is suspended and carries no
// weight.
func (e *Engine) addVotingPower(owner [20]byte, shares *big.Int) error {
	if pos, err := e.state.QueuePositionGet(owner); err != nil {
		return err
	} else if pos != 0 {
		return nil
	}
	return e.rawPowerAdjust(owner, shares, true)
}

func (e *Engine) reduceVotingPower(owner [20]byte, shares *big.Int) error {
	if pos, err := e.state.QueuePositionGet(owner); err != nil {
		return err
	} else if pos != 0 {
		return nil
	}
	return e.rawPowerAdjust(owner, shares, false)
}

// rawPowerAdjust bypasses the pending-exit suspension check. The exit queue
// uses it directly when suspending and restoring delegated weight.
func (e *Engine) rawPowerAdjust(owner [20]byte, shares *big.Int, add bool) error {
	delegate, ok, err := e.state.DelegateGet(owner)
	if err != nil || !ok {
		return err
	}
	if add {
		return e.addPowerTo(delegate, shares)
	}
	return e.reducePowerOf(delegate, shares)
}

func (e *Engine) addPowerTo(delegate [20]byte, shares *big.Int) error {
	if shares == nil || shares.Sign() == 0 {
		return nil
	}
	power, err := e.state.VotingPowerGet(delegate)
	if err != nil {
		return err
	}
	if power == nil {
		power = big.NewInt(0)
	}
	return e.state.VotingPowerPut(delegate, new(big.Int).Add(power, shares))
}

// reducePowerOf clamps at zero rather than underflowing: a delegate's
// received weight must never exceed the shares delegated to it.
func (e *Engine) reducePowerOf(delegate [20]byte, shares *big.Int) error {
	if shares == nil || shares.Sign() == 0 {
		return nil
	}
	power, err := e.state.VotingPowerGet(delegate)
	if err != nil {
		return err
	}
	if power == nil {
		power = big.NewInt(0)
	}
	next := new(big.Int).Sub(power, shares)
	if next.Sign() < 0 {
		next = big.NewInt(0)
	}
	return e.state.VotingPowerPut(delegate, next)
}

// Snapshot returns a deep copy of the fund's global counters.
func (e *Engine) Snapshot() (*State, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	return st.Clone(), nil
}

// VaultOf returns a copy of the owner's vault record.
func (e *Engine) VaultOf(owner [20]byte) (*Vault, bool, error) {
	if e == nil || e.state == nil {
		return nil, false, errNilState
	}
	vault, ok, err := e.state.VaultGet(owner)
	if err != nil || !ok {
		return nil, false, err
	}
	return vault.Clone(), true, nil
}

// EntryOf returns a copy of the owner's participant entry.
func (e *Engine) EntryOf(owner [20]byte) (*ParticipantEntry, bool, error) {
	if e == nil || e.state == nil {
		return nil, false, errNilState
	}
	entry, ok, err := e.state.EntryGet(owner)
	if err != nil || !ok {
		return nil, false, err
	}
	return entry.Clone(), true, nil
}

// VaultOwners lists every address that has opened a vault, including vaults
// whose share balance has since dropped to zero.
func (e *Engine) VaultOwners() ([][20]byte, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.VaultOwners()
}

// VotingPower reports the shares currently delegated to an address.
func (e *Engine) VotingPower(delegate [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	power, err := e.state.VotingPowerGet(delegate)
	if err != nil {
		return nil, err
	}
	if power == nil {
		power = big.NewInt(0)
	}
	return power, nil
}

// SetBuybackAuthorization lets a vault owner deny or re-allow a settlement
// token for their own exit buybacks.
func (e *Engine) SetBuybackAuthorization(owner [20]byte, token string, allowed bool) (err error) {
	done, err := e.begin()
	if err != nil {
		return err
	}
	defer done(&err)
	if _, ok, err := e.state.VaultGet(owner); err != nil {
		return err
	} else if !ok {
		return errVaultNotFound
	}
	return e.state.BuybackDeniedPut(owner, token, !allowed)
}
