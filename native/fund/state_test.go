package fund

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"daofund/core/types"
	"daofund/native/curve"
	"daofund/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(storage.NewMemDB())
}

func TestStoreFundStateRoundTrip(t *testing.T) {
	store := newTestStore(t)

	missing, err := store.FundStateGet()
	require.NoError(t, err)
	require.Nil(t, missing)

	st := &State{
		Stage:                    StageActive,
		TotalShares:              tokens(100),
		SharePrice:               big.NewInt(1_666_666_666_666_666_666),
		TotalCollateralRaised:    tokens(100),
		TotalSharesAtFundraising: tokens(100),
		TotalSupplyAtFundraising: tokens(100),
		TotalSold:                tokens(10),
		QueueHead:                3,
		QueueLen:                 2,
		Extended:                 true,
		Deadline:                 1_700_000_000,
	}
	require.NoError(t, store.FundStatePut(st))

	got, err := store.FundStateGet()
	require.NoError(t, err)
	require.Equal(t, st, got)
}

func TestStoreVaultAndEntryRoundTrip(t *testing.T) {
	store := newTestStore(t)
	owner := testAddr(7)

	_, ok, err := store.VaultGet(owner)
	require.NoError(t, err)
	require.False(t, ok)

	vault := &Vault{
		PrimaryOwner:      owner,
		BackupOwner:       testAddr(8),
		EmergencyOwner:    testAddr(9),
		ShareBalance:      tokens(42),
		VotingPausedUntil: 1_700_100_000,
	}
	require.NoError(t, store.VaultPut(vault))

	got, ok, err := store.VaultGet(owner)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, vault, got)

	entry := &ParticipantEntry{
		DepositedCollateral:    tokens(42),
		FixedSharePrice:        oneToken(),
		FixedLaunchPrice:       oneToken(),
		EntryTimestamp:         1_700_000_500,
		WeightedAvgSharePrice:  oneToken(),
		WeightedAvgLaunchPrice: milliTokens(500),
	}
	require.NoError(t, store.EntryPut(owner, entry))

	gotEntry, ok, err := store.EntryGet(owner)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, entry, gotEntry)

	owners, err := store.VaultOwners()
	require.NoError(t, err)
	require.Equal(t, [][20]byte{owner}, owners)
}

func TestStoreExitQueueRoundTrip(t *testing.T) {
	store := newTestStore(t)
	owner := testAddr(3)

	_, ok, err := store.ExitRequestGet(0)
	require.NoError(t, err)
	require.False(t, ok)

	request := &ExitRequest{
		Owner:                     owner,
		Shares:                    tokens(10),
		RequestedAt:               1_700_000_000,
		FixedLaunchPriceAtRequest: oneToken(),
		Processed:                 false,
	}
	require.NoError(t, store.ExitRequestPut(5, request))

	got, ok, err := store.ExitRequestGet(5)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, request, got)

	pos, err := store.QueuePositionGet(owner)
	require.NoError(t, err)
	require.Zero(t, pos)

	require.NoError(t, store.QueuePositionPut(owner, 6))
	pos, err = store.QueuePositionGet(owner)
	require.NoError(t, err)
	require.Equal(t, uint64(6), pos)

	require.NoError(t, store.QueuePositionPut(owner, 0))
	pos, err = store.QueuePositionGet(owner)
	require.NoError(t, err)
	require.Zero(t, pos)
}

func TestStoreCurveCacheRoundTrip(t *testing.T) {
	store := newTestStore(t)

	_, ok, err := store.CurveCacheGet()
	require.NoError(t, err)
	require.False(t, ok)

	cache := &curve.Cache{
		Level:             4,
		TotalSold:         tokens(123),
		CumulativeVolume:  tokens(120),
		PriceAtLevel:      big.NewInt(1_215_506_250_000_000_000),
		BaseVolumeAtLevel: tokens(960),
	}
	require.NoError(t, store.CurveCachePut(cache))

	got, ok, err := store.CurveCacheGet()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, cache, got)

	require.NoError(t, store.CurveCacheDelete())
	_, ok, err = store.CurveCacheGet()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreRewardBookkeeping(t *testing.T) {
	store := newTestStore(t)
	owner := testAddr(2)

	rps, err := store.RewardPerShareGet(collateralSymbol)
	require.NoError(t, err)
	require.Nil(t, rps)

	require.NoError(t, store.RewardPerSharePut(collateralSymbol, milliTokens(855)))
	rps, err = store.RewardPerShareGet(collateralSymbol)
	require.NoError(t, err)
	require.Zero(t, rps.Cmp(milliTokens(855)))

	require.NoError(t, store.RewardTokensPut([]string{collateralSymbol, primarySymbol}))
	tokensList, err := store.RewardTokensGet()
	require.NoError(t, err)
	require.Equal(t, []string{collateralSymbol, primarySymbol}, tokensList)

	require.NoError(t, store.RewardIndexPut(owner, collateralSymbol, milliTokens(855)))
	idx, err := store.RewardIndexGet(owner, collateralSymbol)
	require.NoError(t, err)
	require.Zero(t, idx.Cmp(milliTokens(855)))

	require.NoError(t, store.PendingRewardPut(owner, collateralSymbol, tokens(3)))
	pending, err := store.PendingRewardGet(owner, collateralSymbol)
	require.NoError(t, err)
	require.Zero(t, pending.Cmp(tokens(3)))

	require.NoError(t, store.AccountedBalancePut(collateralSymbol, tokens(99)))
	accounted, err := store.AccountedBalanceGet(collateralSymbol)
	require.NoError(t, err)
	require.Zero(t, accounted.Cmp(tokens(99)))
}

func TestStoreDelegationAndDenials(t *testing.T) {
	store := newTestStore(t)
	owner := testAddr(1)
	delegate := testAddr(2)

	_, ok, err := store.DelegateGet(owner)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.DelegatePut(owner, delegate))
	got, ok, err := store.DelegateGet(owner)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, delegate, got)

	require.NoError(t, store.DelegateDelete(owner))
	_, ok, err = store.DelegateGet(owner)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.VotingPowerPut(delegate, tokens(10)))
	power, err := store.VotingPowerGet(delegate)
	require.NoError(t, err)
	require.Zero(t, power.Cmp(tokens(10)))

	denied, err := store.BuybackDeniedGet(owner, collateralSymbol)
	require.NoError(t, err)
	require.False(t, denied)

	require.NoError(t, store.BuybackDeniedPut(owner, collateralSymbol, true))
	denied, err = store.BuybackDeniedGet(owner, collateralSymbol)
	require.NoError(t, err)
	require.True(t, denied)

	require.NoError(t, store.BuybackDeniedPut(owner, collateralSymbol, false))
	denied, err = store.BuybackDeniedGet(owner, collateralSymbol)
	require.NoError(t, err)
	require.False(t, denied)
}

func TestStoreAccountRoundTrip(t *testing.T) {
	store := newTestStore(t)
	addr := testAddr(4)

	missing, err := store.GetAccount(addr)
	require.NoError(t, err)
	require.Nil(t, missing)

	account := types.NewAccount()
	account.SetBalance(collateralSymbol, tokens(100))
	account.SetBalance(primarySymbol, tokens(7))
	require.NoError(t, store.PutAccount(addr, account))

	got, err := store.GetAccount(addr)
	require.NoError(t, err)
	require.Zero(t, got.Balance(collateralSymbol).Cmp(tokens(100)))
	require.Zero(t, got.Balance(primarySymbol).Cmp(tokens(7)))
}

// storeCredit adds token balance to an address directly in the store, the
// way external revenue lands outside any engine flow.
func storeCredit(t *testing.T, store *Store, addr [20]byte, token string, amount *big.Int) {
	t.Helper()
	account, err := store.GetAccount(addr)
	require.NoError(t, err)
	if account == nil {
		account = types.NewAccount()
	}
	account.SetBalance(token, new(big.Int).Add(account.Balance(token), amount))
	require.NoError(t, store.PutAccount(addr, account))
}

// A deposit that dies on the oracle read must leave the store untouched: no
// collateral moved, no vault created.
func TestDepositRollsBackOnOracleOutage(t *testing.T) {
	env := newTestEnv()
	store := newTestStore(t)
	env.engine.SetState(store)

	owner := testAddr(1)
	storeCredit(t, store, owner, collateralSymbol, tokens(100))
	env.oracle.SetPrice(primarySymbol, big.NewInt(0))

	_, err := env.engine.Deposit(owner, tokens(100))
	require.Error(t, err)

	account, err := store.GetAccount(owner)
	require.NoError(t, err)
	require.Zero(t, account.Balance(collateralSymbol).Cmp(tokens(100)))

	moduleAcc, err := store.GetAccount(env.module)
	require.NoError(t, err)
	if moduleAcc != nil {
		require.Zero(t, moduleAcc.Balance(collateralSymbol).Sign())
	}
	_, ok, err := store.VaultGet(owner)
	require.NoError(t, err)
	require.False(t, ok)

	accounted, err := store.AccountedBalanceGet(collateralSymbol)
	require.NoError(t, err)
	if accounted != nil {
		require.Zero(t, accounted.Sign())
	}
}

// A distribution that fails mid-call, after the fee transfers, must not
// persist any of its writes to the store.
func TestFailedDistributionLeavesStoreUntouched(t *testing.T) {
	env := newTestEnv()
	store := newTestStore(t)
	env.engine.SetState(store)

	owner := testAddr(1)
	storeCredit(t, store, owner, collateralSymbol, tokens(100))
	_, err := env.engine.Deposit(owner, tokens(100))
	require.NoError(t, err)
	require.NoError(t, env.activate())

	env.engine.SetDistributionConfig(DistributionConfig{
		RoyaltyBps:                 500,
		CreatorBps:                 1000,
		MinRewardPerShareIncrement: tokens(1_000_000),
	})
	storeCredit(t, store, env.module, collateralSymbol, tokens(1))

	_, err = env.engine.DistributeProfits(env.roles.Admin, collateralSymbol)
	require.ErrorIs(t, err, errDustDistribution)

	// Royalty and creator fees were transferred before the failure and must
	// have been rolled back with it.
	treasury, err := store.GetAccount(env.roles.RoyaltyTreasury)
	require.NoError(t, err)
	require.Nil(t, treasury)
	creator, err := store.GetAccount(env.roles.Creator)
	require.NoError(t, err)
	require.Nil(t, creator)

	moduleAcc, err := store.GetAccount(env.module)
	require.NoError(t, err)
	require.Zero(t, moduleAcc.Balance(collateralSymbol).Cmp(tokens(1)))

	accounted, err := store.AccountedBalanceGet(collateralSymbol)
	require.NoError(t, err)
	if accounted != nil {
		require.Zero(t, accounted.Sign())
	}
}

// The engine runs unchanged against the persistent store.
func TestEngineAgainstPersistentStore(t *testing.T) {
	env := newTestEnv()
	store := newTestStore(t)
	env.engine.SetState(store)

	owner := testAddr(1)
	account := types.NewAccount()
	account.SetBalance(collateralSymbol, tokens(10))
	require.NoError(t, store.PutAccount(owner, account))

	shares, err := env.engine.Deposit(owner, tokens(10))
	require.NoError(t, err)
	require.Zero(t, shares.Cmp(tokens(10)))

	st, err := store.FundStateGet()
	require.NoError(t, err)
	require.Zero(t, st.TotalShares.Cmp(tokens(10)))
}
