package fund

import (
	"errors"
	"math/big"
	"testing"
)

// activeFund stands up a fund in the active stage with the given deposits.
func activeFund(t *testing.T, env *testEnv, deposits map[[20]byte]*big.Int) {
	t.Helper()
	// Deterministic order keeps queue indexes stable across runs.
	for i := byte(1); i <= 8; i++ {
		owner := testAddr(i)
		if amount, ok := deposits[owner]; ok {
			if _, err := env.deposit(owner, amount); err != nil {
				t.Fatalf("deposit %d: %v", i, err)
			}
		}
	}
	if err := env.activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}
}

func TestRequestExitValidation(t *testing.T) {
	env := newTestEnv()
	owner := testAddr(1)
	activeFund(t, env, map[[20]byte]*big.Int{owner: tokens(100)})

	if _, err := env.engine.RequestExit(testAddr(9)); !errors.Is(err, errVaultNotFound) {
		t.Fatalf("expected vault error, got %v", err)
	}
	index, err := env.engine.RequestExit(owner)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if index != 0 {
		t.Fatalf("first index = %d", index)
	}
	if _, err := env.engine.RequestExit(owner); !errors.Is(err, errAlreadyQueued) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
}

func TestProcessQueuePartialFill(t *testing.T) {
	env := newTestEnv()
	owner := testAddr(1)
	activeFund(t, env, map[[20]byte]*big.Int{owner: tokens(100)})
	if _, err := env.engine.RequestExit(owner); err != nil {
		t.Fatalf("request: %v", err)
	}
	env.now += 366 * 24 * 60 * 60
	env.state.credit(env.module, collateralSymbol, tokens(40))

	spent, err := env.engine.ProcessQueue(env.roles.Admin, collateralSymbol, tokens(40))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if spent.Cmp(tokens(40)) != 0 {
		t.Fatalf("spent = %s", spent)
	}
	if got := env.state.balance(owner, collateralSymbol); got.Cmp(tokens(40)) != 0 {
		t.Fatalf("owner payout = %s", got)
	}

	vault, _, _ := env.engine.VaultOf(owner)
	if vault.ShareBalance.Cmp(tokens(60)) != 0 {
		t.Fatalf("remaining shares = %s", vault.ShareBalance)
	}

	st, _ := env.engine.Snapshot()
	if st.TotalShares.Cmp(tokens(60)) != 0 {
		t.Fatalf("total shares = %s", st.TotalShares)
	}
	// Burning 40 of 100 shares against unchanged backing reprices the rest:
	// 1e18 * 100 / 60.
	wantPrice, _ := new(big.Int).SetString("1666666666666666666", 10)
	if st.SharePrice.Cmp(wantPrice) != 0 {
		t.Fatalf("share price = %s, want %s", st.SharePrice, wantPrice)
	}
	// Partially filled request stays at the head.
	if st.QueueHead != 0 || st.QueueLen != 1 {
		t.Fatalf("queue head=%d len=%d", st.QueueHead, st.QueueLen)
	}
	request, ok, _ := env.state.ExitRequestGet(0)
	if !ok || request.Processed {
		t.Fatal("request should remain open")
	}
	if request.Shares.Cmp(tokens(60)) != 0 {
		t.Fatalf("remaining snapshot = %s", request.Shares)
	}
}

func TestProcessQueueFIFOAcrossRequests(t *testing.T) {
	env := newTestEnv()
	a, b := testAddr(1), testAddr(2)
	activeFund(t, env, map[[20]byte]*big.Int{a: tokens(60), b: tokens(40)})
	if _, err := env.engine.RequestExit(a); err != nil {
		t.Fatalf("request a: %v", err)
	}
	if _, err := env.engine.RequestExit(b); err != nil {
		t.Fatalf("request b: %v", err)
	}
	env.now += 366 * 24 * 60 * 60
	env.state.credit(env.module, collateralSymbol, tokens(70))

	spent, err := env.engine.ProcessQueue(env.roles.Admin, collateralSymbol, tokens(70))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if spent.Cmp(tokens(70)) != 0 {
		t.Fatalf("spent = %s", spent)
	}
	// a exits fully for 60; the remaining 10 partially fills b.
	if got := env.state.balance(a, collateralSymbol); got.Cmp(tokens(60)) != 0 {
		t.Fatalf("a payout = %s", got)
	}
	if got := env.state.balance(b, collateralSymbol); got.Cmp(tokens(10)) != 0 {
		t.Fatalf("b payout = %s", got)
	}
	vaultA, _, _ := env.engine.VaultOf(a)
	if vaultA.ShareBalance.Sign() != 0 {
		t.Fatalf("a shares = %s", vaultA.ShareBalance)
	}
	vaultB, _, _ := env.engine.VaultOf(b)
	if vaultB.ShareBalance.Cmp(tokens(30)) != 0 {
		t.Fatalf("b shares = %s", vaultB.ShareBalance)
	}
	st, _ := env.engine.Snapshot()
	if st.QueueHead != 1 || st.QueueLen != 1 {
		t.Fatalf("queue head=%d len=%d", st.QueueHead, st.QueueLen)
	}
	// a can re-enter the queue only after the old request settled.
	if _, err := env.engine.RequestExit(a); !errors.Is(err, errNoShares) {
		t.Fatalf("expected no shares for a, got %v", err)
	}
}

func TestEarlyExitTakesDiscount(t *testing.T) {
	env := newTestEnv()
	owner := testAddr(1)
	activeFund(t, env, map[[20]byte]*big.Int{owner: tokens(100)})
	if _, err := env.engine.RequestExit(owner); err != nil {
		t.Fatalf("request: %v", err)
	}
	// Still inside the first-year window: pays 80% of face value.
	env.state.credit(env.module, collateralSymbol, tokens(200))
	spent, err := env.engine.ProcessQueue(env.roles.Admin, collateralSymbol, tokens(200))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if spent.Cmp(tokens(80)) != 0 {
		t.Fatalf("spent = %s, want 80", spent)
	}
	vault, _, _ := env.engine.VaultOf(owner)
	if vault.ShareBalance.Sign() != 0 {
		t.Fatalf("shares = %s", vault.ShareBalance)
	}
}

func TestExitScalesDownWithLaunchPrice(t *testing.T) {
	env := newTestEnv()
	owner := testAddr(1)
	activeFund(t, env, map[[20]byte]*big.Int{owner: tokens(100)})
	if _, err := env.engine.RequestExit(owner); err != nil {
		t.Fatalf("request: %v", err)
	}
	env.now += 366 * 24 * 60 * 60

	// Primary asset halves against the level fixed at request time. The same
	// scaling never applies upward.
	half := new(big.Int).Quo(oneToken(), big.NewInt(2))
	env.oracle.SetPrice(primarySymbol, half)

	env.state.credit(env.module, collateralSymbol, tokens(200))
	spent, err := env.engine.ProcessQueue(env.roles.Admin, collateralSymbol, tokens(200))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if spent.Cmp(tokens(50)) != 0 {
		t.Fatalf("spent = %s, want 50", spent)
	}
}

func TestBuybackDenialBlocksHead(t *testing.T) {
	env := newTestEnv()
	a, b := testAddr(1), testAddr(2)
	activeFund(t, env, map[[20]byte]*big.Int{a: tokens(60), b: tokens(40)})
	if _, err := env.engine.RequestExit(a); err != nil {
		t.Fatalf("request a: %v", err)
	}
	if _, err := env.engine.RequestExit(b); err != nil {
		t.Fatalf("request b: %v", err)
	}
	if err := env.engine.SetBuybackAuthorization(a, collateralSymbol, false); err != nil {
		t.Fatalf("deny: %v", err)
	}
	env.now += 366 * 24 * 60 * 60
	env.state.credit(env.module, collateralSymbol, tokens(100))

	spent, err := env.engine.ProcessQueue(env.roles.Admin, collateralSymbol, tokens(100))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	// Head blocked: nothing settles, including the request behind it.
	if spent.Sign() != 0 {
		t.Fatalf("spent = %s, want 0", spent)
	}
	if got := env.state.balance(b, collateralSymbol); got.Sign() != 0 {
		t.Fatalf("b paid past a blocked head: %s", got)
	}

	if err := env.engine.SetBuybackAuthorization(a, collateralSymbol, true); err != nil {
		t.Fatalf("re-allow: %v", err)
	}
	spent, err = env.engine.ProcessQueue(env.roles.Admin, collateralSymbol, tokens(100))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if spent.Cmp(tokens(100)) != 0 {
		t.Fatalf("spent = %s", spent)
	}
}

func TestCancelExitPausesVoting(t *testing.T) {
	env := newTestEnv()
	owner := testAddr(1)
	activeFund(t, env, map[[20]byte]*big.Int{owner: tokens(100)})

	if err := env.engine.CancelExit(owner); !errors.Is(err, errNotQueued) {
		t.Fatalf("expected not queued, got %v", err)
	}
	if _, err := env.engine.RequestExit(owner); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := env.engine.CancelExit(owner); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	vault, _, _ := env.engine.VaultOf(owner)
	if vault.VotingPausedUntil != env.now+7*24*60*60 {
		t.Fatalf("voting paused until = %d", vault.VotingPausedUntil)
	}
	// The retired request no longer holds a queue slot.
	if _, err := env.engine.RequestExit(owner); err != nil {
		t.Fatalf("re-request after cancel: %v", err)
	}
	// Processing skips the tombstone and settles the fresh request.
	env.now += 366 * 24 * 60 * 60
	env.state.credit(env.module, collateralSymbol, tokens(200))
	spent, err := env.engine.ProcessQueue(env.roles.Admin, collateralSymbol, tokens(200))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if spent.Cmp(tokens(100)) != 0 {
		t.Fatalf("spent = %s", spent)
	}
}

func TestExitValuesSharesAtEntryFixedPrice(t *testing.T) {
	env := newTestEnv()
	a, b := testAddr(1), testAddr(2)
	activeFund(t, env, map[[20]byte]*big.Int{a: tokens(100), b: tokens(100)})

	// b's full exit burns half the supply and reprices the rest to 2e18.
	if _, err := env.engine.RequestExit(b); err != nil {
		t.Fatalf("request b: %v", err)
	}
	env.now += 366 * 24 * 60 * 60
	env.state.credit(env.module, collateralSymbol, tokens(100))
	if _, err := env.engine.ProcessQueue(env.roles.Admin, collateralSymbol, tokens(100)); err != nil {
		t.Fatalf("process b: %v", err)
	}
	st, _ := env.engine.Snapshot()
	if st.SharePrice.Cmp(tokens(2)) != 0 {
		t.Fatalf("share price after burn = %s", st.SharePrice)
	}

	// a buys in again at the repriced level: the weighted average moves to
	// 1.5e18 but the price fixed at first deposit stays 1e18.
	if _, err := env.deposit(a, tokens(100)); err != nil {
		t.Fatalf("second deposit: %v", err)
	}
	entry, _, _ := env.engine.EntryOf(a)
	if entry.WeightedAvgSharePrice.Cmp(milliTokens(1500)) != 0 {
		t.Fatalf("weighted avg = %s", entry.WeightedAvgSharePrice)
	}
	if entry.FixedSharePrice.Cmp(oneToken()) != 0 {
		t.Fatalf("fixed price = %s", entry.FixedSharePrice)
	}

	// The exit settles all 200 shares at the fixed price: 200, not the 300
	// the weighted average would pay.
	if _, err := env.engine.RequestExit(a); err != nil {
		t.Fatalf("request a: %v", err)
	}
	env.state.credit(env.module, collateralSymbol, tokens(100))
	spent, err := env.engine.ProcessQueue(env.roles.Admin, collateralSymbol, tokens(300))
	if err != nil {
		t.Fatalf("process a: %v", err)
	}
	if spent.Cmp(tokens(200)) != 0 {
		t.Fatalf("spent = %s, want 200", spent)
	}
	if got := env.state.balance(a, collateralSymbol); got.Cmp(tokens(200)) != 0 {
		t.Fatalf("a payout = %s, want 200", got)
	}
}

func TestPartialFillKeepsTruncationDust(t *testing.T) {
	env := newTestEnv()
	owner := testAddr(1)
	// A 3e18 share price makes the 4-token partial fill land between share
	// increments, so the payout must truncate with the burn.
	env.engine.SetFundraisingConfig(FundraisingConfig{
		MinDeposit: oneToken(),
		SharePrice: tokens(3),
		Deadline:   env.now + 30*24*60*60,
	})
	activeFund(t, env, map[[20]byte]*big.Int{owner: tokens(9)})
	if _, err := env.engine.RequestExit(owner); err != nil {
		t.Fatalf("request: %v", err)
	}
	env.now += 366 * 24 * 60 * 60
	env.state.credit(env.module, collateralSymbol, tokens(4))

	spent, err := env.engine.ProcessQueue(env.roles.Admin, collateralSymbol, tokens(4))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	// 3 shares worth 9 tokens against 4 of funds burns 1.333...333 shares;
	// their truncated value is one wei short of the full budget.
	wantPaid, _ := new(big.Int).SetString("3999999999999999999", 10)
	if spent.Cmp(wantPaid) != 0 {
		t.Fatalf("spent = %s, want %s", spent, wantPaid)
	}
	if got := env.state.balance(owner, collateralSymbol); got.Cmp(wantPaid) != 0 {
		t.Fatalf("owner payout = %s, want %s", got, wantPaid)
	}
	// The rounding wei stays in the pool, not in the exiting vault.
	if got := env.state.balance(env.module, collateralSymbol); got.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("module residue = %s, want 1", got)
	}
	request, ok, _ := env.state.ExitRequestGet(0)
	if !ok || request.Processed {
		t.Fatal("request should remain open")
	}
	wantShares, _ := new(big.Int).SetString("1666666666666666667", 10)
	if request.Shares.Cmp(wantShares) != 0 {
		t.Fatalf("remaining shares = %s, want %s", request.Shares, wantShares)
	}
}

func TestExitRequestSuspendsDelegation(t *testing.T) {
	env := newTestEnv()
	owner := testAddr(1)
	delegate := testAddr(2)
	activeFund(t, env, map[[20]byte]*big.Int{owner: tokens(100)})

	if err := env.engine.Delegate(owner, delegate); err != nil {
		t.Fatalf("delegate: %v", err)
	}
	power, _ := env.engine.VotingPower(delegate)
	if power.Cmp(tokens(100)) != 0 {
		t.Fatalf("power = %s", power)
	}

	if _, err := env.engine.RequestExit(owner); err != nil {
		t.Fatalf("request: %v", err)
	}
	power, _ = env.engine.VotingPower(delegate)
	if power.Sign() != 0 {
		t.Fatalf("power while queued = %s, want 0", power)
	}
	if err := env.engine.Delegate(owner, testAddr(3)); !errors.Is(err, errExitPending) {
		t.Fatalf("expected exit pending, got %v", err)
	}
	if err := env.engine.Undelegate(owner); !errors.Is(err, errExitPending) {
		t.Fatalf("expected exit pending, got %v", err)
	}

	if err := env.engine.CancelExit(owner); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	power, _ = env.engine.VotingPower(delegate)
	if power.Cmp(tokens(100)) != 0 {
		t.Fatalf("power after cancel = %s", power)
	}

	// A settled exit leaves the weight gone for good.
	if _, err := env.engine.RequestExit(owner); err != nil {
		t.Fatalf("re-request: %v", err)
	}
	env.now += 366 * 24 * 60 * 60
	env.state.credit(env.module, collateralSymbol, tokens(200))
	if _, err := env.engine.ProcessQueue(env.roles.Admin, collateralSymbol, tokens(200)); err != nil {
		t.Fatalf("process: %v", err)
	}
	power, _ = env.engine.VotingPower(delegate)
	if power.Sign() != 0 {
		t.Fatalf("power after full fill = %s, want 0", power)
	}
}
