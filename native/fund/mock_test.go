package fund

import (
	"math/big"

	"daofund/core/events"
	"daofund/core/types"
	"daofund/native/curve"
	"daofund/native/oracle"
)

type mockState struct {
	fundState    *State
	vaults       map[[20]byte]*Vault
	entries      map[[20]byte]*ParticipantEntry
	exits        map[uint64]*ExitRequest
	queuePos     map[[20]byte]uint64
	cache        *curve.Cache
	rps          map[string]*big.Int
	rewardTokens []string
	rewardIdx    map[string]*big.Int
	pending      map[string]*big.Int
	accounted    map[string]*big.Int
	delegates    map[[20]byte][20]byte
	power        map[[20]byte]*big.Int
	denied       map[string]bool
	accounts     map[[20]byte]*types.Account
}

func newMockState() *mockState {
	return &mockState{
		vaults:    make(map[[20]byte]*Vault),
		entries:   make(map[[20]byte]*ParticipantEntry),
		exits:     make(map[uint64]*ExitRequest),
		queuePos:  make(map[[20]byte]uint64),
		rps:       make(map[string]*big.Int),
		rewardIdx: make(map[string]*big.Int),
		pending:   make(map[string]*big.Int),
		accounted: make(map[string]*big.Int),
		delegates: make(map[[20]byte][20]byte),
		power:     make(map[[20]byte]*big.Int),
		denied:    make(map[string]bool),
		accounts:  make(map[[20]byte]*types.Account),
	}
}

func ownerToken(owner [20]byte, token string) string {
	return string(owner[:]) + "/" + token
}

func (m *mockState) FundStateGet() (*State, error) { return m.fundState.Clone(), nil }

func (m *mockState) FundStatePut(st *State) error {
	m.fundState = st.Clone()
	return nil
}

func (m *mockState) VaultGet(owner [20]byte) (*Vault, bool, error) {
	v, ok := m.vaults[owner]
	if !ok {
		return nil, false, nil
	}
	return v.Clone(), true, nil
}

func (m *mockState) VaultPut(v *Vault) error {
	m.vaults[v.PrimaryOwner] = v.Clone()
	return nil
}

func (m *mockState) VaultOwners() ([][20]byte, error) {
	owners := make([][20]byte, 0, len(m.vaults))
	for owner := range m.vaults {
		owners = append(owners, owner)
	}
	return owners, nil
}

func (m *mockState) EntryGet(owner [20]byte) (*ParticipantEntry, bool, error) {
	e, ok := m.entries[owner]
	if !ok {
		return nil, false, nil
	}
	return e.Clone(), true, nil
}

func (m *mockState) EntryPut(owner [20]byte, entry *ParticipantEntry) error {
	m.entries[owner] = entry.Clone()
	return nil
}

func (m *mockState) ExitRequestGet(index uint64) (*ExitRequest, bool, error) {
	r, ok := m.exits[index]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

func (m *mockState) ExitRequestPut(index uint64, request *ExitRequest) error {
	m.exits[index] = request.Clone()
	return nil
}

func (m *mockState) QueuePositionGet(owner [20]byte) (uint64, error) {
	return m.queuePos[owner], nil
}

func (m *mockState) QueuePositionPut(owner [20]byte, pos uint64) error {
	if pos == 0 {
		delete(m.queuePos, owner)
		return nil
	}
	m.queuePos[owner] = pos
	return nil
}

func (m *mockState) CurveCacheGet() (*curve.Cache, bool, error) {
	if m.cache == nil {
		return nil, false, nil
	}
	return m.cache.Clone(), true, nil
}

func (m *mockState) CurveCachePut(c *curve.Cache) error {
	m.cache = c.Clone()
	return nil
}

func (m *mockState) CurveCacheDelete() error {
	m.cache = nil
	return nil
}

func (m *mockState) RewardPerShareGet(token string) (*big.Int, error) {
	return copyBigInt(m.rps[token]), nil
}

func (m *mockState) RewardPerSharePut(token string, value *big.Int) error {
	m.rps[token] = copyBigInt(value)
	return nil
}

func (m *mockState) RewardTokensGet() ([]string, error) {
	return append([]string(nil), m.rewardTokens...), nil
}

func (m *mockState) RewardTokensPut(tokens []string) error {
	m.rewardTokens = append([]string(nil), tokens...)
	return nil
}

func (m *mockState) RewardIndexGet(owner [20]byte, token string) (*big.Int, error) {
	return copyBigInt(m.rewardIdx[ownerToken(owner, token)]), nil
}

func (m *mockState) RewardIndexPut(owner [20]byte, token string, value *big.Int) error {
	m.rewardIdx[ownerToken(owner, token)] = copyBigInt(value)
	return nil
}

func (m *mockState) PendingRewardGet(owner [20]byte, token string) (*big.Int, error) {
	return copyBigInt(m.pending[ownerToken(owner, token)]), nil
}

func (m *mockState) PendingRewardPut(owner [20]byte, token string, value *big.Int) error {
	m.pending[ownerToken(owner, token)] = copyBigInt(value)
	return nil
}

func (m *mockState) AccountedBalanceGet(token string) (*big.Int, error) {
	return copyBigInt(m.accounted[token]), nil
}

func (m *mockState) AccountedBalancePut(token string, value *big.Int) error {
	m.accounted[token] = copyBigInt(value)
	return nil
}

func (m *mockState) DelegateGet(owner [20]byte) ([20]byte, bool, error) {
	d, ok := m.delegates[owner]
	return d, ok, nil
}

func (m *mockState) DelegatePut(owner [20]byte, delegate [20]byte) error {
	m.delegates[owner] = delegate
	return nil
}

func (m *mockState) DelegateDelete(owner [20]byte) error {
	delete(m.delegates, owner)
	return nil
}

func (m *mockState) VotingPowerGet(delegate [20]byte) (*big.Int, error) {
	return copyBigInt(m.power[delegate]), nil
}

func (m *mockState) VotingPowerPut(delegate [20]byte, power *big.Int) error {
	m.power[delegate] = copyBigInt(power)
	return nil
}

func (m *mockState) BuybackDeniedGet(owner [20]byte, token string) (bool, error) {
	return m.denied[ownerToken(owner, token)], nil
}

func (m *mockState) BuybackDeniedPut(owner [20]byte, token string, denied bool) error {
	if !denied {
		delete(m.denied, ownerToken(owner, token))
		return nil
	}
	m.denied[ownerToken(owner, token)] = true
	return nil
}

func (m *mockState) GetAccount(addr [20]byte) (*types.Account, error) {
	acc, ok := m.accounts[addr]
	if !ok {
		return nil, nil
	}
	return acc.Clone(), nil
}

func (m *mockState) PutAccount(addr [20]byte, account *types.Account) error {
	m.accounts[addr] = account.Clone()
	return nil
}

func (m *mockState) credit(addr [20]byte, token string, amount *big.Int) {
	acc, ok := m.accounts[addr]
	if !ok {
		acc = types.NewAccount()
		m.accounts[addr] = acc
	}
	acc.SetBalance(token, new(big.Int).Add(acc.Balance(token), amount))
}

func (m *mockState) balance(addr [20]byte, token string) *big.Int {
	acc, ok := m.accounts[addr]
	if !ok {
		return big.NewInt(0)
	}
	return copyBigInt(acc.Balance(token))
}

type captureEmitter struct {
	events []events.Event
}

func (c *captureEmitter) Emit(evt events.Event) { c.events = append(c.events, evt) }

// mockIssuance converts collateral to the primary asset at a fixed ratio.
type mockIssuance struct {
	price      *big.Int
	withdrawal *big.Int
	bought     *big.Int
}

func (m *mockIssuance) BuyPrimaryAsset(amount *big.Int) (*big.Int, error) {
	out := new(big.Int).Mul(amount, oneToken())
	out.Quo(out, m.price)
	m.bought = copyBigInt(out)
	return out, nil
}

func (m *mockIssuance) CurrentPrice() (*big.Int, error) { return copyBigInt(m.price), nil }

func (m *mockIssuance) LockEndTime() (int64, error) { return 0, nil }

func (m *mockIssuance) WithdrawAll() (*big.Int, error) {
	if m.withdrawal == nil {
		return big.NewInt(0), nil
	}
	return copyBigInt(m.withdrawal), nil
}

const (
	collateralSymbol = "USDC"
	primarySymbol    = "PRIME"
)

func oneToken() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
}

func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), oneToken())
}

func testAddr(b byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = b
	}
	return addr
}

type testEnv struct {
	engine   *Engine
	state    *mockState
	oracle   *oracle.Static
	issuance *mockIssuance
	now      int64
	module   [20]byte
	roles    Roles
}

func newTestEnv() *testEnv {
	module := testAddr(0xff)
	roles := Roles{
		Admin:           testAddr(0xa1),
		Governance:      testAddr(0xa2),
		Creator:         testAddr(0xa3),
		RoyaltyTreasury: testAddr(0xa4),
	}
	env := &testEnv{
		state:  newMockState(),
		module: module,
		roles:  roles,
		now:    1_700_000_000,
	}
	env.oracle = oracle.NewStatic(map[string]*big.Int{
		collateralSymbol: oneToken(),
		primarySymbol:    oneToken(),
	})
	env.issuance = &mockIssuance{price: oneToken()}

	engine := NewEngine(module, roles, collateralSymbol, primarySymbol)
	engine.SetState(env.state)
	engine.SetOracle(env.oracle)
	engine.SetIssuance(env.issuance)
	engine.SetNowFunc(func() int64 { return env.now })
	engine.SetFundraisingConfig(FundraisingConfig{
		MinDeposit:       oneToken(),
		SharePrice:       oneToken(),
		Deadline:         env.now + 30*24*60*60,
		ExtensionSeconds: 7 * 24 * 60 * 60,
	})
	engine.SetDistributionConfig(DistributionConfig{
		RoyaltyBps:                 500,
		CreatorBps:                 1000,
		MinRewardPerShareIncrement: big.NewInt(1),
	})
	engine.SetCurveParams(curve.Params{
		InitialPrice:       oneToken(),
		InitialVolume:      tokens(1000),
		PriceStepBps:       500,
		VolumeStepBps:      -100,
		ProportionalityBps: 7500,
		TotalSupply:        new(big.Int).Mul(tokens(1000), big.NewInt(1_000_000)),
	})
	env.engine = engine
	return env
}

// fund credits collateral to an address so it can deposit.
func (env *testEnv) fund(addr [20]byte, amount *big.Int) {
	env.state.credit(addr, collateralSymbol, amount)
}

func (env *testEnv) deposit(owner [20]byte, amount *big.Int) (*big.Int, error) {
	env.fund(owner, amount)
	return env.engine.Deposit(owner, amount)
}

// activate walks the fund from fundraising to the active stage.
func (env *testEnv) activate() error {
	if _, err := env.engine.BeginExchange(env.roles.Admin); err != nil {
		return err
	}
	if err := env.engine.FinishExchange(env.roles.Admin); err != nil {
		return err
	}
	return env.engine.ActivateTrading(env.roles.Creator)
}
