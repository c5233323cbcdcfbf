package fund

import (
	"math/big"

	"daofund/core/types"
	"daofund/native/curve"
)

// journalKey addresses per-owner, per-token records in the overlay.
type journalKey struct {
	owner [20]byte
	token string
}

// delegateWrite is a delegation overlay entry; deleted marks a tombstone.
type delegateWrite struct {
	delegate [20]byte
	deleted  bool
}

// stateJournal buffers every write of a single engine call on top of the
// committed state. Reads consult the overlay first and fall through to the
// underlying store. commit flushes the overlay in one pass; discarding the
// journal leaves the committed state untouched, which makes failed calls
// all-or-nothing without asking implementations for transaction support.
type stateJournal struct {
	inner engineState

	fund       *State
	vaults     map[[20]byte]*Vault
	entries    map[[20]byte]*ParticipantEntry
	exits      map[uint64]*ExitRequest
	queuePos   map[[20]byte]uint64
	curveCache *curve.Cache
	curveDel   bool
	rps        map[string]*big.Int
	rewardToks []string
	toksDirty  bool
	rewardIdx  map[journalKey]*big.Int
	pending    map[journalKey]*big.Int
	accounted  map[string]*big.Int
	delegates  map[[20]byte]delegateWrite
	votePower  map[[20]byte]*big.Int
	denied     map[journalKey]bool
	accounts   map[[20]byte]*types.Account
}

func newStateJournal(inner engineState) *stateJournal {
	return &stateJournal{
		inner:     inner,
		vaults:    make(map[[20]byte]*Vault),
		entries:   make(map[[20]byte]*ParticipantEntry),
		exits:     make(map[uint64]*ExitRequest),
		queuePos:  make(map[[20]byte]uint64),
		rps:       make(map[string]*big.Int),
		rewardIdx: make(map[journalKey]*big.Int),
		pending:   make(map[journalKey]*big.Int),
		accounted: make(map[string]*big.Int),
		delegates: make(map[[20]byte]delegateWrite),
		votePower: make(map[[20]byte]*big.Int),
		denied:    make(map[journalKey]bool),
		accounts:  make(map[[20]byte]*types.Account),
	}
}

// commit flushes the buffered writes to the underlying state. Keys are
// independent, so flush order does not matter.
func (j *stateJournal) commit() error {
	if j.fund != nil {
		if err := j.inner.FundStatePut(j.fund); err != nil {
			return err
		}
	}
	for _, vault := range j.vaults {
		if err := j.inner.VaultPut(vault); err != nil {
			return err
		}
	}
	for owner, entry := range j.entries {
		if err := j.inner.EntryPut(owner, entry); err != nil {
			return err
		}
	}
	for index, request := range j.exits {
		if err := j.inner.ExitRequestPut(index, request); err != nil {
			return err
		}
	}
	for owner, pos := range j.queuePos {
		if err := j.inner.QueuePositionPut(owner, pos); err != nil {
			return err
		}
	}
	if j.curveDel {
		if err := j.inner.CurveCacheDelete(); err != nil {
			return err
		}
	} else if j.curveCache != nil {
		if err := j.inner.CurveCachePut(j.curveCache); err != nil {
			return err
		}
	}
	for token, value := range j.rps {
		if err := j.inner.RewardPerSharePut(token, value); err != nil {
			return err
		}
	}
	if j.toksDirty {
		if err := j.inner.RewardTokensPut(j.rewardToks); err != nil {
			return err
		}
	}
	for key, value := range j.rewardIdx {
		if err := j.inner.RewardIndexPut(key.owner, key.token, value); err != nil {
			return err
		}
	}
	for key, value := range j.pending {
		if err := j.inner.PendingRewardPut(key.owner, key.token, value); err != nil {
			return err
		}
	}
	for token, value := range j.accounted {
		if err := j.inner.AccountedBalancePut(token, value); err != nil {
			return err
		}
	}
	for owner, write := range j.delegates {
		if write.deleted {
			if err := j.inner.DelegateDelete(owner); err != nil {
				return err
			}
			continue
		}
		if err := j.inner.DelegatePut(owner, write.delegate); err != nil {
			return err
		}
	}
	for delegate, power := range j.votePower {
		if err := j.inner.VotingPowerPut(delegate, power); err != nil {
			return err
		}
	}
	for key, denied := range j.denied {
		if err := j.inner.BuybackDeniedPut(key.owner, key.token, denied); err != nil {
			return err
		}
	}
	for addr, account := range j.accounts {
		if err := j.inner.PutAccount(addr, account); err != nil {
			return err
		}
	}
	return nil
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func (j *stateJournal) FundStateGet() (*State, error) {
	if j.fund != nil {
		return j.fund.Clone(), nil
	}
	return j.inner.FundStateGet()
}

func (j *stateJournal) FundStatePut(st *State) error {
	j.fund = st.Clone()
	return nil
}

func (j *stateJournal) VaultGet(owner [20]byte) (*Vault, bool, error) {
	if vault, ok := j.vaults[owner]; ok {
		return vault.Clone(), true, nil
	}
	return j.inner.VaultGet(owner)
}

func (j *stateJournal) VaultPut(vault *Vault) error {
	j.vaults[vault.PrimaryOwner] = vault.Clone()
	return nil
}

func (j *stateJournal) VaultOwners() ([][20]byte, error) {
	owners, err := j.inner.VaultOwners()
	if err != nil {
		return nil, err
	}
	seen := make(map[[20]byte]struct{}, len(owners))
	for _, owner := range owners {
		seen[owner] = struct{}{}
	}
	for owner := range j.vaults {
		if _, ok := seen[owner]; !ok {
			owners = append(owners, owner)
		}
	}
	return owners, nil
}

func (j *stateJournal) EntryGet(owner [20]byte) (*ParticipantEntry, bool, error) {
	if entry, ok := j.entries[owner]; ok {
		return entry.Clone(), true, nil
	}
	return j.inner.EntryGet(owner)
}

func (j *stateJournal) EntryPut(owner [20]byte, entry *ParticipantEntry) error {
	j.entries[owner] = entry.Clone()
	return nil
}

func (j *stateJournal) ExitRequestGet(index uint64) (*ExitRequest, bool, error) {
	if request, ok := j.exits[index]; ok {
		return request.Clone(), true, nil
	}
	return j.inner.ExitRequestGet(index)
}

func (j *stateJournal) ExitRequestPut(index uint64, request *ExitRequest) error {
	j.exits[index] = request.Clone()
	return nil
}

func (j *stateJournal) QueuePositionGet(owner [20]byte) (uint64, error) {
	if pos, ok := j.queuePos[owner]; ok {
		return pos, nil
	}
	return j.inner.QueuePositionGet(owner)
}

func (j *stateJournal) QueuePositionPut(owner [20]byte, pos uint64) error {
	j.queuePos[owner] = pos
	return nil
}

func (j *stateJournal) CurveCacheGet() (*curve.Cache, bool, error) {
	if j.curveDel {
		return nil, false, nil
	}
	if j.curveCache != nil {
		return j.curveCache.Clone(), true, nil
	}
	return j.inner.CurveCacheGet()
}

func (j *stateJournal) CurveCachePut(cache *curve.Cache) error {
	j.curveCache = cache.Clone()
	j.curveDel = false
	return nil
}

func (j *stateJournal) CurveCacheDelete() error {
	j.curveCache = nil
	j.curveDel = true
	return nil
}

func (j *stateJournal) RewardPerShareGet(token string) (*big.Int, error) {
	if value, ok := j.rps[token]; ok {
		return cloneBig(value), nil
	}
	return j.inner.RewardPerShareGet(token)
}

func (j *stateJournal) RewardPerSharePut(token string, value *big.Int) error {
	j.rps[token] = cloneBig(value)
	return nil
}

func (j *stateJournal) RewardTokensGet() ([]string, error) {
	if j.toksDirty {
		return append([]string(nil), j.rewardToks...), nil
	}
	return j.inner.RewardTokensGet()
}

func (j *stateJournal) RewardTokensPut(tokens []string) error {
	j.rewardToks = append([]string(nil), tokens...)
	j.toksDirty = true
	return nil
}

func (j *stateJournal) RewardIndexGet(owner [20]byte, token string) (*big.Int, error) {
	if value, ok := j.rewardIdx[journalKey{owner, token}]; ok {
		return cloneBig(value), nil
	}
	return j.inner.RewardIndexGet(owner, token)
}

func (j *stateJournal) RewardIndexPut(owner [20]byte, token string, value *big.Int) error {
	j.rewardIdx[journalKey{owner, token}] = cloneBig(value)
	return nil
}

func (j *stateJournal) PendingRewardGet(owner [20]byte, token string) (*big.Int, error) {
	if value, ok := j.pending[journalKey{owner, token}]; ok {
		return cloneBig(value), nil
	}
	return j.inner.PendingRewardGet(owner, token)
}

func (j *stateJournal) PendingRewardPut(owner [20]byte, token string, value *big.Int) error {
	j.pending[journalKey{owner, token}] = cloneBig(value)
	return nil
}

func (j *stateJournal) AccountedBalanceGet(token string) (*big.Int, error) {
	if value, ok := j.accounted[token]; ok {
		return cloneBig(value), nil
	}
	return j.inner.AccountedBalanceGet(token)
}

func (j *stateJournal) AccountedBalancePut(token string, value *big.Int) error {
	j.accounted[token] = cloneBig(value)
	return nil
}

func (j *stateJournal) DelegateGet(owner [20]byte) ([20]byte, bool, error) {
	if write, ok := j.delegates[owner]; ok {
		if write.deleted {
			return [20]byte{}, false, nil
		}
		return write.delegate, true, nil
	}
	return j.inner.DelegateGet(owner)
}

func (j *stateJournal) DelegatePut(owner [20]byte, delegate [20]byte) error {
	j.delegates[owner] = delegateWrite{delegate: delegate}
	return nil
}

func (j *stateJournal) DelegateDelete(owner [20]byte) error {
	j.delegates[owner] = delegateWrite{deleted: true}
	return nil
}

func (j *stateJournal) VotingPowerGet(delegate [20]byte) (*big.Int, error) {
	if power, ok := j.votePower[delegate]; ok {
		return cloneBig(power), nil
	}
	return j.inner.VotingPowerGet(delegate)
}

func (j *stateJournal) VotingPowerPut(delegate [20]byte, power *big.Int) error {
	j.votePower[delegate] = cloneBig(power)
	return nil
}

func (j *stateJournal) BuybackDeniedGet(owner [20]byte, token string) (bool, error) {
	if denied, ok := j.denied[journalKey{owner, token}]; ok {
		return denied, nil
	}
	return j.inner.BuybackDeniedGet(owner, token)
}

func (j *stateJournal) BuybackDeniedPut(owner [20]byte, token string, denied bool) error {
	j.denied[journalKey{owner, token}] = denied
	return nil
}

func (j *stateJournal) GetAccount(addr [20]byte) (*types.Account, error) {
	if account, ok := j.accounts[addr]; ok {
		return account.Clone(), nil
	}
	return j.inner.GetAccount(addr)
}

func (j *stateJournal) PutAccount(addr [20]byte, account *types.Account) error {
	j.accounts[addr] = account.Clone()
	return nil
}
