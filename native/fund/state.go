package fund

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"daofund/core/types"
	"daofund/native/curve"
	"daofund/storage"
)

// Key layout under the fund module namespace. Addresses are raw 20 bytes,
// queue indexes big-endian uint64, tokens their symbol bytes.
var (
	keyFundState     = []byte("fund/state")
	keyCurveCache    = []byte("fund/curve")
	keyRewardTokens  = []byte("fund/rewardtokens")
	prefixVault      = []byte("fund/vault/")
	prefixEntry      = []byte("fund/entry/")
	prefixExit       = []byte("fund/exit/")
	prefixQueuePos   = []byte("fund/queuepos/")
	prefixRPS        = []byte("fund/rps/")
	prefixRewardIdx  = []byte("fund/rewardidx/")
	prefixPending    = []byte("fund/pending/")
	prefixAccounted  = []byte("fund/accounted/")
	prefixDelegate   = []byte("fund/delegate/")
	prefixVotePower  = []byte("fund/votepower/")
	prefixDenied     = []byte("fund/buybackdenied/")
	prefixAccount    = []byte("fund/account/")
)

// Store persists the engine's state in a key-value database using RLP. It is
// the production implementation of the engine's persistence surface; tests
// substitute an in-memory map.
type Store struct {
	db storage.Database
}

// NewStore wraps a key-value database.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

func addrKey(prefix []byte, addr [20]byte) []byte {
	key := make([]byte, 0, len(prefix)+20)
	key = append(key, prefix...)
	return append(key, addr[:]...)
}

func addrTokenKey(prefix []byte, addr [20]byte, token string) []byte {
	key := make([]byte, 0, len(prefix)+20+1+len(token))
	key = append(key, prefix...)
	key = append(key, addr[:]...)
	key = append(key, '/')
	return append(key, token...)
}

func tokenKey(prefix []byte, token string) []byte {
	key := make([]byte, 0, len(prefix)+len(token))
	key = append(key, prefix...)
	return append(key, token...)
}

func indexKey(prefix []byte, index uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], index)
	return key
}

// RLP has no signed-integer or big-map support, so persisted records mirror
// their in-memory types with big.Ints as decimal strings and timestamps as
// uint64 seconds.

type storedFundState struct {
	Stage                    uint8
	TotalShares              string
	SharePrice               string
	TotalCollateralRaised    string
	TotalSharesAtFundraising string
	TotalSupplyAtFundraising string
	TotalSold                string
	QueueHead                uint64
	QueueLen                 uint64
	Extended                 bool
	Deadline                 uint64
}

type storedVault struct {
	PrimaryOwner      [20]byte
	BackupOwner       [20]byte
	EmergencyOwner    [20]byte
	ShareBalance      string
	VotingPausedUntil uint64
}

type storedEntry struct {
	DepositedCollateral    string
	FixedSharePrice        string
	FixedLaunchPrice       string
	EntryTimestamp         uint64
	WeightedAvgSharePrice  string
	WeightedAvgLaunchPrice string
}

type storedExitRequest struct {
	Owner                     [20]byte
	Shares                    string
	RequestedAt               uint64
	FixedLaunchPriceAtRequest string
	Processed                 bool
}

type storedCurveCache struct {
	Level             uint64
	TotalSold         string
	CumulativeVolume  string
	PriceAtLevel      string
	BaseVolumeAtLevel string
}

type storedAccount struct {
	Tokens  []string
	Amounts []string
}

func encodeBig(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func decodeBig(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("fund store: malformed big integer %q", s)
	}
	return v, nil
}

func (s *Store) put(key []byte, record interface{}) error {
	raw, err := rlp.EncodeToBytes(record)
	if err != nil {
		return err
	}
	return s.db.Put(key, raw)
}

// get decodes the record at key into out, reporting presence.
func (s *Store) get(key []byte, out interface{}) (bool, error) {
	raw, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) FundStateGet() (*State, error) {
	var rec storedFundState
	ok, err := s.get(keyFundState, &rec)
	if err != nil || !ok {
		return nil, err
	}
	st := &State{
		Stage:     Stage(rec.Stage),
		QueueHead: rec.QueueHead,
		QueueLen:  rec.QueueLen,
		Extended:  rec.Extended,
		Deadline:  int64(rec.Deadline),
	}
	fields := []struct {
		dst **big.Int
		src string
	}{
		{&st.TotalShares, rec.TotalShares},
		{&st.SharePrice, rec.SharePrice},
		{&st.TotalCollateralRaised, rec.TotalCollateralRaised},
		{&st.TotalSharesAtFundraising, rec.TotalSharesAtFundraising},
		{&st.TotalSupplyAtFundraising, rec.TotalSupplyAtFundraising},
		{&st.TotalSold, rec.TotalSold},
	}
	for _, f := range fields {
		v, err := decodeBig(f.src)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}
	return st, nil
}

func (s *Store) FundStatePut(st *State) error {
	if st == nil {
		return errNilState
	}
	rec := storedFundState{
		Stage:                    uint8(st.Stage),
		TotalShares:              encodeBig(st.TotalShares),
		SharePrice:               encodeBig(st.SharePrice),
		TotalCollateralRaised:    encodeBig(st.TotalCollateralRaised),
		TotalSharesAtFundraising: encodeBig(st.TotalSharesAtFundraising),
		TotalSupplyAtFundraising: encodeBig(st.TotalSupplyAtFundraising),
		TotalSold:                encodeBig(st.TotalSold),
		QueueHead:                st.QueueHead,
		QueueLen:                 st.QueueLen,
		Extended:                 st.Extended,
		Deadline:                 uint64(st.Deadline),
	}
	return s.put(keyFundState, rec)
}

func (s *Store) VaultGet(owner [20]byte) (*Vault, bool, error) {
	var rec storedVault
	ok, err := s.get(addrKey(prefixVault, owner), &rec)
	if err != nil || !ok {
		return nil, false, err
	}
	balance, err := decodeBig(rec.ShareBalance)
	if err != nil {
		return nil, false, err
	}
	return &Vault{
		PrimaryOwner:      rec.PrimaryOwner,
		BackupOwner:       rec.BackupOwner,
		EmergencyOwner:    rec.EmergencyOwner,
		ShareBalance:      balance,
		VotingPausedUntil: int64(rec.VotingPausedUntil),
	}, true, nil
}

func (s *Store) VaultPut(v *Vault) error {
	if v == nil {
		return errVaultNotFound
	}
	rec := storedVault{
		PrimaryOwner:      v.PrimaryOwner,
		BackupOwner:       v.BackupOwner,
		EmergencyOwner:    v.EmergencyOwner,
		ShareBalance:      encodeBig(v.ShareBalance),
		VotingPausedUntil: uint64(v.VotingPausedUntil),
	}
	return s.put(addrKey(prefixVault, v.PrimaryOwner), rec)
}

func (s *Store) VaultOwners() ([][20]byte, error) {
	owners := make([][20]byte, 0)
	err := s.db.IteratePrefix(prefixVault, func(key, _ []byte) error {
		raw := key[len(prefixVault):]
		if len(raw) != 20 {
			return fmt.Errorf("fund store: malformed vault key %x", key)
		}
		var owner [20]byte
		copy(owner[:], raw)
		owners = append(owners, owner)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return owners, nil
}

func (s *Store) EntryGet(owner [20]byte) (*ParticipantEntry, bool, error) {
	var rec storedEntry
	ok, err := s.get(addrKey(prefixEntry, owner), &rec)
	if err != nil || !ok {
		return nil, false, err
	}
	entry := &ParticipantEntry{EntryTimestamp: int64(rec.EntryTimestamp)}
	fields := []struct {
		dst **big.Int
		src string
	}{
		{&entry.DepositedCollateral, rec.DepositedCollateral},
		{&entry.FixedSharePrice, rec.FixedSharePrice},
		{&entry.FixedLaunchPrice, rec.FixedLaunchPrice},
		{&entry.WeightedAvgSharePrice, rec.WeightedAvgSharePrice},
		{&entry.WeightedAvgLaunchPrice, rec.WeightedAvgLaunchPrice},
	}
	for _, f := range fields {
		v, err := decodeBig(f.src)
		if err != nil {
			return nil, false, err
		}
		*f.dst = v
	}
	return entry, true, nil
}

func (s *Store) EntryPut(owner [20]byte, entry *ParticipantEntry) error {
	if entry == nil {
		return errVaultNotFound
	}
	rec := storedEntry{
		DepositedCollateral:    encodeBig(entry.DepositedCollateral),
		FixedSharePrice:        encodeBig(entry.FixedSharePrice),
		FixedLaunchPrice:       encodeBig(entry.FixedLaunchPrice),
		EntryTimestamp:         uint64(entry.EntryTimestamp),
		WeightedAvgSharePrice:  encodeBig(entry.WeightedAvgSharePrice),
		WeightedAvgLaunchPrice: encodeBig(entry.WeightedAvgLaunchPrice),
	}
	return s.put(addrKey(prefixEntry, owner), rec)
}

func (s *Store) ExitRequestGet(index uint64) (*ExitRequest, bool, error) {
	var rec storedExitRequest
	ok, err := s.get(indexKey(prefixExit, index), &rec)
	if err != nil || !ok {
		return nil, false, err
	}
	shares, err := decodeBig(rec.Shares)
	if err != nil {
		return nil, false, err
	}
	fixed, err := decodeBig(rec.FixedLaunchPriceAtRequest)
	if err != nil {
		return nil, false, err
	}
	return &ExitRequest{
		Owner:                     rec.Owner,
		Shares:                    shares,
		RequestedAt:               int64(rec.RequestedAt),
		FixedLaunchPriceAtRequest: fixed,
		Processed:                 rec.Processed,
	}, true, nil
}

func (s *Store) ExitRequestPut(index uint64, request *ExitRequest) error {
	if request == nil {
		return errNotQueued
	}
	rec := storedExitRequest{
		Owner:                     request.Owner,
		Shares:                    encodeBig(request.Shares),
		RequestedAt:               uint64(request.RequestedAt),
		FixedLaunchPriceAtRequest: encodeBig(request.FixedLaunchPriceAtRequest),
		Processed:                 request.Processed,
	}
	return s.put(indexKey(prefixExit, index), rec)
}

func (s *Store) QueuePositionGet(owner [20]byte) (uint64, error) {
	var pos uint64
	ok, err := s.get(addrKey(prefixQueuePos, owner), &pos)
	if err != nil || !ok {
		return 0, err
	}
	return pos, nil
}

func (s *Store) QueuePositionPut(owner [20]byte, pos uint64) error {
	key := addrKey(prefixQueuePos, owner)
	if pos == 0 {
		return s.db.Delete(key)
	}
	return s.put(key, pos)
}

func (s *Store) CurveCacheGet() (*curve.Cache, bool, error) {
	var rec storedCurveCache
	ok, err := s.get(keyCurveCache, &rec)
	if err != nil || !ok {
		return nil, false, err
	}
	cache := &curve.Cache{Level: rec.Level}
	fields := []struct {
		dst **big.Int
		src string
	}{
		{&cache.TotalSold, rec.TotalSold},
		{&cache.CumulativeVolume, rec.CumulativeVolume},
		{&cache.PriceAtLevel, rec.PriceAtLevel},
		{&cache.BaseVolumeAtLevel, rec.BaseVolumeAtLevel},
	}
	for _, f := range fields {
		v, err := decodeBig(f.src)
		if err != nil {
			return nil, false, err
		}
		*f.dst = v
	}
	return cache, true, nil
}

func (s *Store) CurveCachePut(cache *curve.Cache) error {
	if cache == nil {
		return s.CurveCacheDelete()
	}
	rec := storedCurveCache{
		Level:             cache.Level,
		TotalSold:         encodeBig(cache.TotalSold),
		CumulativeVolume:  encodeBig(cache.CumulativeVolume),
		PriceAtLevel:      encodeBig(cache.PriceAtLevel),
		BaseVolumeAtLevel: encodeBig(cache.BaseVolumeAtLevel),
	}
	return s.put(keyCurveCache, rec)
}

func (s *Store) CurveCacheDelete() error {
	return s.db.Delete(keyCurveCache)
}

func (s *Store) bigGet(key []byte) (*big.Int, error) {
	var rec string
	ok, err := s.get(key, &rec)
	if err != nil || !ok {
		return nil, err
	}
	return decodeBig(rec)
}

func (s *Store) bigPut(key []byte, value *big.Int) error {
	return s.put(key, encodeBig(value))
}

func (s *Store) RewardPerShareGet(token string) (*big.Int, error) {
	return s.bigGet(tokenKey(prefixRPS, token))
}

func (s *Store) RewardPerSharePut(token string, value *big.Int) error {
	return s.bigPut(tokenKey(prefixRPS, token), value)
}

func (s *Store) RewardTokensGet() ([]string, error) {
	var tokens []string
	if _, err := s.get(keyRewardTokens, &tokens); err != nil {
		return nil, err
	}
	return tokens, nil
}

func (s *Store) RewardTokensPut(tokens []string) error {
	return s.put(keyRewardTokens, tokens)
}

func (s *Store) RewardIndexGet(owner [20]byte, token string) (*big.Int, error) {
	return s.bigGet(addrTokenKey(prefixRewardIdx, owner, token))
}

func (s *Store) RewardIndexPut(owner [20]byte, token string, value *big.Int) error {
	return s.bigPut(addrTokenKey(prefixRewardIdx, owner, token), value)
}

func (s *Store) PendingRewardGet(owner [20]byte, token string) (*big.Int, error) {
	return s.bigGet(addrTokenKey(prefixPending, owner, token))
}

func (s *Store) PendingRewardPut(owner [20]byte, token string, value *big.Int) error {
	return s.bigPut(addrTokenKey(prefixPending, owner, token), value)
}

func (s *Store) AccountedBalanceGet(token string) (*big.Int, error) {
	return s.bigGet(tokenKey(prefixAccounted, token))
}

func (s *Store) AccountedBalancePut(token string, value *big.Int) error {
	return s.bigPut(tokenKey(prefixAccounted, token), value)
}

func (s *Store) DelegateGet(owner [20]byte) ([20]byte, bool, error) {
	var raw []byte
	ok, err := s.get(addrKey(prefixDelegate, owner), &raw)
	if err != nil || !ok {
		return [20]byte{}, false, err
	}
	if len(raw) != 20 {
		return [20]byte{}, false, fmt.Errorf("fund store: malformed delegate record")
	}
	var delegate [20]byte
	copy(delegate[:], raw)
	return delegate, true, nil
}

func (s *Store) DelegatePut(owner [20]byte, delegate [20]byte) error {
	return s.put(addrKey(prefixDelegate, owner), delegate[:])
}

func (s *Store) DelegateDelete(owner [20]byte) error {
	return s.db.Delete(addrKey(prefixDelegate, owner))
}

func (s *Store) VotingPowerGet(delegate [20]byte) (*big.Int, error) {
	return s.bigGet(addrKey(prefixVotePower, delegate))
}

func (s *Store) VotingPowerPut(delegate [20]byte, power *big.Int) error {
	return s.bigPut(addrKey(prefixVotePower, delegate), power)
}

func (s *Store) BuybackDeniedGet(owner [20]byte, token string) (bool, error) {
	var denied bool
	ok, err := s.get(addrTokenKey(prefixDenied, owner, token), &denied)
	if err != nil || !ok {
		return false, err
	}
	return denied, nil
}

func (s *Store) BuybackDeniedPut(owner [20]byte, token string, denied bool) error {
	key := addrTokenKey(prefixDenied, owner, token)
	if !denied {
		return s.db.Delete(key)
	}
	return s.put(key, denied)
}

func (s *Store) GetAccount(addr [20]byte) (*types.Account, error) {
	var rec storedAccount
	ok, err := s.get(addrKey(prefixAccount, addr), &rec)
	if err != nil || !ok {
		return nil, err
	}
	if len(rec.Tokens) != len(rec.Amounts) {
		return nil, fmt.Errorf("fund store: malformed account record")
	}
	account := types.NewAccount()
	for i, token := range rec.Tokens {
		amount, err := decodeBig(rec.Amounts[i])
		if err != nil {
			return nil, err
		}
		account.SetBalance(token, amount)
	}
	return account, nil
}

func (s *Store) PutAccount(addr [20]byte, account *types.Account) error {
	if account == nil {
		return errNilState
	}
	tokens := account.Tokens()
	rec := storedAccount{
		Tokens:  tokens,
		Amounts: make([]string, 0, len(tokens)),
	}
	for _, token := range tokens {
		rec.Amounts = append(rec.Amounts, encodeBig(account.Balance(token)))
	}
	return s.put(addrKey(prefixAccount, addr), rec)
}
