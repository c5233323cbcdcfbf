package types

import (
	"math/big"
	"sort"
)

// Account tracks per-address token custody balances. Balances are keyed by the
// canonical token symbol and denominated in wei (1e18 scale) big integers.
type Account struct {
	Balances map[string]*big.Int
}

// NewAccount returns an account with an initialised balance map.
func NewAccount() *Account {
	return &Account{Balances: make(map[string]*big.Int)}
}

// Balance returns the balance for the given token, defaulting to zero. The
// returned value is the stored pointer; callers that mutate it must follow up
// with SetBalance.
func (a *Account) Balance(token string) *big.Int {
	if a == nil || a.Balances == nil {
		return big.NewInt(0)
	}
	if bal, ok := a.Balances[token]; ok && bal != nil {
		return bal
	}
	return big.NewInt(0)
}

// SetBalance records the balance for the given token.
func (a *Account) SetBalance(token string, amount *big.Int) {
	if a == nil {
		return
	}
	if a.Balances == nil {
		a.Balances = make(map[string]*big.Int)
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	a.Balances[token] = amount
}

// Tokens returns the held token symbols in lexical order.
func (a *Account) Tokens() []string {
	if a == nil || a.Balances == nil {
		return nil
	}
	tokens := make([]string, 0, len(a.Balances))
	for token := range a.Balances {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	return tokens
}

// Clone returns a deep copy so callers can mutate without affecting the stored
// instance.
func (a *Account) Clone() *Account {
	if a == nil {
		return NewAccount()
	}
	clone := NewAccount()
	for token, bal := range a.Balances {
		if bal != nil {
			clone.Balances[token] = new(big.Int).Set(bal)
		}
	}
	return clone
}
