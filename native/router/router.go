package router

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
)

var (
	// ErrRouterNotAllowed indicates the router address is not on the admin
	// allow-list.
	ErrRouterNotAllowed = errors.New("router: address not allow-listed")
	// ErrDeviationExceeded indicates the executed swap price diverged from the
	// oracle-derived expectation beyond tolerance.
	ErrDeviationExceeded = errors.New("router: executed price deviation exceeded")
)

// DefaultMaxDeviationBps caps the divergence between the oracle-expected and
// executed amounts at 3%.
const DefaultMaxDeviationBps uint64 = 300

// Adapter executes an opaque, pre-encoded swap instruction against an
// external router and reports the amount of the output token received.
type Adapter interface {
	ExecuteSwap(router [20]byte, payload []byte) (*big.Int, error)
}

// AllowList holds the set of router addresses an admin has authorised.
type AllowList struct {
	entries map[[20]byte]struct{}
}

// NewAllowList builds an allow-list from the supplied addresses.
func NewAllowList(routers ...[20]byte) *AllowList {
	list := &AllowList{entries: make(map[[20]byte]struct{}, len(routers))}
	for _, addr := range routers {
		list.entries[addr] = struct{}{}
	}
	return list
}

// Add authorises a router address.
func (l *AllowList) Add(addr [20]byte) {
	if l.entries == nil {
		l.entries = make(map[[20]byte]struct{})
	}
	l.entries[addr] = struct{}{}
}

// Remove revokes a router address.
func (l *AllowList) Remove(addr [20]byte) {
	delete(l.entries, addr)
}

// Contains reports whether the router address is authorised.
func (l *AllowList) Contains(addr [20]byte) bool {
	if l == nil {
		return false
	}
	_, ok := l.entries[addr]
	return ok
}

// Addresses returns the allow-list in deterministic order for inspection.
func (l *AllowList) Addresses() [][20]byte {
	if l == nil {
		return nil
	}
	out := make([][20]byte, 0, len(l.entries))
	for addr := range l.entries {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(string(out[i][:]), string(out[j][:])) < 0
	})
	return out
}

// ValidateReceived enforces that the executed amount stays within
// maxDeviationBps of the oracle-derived expected amount. A zero
// maxDeviationBps falls back to the default 3% tolerance. This protects the
// pool against manipulated routers and poisoned liquidity.
func ValidateReceived(expected, received *big.Int, maxDeviationBps uint64) error {
	if expected == nil || received == nil {
		return fmt.Errorf("router: deviation check requires amounts")
	}
	if expected.Sign() <= 0 {
		return fmt.Errorf("router: expected amount must be positive")
	}
	if maxDeviationBps == 0 {
		maxDeviationBps = DefaultMaxDeviationBps
	}
	diff := new(big.Int).Sub(expected, received)
	if diff.Sign() < 0 {
		diff.Neg(diff)
	}
	bps := new(big.Int).Mul(diff, big.NewInt(10_000))
	bps.Quo(bps, expected)
	if bps.Cmp(new(big.Int).SetUint64(maxDeviationBps)) > 0 {
		return fmt.Errorf("%w: %s bps above %d", ErrDeviationExceeded, bps.String(), maxDeviationBps)
	}
	return nil
}

// Execute runs a swap through an allow-listed router and validates the
// received amount against the oracle-derived expectation.
func Execute(adapter Adapter, list *AllowList, routerAddr [20]byte, payload []byte, expected *big.Int, maxDeviationBps uint64) (*big.Int, error) {
	if adapter == nil {
		return nil, fmt.Errorf("router: adapter not configured")
	}
	if !list.Contains(routerAddr) {
		return nil, ErrRouterNotAllowed
	}
	received, err := adapter.ExecuteSwap(routerAddr, payload)
	if err != nil {
		return nil, fmt.Errorf("router: swap execution failed: %w", err)
	}
	if received == nil || received.Sign() <= 0 {
		return nil, fmt.Errorf("router: swap returned no output")
	}
	if err := ValidateReceived(expected, received, maxDeviationBps); err != nil {
		return nil, err
	}
	return new(big.Int).Set(received), nil
}
