package fund

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"daofund/core/events"
	"daofund/core/types"
	"daofund/crypto"
)

const (
	EventTypeDeposited          = "fund.deposited"
	EventTypeStageChanged       = "fund.stage_changed"
	EventTypeExchangeSettled    = "fund.exchange_settled"
	EventTypePrimarySold        = "fund.primary_sold"
	EventTypeExitRequested      = "fund.exit_requested"
	EventTypeExitCancelled      = "fund.exit_cancelled"
	EventTypeExitFilled         = "fund.exit_filled"
	EventTypeProfitsDistributed = "fund.profits_distributed"
	EventTypeRewardsClaimed     = "fund.rewards_claimed"
	EventTypeRefundClaimed      = "fund.refund_claimed"
	EventTypeDissolutionClaimed = "fund.dissolution_claimed"
)

type wrappedEvent struct{ evt *types.Event }

func (w wrappedEvent) EventType() string { return w.evt.Type }

// Event exposes the underlying typed payload.
func (w wrappedEvent) Event() *types.Event { return w.evt }

// WrapEvent adapts a typed event to the emitter interface.
func WrapEvent(evt *types.Event) events.Event { return wrappedEvent{evt: evt} }

func addrString(addr [20]byte) string {
	return crypto.MustNewAddress(crypto.DAOPrefix, addr[:]).String()
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func DepositedEvent(owner [20]byte, amount, shares, totalShares *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeDeposited,
		Attributes: map[string]string{
			"owner":       addrString(owner),
			"amount":      bigString(amount),
			"shares":      bigString(shares),
			"totalShares": bigString(totalShares),
		},
	}
}

func StageChangedEvent(from, to Stage) *types.Event {
	return &types.Event{
		Type: EventTypeStageChanged,
		Attributes: map[string]string{
			"from": from.String(),
			"to":   to.String(),
		},
	}
}

func ExchangeSettledEvent(spent, received *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeExchangeSettled,
		Attributes: map[string]string{
			"collateralSpent": bigString(spent),
			"primaryReceived": bigString(received),
		},
	}
}

func PrimarySoldEvent(seller [20]byte, amount, valueUSD, proceeds *big.Int, level uint64) *types.Event {
	return &types.Event{
		Type: EventTypePrimarySold,
		Attributes: map[string]string{
			"seller":   addrString(seller),
			"amount":   bigString(amount),
			"valueUsd": bigString(valueUSD),
			"proceeds": bigString(proceeds),
			"level":    fmt.Sprintf("%d", level),
		},
	}
}

func ExitRequestedEvent(owner [20]byte, index uint64, shares *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeExitRequested,
		Attributes: map[string]string{
			"owner":  addrString(owner),
			"index":  fmt.Sprintf("%d", index),
			"shares": bigString(shares),
		},
	}
}

func ExitCancelledEvent(owner [20]byte, index uint64) *types.Event {
	return &types.Event{
		Type: EventTypeExitCancelled,
		Attributes: map[string]string{
			"owner": addrString(owner),
			"index": fmt.Sprintf("%d", index),
		},
	}
}

func ExitFilledEvent(owner [20]byte, index uint64, shares, paid *big.Int, partial bool) *types.Event {
	return &types.Event{
		Type: EventTypeExitFilled,
		Attributes: map[string]string{
			"owner":   addrString(owner),
			"index":   fmt.Sprintf("%d", index),
			"shares":  bigString(shares),
			"paid":    bigString(paid),
			"partial": fmt.Sprintf("%t", partial),
		},
	}
}

func ProfitsDistributedEvent(token string, profit, royalty, creatorCut, buybacks, accrued *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeProfitsDistributed,
		Attributes: map[string]string{
			"token":    token,
			"profit":   bigString(profit),
			"royalty":  bigString(royalty),
			"creator":  bigString(creatorCut),
			"buybacks": bigString(buybacks),
			"accrued":  bigString(accrued),
		},
	}
}

func RewardsClaimedEvent(owner [20]byte, token string, amount *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeRewardsClaimed,
		Attributes: map[string]string{
			"owner":  addrString(owner),
			"token":  token,
			"amount": bigString(amount),
		},
	}
}

func RefundClaimedEvent(owner [20]byte, amount *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeRefundClaimed,
		Attributes: map[string]string{
			"owner":  addrString(owner),
			"amount": bigString(amount),
		},
	}
}

func DissolutionClaimedEvent(owner [20]byte, paid map[string]*big.Int) *types.Event {
	tokens := make([]string, 0, len(paid))
	for token := range paid {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	parts := make([]string, 0, len(tokens))
	for _, token := range tokens {
		parts = append(parts, token+"="+bigString(paid[token]))
	}
	return &types.Event{
		Type: EventTypeDissolutionClaimed,
		Attributes: map[string]string{
			"owner":   addrString(owner),
			"payouts": strings.Join(parts, ","),
		},
	}
}
