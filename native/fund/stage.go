package fund

import "fmt"

// Stage gates which operations are legal at any point in the fund lifecycle.
type Stage uint8

const (
	StageFundraising Stage = iota
	StageFundraisingCancelled
	StageFundraisingExchange
	StageWaitingForLP
	StageActive
	StageDissolved
)

// stageTransitions is the complete legal transition table.
// FundraisingCancelled and Dissolved are terminal.
var stageTransitions = map[Stage][]Stage{
	StageFundraising:         {StageFundraisingCancelled, StageFundraisingExchange},
	StageFundraisingExchange: {StageWaitingForLP},
	StageWaitingForLP:        {StageActive},
	StageActive:              {StageDissolved},
}

// Valid reports whether the stage value is within the supported range.
func (s Stage) Valid() bool {
	return s <= StageDissolved
}

// Terminal reports whether the stage admits no further transitions.
func (s Stage) Terminal() bool {
	return s == StageFundraisingCancelled || s == StageDissolved
}

// CanTransition reports whether moving from s to next is legal.
func (s Stage) CanTransition(next Stage) bool {
	for _, candidate := range stageTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

func (s Stage) String() string {
	switch s {
	case StageFundraising:
		return "fundraising"
	case StageFundraisingCancelled:
		return "fundraising_cancelled"
	case StageFundraisingExchange:
		return "fundraising_exchange"
	case StageWaitingForLP:
		return "waiting_for_lp"
	case StageActive:
		return "active"
	case StageDissolved:
		return "dissolved"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}
