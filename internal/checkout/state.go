package checkout

import "fmt"

// State is the position of a cart in the checkout sequence. Unknown is
// terminal but unresolved: the money side may or may not have happened, and a
// reconciliation record carries the follow-up.
type State int

const (
	StateBuilding State = iota
	StateStaged
	StateAuthorizing
	StateCommitted
	StateFailed
	StateUnknown
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateStaged:
		return "staged"
	case StateAuthorizing:
		return "authorizing"
	case StateCommitted:
		return "committed"
	case StateFailed:
		return "failed"
	case StateUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateFailed || s == StateUnknown
}

var transitions = map[State][]State{
	StateBuilding:    {StateStaged, StateFailed},
	StateStaged:      {StateAuthorizing, StateCommitted, StateFailed},
	StateAuthorizing: {StateCommitted, StateFailed, StateUnknown},
}

// flow tracks one checkout's progress and panics on an illegal transition.
// Transition bugs are programming errors, not runtime conditions, so they
// fail loudly in tests rather than silently corrupting the sequence.
type flow struct {
	cartID string
	state  State
}

func newFlow(cartID string) *flow {
	return &flow{cartID: cartID, state: StateBuilding}
}

func (f *flow) to(next State) {
	for _, allowed := range transitions[f.state] {
		if allowed == next {
			f.state = next
			return
		}
	}
	panic(fmt.Sprintf("illegal checkout transition %s -> %s (cart %s)", f.state, next, f.cartID))
}
