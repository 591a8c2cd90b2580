package publish

import "fmt"

// State is the lifecycle position of one publish unit.
type State int

const (
	StatePending State = iota
	StatePushing
	StatePushFailed
	StatePushed
	StateTagging
	StateTagFailed
	StateTagged
)

var stateNames = map[State]string{
	StatePending:    "PENDING",
	StatePushing:    "PUSHING",
	StatePushFailed: "PUSH_FAILED",
	StatePushed:     "PUSHED",
	StateTagging:    "TAGGING",
	StateTagFailed:  "TAG_FAILED",
	StateTagged:     "TAGGED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StatePushFailed || s == StateTagFailed || s == StateTagged
}

// PENDING->PUSH_FAILED and PUSHED->TAG_FAILED are taken only when the run is
// cancelled before the unit starts.
var transitions = map[State][]State{
	StatePending: {StatePushing, StatePushFailed},
	StatePushing: {StatePushed, StatePushFailed},
	StatePushed:  {StateTagging, StateTagFailed},
	StateTagging: {StateTagged, StateTagFailed},
}

// CanTransition reports whether from->to is a legal move.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type unit struct {
	name  string
	state State
}

func (u *unit) to(next State) {
	if u.state.Terminal() {
		panic(fmt.Sprintf("publish: unit %s already finished as %s", u.name, u.state))
	}
	if !CanTransition(u.state, next) {
		panic(fmt.Sprintf("publish: invalid transition of %s from %s to %s", u.name, u.state, next))
	}
	u.state = next
}
