package buildloop

import "fmt"

// State is a build loop state.
type State int

const (
	StateAwaitingOracle State = iota
	StateExecutingTools
	StateConverged
	StateBudgetExhausted
)

func (s State) String() string {
	switch s {
	case StateAwaitingOracle:
		return "awaiting_oracle"
	case StateExecutingTools:
		return "executing_tools"
	case StateConverged:
		return "converged"
	case StateBudgetExhausted:
		return "budget_exhausted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether the loop stops in s.
func (s State) Terminal() bool {
	return s == StateConverged || s == StateBudgetExhausted
}

// Event drives a transition.
type Event int

const (
	EventToolCalls   Event = iota // oracle asked for tool calls
	EventFinalText                // oracle answered with text only
	EventEmptyReply               // oracle answered with nothing
	EventToolsDone                // every tool call of the round ran
	EventBudgetSpent              // no rounds left
)

var transitions = map[State]map[Event]State{
	StateAwaitingOracle: {
		EventToolCalls:   StateExecutingTools,
		EventFinalText:   StateConverged,
		EventEmptyReply:  StateAwaitingOracle,
		EventBudgetSpent: StateBudgetExhausted,
	},
	StateExecutingTools: {
		EventToolsDone: StateAwaitingOracle,
	},
}

// Next returns the state reached from s on e. Tool errors never appear
// here: they stay local to StateExecutingTools.
func Next(s State, e Event) (State, error) {
	next, ok := transitions[s][e]
	if !ok {
		return s, fmt.Errorf("no transition from %s on event %d", s, e)
	}
	return next, nil
}
