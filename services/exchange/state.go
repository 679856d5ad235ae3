package exchange

// State is the lifecycle state of one exchange.
type State string

const (
	StatePending       State = "PENDING"
	StateRequestPhase  State = "RUNNING_REQUEST_PHASE"
	StateBackendCall   State = "BACKEND_CALL"
	StateResponsePhase State = "RUNNING_RESPONSE_PHASE"
	StateCompleted     State = "COMPLETED"
	StateAborted       State = "ABORTED"
)

// transitions lists the legal successors of each state. The request phase may
// skip the backend after a short-circuit; PENDING may complete directly when
// no predicate matches.
var transitions = map[State][]State{
	StatePending:       {StateRequestPhase, StateCompleted, StateAborted},
	StateRequestPhase:  {StateBackendCall, StateResponsePhase, StateAborted},
	StateBackendCall:   {StateResponsePhase, StateAborted},
	StateResponsePhase: {StateCompleted, StateAborted},
}

// CanTransition reports whether the exchange may move from s to next.
func (s State) CanTransition(next State) bool {
	for _, candidate := range transitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}
