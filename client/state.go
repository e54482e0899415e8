package client

// State is the manager's lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateConnected
	StateBroken
	StateWaiting
	StateReady
	StateQuitting
	StateDestroyed
	StateAborted
)

var stateNames = [...]string{
	StateUninitialized: "uninitialized",
	StateConnected:     "connected",
	StateBroken:        "broken",
	StateWaiting:       "waiting",
	StateReady:         "ready",
	StateQuitting:      "quitting",
	StateDestroyed:     "destroyed",
	StateAborted:       "aborted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether the manager will not serve requests again.
func (s State) Terminal() bool {
	return s == StateBroken || s == StateDestroyed || s == StateAborted
}

// Priority is a request priority on the wire. Lower is more urgent.
type Priority int

const (
	PriorityControl Priority = iota
	PriorityImmediate
	PriorityCurrent
	PriorityOpen
	PriorityBackground
)
