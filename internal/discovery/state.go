package discovery

// State is the run state of an Engine.
type State int

const (
	StateIdle State = iota
	StateBootstrapped
	StateQuerying
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBootstrapped:
		return "bootstrapped"
	case StateQuerying:
		return "querying"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}
