package pipeline

// State is the lifecycle position of a [Run].
type State int32

const (
	Idle State = iota
	CacheCheck
	Streaming
	Flushing
	Complete
	Error
	Stopped
)

var stateNames = [...]string{
	Idle:       "idle",
	CacheCheck: "cache_check",
	Streaming:  "streaming",
	Flushing:   "flushing",
	Complete:   "complete",
	Error:      "error",
	Stopped:    "stopped",
}

// String implements fmt.Stringer.
func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == Complete || s == Error || s == Stopped
}
