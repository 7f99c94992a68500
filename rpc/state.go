package rpc

// State is the phase of one invocation.
//
//	received -> authorizing -> rejected
//	                        -> validating -> rejected
//	                                      -> executing -> completed
//	                                                   -> failed
type State int

const (
	StateReceived State = iota
	StateAuthorizing
	StateValidating
	StateExecuting
	StateRejected
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateAuthorizing:
		return "authorizing"
	case StateValidating:
		return "validating"
	case StateExecuting:
		return "executing"
	case StateRejected:
		return "rejected"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == StateRejected || s == StateCompleted || s == StateFailed
}
