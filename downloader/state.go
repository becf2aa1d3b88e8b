package downloader

// State of a download session. Transitions are recorded in the session
// history in order.
type State int32

const (
	StateIdle State = iota
	StateAuthenticating
	StateSearching
	StateEmpty
	StateSelecting
	StateFetching
	StateRetrying
	StateVerifying
	StateUncompressing
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateSearching:
		return "SEARCHING"
	case StateEmpty:
		return "EMPTY"
	case StateSelecting:
		return "SELECTING"
	case StateFetching:
		return "FETCHING"
	case StateRetrying:
		return "RETRYING"
	case StateVerifying:
		return "VERIFYING"
	case StateUncompressing:
		return "UNCOMPRESSING"
	case StateComplete:
		return "COMPLETE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition can happen
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed || s == StateEmpty
}
