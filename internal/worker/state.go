package worker

// State is a slot's position in the request lifecycle.
type State int32

const (
	StateIdle State = iota
	StateWaitingReady
	StateAccepted
	StateHeaderParsed
	StateDispatched
	StateClosed
	StateWorkerExit
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingReady:
		return "waiting_ready"
	case StateAccepted:
		return "accepted"
	case StateHeaderParsed:
		return "header_parsed"
	case StateDispatched:
		return "dispatched"
	case StateClosed:
		return "closed"
	case StateWorkerExit:
		return "worker_exit"
	}
	return "unknown"
}

// ExitReason explains why Run returned.
type ExitReason string

const (
	ExitNone     ExitReason = ""
	ExitStopped  ExitReason = "stopped"
	ExitRecycled ExitReason = "recycled"
	ExitReload   ExitReason = "reload"
	ExitOrphaned ExitReason = "orphaned"
)
