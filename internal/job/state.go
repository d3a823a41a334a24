package job

import "log/slog"

// State is a job lifecycle state. The enumeration is owned by the scheduler;
// this service only classifies states as active or terminal.
type State string

// States known to the scheduler.
const (
	StateNew         State = "new"
	StateUpload      State = "upload"
	StateWaiting     State = "waiting"
	StateQueued      State = "queued"
	StateRunning     State = "running"
	StatePaused      State = "paused"
	StateResubmitted State = "resubmitted"
	StateStop        State = "stop"

	StateOK         State = "ok"
	StateError      State = "error"
	StateFailed     State = "failed"
	StateDeleted    State = "deleted"
	StateDeletedNew State = "deleted_new"
	StateDeleting   State = "deleting"
	StateStopped    State = "stopped"
	StateSkipped    State = "skipped"
)

var activeStates = map[State]bool{
	StateNew:         true,
	StateUpload:      true,
	StateWaiting:     true,
	StateQueued:      true,
	StateRunning:     true,
	StatePaused:      true,
	StateResubmitted: true,
	StateStop:        true,
}

var terminalStates = map[State]bool{
	StateOK:         true,
	StateError:      true,
	StateFailed:     true,
	StateDeleted:    true,
	StateDeletedNew: true,
	StateDeleting:   true,
	StateStopped:    true,
	StateSkipped:    true,
}

// IsActive reports whether a job in state s may still have its files
// accessed. States the scheduler introduces later are not trusted until
// classified here.
func IsActive(s State) bool {
	if activeStates[s] {
		return true
	}
	if !IsTerminal(s) {
		slog.Warn("Unclassified job state treated as terminal", "state", string(s))
	}
	return false
}

// IsTerminal reports whether s is a known terminal state.
func IsTerminal(s State) bool {
	return terminalStates[s]
}
