// Package engine drives autosave for open documents: debounced saves with
// a version guard, conflict resolution, offline queueing, and crash
// recovery. Each document runs a single goroutine that serializes edits,
// timer fires, and save responses.
package engine

import "time"

// SaveState is the per-document save lifecycle surfaced to the editor.
type SaveState string

const (
	StateIdle        SaveState = "idle"
	StatePending     SaveState = "pending"
	StateSaving      SaveState = "saving"
	StateSaved       SaveState = "saved"
	StateOffline     SaveState = "offline"
	StateConflict    SaveState = "conflict"
	StateError       SaveState = "error"
	StateRateLimited SaveState = "rate_limited"
)

// validTransitions is the save lifecycle. Every edge not listed here is a
// bug in the pipeline, not a condition to handle.
var validTransitions = map[SaveState][]SaveState{
	StateIdle:        {StatePending, StateConflict, StateOffline},
	StatePending:     {StatePending, StateSaving, StateOffline, StateConflict},
	StateSaving:      {StateSaved, StateConflict, StateRateLimited, StateError, StateOffline, StatePending},
	StateSaved:       {StateIdle, StatePending, StateOffline, StateConflict},
	StateOffline:     {StateOffline, StatePending, StateSaving, StateSaved, StateConflict},
	StateConflict:    {StateIdle, StateSaving, StatePending},
	StateError:       {StateSaving, StatePending, StateOffline},
	StateRateLimited: {StateSaving, StatePending, StateOffline},
}

// CanTransition reports whether the save lifecycle allows moving from one
// state to another.
func CanTransition(from, to SaveState) bool {
	if from == to {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateChange is emitted on every transition. Err is a user-facing detail
// for error, conflict, and offline states.
type StateChange struct {
	DocumentID string
	State      SaveState
	LastSaved  time.Time
	Err        string
}

type Logger interface {
	Printf(format string, args ...any)
}
