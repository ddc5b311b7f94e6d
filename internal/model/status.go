package model

import "fmt"

// KeyState is the lifecycle state of one (agent, path) trigger key.
type KeyState string

const (
	KeyStateIdle       KeyState = "idle"
	KeyStateDebouncing KeyState = "debouncing"
	KeyStateQueued     KeyState = "queued"
	KeyStateRunning    KeyState = "running"
	KeyStateCompleted  KeyState = "completed"
	KeyStateTimedOut   KeyState = "timed_out"
	KeyStateRetrying   KeyState = "retrying"
	KeyStateFailed     KeyState = "failed"
)

var terminalKeyStates = map[KeyState]bool{
	KeyStateCompleted: true,
	KeyStateFailed:    true,
}

// Key state transitions: idle → debouncing → queued → running →
// {completed | timed_out → retrying → (completed|failed)}.
// idle targets are cancellations or backpressure sheds.
var validKeyTransitions = map[KeyState]map[KeyState]bool{
	KeyStateIdle: {
		KeyStateDebouncing: true,
	},
	KeyStateDebouncing: {
		KeyStateDebouncing: true, // timer reset on a fresh event
		KeyStateQueued:     true,
		KeyStateIdle:       true,
	},
	KeyStateQueued: {
		KeyStateRunning: true,
		KeyStateIdle:    true,
	},
	KeyStateRunning: {
		KeyStateCompleted: true,
		KeyStateTimedOut:  true,
		KeyStateRetrying:  true, // non-timeout executor failure with attempts left
		KeyStateFailed:    true,
		KeyStateIdle:      true, // cancelled in flight
	},
	KeyStateTimedOut: {
		KeyStateRetrying: true,
		KeyStateFailed:   true,
	},
	KeyStateRetrying: {
		KeyStateQueued: true,
		KeyStateIdle:   true,
	},
}

func IsKeyTerminal(s KeyState) bool {
	return terminalKeyStates[s]
}

// ValidateKeyTransition checks one state-machine step for a trigger key.
// A terminal key may only begin a new cycle (→ idle or → debouncing when an
// event arrived mid-run).
func ValidateKeyTransition(from, to KeyState) error {
	if IsKeyTerminal(from) {
		if to == KeyStateIdle || to == KeyStateDebouncing {
			return nil
		}
		return fmt.Errorf("cannot transition from terminal key state %q to %q", from, to)
	}
	allowed, ok := validKeyTransitions[from]
	if !ok {
		return fmt.Errorf("unknown key state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid key transition: %q → %q", from, to)
	}
	return nil
}
