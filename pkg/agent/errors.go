package agent

import "fmt"

// ModelError reports a failed model invocation
type ModelError struct {
	Provider string
	Phase    string // "decide" or "respond"
	Err      error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("%s model call failed during %s: %v", e.Provider, e.Phase, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }
