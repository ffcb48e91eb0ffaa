package pipeline

import "fmt"

// ModelError reports that the language model could not produce a response.
// It is fatal to the turn.
type ModelError struct {
	Attempts int
	Err      error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model call failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }
