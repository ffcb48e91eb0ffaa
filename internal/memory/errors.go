package memory

import "fmt"

// StorageError reports a failed read or write against the message store.
type StorageError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *StorageError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("memory %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("memory %s (session %s): %v", e.Op, e.SessionID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
