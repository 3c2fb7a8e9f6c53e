package store

import "fmt"

// StorageError wraps a persistence failure. Callers treat it as non-fatal:
// the in-memory state proceeds and storage is reconciled on the next
// successful write or on reload.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
