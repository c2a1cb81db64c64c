package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a record is not in the store.
type ErrNotFound struct {
	Key string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("record not found: %s", e.Key)
}

// ErrInternal wraps a storage-engine failure.
type ErrInternal struct {
	Err error
}

func (e *ErrInternal) Error() string {
	return fmt.Sprintf("internal store error: %v", e.Err)
}

func (e *ErrInternal) Unwrap() error {
	return e.Err
}

// ErrCorrupt is returned when a stored record fails to decode.
type ErrCorrupt struct {
	Key    string
	Reason string
}

func (e *ErrCorrupt) Error() string {
	return fmt.Sprintf("corrupt record %s: %s", e.Key, e.Reason)
}

func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}
