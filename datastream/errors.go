package datastream

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrAlreadyExists   = errors.New("datastream: stream already exists")
	ErrNotFound        = errors.New("datastream: stream not found")
	ErrSchemaMismatch  = errors.New("datastream: schema mismatch")
	ErrInvalidArgument = errors.New("datastream: invalid argument")
	ErrWouldBlock      = errors.New("datastream: no frame available")
	ErrCancelled       = errors.New("datastream: read cancelled")
	ErrTimeout         = errors.New("datastream: read timed out")
	ErrClosed          = errors.New("datastream: closed")
	ErrIncompatible    = errors.New("datastream: incompatible region")
)

// waitError maps a context error from a blocking read onto the taxonomy.
func waitError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}
