package core

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateCreation is returned when a key is already open (or being opened).
	// The existing handle is authoritative; callers should not retry blindly.
	ErrDuplicateCreation = errors.New("duplicate creation of open file")
	// ErrReadOnly is returned when a mutation is attempted on a read-only handle.
	ErrReadOnly = errors.New("read-only violation")
	// ErrCannotAllocate is returned when every master block slot is in use.
	ErrCannotAllocate = errors.New("cannot allocate: catalog exhausted")
	// ErrIllegalChannelName is wrapped by every channel name ValidationError.
	ErrIllegalChannelName = errors.New("illegal channel name")
	// ErrIndexCounterExhausted replaces wrapping of the 16-bit next_index counter.
	ErrIndexCounterExhausted = errors.New("index block counter exhausted")
	// ErrZeroDataBlock is returned when an all-zero, non-continuation data block is offered.
	ErrZeroDataBlock = errors.New("refusing all-zero data block")
	// ErrFileNotFound is returned when an existing file was required but is missing.
	ErrFileNotFound = errors.New("file not found")
	// ErrClosed is returned by operations on a closed handle.
	ErrClosed = errors.New("file is closed")
	// ErrCloseTimeout is returned when a pending close did not finish in time.
	ErrCloseTimeout = errors.New("timed out waiting for pending close")
	// ErrWriteBehindFull is returned when the write-behind queue hit its hard limit.
	ErrWriteBehindFull = errors.New("write-behind queue full")
	// ErrTrimRefused is returned when non-zero data exists past a trim cutoff.
	ErrTrimRefused = errors.New("trim refused")
	// ErrZeroAheadStopped is returned when the zero-ahead allocator is no longer running.
	ErrZeroAheadStopped = errors.New("zero-ahead allocator stopped")
	// ErrNoSpaceLeft is returned when a data file extension cannot fit on the volume.
	ErrNoSpaceLeft = errors.New("no space left for data file extension")
)

// ValidationError is a custom error type for validation failures.
type ValidationError struct {
	Message string
	Field   string // e.g., "channel", "node"
	Value   string // The invalid value
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s '%s': %s", e.Field, e.Value, e.Message)
}

// Unwrap lets errors.Is match channel name failures against ErrIllegalChannelName.
func (e *ValidationError) Unwrap() error {
	if e.Field == "channel" {
		return ErrIllegalChannelName
	}
	return nil
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var validationError *ValidationError
	return errors.As(err, &validationError)
}

// IOError is a physical read or write failure on one of the unit's files.
type IOError struct {
	Op    string // "read", "write", "truncate", ...
	File  string
	Block int64
	Err   error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s block %d: %v", e.Op, e.File, e.Block, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// IsIOError checks if an error is an IOError.
func IsIOError(err error) bool {
	var ioError *IOError
	return errors.As(err, &ioError)
}
