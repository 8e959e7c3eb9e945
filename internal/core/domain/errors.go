package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDocumentNotFound  = errors.New("document not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrTemporary         = errors.New("temporary failure")
	ErrContent           = errors.New("unprocessable content")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrQueueFull         = errors.New("ingestion queue full")
	ErrLeaseLost         = errors.New("processing lease lost")
	ErrInvariant         = errors.New("invariant violation")
)

// CancelledMessage is recorded as error_message when a caller cancels a run.
const CancelledMessage = "cancelled by caller"

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
