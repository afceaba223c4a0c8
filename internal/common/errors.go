package common

import (
	"errors"
	"fmt"
)

// Pipeline-fatal sentinels. Any of these surfaced during processing resolves
// the receipt to the failed state with the captured message.
var (
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrCorruptDocument   = errors.New("corrupt document")
	ErrNotFound          = errors.New("resource not found")
	ErrInvalidInput      = errors.New("invalid input")
)

// ExtractionError covers every way the oracle step can fail: transport
// errors, schema violations, out-of-range page tags, and timeouts.
type ExtractionError struct {
	Message string
	Cause   error
}

func (e *ExtractionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("extraction failed: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("extraction failed: %s", e.Message)
}

func (e *ExtractionError) Unwrap() error {
	return e.Cause
}

func NewExtractionError(message string, cause error) *ExtractionError {
	return &ExtractionError{Message: message, Cause: cause}
}

// FieldViolation describes a single user-correctable validation failure,
// addressed to one field of one reconciled item.
type FieldViolation struct {
	ItemID  string `json:"itemId"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v FieldViolation) Error() string {
	return fmt.Sprintf("item %s: %s: %s", v.ItemID, v.Field, v.Message)
}

// ValidationError aggregates field violations across the whole reconciliation
// workspace. It blocks commit but never touches the receipt's status.
type ValidationError struct {
	Violations []FieldViolation
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %d violation(s)", len(e.Violations))
}

// CommitError marks an all-or-nothing persistence failure. The caller's
// in-memory state must be preserved so the user can retry without re-keying.
type CommitError struct {
	Cause error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit failed: %v", e.Cause)
}

func (e *CommitError) Unwrap() error {
	return e.Cause
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
