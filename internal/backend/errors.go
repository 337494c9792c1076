package backend

import (
	"errors"
	"strings"
)

// ErrDeliverySkipped means the backend intentionally did not deliver. No log
// row is written and no retry is scheduled.
var ErrDeliverySkipped = errors.New("delivery skipped")

// RetryableFailure is a transient delivery failure; the hook is rescheduled
// until its attempts are exhausted.
type RetryableFailure struct {
	Detail Detail
	Cause  error
}

func (e *RetryableFailure) Error() string {
	return failureMessage("retryable delivery failure", e.Detail, e.Cause)
}

func (e *RetryableFailure) Unwrap() error {
	return e.Cause
}

// TerminalFailure is a permanent delivery failure; the hook ends in error.
type TerminalFailure struct {
	Detail Detail
	Cause  error
}

func (e *TerminalFailure) Error() string {
	return failureMessage("terminal delivery failure", e.Detail, e.Cause)
}

func (e *TerminalFailure) Unwrap() error {
	return e.Cause
}

func Retryable(detail Detail, cause error) error {
	return &RetryableFailure{Detail: detail, Cause: cause}
}

func Terminal(detail Detail, cause error) error {
	return &TerminalFailure{Detail: detail, Cause: cause}
}

func failureMessage(prefix string, detail Detail, cause error) string {
	parts := []string{prefix}
	if msg, ok := detail["error"].(string); ok && strings.TrimSpace(msg) != "" {
		parts = append(parts, msg)
	}
	if cause != nil {
		parts = append(parts, cause.Error())
	}
	return strings.Join(parts, ": ")
}
