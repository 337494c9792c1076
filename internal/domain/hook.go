package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// HookStatus is the outcome of one delivery attempt.
type HookStatus string

const (
	// HookStatusSuccess means the backend performed the delivery.
	HookStatusSuccess HookStatus = "success"
	// HookStatusFailure means the attempt failed and another one is scheduled.
	HookStatusFailure HookStatus = "failure"
	// HookStatusError means the hook stopped: terminal failure, exhausted
	// attempts or an unexpected error.
	HookStatusError HookStatus = "error"
)

func (s HookStatus) String() string { return string(s) }

func (s HookStatus) IsValid() bool {
	switch s {
	case HookStatusSuccess, HookStatusFailure, HookStatusError:
		return true
	}
	return false
}

func ParseHookStatusFromString(s string) (HookStatus, error) {
	st := HookStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid hook status %q", ErrValidation, s)
	}
	return st, nil
}

// DefaultHookMaxAttempts bounds the attempts of a hook when not configured.
const DefaultHookMaxAttempts = 10

// HookLog is the immutable record of one attempt of a hook.
type HookLog struct {
	UUID             string
	Attempts         int
	SubscriptionUUID string
	Status           HookStatus
	StartedAt        time.Time
	EndedAt          time.Time
	MaxAttempts      int
	Event            json.RawMessage
	Detail           json.RawMessage
}

// HookLogFilter narrows and orders an execution log listing.
type HookLogFilter struct {
	SubscriptionUUID string
	Status           *HookStatus
	From             *time.Time
	Order            string
	Direction        string
	Limit            int
	Offset           int
}

const (
	HookLogOrderStartedAt = "started_at"
	HookLogOrderEndedAt   = "ended_at"
	HookLogOrderAttempts  = "attempts"
	HookLogOrderStatus    = "status"
)

func IsValidHookLogOrder(order string) bool {
	switch order {
	case HookLogOrderStartedAt, HookLogOrderEndedAt, HookLogOrderAttempts, HookLogOrderStatus:
		return true
	}
	return false
}

// HookTask is one scheduled attempt of a hook. Retries carry the same UUID
// with the next attempt number.
type HookTask struct {
	UUID         string       `json:"uuid"`
	Backend      string       `json:"backend"`
	Subscription Subscription `json:"subscription"`
	Event        Event        `json:"event"`
	Attempt      int          `json:"attempt"`
	MaxAttempts  int          `json:"max_attempts"`
}

// Exhausted reports whether this attempt is the last one allowed.
func (t HookTask) Exhausted() bool {
	return t.Attempt >= t.MaxAttempts
}

// Next returns the task for the following attempt.
func (t HookTask) Next() HookTask {
	next := t
	next.Attempt++
	return next
}

// RetryDelay is the wait before the attempt following this one: 2^(attempt-1)
// seconds.
func (t HookTask) RetryDelay() time.Duration {
	attempt := t.Attempt
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		attempt = 16
	}
	return time.Duration(1<<(attempt-1)) * time.Second
}
