package domain

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Subscription maps bus event names to one delivery backend and its configuration.
type Subscription struct {
	UUID            string
	Name            string
	Service         string
	OwnerTenantUUID string
	OwnerUserUUID   *string
	EventsUserUUID  *string
	EventsWazoUUID  *string
	Config          map[string]string
	Events          []string
	Metadata        map[string]string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (s *Subscription) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if strings.TrimSpace(s.Service) == "" {
		return fmt.Errorf("%w: service is required", ErrValidation)
	}
	if strings.TrimSpace(s.OwnerTenantUUID) == "" {
		return fmt.Errorf("%w: owner tenant is required", ErrValidation)
	}

	seen := make(map[string]struct{}, len(s.Events))
	for _, event := range s.Events {
		if strings.TrimSpace(event) == "" {
			return fmt.Errorf("%w: event name must not be empty", ErrValidation)
		}
		if _, ok := seen[event]; ok {
			return fmt.Errorf("%w: duplicate event %q", ErrValidation, event)
		}
		seen[event] = struct{}{}
	}

	return nil
}

// IsUserOwned reports whether the subscription was created on behalf of a user
// rather than a tenant.
func (s *Subscription) IsUserOwned() bool {
	return s.OwnerUserUUID != nil && *s.OwnerUserUUID != ""
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s Subscription) Clone() Subscription {
	out := s
	out.OwnerUserUUID = cloneString(s.OwnerUserUUID)
	out.EventsUserUUID = cloneString(s.EventsUserUUID)
	out.EventsWazoUUID = cloneString(s.EventsWazoUUID)
	out.Config = maps.Clone(s.Config)
	out.Metadata = maps.Clone(s.Metadata)
	out.Events = slices.Clone(s.Events)
	return out
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// ChangeKind is the kind of mutation a subscription went through.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

func (k ChangeKind) String() string { return string(k) }

// SubscriptionChange is emitted after a subscription mutation is committed.
// Old is nil for creations, New is nil for deletions.
type SubscriptionChange struct {
	Kind ChangeKind
	Old  *Subscription
	New  *Subscription
}

// SubscriptionFilter narrows subscription listings.
type SubscriptionFilter struct {
	Service          string
	OwnerTenantUUIDs []string
	OwnerUserUUID    *string
	Metadata         map[string]string
}
