package repository

import (
	"encoding/json"
	"time"

	"github.com/kursadbilgin/webhook-dispatcher/internal/domain"
	"gorm.io/datatypes"
)

// SubscriptionModel is the persistence model for webhookd_subscription. Its
// children are owned by the aggregate and replaced as a whole on update.
type SubscriptionModel struct {
	UUID            string  `gorm:"column:uuid;type:varchar(36);primaryKey"`
	Name            string  `gorm:"type:varchar(128);not null"`
	Service         string  `gorm:"type:varchar(128);not null;index"`
	OwnerTenantUUID string  `gorm:"type:varchar(36);not null;index"`
	OwnerUserUUID   *string `gorm:"type:varchar(36);index"`
	EventsUserUUID  *string `gorm:"type:varchar(36)"`
	EventsWazoUUID  *string `gorm:"type:varchar(36)"`
	CreatedAt       time.Time
	UpdatedAt       time.Time

	Events   []SubscriptionEventModel    `gorm:"foreignKey:SubscriptionUUID;references:UUID;constraint:OnDelete:CASCADE"`
	Options  []SubscriptionOptionModel   `gorm:"foreignKey:SubscriptionUUID;references:UUID;constraint:OnDelete:CASCADE"`
	Metadata []SubscriptionMetadatumModel `gorm:"foreignKey:SubscriptionUUID;references:UUID;constraint:OnDelete:CASCADE"`
}

func (SubscriptionModel) TableName() string {
	return "webhookd_subscription"
}

type SubscriptionEventModel struct {
	SubscriptionUUID string `gorm:"column:subscription_uuid;type:varchar(36);primaryKey"`
	EventName        string `gorm:"type:varchar(128);primaryKey"`
}

func (SubscriptionEventModel) TableName() string {
	return "webhookd_subscription_event"
}

type SubscriptionOptionModel struct {
	SubscriptionUUID string `gorm:"column:subscription_uuid;type:varchar(36);primaryKey"`
	Name             string `gorm:"type:varchar(128);primaryKey"`
	Value            string `gorm:"type:text;not null"`
}

func (SubscriptionOptionModel) TableName() string {
	return "webhookd_subscription_option"
}

type SubscriptionMetadatumModel struct {
	SubscriptionUUID string `gorm:"column:subscription_uuid;type:varchar(36);primaryKey"`
	Key              string `gorm:"type:varchar(128);primaryKey"`
	Value            string `gorm:"type:text;not null"`
}

func (SubscriptionMetadatumModel) TableName() string {
	return "webhookd_subscription_metadatum"
}

// HookLogModel is one row of webhookd_subscription_log, keyed by hook uuid
// and attempt number.
type HookLogModel struct {
	UUID             string         `gorm:"column:uuid;type:varchar(36);primaryKey"`
	Attempts         int            `gorm:"primaryKey;autoIncrement:false"`
	SubscriptionUUID string         `gorm:"column:subscription_uuid;type:varchar(36);not null;index:idx_subscription_log_started,priority:1"`
	Status           string         `gorm:"type:varchar(10);not null"`
	StartedAt        time.Time      `gorm:"not null;index:idx_subscription_log_started,priority:2"`
	EndedAt          time.Time      `gorm:"not null"`
	MaxAttempts      int            `gorm:"not null"`
	Event            datatypes.JSON `gorm:"not null"`
	Detail           datatypes.JSON

	Subscription *SubscriptionModel `gorm:"foreignKey:SubscriptionUUID;references:UUID;constraint:OnDelete:CASCADE"`
}

func (HookLogModel) TableName() string {
	return "webhookd_subscription_log"
}

func subscriptionModelFromDomain(s *domain.Subscription) *SubscriptionModel {
	if s == nil {
		return nil
	}

	m := &SubscriptionModel{
		UUID:            s.UUID,
		Name:            s.Name,
		Service:         s.Service,
		OwnerTenantUUID: s.OwnerTenantUUID,
		OwnerUserUUID:   s.OwnerUserUUID,
		EventsUserUUID:  s.EventsUserUUID,
		EventsWazoUUID:  s.EventsWazoUUID,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
	m.Events, m.Options, m.Metadata = childModels(s)
	return m
}

func childModels(s *domain.Subscription) ([]SubscriptionEventModel, []SubscriptionOptionModel, []SubscriptionMetadatumModel) {
	events := make([]SubscriptionEventModel, 0, len(s.Events))
	for _, name := range s.Events {
		events = append(events, SubscriptionEventModel{SubscriptionUUID: s.UUID, EventName: name})
	}

	options := make([]SubscriptionOptionModel, 0, len(s.Config))
	for name, value := range s.Config {
		options = append(options, SubscriptionOptionModel{SubscriptionUUID: s.UUID, Name: name, Value: value})
	}

	metadata := make([]SubscriptionMetadatumModel, 0, len(s.Metadata))
	for key, value := range s.Metadata {
		metadata = append(metadata, SubscriptionMetadatumModel{SubscriptionUUID: s.UUID, Key: key, Value: value})
	}

	return events, options, metadata
}

func subscriptionModelToDomain(m *SubscriptionModel) *domain.Subscription {
	if m == nil {
		return nil
	}

	s := &domain.Subscription{
		UUID:            m.UUID,
		Name:            m.Name,
		Service:         m.Service,
		OwnerTenantUUID: m.OwnerTenantUUID,
		OwnerUserUUID:   m.OwnerUserUUID,
		EventsUserUUID:  m.EventsUserUUID,
		EventsWazoUUID:  m.EventsWazoUUID,
		Config:          make(map[string]string, len(m.Options)),
		Events:          make([]string, 0, len(m.Events)),
		Metadata:        make(map[string]string, len(m.Metadata)),
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
	for _, e := range m.Events {
		s.Events = append(s.Events, e.EventName)
	}
	for _, o := range m.Options {
		s.Config[o.Name] = o.Value
	}
	for _, md := range m.Metadata {
		s.Metadata[md.Key] = md.Value
	}
	return s
}

func hookLogModelFromDomain(l *domain.HookLog) *HookLogModel {
	if l == nil {
		return nil
	}

	return &HookLogModel{
		UUID:             l.UUID,
		Attempts:         l.Attempts,
		SubscriptionUUID: l.SubscriptionUUID,
		Status:           l.Status.String(),
		StartedAt:        l.StartedAt,
		EndedAt:          l.EndedAt,
		MaxAttempts:      l.MaxAttempts,
		Event:            datatypes.JSON(jsonOrEmpty(l.Event)),
		Detail:           datatypes.JSON(jsonOrEmpty(l.Detail)),
	}
}

func hookLogModelToDomain(m *HookLogModel) *domain.HookLog {
	if m == nil {
		return nil
	}

	return &domain.HookLog{
		UUID:             m.UUID,
		Attempts:         m.Attempts,
		SubscriptionUUID: m.SubscriptionUUID,
		Status:           domain.HookStatus(m.Status),
		StartedAt:        m.StartedAt,
		EndedAt:          m.EndedAt,
		MaxAttempts:      m.MaxAttempts,
		Event:            json.RawMessage(m.Event),
		Detail:           json.RawMessage(m.Detail),
	}
}

func jsonOrEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}
