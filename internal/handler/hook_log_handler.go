package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/webhook-dispatcher/internal/domain"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

type SubscriptionGetter interface {
	Get(ctx context.Context, subscriptionUUID string) (*domain.Subscription, error)
}

type HookLogLister interface {
	List(ctx context.Context, filter domain.HookLogFilter) ([]domain.HookLog, int64, error)
}

// HookLogHandler serves the execution log of a subscription.
type HookLogHandler struct {
	subscriptions SubscriptionGetter
	logs          HookLogLister
}

func NewHookLogHandler(subscriptions SubscriptionGetter, logs HookLogLister) (*HookLogHandler, error) {
	if subscriptions == nil {
		return nil, fmt.Errorf("subscription getter is required")
	}
	if logs == nil {
		return nil, fmt.Errorf("hook log lister is required")
	}
	return &HookLogHandler{subscriptions: subscriptions, logs: logs}, nil
}

func RegisterHookLogRoutes(router fiber.Router, subscriptions SubscriptionGetter, logs HookLogLister) error {
	h, err := NewHookLogHandler(subscriptions, logs)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Get("/subscriptions/:uuid/logs", h.ListLogs)

	return nil
}

type hookLogResponse struct {
	UUID        string          `json:"uuid"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	Status      string          `json:"status"`
	StartedAt   time.Time       `json:"startedAt"`
	EndedAt     time.Time       `json:"endedAt"`
	Event       json.RawMessage `json:"event"`
	Detail      json.RawMessage `json:"detail"`
}

type listHookLogsResponse struct {
	Data []hookLogResponse `json:"data"`
	Meta listMeta          `json:"meta"`
}

type listMeta struct {
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
	Total  int64 `json:"total"`
}

func (h *HookLogHandler) ListLogs(c *fiber.Ctx) error {
	subscriptionUUID := strings.TrimSpace(c.Params("uuid"))
	if _, err := h.subscriptions.Get(c.Context(), subscriptionUUID); err != nil {
		return err
	}

	filter, err := parseHookLogFilter(c)
	if err != nil {
		return err
	}
	filter.SubscriptionUUID = subscriptionUUID

	logs, total, err := h.logs.List(c.Context(), filter)
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusOK).JSON(listHookLogsResponse{
		Data: toHookLogResponses(logs),
		Meta: listMeta{
			Limit:  filter.Limit,
			Offset: filter.Offset,
			Total:  total,
		},
	})
}

func parseHookLogFilter(c *fiber.Ctx) (domain.HookLogFilter, error) {
	filter := domain.HookLogFilter{
		Limit:  c.QueryInt("limit", defaultLogLimit),
		Offset: c.QueryInt("offset", 0),
	}

	if filter.Limit < 1 || filter.Limit > maxLogLimit {
		return domain.HookLogFilter{}, fmt.Errorf("%w: limit must be between 1 and %d", domain.ErrValidation, maxLogLimit)
	}
	if filter.Offset < 0 {
		return domain.HookLogFilter{}, fmt.Errorf("%w: offset must be >= 0", domain.ErrValidation)
	}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseHookStatusFromString(rawStatus)
		if err != nil {
			return domain.HookLogFilter{}, err
		}
		filter.Status = &status
	}

	if rawFrom := strings.TrimSpace(c.Query("from")); rawFrom != "" {
		from, err := time.Parse(time.RFC3339, rawFrom)
		if err != nil {
			return domain.HookLogFilter{}, fmt.Errorf("%w: from must be RFC3339", domain.ErrValidation)
		}
		filter.From = &from
	}

	if order := strings.TrimSpace(c.Query("order")); order != "" {
		if !domain.IsValidHookLogOrder(order) {
			return domain.HookLogFilter{}, fmt.Errorf("%w: invalid order %q", domain.ErrValidation, order)
		}
		filter.Order = order
	}

	switch direction := strings.ToLower(strings.TrimSpace(c.Query("direction"))); direction {
	case "", "asc", "desc":
		filter.Direction = direction
	default:
		return domain.HookLogFilter{}, fmt.Errorf("%w: direction must be asc or desc", domain.ErrValidation)
	}

	return filter, nil
}

func toHookLogResponses(logs []domain.HookLog) []hookLogResponse {
	responses := make([]hookLogResponse, 0, len(logs))
	for _, l := range logs {
		responses = append(responses, hookLogResponse{
			UUID:        l.UUID,
			Attempts:    l.Attempts,
			MaxAttempts: l.MaxAttempts,
			Status:      l.Status.String(),
			StartedAt:   l.StartedAt,
			EndedAt:     l.EndedAt,
			Event:       rawOrEmpty(l.Event),
			Detail:      rawOrEmpty(l.Detail),
		})
	}
	return responses
}

func rawOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}
