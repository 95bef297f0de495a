package store

import (
	"context"
	"errors"
	"time"

	"crewroute/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrUnavailable marks a failure worth retrying: the backend was unreachable or timed out.
	ErrUnavailable = errors.New("store unavailable")
)

// Planner is the read-only view the route planner needs. Every lookup is scoped to an owner.
type Planner interface {
	// GetCustomers returns the customers found among ids, in ids order. Unknown ids are omitted.
	GetCustomers(ctx context.Context, ownerID string, ids []string) ([]model.Customer, error)
	// ScheduledWindows returns the authoritative scheduled-visit window per customer for date.
	ScheduledWindows(ctx context.Context, ownerID, date string, customerIDs []string) (map[string]model.TimeWindow, error)
	// LegacyWindows returns windows from the old visit records, consulted when no scheduled visit exists.
	LegacyWindows(ctx context.Context, ownerID, date string, customerIDs []string) (map[string]model.TimeWindow, error)
	GetCrew(ctx context.Context, ownerID, crewID string) (model.Crew, error)
	// GetSettings returns ErrNotFound when the owner never saved settings.
	GetSettings(ctx context.Context, ownerID string) (model.PlannerSettings, error)
}

// Outbox persists webhook deliveries until they are delivered or dead-lettered.
type Outbox interface {
	EnqueueWebhook(ctx context.Context, ownerID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
	ListWebhookDeliveries(ctx context.Context, ownerID, status string, limit int) ([]WebhookDelivery, error)
}

type Store interface {
	Planner
	Outbox
	Ping(ctx context.Context) error
	Close() error
}

const (
	DeliveryPending   = "pending"
	DeliveryRetry     = "retry"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

type WebhookDelivery struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"ownerId"`
	EventType     string     `json:"eventType"`
	URL           string     `json:"url"`
	Secret        string     `json:"-"`
	Payload       []byte     `json:"-"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt time.Time  `json:"nextAttemptAt"`
	LastError     string     `json:"lastError,omitempty"`
	ResponseCode  int        `json:"responseCode,omitempty"`
	LatencyMs     int        `json:"latencyMs,omitempty"`
	DeliveredAt   *time.Time `json:"deliveredAt,omitempty"`
}

// IsTransient reports whether err is a backend outage rather than a data problem.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return isTransientPG(err)
}
