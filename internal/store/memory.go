package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"crewroute/internal/model"
)

type visitKey struct {
	owner, customer, date string
}

// Memory is an in-process Store used in development and tests. Fill it with the Put
// helpers or LoadSeedFile.
type Memory struct {
	mu         sync.RWMutex
	customers  map[string]map[string]model.Customer
	crews      map[string]map[string]model.Crew
	settings   map[string]model.PlannerSettings
	scheduled  map[visitKey]model.TimeWindow
	legacy     map[visitKey]model.TimeWindow
	deliveries map[string]*WebhookDelivery
	order      []string
	dlq        []WebhookDelivery

	// Fault, when set, runs before every planner read; a non-nil error is returned as is.
	Fault func(op string) error
}

func NewMemory() *Memory {
	return &Memory{
		customers:  map[string]map[string]model.Customer{},
		crews:      map[string]map[string]model.Crew{},
		settings:   map[string]model.PlannerSettings{},
		scheduled:  map[visitKey]model.TimeWindow{},
		legacy:     map[visitKey]model.TimeWindow{},
		deliveries: map[string]*WebhookDelivery{},
	}
}

func (m *Memory) PutCustomer(c model.Customer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.customers[c.OwnerID] == nil {
		m.customers[c.OwnerID] = map[string]model.Customer{}
	}
	m.customers[c.OwnerID][c.ID] = c
}

func (m *Memory) PutCrew(c model.Crew) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.crews[c.OwnerID] == nil {
		m.crews[c.OwnerID] = map[string]model.Crew{}
	}
	m.crews[c.OwnerID][c.ID] = c
}

func (m *Memory) PutSettings(s model.PlannerSettings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[s.OwnerID] = s
}

func (m *Memory) PutScheduledVisit(ownerID, customerID, date string, w model.TimeWindow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduled[visitKey{ownerID, customerID, date}] = w
}

func (m *Memory) PutLegacyVisit(ownerID, customerID, date string, w model.TimeWindow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.legacy[visitKey{ownerID, customerID, date}] = w
}

func (m *Memory) fault(op string) error {
	if m.Fault == nil {
		return nil
	}
	return m.Fault(op)
}

func (m *Memory) GetCustomers(ctx context.Context, ownerID string, ids []string) ([]model.Customer, error) {
	if err := m.fault("customers"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Customer, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.customers[ownerID][id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) ScheduledWindows(ctx context.Context, ownerID, date string, customerIDs []string) (map[string]model.TimeWindow, error) {
	if err := m.fault("scheduled"); err != nil {
		return nil, err
	}
	return m.windows(m.scheduled, ownerID, date, customerIDs), nil
}

func (m *Memory) LegacyWindows(ctx context.Context, ownerID, date string, customerIDs []string) (map[string]model.TimeWindow, error) {
	if err := m.fault("legacy"); err != nil {
		return nil, err
	}
	return m.windows(m.legacy, ownerID, date, customerIDs), nil
}

func (m *Memory) windows(src map[visitKey]model.TimeWindow, ownerID, date string, ids []string) map[string]model.TimeWindow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[string]model.TimeWindow{}
	for _, id := range ids {
		if w, ok := src[visitKey{ownerID, id, date}]; ok {
			out[id] = w
		}
	}
	return out
}

func (m *Memory) GetCrew(ctx context.Context, ownerID, crewID string) (model.Crew, error) {
	if err := m.fault("crew"); err != nil {
		return model.Crew{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.crews[ownerID][crewID]
	if !ok {
		return model.Crew{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) GetSettings(ctx context.Context, ownerID string) (model.PlannerSettings, error) {
	if err := m.fault("settings"); err != nil {
		return model.PlannerSettings{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settings[ownerID]
	if !ok {
		return model.PlannerSettings{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }

func (m *Memory) EnqueueWebhook(ctx context.Context, ownerID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New().String()
	m.deliveries[id] = &WebhookDelivery{
		ID: id, OwnerID: ownerID, EventType: eventType, URL: url, Secret: secret,
		Payload: payload, Status: DeliveryPending, NextAttemptAt: time.Now(),
	}
	m.order = append(m.order, id)
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := []WebhookDelivery{}
	for _, id := range m.order {
		d := m.deliveries[id]
		if (d.Status == DeliveryPending || d.Status == DeliveryRetry) && !d.NextAttemptAt.After(now) {
			out = append(out, *d)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Attempts++
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		now := time.Now()
		d.Status = DeliveryDelivered
		d.DeliveredAt = &now
		return nil
	}
	d.Status = DeliveryRetry
	d.LastError = lastError
	if nextAttemptAt != nil {
		d.NextAttemptAt = *nextAttemptAt
	} else {
		d.NextAttemptAt = time.Now().Add(time.Minute)
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Attempts++
	d.Status = DeliveryFailed
	d.LastError = lastError
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	m.dlq = append(m.dlq, *d)
	return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, ownerID, status string, limit int) ([]WebhookDelivery, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []WebhookDelivery{}
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		d := m.deliveries[m.order[i]]
		if d.OwnerID != ownerID || (status != "" && d.Status != status) {
			continue
		}
		out = append(out, *d)
	}
	return out, nil
}

// DeadLetters returns deliveries that exhausted their attempts, oldest first.
func (m *Memory) DeadLetters() []WebhookDelivery {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]WebhookDelivery(nil), m.dlq...)
}
