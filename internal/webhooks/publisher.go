package webhooks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"crewroute/internal/model"
	"crewroute/internal/store"
)

// Publisher turns terminal job statuses into outbox deliveries for the job's callback URL.
type Publisher struct {
	Outbox store.Outbox
	// Secret signs every delivery; empty sends unsigned callbacks.
	Secret string
}

func NewPublisher(o store.Outbox, secret string) *Publisher {
	return &Publisher{Outbox: o, Secret: secret}
}

type event struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	OwnerID string          `json:"ownerId"`
	TS      string          `json:"ts"`
	Data    model.JobStatus `json:"data"`
}

func EventType(s model.JobState) string { return "route_plan." + string(s) }

// Notify enqueues the callback. The event id is derived from job and state so a redelivered
// job does not call back twice.
func (p *Publisher) Notify(ctx context.Context, job model.RoutePlanJob, st model.JobStatus) {
	if job.Request.CallbackURL == "" || !st.State.Terminal() {
		return
	}
	evt := event{
		ID:      "evt_" + job.ID + "_" + string(st.State),
		Type:    EventType(st.State),
		OwnerID: job.OwnerID,
		TS:      time.Now().UTC().Format(time.RFC3339),
		Data:    st,
	}
	body, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("encode webhook event")
		return
	}
	if _, err := p.Outbox.EnqueueWebhook(ctx, job.OwnerID, evt.Type, job.Request.CallbackURL, p.Secret, body); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Str("url", job.Request.CallbackURL).Msg("enqueue webhook")
	}
}
