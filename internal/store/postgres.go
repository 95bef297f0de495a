package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"database/sql/driver"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"crewroute/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

// Migrate applies the embedded schema files that have not run yet.
func (p *Postgres) Migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	return p.migrate(ctx, sub)
}

// MigrateDir applies *.sql files from dir, for deployments that ship extra migrations.
func (p *Postgres) MigrateDir(ctx context.Context, dir string) error {
	return p.migrate(ctx, os.DirFS(dir))
}

func (p *Postgres) migrate(ctx context.Context, fsys fs.FS) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (name TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		var done bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name=$1)`, name).Scan(&done); err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
		if done {
			continue
		}
		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return err
		}
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migrate %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migrate %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) GetCustomers(ctx context.Context, ownerID string, ids []string) ([]model.Customer, error) {
	if len(ids) == 0 {
		return []model.Customer{}, nil
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id, name, COALESCE(address,''), lat, lng, service_minutes, priority
        FROM customers WHERE owner_id=$1 AND id = ANY($2)`, ownerID, ids)
	if err != nil {
		return nil, fmt.Errorf("get customers: %w", wrapConn(err))
	}
	defer rows.Close()
	byID := map[string]model.Customer{}
	for rows.Next() {
		var c model.Customer
		var lat, lng sql.NullFloat64
		var service sql.NullInt64
		if err := rows.Scan(&c.ID, &c.Name, &c.Address, &lat, &lng, &service, &c.Priority); err != nil {
			return nil, err
		}
		c.OwnerID = ownerID
		if lat.Valid && lng.Valid {
			c.Location = &model.Coordinates{Lat: lat.Float64, Lng: lng.Float64}
		}
		if service.Valid && service.Int64 > 0 {
			v := uint(service.Int64)
			c.ServiceMinutes = &v
		}
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, wrapConn(err)
	}
	out := make([]model.Customer, 0, len(byID))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (p *Postgres) ScheduledWindows(ctx context.Context, ownerID, date string, customerIDs []string) (map[string]model.TimeWindow, error) {
	return p.windows(ctx, `SELECT customer_id, to_char(start_time,'HH24:MI:SS'), COALESCE(to_char(end_time,'HH24:MI:SS'),''), hard
        FROM scheduled_visits WHERE owner_id=$1 AND visit_date=$2::date AND customer_id = ANY($3) AND status <> 'cancelled'
        ORDER BY start_time`, ownerID, date, customerIDs)
}

func (p *Postgres) LegacyWindows(ctx context.Context, ownerID, date string, customerIDs []string) (map[string]model.TimeWindow, error) {
	return p.windows(ctx, `SELECT customer_id, to_char(start_time,'HH24:MI:SS'), COALESCE(to_char(end_time,'HH24:MI:SS'),''), hard
        FROM legacy_visits WHERE owner_id=$1 AND visit_date=$2::date AND customer_id = ANY($3)
        ORDER BY start_time`, ownerID, date, customerIDs)
}

// windows keeps the earliest visit per customer when a day has several.
func (p *Postgres) windows(ctx context.Context, query, ownerID, date string, ids []string) (map[string]model.TimeWindow, error) {
	out := map[string]model.TimeWindow{}
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := p.db.QueryContext(ctx, query, ownerID, date, ids)
	if err != nil {
		return nil, fmt.Errorf("visit windows: %w", wrapConn(err))
	}
	defer rows.Close()
	for rows.Next() {
		var id, start, end string
		var hard bool
		if err := rows.Scan(&id, &start, &end, &hard); err != nil {
			return nil, err
		}
		if _, seen := out[id]; seen {
			continue
		}
		w, err := parseWindow(start, end, hard)
		if err != nil {
			return nil, fmt.Errorf("visit window for %s: %w", id, err)
		}
		out[id] = w
	}
	return out, wrapConn(rows.Err())
}

func parseWindow(start, end string, hard bool) (model.TimeWindow, error) {
	s, err := model.ParseTimeOfDay(start)
	if err != nil {
		return model.TimeWindow{}, err
	}
	if end == "" {
		return model.Point(s), nil
	}
	e, err := model.ParseTimeOfDay(end)
	if err != nil {
		return model.TimeWindow{}, err
	}
	return visitWindow(s, e, hard)
}

func (p *Postgres) GetCrew(ctx context.Context, ownerID, crewID string) (model.Crew, error) {
	c := model.Crew{ID: crewID, OwnerID: ownerID}
	var start, end string
	err := p.db.QueryRowContext(ctx, `SELECT name, to_char(work_start,'HH24:MI:SS'), to_char(work_end,'HH24:MI:SS'), buffer_percent, buffer_fixed_minutes
        FROM crews WHERE owner_id=$1 AND id=$2`, ownerID, crewID).Scan(&c.Name, &start, &end, &c.BufferPercent, &c.BufferFixedMinutes)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Crew{}, ErrNotFound
	}
	if err != nil {
		return model.Crew{}, fmt.Errorf("get crew: %w", wrapConn(err))
	}
	if c.WorkStart, err = model.ParseTimeOfDay(start); err != nil {
		return model.Crew{}, err
	}
	if c.WorkEnd, err = model.ParseTimeOfDay(end); err != nil {
		return model.Crew{}, err
	}
	return c, nil
}

func (p *Postgres) GetSettings(ctx context.Context, ownerID string) (model.PlannerSettings, error) {
	s := model.PlannerSettings{OwnerID: ownerID}
	var start, end string
	var brStart, brEnd sql.NullString
	var brMinutes sql.NullInt64
	err := p.db.QueryRowContext(ctx, `SELECT to_char(work_start,'HH24:MI:SS'), to_char(work_end,'HH24:MI:SS'), default_service_minutes,
        buffer_percent, buffer_fixed_minutes, to_char(break_earliest,'HH24:MI:SS'), to_char(break_latest,'HH24:MI:SS'), break_minutes
        FROM planner_settings WHERE owner_id=$1`, ownerID).
		Scan(&start, &end, &s.DefaultServiceMinutes, &s.BufferPercent, &s.BufferFixedMinutes, &brStart, &brEnd, &brMinutes)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PlannerSettings{}, ErrNotFound
	}
	if err != nil {
		return model.PlannerSettings{}, fmt.Errorf("get settings: %w", wrapConn(err))
	}
	if s.WorkStart, err = model.ParseTimeOfDay(start); err != nil {
		return model.PlannerSettings{}, err
	}
	if s.WorkEnd, err = model.ParseTimeOfDay(end); err != nil {
		return model.PlannerSettings{}, err
	}
	if brStart.Valid && brEnd.Valid && brMinutes.Valid && brMinutes.Int64 > 0 {
		b := model.BreakConfig{DurationMinutes: uint(brMinutes.Int64)}
		if b.EarliestStart, err = model.ParseTimeOfDay(brStart.String); err != nil {
			return model.PlannerSettings{}, err
		}
		if b.LatestStart, err = model.ParseTimeOfDay(brEnd.String); err != nil {
			return model.PlannerSettings{}, err
		}
		s.Break = &b
	}
	return s, nil
}

// Webhook deliveries

func (p *Postgres) EnqueueWebhook(ctx context.Context, ownerID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, owner_id, event_type, url, secret, payload, dedup_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        ON CONFLICT (owner_id, event_type, url, dedup_key) DO NOTHING`, id, ownerID, eventType, url, nullIfEmpty(secret), payload, computeDedupKey(payload))
	if err != nil {
		return "", wrapConn(err)
	}
	return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, owner_id, event_type, url, COALESCE(secret,''), payload, status, attempts, next_attempt_at
        FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, wrapConn(err)
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts, &d.NextAttemptAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, wrapConn(rows.Err())
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if success {
		_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='delivered', delivered_at=now(), updated_at=now(), response_code=$2, latency_ms=$3 WHERE id=$1`, id, responseCode, latencyMs)
		return wrapConn(err)
	}
	if nextAttemptAt == nil {
		t := time.Now().Add(time.Minute)
		nextAttemptAt = &t
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='retry', last_error=$2, next_attempt_at=$3, updated_at=now(), response_code=$4, latency_ms=$5 WHERE id=$1`,
		id, nullIfEmpty(lastError), *nextAttemptAt, responseCode, latencyMs)
	return wrapConn(err)
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapConn(err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='failed', last_error=$2, updated_at=now(), response_code=$3, latency_ms=$4 WHERE id=$1`,
		id, nullIfEmpty(lastError), responseCode, latencyMs); err != nil {
		return wrapConn(err)
	}
	// move to DLQ
	if _, err := tx.ExecContext(ctx, `INSERT INTO webhook_dlq (delivery_id, owner_id, event_type, url, payload, attempts, last_error)
        SELECT id, owner_id, event_type, url, payload, attempts, last_error FROM webhook_deliveries WHERE id=$1
        ON CONFLICT (delivery_id) DO NOTHING`, id); err != nil {
		return wrapConn(err)
	}
	return tx.Commit()
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, ownerID, status string, limit int) ([]WebhookDelivery, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id, owner_id, event_type, url, status, attempts, next_attempt_at, COALESCE(last_error,''), COALESCE(response_code,0), COALESCE(latency_ms,0), delivered_at
        FROM webhook_deliveries WHERE owner_id=$1 AND ($2 = '' OR status = $2) ORDER BY created_at DESC LIMIT $3`
	rows, err := p.db.QueryContext(ctx, q, ownerID, status, limit)
	if err != nil {
		return nil, wrapConn(err)
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		var delivered sql.NullTime
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.EventType, &d.URL, &d.Status, &d.Attempts, &d.NextAttemptAt, &d.LastError, &d.ResponseCode, &d.LatencyMs, &delivered); err != nil {
			return nil, err
		}
		if delivered.Valid {
			t := delivered.Time
			d.DeliveredAt = &t
		}
		out = append(out, d)
	}
	return out, wrapConn(rows.Err())
}

// computeDedupKey uses the payload's "id" when present, otherwise a short content hash.
func computeDedupKey(payload []byte) string {
	var m map[string]any
	if json.Unmarshal(payload, &m) == nil {
		if v, ok := m["id"].(string); ok && v != "" {
			return v
		}
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// wrapConn tags connection-level failures with ErrUnavailable so callers can retry them.
func wrapConn(err error) error {
	if err == nil || !isTransientPG(err) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func isTransientPG(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 08: connection exception, 53: insufficient resources, 57P: operator intervention
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "53") || strings.HasPrefix(pgErr.Code, "57P") || pgErr.Code == "40001"
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
