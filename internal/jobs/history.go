package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"crewroute/internal/model"
)

const DefaultHistoryCapacity = 500

// History is a bounded ring of job records, oldest evicted first. With a path set every
// mutation rewrites the file; a failed write is retried by the flusher.
type History struct {
	mu       sync.Mutex
	capacity int
	records  []model.HistoryRecord
	path     string
	dirty    bool
	cron     *cron.Cron
}

func NewHistory(capacity int, path string) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &History{capacity: capacity, path: path}
}

// Load reads the file written by a previous run. A missing file is not an error.
func (h *History) Load() error {
	if h.path == "" {
		return nil
	}
	b, err := os.ReadFile(h.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	var recs []model.HistoryRecord
	if err := json.Unmarshal(b, &recs); err != nil {
		return fmt.Errorf("decode history: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(recs) > h.capacity {
		recs = recs[len(recs)-h.capacity:]
	}
	h.records = recs
	return nil
}

// Upsert replaces the record with the same id or appends a new one.
func (h *History) Upsert(rec model.HistoryRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	replaced := false
	for i := range h.records {
		if h.records[i].ID == rec.ID {
			h.records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		h.records = append(h.records, rec)
		if over := len(h.records) - h.capacity; over > 0 {
			h.records = append(h.records[:0], h.records[over:]...)
		}
	}
	h.persistLocked()
}

// List returns the owner's records, newest first. limit <= 0 returns all of them.
func (h *History) List(ownerID string, limit int) []model.HistoryRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := []model.HistoryRecord{}
	for i := len(h.records) - 1; i >= 0; i-- {
		if h.records[i].OwnerID != ownerID {
			continue
		}
		out = append(out, h.records[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// MeanDuration averages the last n finished jobs across owners, zero when there are none.
func (h *History) MeanDuration(n int) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	var total int64
	count := 0
	for i := len(h.records) - 1; i >= 0 && count < n; i-- {
		r := h.records[i]
		if r.CompletedAt == nil || r.DurationMs <= 0 {
			continue
		}
		total += r.DurationMs
		count++
	}
	if count == 0 {
		return 0
	}
	return time.Duration(total/int64(count)) * time.Millisecond
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

// Flush writes the file if the last write failed.
func (h *History) Flush() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty {
		return nil
	}
	return h.writeLocked()
}

func (h *History) persistLocked() {
	if h.path == "" {
		return
	}
	if err := h.writeLocked(); err != nil {
		log.Warn().Err(err).Str("path", h.path).Msg("write job history, will retry")
	}
}

func (h *History) writeLocked() error {
	b, err := json.MarshalIndent(h.records, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(h.path), ".history-*.json")
	if err != nil {
		h.dirty = true
		return err
	}
	_, werr := tmp.Write(b)
	cerr := tmp.Close()
	if werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Rename(tmp.Name(), h.path)
	}
	if werr != nil {
		_ = os.Remove(tmp.Name())
		h.dirty = true
		return werr
	}
	h.dirty = false
	return nil
}

// StartFlusher retries failed writes on a cron schedule, e.g. "@every 30s".
func (h *History) StartFlusher(spec string) error {
	if h.path == "" {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		if err := h.Flush(); err != nil {
			log.Error().Err(err).Str("path", h.path).Msg("flush job history")
		}
	}); err != nil {
		return fmt.Errorf("history flusher: %w", err)
	}
	h.mu.Lock()
	h.cron = c
	h.mu.Unlock()
	c.Start()
	log.Info().Str("schedule", spec).Msg("history flusher started")
	return nil
}

// Stop halts the flusher and performs a last flush.
func (h *History) Stop() {
	h.mu.Lock()
	c := h.cron
	h.cron = nil
	h.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	if err := h.Flush(); err != nil {
		log.Error().Err(err).Msg("final history flush")
	}
}
