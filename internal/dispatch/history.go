package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/i474232898/rain-forecast/internal/store"
)

const (
	// HistoryKey is the store key of the rolling notification log.
	HistoryKey = "rain-forecast:history"
	// HistoryLimit caps the log length.
	HistoryLimit = 100
)

var errHistoryUndecodable = errors.New("history undecodable")

// Kind tells forecast pushes from threshold alerts.
type Kind string

const (
	KindForecast Kind = "forecast"
	KindAlert    Kind = "alert"
)

// Record is one attempted delivery.
type Record struct {
	ID         string `json:"id"`
	ScheduleID string `json:"scheduleId"`
	CityID     string `json:"cityId"`
	Timestamp  int64  `json:"timestamp"` // unix ms
	Sent       bool   `json:"sent"`
	Message    string `json:"message,omitempty"`
	Kind       Kind   `json:"kind"`
}

// History keeps the newest HistoryLimit records, newest first. It persists to
// the shared store when one is configured and to process memory otherwise.
type History struct {
	mu    sync.Mutex
	store store.Store
	local []Record
	log   logrus.FieldLogger
}

// NewHistory creates a History over st. A nil or unconfigured store keeps
// the log in process memory.
func NewHistory(st store.Store, log logrus.FieldLogger) *History {
	if st == nil {
		st = store.Unconfigured{}
	}
	return &History{store: st, log: log}
}

// Append puts records in front of the log, keeping their order.
func (h *History) Append(ctx context.Context, records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	// Only a corrupt log is replaced; a read failure must not overwrite it.
	existing, err := h.load(ctx)
	switch {
	case errors.Is(err, errHistoryUndecodable):
		h.log.WithError(err).Warn("history unreadable, starting a new log")
	case err != nil:
		return fmt.Errorf("load history: %w", err)
	}

	updated := make([]Record, 0, len(records)+len(existing))
	updated = append(updated, records...)
	updated = append(updated, existing...)
	if len(updated) > HistoryLimit {
		updated = updated[:HistoryLimit]
	}
	return h.save(ctx, updated)
}

// List returns the log, newest first.
func (h *History) List(ctx context.Context) ([]Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.load(ctx)
}

func (h *History) load(ctx context.Context) ([]Record, error) {
	if !h.store.Configured() {
		out := make([]Record, len(h.local))
		copy(out, h.local)
		return out, nil
	}

	raw, err := h.store.Get(ctx, HistoryKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var records []Record
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil, fmt.Errorf("%w: %v", errHistoryUndecodable, err)
	}
	return records, nil
}

func (h *History) save(ctx context.Context, records []Record) error {
	if !h.store.Configured() {
		h.local = records
		return nil
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if err := h.store.Set(ctx, HistoryKey, string(raw), 0); err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	return nil
}
