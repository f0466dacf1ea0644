package slots

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i474232898/rain-forecast/internal/store"
)

const (
	// ConfigKey is the store key of the override document.
	ConfigKey = "rain-forecast:config"
	// ConfigTTL is how long a written override document lives.
	ConfigTTL = 30 * 24 * time.Hour
)

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrStoreNotConfigured = errors.New("kv not configured")
	ErrNoUpdates          = errors.New("no valid updates")
)

// Resolver computes effective slot configuration on every call; nothing it
// merges is cached.
type Resolver struct {
	store       store.Store
	settings    ProcessSettings
	adminSecret string
	log         logrus.FieldLogger
}

// NewResolver creates a Resolver. An empty adminSecret rejects every admin
// request.
func NewResolver(st store.Store, settings ProcessSettings, adminSecret string, log logrus.FieldLogger) *Resolver {
	if st == nil {
		st = store.Unconfigured{}
	}
	return &Resolver{
		store:       st,
		settings:    settings,
		adminSecret: adminSecret,
		log:         log,
	}
}

// StoreConfigured reports whether overrides can be read and written at all.
func (r *Resolver) StoreConfigured() bool {
	return r.store.Configured()
}

// Authorize compares bearer with the admin secret. An unset secret rejects
// every caller.
func (r *Resolver) Authorize(bearer string) error {
	if r.adminSecret == "" || bearer != r.adminSecret {
		return ErrUnauthorized
	}
	return nil
}

// Resolve returns the effective configuration of slot.
func (r *Resolver) Resolve(ctx context.Context, slot string) SlotConfig {
	return r.override(ctx).Apply(slot, r.settings.Base(slot))
}

// View returns the effective configuration of every known slot.
func (r *Resolver) View(ctx context.Context) Effective {
	return r.view(r.override(ctx))
}

// Update authorizes the caller, merges patch onto the stored override
// document and persists it. Fields that fail validation and slots outside
// the known list are dropped; if nothing remains ErrNoUpdates is returned.
func (r *Resolver) Update(ctx context.Context, bearer string, patch []byte) (Effective, error) {
	if !r.store.Configured() {
		return Effective{}, ErrStoreNotConfigured
	}
	if err := r.Authorize(bearer); err != nil {
		return Effective{}, err
	}

	updates, err := ParseDocument(patch)
	if err != nil {
		return Effective{}, err
	}
	for id := range updates.Slots {
		if !r.settings.known(id) {
			delete(updates.Slots, id)
		}
	}
	if updates.Empty() {
		return Effective{}, ErrNoUpdates
	}

	merged := r.override(ctx).Patch(updates)
	raw, err := json.Marshal(merged)
	if err != nil {
		return Effective{}, fmt.Errorf("encode config document: %w", err)
	}
	if err := r.store.Set(ctx, ConfigKey, string(raw), ConfigTTL); err != nil {
		return Effective{}, fmt.Errorf("save config document: %w", err)
	}

	r.log.WithField("document", string(raw)).Info("config override updated")
	return r.view(merged), nil
}

// override loads the stored document. Every failure means "no override".
func (r *Resolver) override(ctx context.Context) Document {
	if !r.store.Configured() {
		return Document{}
	}
	raw, err := r.store.Get(ctx, ConfigKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.log.WithError(err).Warn("config override unavailable, using base configuration")
		}
		return Document{}
	}
	doc, err := ParseDocument([]byte(raw))
	if err != nil {
		r.log.WithError(err).Warn("ignoring malformed config override")
		return Document{}
	}
	return doc
}

func (r *Resolver) view(doc Document) Effective {
	eff := Effective{
		Enabled: doc.Enabled == nil || *doc.Enabled,
		Slots:   make(map[string]SlotConfig),
	}
	for _, id := range r.settings.KnownSlots() {
		eff.Slots[id] = doc.Apply(id, r.settings.Base(id))
	}
	return eff
}
