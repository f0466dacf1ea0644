package schedule

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i474232898/rain-forecast/internal/store"
)

const (
	ReasonAlreadySent = "Already sent"
	ReasonInProgress  = "Dispatch in progress"

	// ClaimTTL bounds how long a crashed pass can hold its claim.
	ClaimTTL = 5 * time.Minute
)

// Decision is the outcome of a dedupe check.
type Decision struct {
	Proceed bool
	Reason  string
	Key     string
}

// Matcher applies a DedupePolicy against the shared store. An unconfigured or
// unreachable store never blocks a dispatch.
type Matcher struct {
	store  store.Store
	policy DedupePolicy
	log    logrus.FieldLogger
}

// NewMatcher creates a Matcher. A nil store means no markers are kept and a
// nil policy means DayKeyed.
func NewMatcher(st store.Store, policy DedupePolicy, log logrus.FieldLogger) *Matcher {
	if st == nil {
		st = store.Unconfigured{}
	}
	if policy == nil {
		policy = DayKeyed{}
	}
	return &Matcher{store: st, policy: policy, log: log}
}

// WithPolicy returns a Matcher sharing the store but using policy.
func (m *Matcher) WithPolicy(policy DedupePolicy) *Matcher {
	return &Matcher{store: m.store, policy: policy, log: m.log}
}

// WithStore returns a Matcher using st with the same policy.
func (m *Matcher) WithStore(st store.Store) *Matcher {
	return &Matcher{store: st, policy: m.policy, log: m.log}
}

// Enabled reports whether markers are persisted at all.
func (m *Matcher) Enabled() bool {
	return m.store.Configured()
}

// Check looks up the marker for scope.
func (m *Matcher) Check(ctx context.Context, scope Scope, now time.Time) Decision {
	key := m.policy.Key(scope, now)
	if !m.store.Configured() {
		return Decision{Proceed: true, Key: key}
	}

	value, err := m.store.Get(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Decision{Proceed: true, Key: key}
	case err != nil:
		m.log.WithError(err).WithField("key", key).Warn("dedupe marker unreadable, proceeding")
		return Decision{Proceed: true, Key: key}
	}

	if m.policy.Blocks(value, now) {
		return Decision{Proceed: false, Reason: ReasonAlreadySent, Key: key}
	}
	return Decision{Proceed: true, Key: key}
}

func claimKey(scope Scope) string {
	return fmt.Sprintf("%s:lock:%s", keyPrefix, scope.suffix())
}

// Claim takes the in-flight lock for scope. It returns false only when
// another pass holds the lock.
func (m *Matcher) Claim(ctx context.Context, scope Scope, now time.Time) bool {
	if !m.store.Configured() {
		return true
	}
	ok, err := m.store.SetNX(ctx, claimKey(scope), stamp(now), ClaimTTL)
	if err != nil {
		m.log.WithError(err).WithField("slot", scope.Slot).Warn("claim failed, proceeding without lock")
		return true
	}
	return ok
}

// Release drops the in-flight lock.
func (m *Matcher) Release(ctx context.Context, scope Scope) {
	if !m.store.Configured() {
		return
	}
	if err := m.store.Delete(ctx, claimKey(scope)); err != nil {
		m.log.WithError(err).WithField("slot", scope.Slot).Warn("release claim failed")
	}
}

// Mark records that scope was served at now.
func (m *Matcher) Mark(ctx context.Context, scope Scope, now time.Time) error {
	if !m.store.Configured() {
		return nil
	}
	key := m.policy.Key(scope, now)
	if m.policy.FirstWins() {
		if _, err := m.store.SetNX(ctx, key, stamp(now), m.policy.TTL()); err != nil {
			return fmt.Errorf("mark %s: %w", key, err)
		}
		return nil
	}
	if err := m.store.Set(ctx, key, stamp(now), m.policy.TTL()); err != nil {
		return fmt.Errorf("mark %s: %w", key, err)
	}
	return nil
}

func stamp(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
