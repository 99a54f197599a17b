// Package sweeper implements the sandbox lifecycle state machine:
//
//	active → expiring → expired → deleted
//
// A periodic sweep moves each sandbox along based on its expiresAt and the
// injected clock. The warning transition fires one grace period before
// expiry and is purely informational; the sandbox stays fully usable until
// expiresAt. Expired sandboxes are kept for a short retention window for
// audit purposes, then hard-deleted.
//
// The sweeper is the only writer of time-derived status transitions;
// request paths only read statuses and honor expiry rejections. A failure
// on one sandbox never aborts the sweep of the others. It is logged and
// retried on the next cycle.
package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zootalk/zootalk/assistant-engine/internal/notify"
	"github.com/zootalk/zootalk/assistant-engine/internal/store"
	"github.com/zootalk/zootalk/assistant-engine/pkg/contracts"
	"github.com/zootalk/zootalk/assistant-engine/pkg/models"
)

// DefaultInterval is the sweep cadence. Expiry precision is bounded by it,
// so it stays well under a minute.
const DefaultInterval = 30 * time.Second

// DefaultGracePeriod is how long before expiry a sandbox enters the
// warning state.
const DefaultGracePeriod = 5 * time.Minute

// DefaultRetention is how long an expired sandbox is kept before hard
// deletion.
const DefaultRetention = 10 * time.Minute

// CycleStats tracks what happened in a single sweep cycle.
type CycleStats struct {
	Scanned int
	Warned  int
	Expired int
	Purged  int
	Errors  []error
}

// Sweeper periodically advances sandbox assistants through their lifecycle.
type Sweeper struct {
	store     store.Store
	clock     contracts.Clock
	interval  time.Duration
	grace     time.Duration
	retention time.Duration

	notifier *notify.Service    // nil = no notifications
	archiver contracts.Archiver // nil = purge without archiving
}

// New creates a sweeper. Non-positive durations fall back to the defaults;
// the interval is capped at one minute so warnings and expiry land close to
// their scheduled times.
func New(s store.Store, clock contracts.Clock, interval, grace, retention time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	if retention < 0 {
		retention = DefaultRetention
	}
	return &Sweeper{
		store:     s,
		clock:     clock,
		interval:  interval,
		grace:     grace,
		retention: retention,
	}
}

// SetNotifier makes the sweeper publish lifecycle events.
func (s *Sweeper) SetNotifier(n *notify.Service) { s.notifier = n }

// SetArchiver makes the sweeper archive records before purging them. When an
// archive write fails the purge is skipped and retried next cycle; a record
// is never dropped without its audit copy.
func (s *Sweeper) SetArchiver(a contracts.Archiver) { s.archiver = a }

func (s *Sweeper) publish(ctx context.Context, eventType notify.EventType, a *models.Assistant, now time.Time) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(ctx, notify.NewEvent(eventType, a.ID, a.AnimalID, a.ExpiresAt, now))
}

// Start runs the sweeper until ctx is canceled. It sweeps once immediately
// on startup so restarts don't delay overdue transitions by a full tick.
func (s *Sweeper) Start(ctx context.Context) {
	log.Info().
		Dur("interval", s.interval).
		Dur("grace", s.grace).
		Dur("retention", s.retention).
		Msg("Sandbox sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Sandbox sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one cycle over all sandbox assistants. Each sandbox is
// processed independently; per-sandbox failures are collected, logged, and
// left for the next cycle.
func (s *Sweeper) Sweep(ctx context.Context) CycleStats {
	stats := CycleStats{}

	sandboxes, err := s.store.ListSandboxes(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Sweep: failed to list sandboxes")
		stats.Errors = append(stats.Errors, err)
		return stats
	}

	now := s.clock.Now()
	for i := range sandboxes {
		stats.Scanned++
		if err := s.process(ctx, &sandboxes[i], now, &stats); err != nil {
			log.Warn().Err(err).Str("assistant", sandboxes[i].ID).Msg("Sweep cycle error")
			stats.Errors = append(stats.Errors, err)
		}
	}

	if stats.Warned > 0 || stats.Expired > 0 || stats.Purged > 0 {
		log.Info().
			Int("scanned", stats.Scanned).
			Int("warned", stats.Warned).
			Int("expired", stats.Expired).
			Int("purged", stats.Purged).
			Msg("Sweep cycle complete")
	}
	return stats
}

// process advances a single sandbox. A sandbox overdue for several
// transitions (e.g. after downtime) catches up one step per cycle; the
// immediate startup sweep plus the short interval keep that lag bounded.
func (s *Sweeper) process(ctx context.Context, a *models.Assistant, now time.Time, stats *CycleStats) error {
	if a.ExpiresAt == nil {
		// Should be unreachable: sandboxes always carry an expiry.
		log.Warn().Str("assistant", a.ID).Msg("Sandbox without expiresAt, skipping")
		return nil
	}

	switch a.Status {
	case models.StatusActive:
		if !now.Before(*a.ExpiresAt) {
			if err := s.transition(ctx, a.ID, models.StatusActive, models.StatusExpired, now); err != nil {
				return err
			}
			stats.Expired++
			s.publish(ctx, notify.EventSandboxExpired, a, now)
			return nil
		}
		if !now.Before(a.ExpiresAt.Add(-s.grace)) {
			if err := s.transition(ctx, a.ID, models.StatusActive, models.StatusExpiring, now); err != nil {
				return err
			}
			stats.Warned++
			s.publish(ctx, notify.EventSandboxExpiring, a, now)
		}

	case models.StatusExpiring:
		if !now.Before(*a.ExpiresAt) {
			if err := s.transition(ctx, a.ID, models.StatusExpiring, models.StatusExpired, now); err != nil {
				return err
			}
			stats.Expired++
			s.publish(ctx, notify.EventSandboxExpired, a, now)
		}

	case models.StatusExpired:
		if !now.Before(a.ExpiresAt.Add(s.retention)) {
			if s.archiver != nil {
				if _, err := s.archiver.ArchiveAssistants(ctx, a.AnimalID, []models.Assistant{*a}); err != nil {
					return err
				}
			}
			if err := s.store.TransitionStatus(ctx, a.ID, models.StatusExpired, models.StatusDeleted, now); err != nil && !isBenignRace(err) {
				return err
			}
			if err := s.store.PurgeAssistant(ctx, a.ID); err != nil {
				var nf *store.ErrNotFound
				if !errors.As(err, &nf) {
					return err
				}
			}
			stats.Purged++
			s.publish(ctx, notify.EventSandboxPurged, a, now)
			log.Info().Str("assistant", a.ID).Msg("Expired sandbox purged")
		}

	case models.StatusPromoted, models.StatusDeleted:
		// Terminal by other means; nothing for the sweeper to do.
	}

	return nil
}

// transition applies a CAS status change, tolerating races where another
// sweep or a promotion got there first.
func (s *Sweeper) transition(ctx context.Context, id string, from, to models.AssistantStatus, now time.Time) error {
	err := s.store.TransitionStatus(ctx, id, from, to, now)
	if err != nil && !isBenignRace(err) {
		return err
	}
	return nil
}

// isBenignRace reports whether a transition failure just means the record
// moved on without us: promoted or deleted between the list and the CAS.
func isBenignRace(err error) bool {
	var conflict *store.ErrVersionConflict
	var notFound *store.ErrNotFound
	return errors.As(err, &conflict) || errors.As(err, &notFound)
}
