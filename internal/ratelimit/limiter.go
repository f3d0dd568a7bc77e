// Package ratelimit implements per-user admission control with ban escalation.
//
// Every user is watched through an activity record counting interactions
// within the current minute of the day. Crossing the warning threshold emits
// a one-off warning, exceeding the limit bans the user for BanHours.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xaenox/persona-gateway/internal/models"
	"github.com/xaenox/persona-gateway/internal/storage"
	"go.uber.org/zap"
)

// Decision is the outcome of an admission check.
type Decision int

const (
	Allowed Decision = iota
	DeniedRateLimited
	DeniedBanned
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case DeniedRateLimited:
		return "rate_limited"
	case DeniedBanned:
		return "banned"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Denied reports whether the decision blocks further processing.
func (d Decision) Denied() bool {
	return d != Allowed
}

// Notifier receives the side effects of admission checks. Implementations
// must not block: they are called from inside Admit.
type Notifier interface {
	Warn(userID int64, count int)
	Banned(userID int64, ban models.Ban)
}

type Config struct {
	Limit         int
	WarnThreshold int
	BanHours      int
}

// DefaultBanHours is the ban duration applied when Config.BanHours is unset.
const DefaultBanHours = 24

type activity struct {
	mu      sync.Mutex
	record  models.Activity
	removed bool
}

type Limiter struct {
	cfg      Config
	bans     storage.BanStorage
	notifier Notifier
	logger   *zap.Logger

	watchdog sync.Map // user id -> *activity
}

func NewLimiter(cfg Config, bans storage.BanStorage, notifier Notifier, logger *zap.Logger) *Limiter {
	if cfg.WarnThreshold <= 0 {
		cfg.WarnThreshold = cfg.Limit - 2
	}
	if cfg.BanHours <= 0 {
		cfg.BanHours = DefaultBanHours
	}

	return &Limiter{
		cfg:      cfg,
		bans:     bans,
		notifier: notifier,
		logger:   logger.With(zap.String("component", "ratelimit")),
	}
}

// Admit checks whether userID may interact at now. A non-nil error means the
// check could not be completed and the caller must not proceed.
func (l *Limiter) Admit(ctx context.Context, userID int64, now time.Time) (Decision, error) {
	ban, err := l.bans.FindBan(ctx, userID)
	if err != nil {
		return DeniedBanned, fmt.Errorf("failed to check ban: %w", err)
	}
	if ban != nil {
		l.logger.Debug("Banned user denied", zap.Int64("user_id", userID))
		return DeniedBanned, nil
	}

	windowMinute := now.Hour()*60 + now.Minute()

	a := l.lockActivity(userID)
	defer a.mu.Unlock()

	if a.record.WindowMinute != windowMinute {
		a.record.WindowMinute = windowMinute
		a.record.Count = 0
	}
	a.record.Count++
	count := a.record.Count

	if count == l.cfg.WarnThreshold {
		l.logger.Info("User approaching rate limit",
			zap.Int64("user_id", userID),
			zap.Int("count", count),
			zap.Int("limit", l.cfg.Limit))
		if l.notifier != nil {
			l.notifier.Warn(userID, count)
		}
	}

	if count <= l.cfg.Limit {
		return Allowed, nil
	}

	newBan := models.Ban{UserID: userID, BannedAt: now, DurationHours: l.cfg.BanHours}
	if err := l.bans.CreateBan(ctx, &newBan); err != nil {
		l.logger.Error("Failed to persist ban",
			zap.Error(err),
			zap.Int64("user_id", userID))
		return DeniedRateLimited, fmt.Errorf("failed to persist ban: %w", err)
	}

	a.removed = true
	l.watchdog.CompareAndDelete(userID, a)

	l.logger.Warn("User exceeded rate limit and was banned",
		zap.Int64("user_id", userID),
		zap.Int("count", count),
		zap.Int("ban_hours", l.cfg.BanHours))
	if l.notifier != nil {
		l.notifier.Banned(userID, newBan)
	}

	return DeniedBanned, nil
}

// lockActivity returns the locked activity record of userID, creating it when missing.
func (l *Limiter) lockActivity(userID int64) *activity {
	for {
		v, _ := l.watchdog.LoadOrStore(userID, &activity{
			record: models.Activity{UserID: userID, WindowMinute: -1},
		})
		a := v.(*activity)
		a.mu.Lock()
		if !a.removed {
			return a
		}
		a.mu.Unlock()
	}
}

// Snapshot returns a copy of the activity record of userID.
func (l *Limiter) Snapshot(userID int64) (models.Activity, bool) {
	v, ok := l.watchdog.Load(userID)
	if !ok {
		return models.Activity{}, false
	}

	a := v.(*activity)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.record, !a.removed
}

// SweepExpiredBans deletes bans whose duration elapsed, once immediately and
// then every interval, until ctx is done.
func (l *Limiter) SweepExpiredBans(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		removed, err := l.bans.DeleteExpiredBans(ctx, time.Now())
		switch {
		case err != nil && ctx.Err() == nil:
			l.logger.Error("Failed to delete expired bans", zap.Error(err))
		case removed > 0:
			l.logger.Info("Expired bans lifted", zap.Int64("count", removed))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
