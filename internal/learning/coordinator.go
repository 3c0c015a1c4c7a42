// Package learning folds successfully authenticated attempts into the
// user's behavioral baseline. Only admissions teach; blocked and expired
// attempts never mutate the profile.
package learning

import (
	"context"

	"go.uber.org/zap"

	"github.com/riskgate/riskgate/internal/audit"
	"github.com/riskgate/riskgate/internal/baseline"
	"github.com/riskgate/riskgate/internal/common/database"
	"github.com/riskgate/riskgate/internal/common/errors"
	"github.com/riskgate/riskgate/internal/geo"
	"github.com/riskgate/riskgate/internal/metrics"
	"github.com/riskgate/riskgate/internal/network"
	"github.com/riskgate/riskgate/internal/signal"
)

// streakBreakPrefix marks users whose streak must reset on the next
// qualifying attempt. The marker lives outside the profile so that a
// non-qualifying outcome leaves the profile document untouched.
const streakBreakPrefix = "learning:streakbreak:"

// Config holds learning parameters
type Config struct {
	// Alpha is the EWMA smoothing factor
	Alpha float64
	// StabilizationStreak is the qualifying-attempt streak that bumps the
	// baseline version
	StabilizationStreak int
	// RetryLimit bounds save retries on concurrent profile updates
	RetryLimit int
}

// Coordinator applies success-only learning
type Coordinator struct {
	store   baseline.Store
	tracker *network.Tracker
	redis   *database.RedisClient
	emitter audit.Emitter
	cfg     Config
	logger  *zap.Logger
}

// NewCoordinator creates a learning coordinator
func NewCoordinator(
	store baseline.Store,
	tracker *network.Tracker,
	redis *database.RedisClient,
	emitter audit.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Alpha <= 0 || cfg.Alpha >= 1 {
		cfg.Alpha = 0.2
	}
	if cfg.StabilizationStreak <= 0 {
		cfg.StabilizationStreak = 5
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 3
	}
	return &Coordinator{
		store:   store,
		tracker: tracker,
		redis:   redis,
		emitter: emitter,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "learning")),
	}
}

// Learn folds a qualifying attempt into the user's profile and records the
// network sighting. The save retries on version conflicts by reloading and
// reapplying; when retries run out the observation is dropped and audited,
// never half-applied.
func (c *Coordinator) Learn(ctx context.Context, signals signal.Signals, geoResult geo.Result) error {
	userID := signals.UserID
	resetStreak := c.pendingStreakBreak(ctx, userID)

	var lastErr error
	for attempt := 0; attempt <= c.cfg.RetryLimit; attempt++ {
		if attempt > 0 {
			metrics.LearningWritesTotal.WithLabelValues("conflict_retry").Inc()
		}

		profile, err := c.store.Load(ctx, userID)
		if err != nil {
			return err
		}
		if profile == nil {
			profile = baseline.NewProfile(userID)
		}

		c.apply(profile, signals, geoResult, resetStreak)

		if err := c.store.Save(ctx, profile, profile.Version); err != nil {
			if errors.IsErrorCode(err, errors.ErrVersionConflict) {
				lastErr = err
				continue
			}
			return err
		}

		metrics.LearningWritesTotal.WithLabelValues("applied").Inc()
		if resetStreak {
			c.clearStreakBreak(ctx, userID)
		}
		if c.tracker != nil && signals.SourceAddress != "" {
			if err := c.tracker.Record(ctx, userID, signals.SourceAddress, signals.ObservedAt); err != nil {
				c.logger.Warn("failed to record network sighting",
					zap.String("user_id", userID),
					zap.Error(err),
				)
			}
		}
		c.emitter.Emit(ctx, audit.Event{
			Type:    audit.TypeLearningApplied,
			UserID:  userID,
			Details: "baseline updated",
		})
		return nil
	}

	metrics.LearningWritesTotal.WithLabelValues("dropped").Inc()
	c.emitter.Emit(ctx, audit.Event{
		Type:     audit.TypeLearningDropped,
		UserID:   userID,
		Severity: audit.SeverityWarning,
		Details:  "profile update retries exhausted",
	})
	c.logger.Warn("learning observation dropped",
		zap.String("user_id", userID),
		zap.Error(lastErr),
	)
	return nil
}

// MarkStreakBreak records that the user's next qualifying attempt starts a
// fresh streak. Called for non-qualifying outcomes; it deliberately touches
// nothing in the profile store.
func (c *Coordinator) MarkStreakBreak(ctx context.Context, userID string) {
	metrics.LearningWritesTotal.WithLabelValues("skipped").Inc()
	if c.redis == nil {
		return
	}
	if err := c.redis.Client.Set(ctx, streakBreakPrefix+userID, "1", 0).Err(); err != nil {
		c.logger.Warn("failed to mark streak break", zap.String("user_id", userID), zap.Error(err))
	}
}

// pendingStreakBreak reports a waiting streak reset. The marker is cleared
// only after a successful save so a failed learn cannot lose the reset.
func (c *Coordinator) pendingStreakBreak(ctx context.Context, userID string) bool {
	if c.redis == nil {
		return false
	}
	n, err := c.redis.Client.Exists(ctx, streakBreakPrefix+userID).Result()
	if err != nil {
		return false
	}
	return n > 0
}

func (c *Coordinator) clearStreakBreak(ctx context.Context, userID string) {
	if err := c.redis.Client.Del(ctx, streakBreakPrefix+userID).Err(); err != nil {
		c.logger.Warn("failed to clear streak break", zap.String("user_id", userID), zap.Error(err))
	}
}

// apply folds the attempt's observations into the profile
func (c *Coordinator) apply(profile *baseline.BehaviorProfile, signals signal.Signals, geoResult geo.Result, resetStreak bool) {
	if signals.Typing != nil {
		profile.TypingSpeed.Update(signals.Typing.WPM, c.cfg.Alpha)
		profile.TypingErrorRate.Update(signals.Typing.ErrorRate, c.cfg.Alpha)
	}
	if signals.Pointer != nil {
		profile.PointerPath.Update(signals.Pointer.PathLength, c.cfg.Alpha)
		profile.PointerVelocity.Update(signals.Pointer.Velocity, c.cfg.Alpha)
	}
	if signals.Device != nil {
		profile.ObserveDevice(*signals.Device)
	}
	if geoResult.Location != nil {
		profile.ObserveLocation(*geoResult.Location)
	}

	if resetStreak {
		profile.Streak = 0
	}
	profile.Streak++
	if profile.Streak%c.cfg.StabilizationStreak == 0 {
		profile.BaselineVersion++
	}
}
