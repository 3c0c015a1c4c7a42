// Package authflow orchestrates the assessment pipeline: normalize the
// attempt's telemetry, resolve its context, score it, decide admission,
// and feed successful outcomes back into learning.
package authflow

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/riskgate/riskgate/internal/baseline"
	"github.com/riskgate/riskgate/internal/common/database"
	"github.com/riskgate/riskgate/internal/common/errors"
	"github.com/riskgate/riskgate/internal/geo"
	"github.com/riskgate/riskgate/internal/learning"
	"github.com/riskgate/riskgate/internal/network"
	"github.com/riskgate/riskgate/internal/scoring"
	"github.com/riskgate/riskgate/internal/signal"
	"github.com/riskgate/riskgate/internal/stepup"
	"github.com/riskgate/riskgate/internal/telemetry"
)

// attemptKeyPrefix stores the attempt snapshot a pending step-up session
// needs for learning once it succeeds.
const attemptKeyPrefix = "authflow:attempt:"

// monitorKeyPrefix stores each stream's latest in-session risk state
const monitorKeyPrefix = "authflow:monitor:"

// attemptSnapshot is the context retained for a pending session
type attemptSnapshot struct {
	Signals signal.Signals `json:"signals"`
	Geo     geo.Result     `json:"geo"`
}

// Service runs assessments end to end
type Service struct {
	engine     *scoring.Engine
	resolver   *geo.Resolver
	tracker    *network.Tracker
	profiles   baseline.Store
	controller *stepup.Controller
	learner    *learning.Coordinator
	sequencer  *telemetry.Sequencer
	redis      *database.RedisClient
	attemptTTL time.Duration
	tracer     trace.Tracer
	logger     *zap.Logger
}

// NewService wires the assessment pipeline
func NewService(
	engine *scoring.Engine,
	resolver *geo.Resolver,
	tracker *network.Tracker,
	profiles baseline.Store,
	controller *stepup.Controller,
	learner *learning.Coordinator,
	sequencer *telemetry.Sequencer,
	redis *database.RedisClient,
	attemptTTL time.Duration,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if attemptTTL <= 0 {
		attemptTTL = 10 * time.Minute
	}
	return &Service{
		engine:     engine,
		resolver:   resolver,
		tracker:    tracker,
		profiles:   profiles,
		controller: controller,
		learner:    learner,
		sequencer:  sequencer,
		redis:      redis,
		attemptTTL: attemptTTL,
		tracer:     otel.Tracer("riskgate/authflow"),
		logger:     logger.With(zap.String("component", "authflow")),
	}
}

// Assess evaluates one authentication attempt. Degraded context lookups
// never fail the attempt; they push the score toward more verification
// instead.
func (s *Service) Assess(ctx context.Context, raw signal.RawTelemetry) (stepup.Decision, error) {
	ctx, span := s.tracer.Start(ctx, "authflow.assess")
	defer span.End()

	signals := signal.Normalize(raw)
	span.SetAttributes(attribute.String("user_id", signals.UserID))

	score, geoResult := s.scoreSignals(ctx, signals)

	decision, err := s.controller.Decide(ctx, signals.UserID, score)
	if err != nil {
		return stepup.Decision{}, err
	}

	switch decision.Outcome {
	case stepup.OutcomeAdmittedPrimary:
		if err := s.learner.Learn(ctx, signals, geoResult); err != nil {
			s.logger.Error("learning failed after admission",
				zap.String("user_id", signals.UserID),
				zap.Error(err),
			)
		}
	case stepup.OutcomeStepUpRequired:
		s.stashAttempt(ctx, decision.SessionID, signals, geoResult)
	case stepup.OutcomeBlocked:
		s.learner.MarkStreakBreak(ctx, signals.UserID)
	}
	return decision, nil
}

// BeginStepUp issues a challenge for a pending session
func (s *Service) BeginStepUp(ctx context.Context, sessionID, method string) (*stepup.Challenge, error) {
	return s.controller.BeginChallenge(ctx, sessionID, method)
}

// CompleteStepUp verifies a challenge response. Success learns from the
// original attempt's snapshot; terminal failures break the streak.
func (s *Service) CompleteStepUp(ctx context.Context, sessionID, method, response string) (stepup.Decision, error) {
	ctx, span := s.tracer.Start(ctx, "authflow.complete_stepup")
	defer span.End()

	decision, err := s.controller.VerifyChallenge(ctx, sessionID, method, response)
	if err != nil {
		if errors.IsErrorCode(err, errors.ErrAttemptsExhausted) || errors.IsErrorCode(err, errors.ErrSessionExpired) {
			if snapshot := s.loadAttempt(ctx, sessionID); snapshot != nil {
				s.learner.MarkStreakBreak(ctx, snapshot.Signals.UserID)
			}
		}
		return stepup.Decision{}, err
	}

	if snapshot := s.loadAttempt(ctx, sessionID); snapshot != nil {
		if err := s.learner.Learn(ctx, snapshot.Signals, snapshot.Geo); err != nil {
			s.logger.Error("learning failed after step-up",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		}
		s.redis.Client.Del(ctx, attemptKeyPrefix+sessionID)
	}
	return decision, nil
}

// scoreSignals resolves the attempt's context and scores it. Degraded
// lookups push the score toward more verification, never less. Shared by
// the primary assessment path and in-session telemetry monitoring.
func (s *Service) scoreSignals(ctx context.Context, signals signal.Signals) (scoring.Score, geo.Result) {
	geoResult := s.resolver.Resolve(ctx, signals.Coordinates, signals.SourceAddress)

	state, err := s.tracker.Classify(ctx, signals.UserID, signals.SourceAddress, signals.ObservedAt)
	if err != nil {
		s.logger.Warn("network classification degraded",
			zap.String("user_id", signals.UserID),
			zap.Error(err),
		)
		state = network.StateUnknown
	}

	geoWeight := 1.0
	if geoResult.Location != nil {
		geoWeight = s.tracker.GeoWeight(geoResult.Location.ASN)
	}

	profile, err := s.profiles.Load(ctx, signals.UserID)
	if err != nil {
		s.logger.Warn("profile load degraded",
			zap.String("user_id", signals.UserID),
			zap.Error(err),
		)
		profile = nil
	}

	score := s.engine.Evaluate(scoring.Input{
		Signals:   signals,
		Profile:   profile,
		Network:   state,
		Geo:       geoResult,
		GeoWeight: geoWeight,
	})
	return score, geoResult
}

// MonitorState is a stream's risk picture after its newest accepted frame
type MonitorState struct {
	StreamID string           `json:"stream_id"`
	Sequence int64            `json:"sequence"`
	Score    float64          `json:"score"`
	Level    scoring.Level    `json:"level"`
	Reasons  []scoring.Reason `json:"reasons"`
	At       time.Time        `json:"at"`
}

// IngestResult summarizes one ingested batch. Risk is nil when no frame
// advanced the stream's watermark.
type IngestResult struct {
	Accepted int           `json:"accepted"`
	Dropped  int           `json:"dropped"`
	Risk     *MonitorState `json:"risk,omitempty"`
}

// IngestTelemetry sequences a telemetry batch and re-scores the surviving
// frames so the stream's risk picture tracks in-session behavior. Dropped
// frames never reach scoring, keeping recomputation idempotent under
// replays and reordering.
func (s *Service) IngestTelemetry(ctx context.Context, batch telemetry.Batch) (IngestResult, error) {
	ctx, span := s.tracer.Start(ctx, "authflow.ingest_telemetry")
	defer span.End()

	frames, dropped, err := s.sequencer.Filter(ctx, batch)
	if err != nil {
		return IngestResult{Dropped: dropped}, err
	}

	result := IngestResult{Accepted: len(frames), Dropped: dropped}
	for _, frame := range frames {
		score, _ := s.scoreSignals(ctx, signal.Normalize(frame.Payload))
		result.Risk = &MonitorState{
			StreamID: batch.StreamID,
			Sequence: frame.Sequence,
			Score:    score.Value,
			Level:    score.Level,
			Reasons:  score.Reasons,
			At:       time.Now().UTC(),
		}
		if score.Level == scoring.LevelHigh {
			s.logger.Warn("in-session risk escalated",
				zap.String("stream_id", batch.StreamID),
				zap.Int64("sequence", frame.Sequence),
				zap.Float64("score", score.Value),
			)
		}
	}
	if result.Risk != nil {
		s.storeMonitorState(ctx, result.Risk)
	}
	return result, nil
}

// MonitorSnapshot returns a stream's last computed risk state, or nil when
// none has been recorded.
func (s *Service) MonitorSnapshot(ctx context.Context, streamID string) *MonitorState {
	data, err := s.redis.Client.Get(ctx, monitorKeyPrefix+streamID).Result()
	if err != nil {
		return nil
	}
	var state MonitorState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil
	}
	return &state
}

func (s *Service) storeMonitorState(ctx context.Context, state *MonitorState) {
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	if err := s.redis.Client.Set(ctx, monitorKeyPrefix+state.StreamID, data, s.attemptTTL).Err(); err != nil {
		s.logger.Warn("failed to store monitor state",
			zap.String("stream_id", state.StreamID),
			zap.Error(err),
		)
	}
}

func (s *Service) stashAttempt(ctx context.Context, sessionID string, signals signal.Signals, geoResult geo.Result) {
	data, err := json.Marshal(attemptSnapshot{Signals: signals, Geo: geoResult})
	if err != nil {
		return
	}
	if err := s.redis.Client.Set(ctx, attemptKeyPrefix+sessionID, data, s.attemptTTL).Err(); err != nil {
		s.logger.Warn("failed to stash attempt snapshot",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

func (s *Service) loadAttempt(ctx context.Context, sessionID string) *attemptSnapshot {
	data, err := s.redis.Client.Get(ctx, attemptKeyPrefix+sessionID).Result()
	if err != nil {
		return nil
	}
	var snapshot attemptSnapshot
	if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
		return nil
	}
	return &snapshot
}
