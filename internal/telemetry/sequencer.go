// Package telemetry ingests client telemetry batches. A per-stream
// monotonic watermark drops duplicate and out-of-order frames before they
// reach normalization.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/riskgate/riskgate/internal/common/database"
	"github.com/riskgate/riskgate/internal/signal"
)

// Frame is one sequenced telemetry submission
type Frame struct {
	Sequence int64               `json:"sequence"`
	Payload  signal.RawTelemetry `json:"payload"`
}

// Batch is a client-submitted group of frames for one stream
type Batch struct {
	StreamID string  `json:"stream_id" binding:"required"`
	Frames   []Frame `json:"frames" binding:"required"`
}

const watermarkPrefix = "telemetry:seq:"

// advanceScript atomically advances the stream watermark. It accepts a
// frame only when its sequence is strictly greater than the stored
// watermark, so replays and reordered frames are rejected in one round trip.
var advanceScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '-1')
local seq = tonumber(ARGV[1])
if seq > current then
	redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
	return 1
end
return 0
`)

// Sequencer enforces per-stream frame ordering
type Sequencer struct {
	redis  *database.RedisClient
	ttl    time.Duration
	logger *zap.Logger
}

// NewSequencer creates a sequencer. ttl bounds how long an idle stream's
// watermark is retained.
func NewSequencer(redisClient *database.RedisClient, ttl time.Duration, logger *zap.Logger) *Sequencer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Sequencer{redis: redisClient, ttl: ttl, logger: logger.With(zap.String("component", "telemetry_sequencer"))}
}

// Accept reports whether the frame advances the stream's watermark
func (s *Sequencer) Accept(ctx context.Context, streamID string, sequence int64) (bool, error) {
	key := watermarkPrefix + streamID
	res, err := advanceScript.Run(ctx, s.redis.Client, []string{key},
		sequence, int(s.ttl.Seconds()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("watermark update failed: %w", err)
	}
	return res == 1, nil
}

// Filter returns the batch's frames that advance the watermark, in
// submission order. Rejected frames are counted, not errors.
func (s *Sequencer) Filter(ctx context.Context, batch Batch) ([]Frame, int, error) {
	var accepted []Frame
	dropped := 0
	for _, frame := range batch.Frames {
		ok, err := s.Accept(ctx, batch.StreamID, frame.Sequence)
		if err != nil {
			return accepted, dropped, err
		}
		if !ok {
			dropped++
			continue
		}
		accepted = append(accepted, frame)
	}
	if dropped > 0 {
		s.logger.Debug("telemetry frames dropped",
			zap.String("stream_id", batch.StreamID),
			zap.Int("dropped", dropped),
		)
	}
	return accepted, dropped, nil
}
