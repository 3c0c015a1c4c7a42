// Package notifications delivers out-of-band verification messages to a
// user's registered contact channel.
package notifications

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Delivery status of a verification message
type Delivery string

const (
	DeliveryQueued Delivery = "queued"
	DeliveryFailed Delivery = "failed"
)

// Sender delivers a verification link to the user's registered channel.
// Implementations live at the integration edge (email, SMS, push); the
// decision engine only depends on this boundary.
type Sender interface {
	SendVerification(ctx context.Context, userID, link string) (Delivery, error)
}

// LogSender logs instead of delivering. It stands in where no delivery
// channel is configured.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender creates a log-only sender
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger.With(zap.String("component", "notifications"))}
}

// SendVerification logs the link and reports it queued
func (s *LogSender) SendVerification(_ context.Context, userID, link string) (Delivery, error) {
	s.logger.Info("verification link issued",
		zap.String("user_id", userID),
	)
	return DeliveryQueued, nil
}

// FakeSender records sends for tests
type FakeSender struct {
	mu    sync.Mutex
	Links map[string]string // userID -> last link
	Fail  bool
}

// NewFakeSender creates an empty fake
func NewFakeSender() *FakeSender {
	return &FakeSender{Links: make(map[string]string)}
}

// SendVerification records the link, or fails when Fail is set
func (s *FakeSender) SendVerification(_ context.Context, userID, link string) (Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return DeliveryFailed, nil
	}
	s.Links[userID] = link
	return DeliveryQueued, nil
}

// LastLink returns the most recent link sent to the user
func (s *FakeSender) LastLink(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Links[userID]
}
