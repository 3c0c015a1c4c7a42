// Package audit records decision and learning events durably. Every terminal
// authentication decision produces exactly one event.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/riskgate/riskgate/internal/common/database"
	"github.com/riskgate/riskgate/internal/scoring"
)

// Event types
const (
	TypeAdmittedPrimary = "decision.admitted_primary"
	TypeAdmittedStepUp  = "decision.admitted_stepup"
	TypeStepUpRequired  = "decision.stepup_required"
	TypeBlocked         = "decision.blocked"
	TypeExpired         = "decision.expired"
	TypeLearningApplied = "learning.applied"
	TypeLearningDropped = "learning.dropped"
)

// Severities
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Event is one audit record
type Event struct {
	ID        string           `json:"id"`
	Type      string           `json:"type"`
	UserID    string           `json:"user_id"`
	SessionID string           `json:"session_id,omitempty"`
	Score     float64          `json:"score"`
	Level     string           `json:"level,omitempty"`
	Reasons   []scoring.Reason `json:"reasons,omitempty"`
	Method    string           `json:"method,omitempty"`
	Severity  string           `json:"severity"`
	Details   string           `json:"details,omitempty"`
	At        time.Time        `json:"at"`
}

// Emitter records audit events. Emission failures must not fail the
// authentication decision they describe.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

// StoreEmitter persists events to PostgreSQL, optionally indexes them in
// Elasticsearch for search, and always logs them.
type StoreEmitter struct {
	db      *database.PostgresDB
	es      *elasticsearch.Client
	index   string
	journal *Journal
	logger  *zap.Logger
}

// WithJournal attaches a tamper-evident local journal; every emitted event
// is also appended to the chain.
func (e *StoreEmitter) WithJournal(journal *Journal) *StoreEmitter {
	e.journal = journal
	return e
}

// NewStoreEmitter creates a persistent emitter. The Elasticsearch client
// may be nil, in which case events are only stored in PostgreSQL.
func NewStoreEmitter(db *database.PostgresDB, es *elasticsearch.Client, index string, logger *zap.Logger) *StoreEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if index == "" {
		index = "riskgate-audit"
	}
	return &StoreEmitter{db: db, es: es, index: index, logger: logger.With(zap.String("component", "audit"))}
}

// Emit records the event. Storage errors are logged, never propagated.
func (e *StoreEmitter) Emit(ctx context.Context, event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	reasons, err := json.Marshal(event.Reasons)
	if err != nil {
		reasons = []byte("[]")
	}

	_, err = e.db.Pool.Exec(ctx, `
		INSERT INTO audit_events (id, event_type, user_id, session_id, score, level, reasons, method, severity, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		event.ID, event.Type, event.UserID, event.SessionID, event.Score,
		event.Level, reasons, event.Method, event.Severity, event.Details, event.At,
	)
	if err != nil {
		e.logger.Error("failed to store audit event",
			zap.String("event_id", event.ID),
			zap.String("type", event.Type),
			zap.Error(err),
		)
	}

	if e.es != nil {
		e.indexEvent(ctx, event)
	}

	if e.journal != nil {
		if err := e.journal.Append(event); err != nil {
			e.logger.Error("failed to journal audit event",
				zap.String("event_id", event.ID),
				zap.Error(err),
			)
		}
	}

	e.logger.Info("audit event",
		zap.String("event_id", event.ID),
		zap.String("type", event.Type),
		zap.String("user_id", event.UserID),
		zap.Float64("score", event.Score),
		zap.String("severity", event.Severity),
	)
}

func (e *StoreEmitter) indexEvent(ctx context.Context, event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		return
	}
	res, err := e.es.Index(e.index, bytes.NewReader(body),
		e.es.Index.WithContext(ctx),
		e.es.Index.WithDocumentID(event.ID),
	)
	if err != nil {
		e.logger.Warn("failed to index audit event", zap.String("event_id", event.ID), zap.Error(err))
		return
	}
	defer res.Body.Close()
	if res.IsError() {
		e.logger.Warn("audit index rejected event",
			zap.String("event_id", event.ID),
			zap.String("status", res.Status()),
		)
	}
}

// Recorder is an in-memory Emitter for tests
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit appends the event
func (r *Recorder) Emit(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	r.events = append(r.events, event)
}

// Events returns a copy of everything emitted so far
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByType returns the recorded events of one type
func (r *Recorder) ByType(eventType string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// Reset clears the recorder
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

var _ fmt.Stringer = Event{}

// String renders a compact one-line form for logs and test failures
func (ev Event) String() string {
	return fmt.Sprintf("%s user=%s score=%.1f severity=%s", ev.Type, ev.UserID, ev.Score, ev.Severity)
}
