package stepup

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/riskgate/riskgate/internal/audit"
	"github.com/riskgate/riskgate/internal/common/errors"
	"github.com/riskgate/riskgate/internal/metrics"
	"github.com/riskgate/riskgate/internal/scoring"
)

// Decision outcomes
const (
	OutcomeAdmittedPrimary = "admitted_primary"
	OutcomeAdmittedStepUp  = "admitted_stepup"
	OutcomeStepUpRequired  = "stepup_required"
	OutcomeBlocked         = "blocked"
	OutcomeExpired         = "expired"
)

// Decision is the controller's answer for one attempt or challenge response
type Decision struct {
	Outcome        string           `json:"outcome"`
	SessionID      string           `json:"session_id,omitempty"`
	OfferedMethods []string         `json:"offered_methods,omitempty"`
	Method         string           `json:"method,omitempty"`
	Score          float64          `json:"score"`
	Level          scoring.Level    `json:"level"`
	Reasons        []scoring.Reason `json:"reasons,omitempty"`
}

// EnrollmentSource reports which step-up methods a user has enrolled
type EnrollmentSource interface {
	EnrolledMethods(ctx context.Context, userID string) ([]string, error)
}

// StaticEnrollment serves a fixed enrollment map; useful for tests and
// deployments without an enrollment directory.
type StaticEnrollment map[string][]string

// EnrolledMethods returns the configured methods for the user
func (e StaticEnrollment) EnrolledMethods(_ context.Context, userID string) ([]string, error) {
	return e[userID], nil
}

// Config holds controller limits
type Config struct {
	AttemptLimit int
}

// Controller drives the step-up state machine. Every session reaches
// exactly one terminal state, and each terminal state emits exactly one
// audit event.
type Controller struct {
	sessions   *SessionStore
	methods    map[string]Method
	enrollment EnrollmentSource
	emitter    audit.Emitter
	cfg        Config
	logger     *zap.Logger
}

// NewController creates a step-up controller over a registered method set
func NewController(
	sessions *SessionStore,
	methods []Method,
	enrollment EnrollmentSource,
	emitter audit.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AttemptLimit <= 0 {
		cfg.AttemptLimit = 3
	}
	byName := make(map[string]Method, len(methods))
	for _, m := range methods {
		byName[m.Name()] = m
	}
	return &Controller{
		sessions:   sessions,
		methods:    byName,
		enrollment: enrollment,
		emitter:    emitter,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "stepup_controller")),
	}
}

// Decide turns a risk score into an admission decision. Low admits
// directly, medium opens a step-up session, high blocks.
func (c *Controller) Decide(ctx context.Context, userID string, score scoring.Score) (Decision, error) {
	switch score.Level {
	case scoring.LevelLow:
		metrics.DecisionsTotal.WithLabelValues(OutcomeAdmittedPrimary).Inc()
		c.emitter.Emit(ctx, audit.Event{
			Type:    audit.TypeAdmittedPrimary,
			UserID:  userID,
			Score:   score.Value,
			Level:   string(score.Level),
			Reasons: score.Reasons,
		})
		return Decision{Outcome: OutcomeAdmittedPrimary, Score: score.Value, Level: score.Level, Reasons: score.Reasons}, nil

	case scoring.LevelMedium:
		return c.openSession(ctx, userID, score)

	default:
		metrics.DecisionsTotal.WithLabelValues(OutcomeBlocked).Inc()
		c.emitter.Emit(ctx, audit.Event{
			Type:     audit.TypeBlocked,
			UserID:   userID,
			Score:    score.Value,
			Level:    string(score.Level),
			Reasons:  score.Reasons,
			Severity: audit.SeverityCritical,
		})
		return Decision{Outcome: OutcomeBlocked, Score: score.Value, Level: score.Level, Reasons: score.Reasons}, nil
	}
}

func (c *Controller) openSession(ctx context.Context, userID string, score scoring.Score) (Decision, error) {
	// a pending session for the user is reused instead of stacked
	if existing := c.sessions.ActiveSessionID(ctx, userID); existing != "" {
		if session, err := c.sessions.Get(ctx, existing); err == nil && !session.Terminal() {
			return Decision{
				Outcome:        OutcomeStepUpRequired,
				SessionID:      session.ID,
				OfferedMethods: session.OfferedMethods,
				Score:          score.Value,
				Level:          score.Level,
				Reasons:        score.Reasons,
			}, nil
		}
	}

	offered, err := c.offeredMethods(ctx, userID)
	if err != nil {
		return Decision{}, err
	}

	now := time.Now().UTC()
	session := &Session{
		ID:             uuid.New().String(),
		UserID:         userID,
		Score:          score.Value,
		Reasons:        score.Reasons,
		OfferedMethods: offered,
		State:          StatePending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(c.sessions.TTL()),
	}
	if err := c.sessions.Create(ctx, session); err != nil {
		return Decision{}, err
	}

	metrics.DecisionsTotal.WithLabelValues(OutcomeStepUpRequired).Inc()
	c.emitter.Emit(ctx, audit.Event{
		Type:      audit.TypeStepUpRequired,
		UserID:    userID,
		SessionID: session.ID,
		Score:     score.Value,
		Level:     string(score.Level),
		Reasons:   score.Reasons,
	})
	return Decision{
		Outcome:        OutcomeStepUpRequired,
		SessionID:      session.ID,
		OfferedMethods: offered,
		Score:          score.Value,
		Level:          score.Level,
		Reasons:        score.Reasons,
	}, nil
}

// offeredMethods intersects the user's enrolled methods with the
// controller's registered set, preserving enrollment order.
func (c *Controller) offeredMethods(ctx context.Context, userID string) ([]string, error) {
	enrolled, err := c.enrollment.EnrolledMethods(ctx, userID)
	if err != nil {
		return nil, errors.Internal("failed to load enrolled methods", err)
	}
	var offered []string
	for _, name := range enrolled {
		if _, ok := c.methods[name]; ok {
			offered = append(offered, name)
		}
	}
	// a user with nothing enrolled can always fall back to a silent recheck
	if len(offered) == 0 {
		if _, ok := c.methods[MethodAmbient]; ok {
			offered = []string{MethodAmbient}
		}
	}
	return offered, nil
}

// BeginChallenge issues the challenge for one of the session's offered
// methods and persists any method state it produced.
func (c *Controller) BeginChallenge(ctx context.Context, sessionID, methodName string) (*Challenge, error) {
	session, err := c.loadLive(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	method, err := c.eligibleMethod(session, methodName)
	if err != nil {
		return nil, err
	}

	challenge, err := method.Begin(ctx, session)
	if err != nil {
		return nil, err
	}
	if err := c.sessions.Update(ctx, session); err != nil {
		return nil, err
	}
	return challenge, nil
}

// VerifyChallenge judges a challenge response and advances the session.
// Success forces the attempt low and admits; failures burn attempts until
// the session blocks.
func (c *Controller) VerifyChallenge(ctx context.Context, sessionID, methodName, response string) (Decision, error) {
	session, err := c.loadLive(ctx, sessionID)
	if err != nil {
		return Decision{}, err
	}

	method, err := c.eligibleMethod(session, methodName)
	if err != nil {
		return Decision{}, err
	}

	ok, err := method.Complete(ctx, session, response)
	if err != nil {
		c.logger.Warn("challenge completion errored",
			zap.String("session_id", session.ID),
			zap.String("method", methodName),
			zap.Error(err),
		)
		ok = false
	}

	if ok {
		session.State = StateAdmitted
		if err := c.sessions.Update(ctx, session); err != nil {
			return Decision{}, err
		}
		metrics.DecisionsTotal.WithLabelValues(OutcomeAdmittedStepUp).Inc()
		metrics.StepUpOutcomesTotal.WithLabelValues(methodName, "success").Inc()
		c.emitter.Emit(ctx, audit.Event{
			Type:      audit.TypeAdmittedStepUp,
			UserID:    session.UserID,
			SessionID: session.ID,
			Score:     session.Score,
			Level:     string(scoring.LevelLow),
			Method:    methodName,
		})
		// successful verification overrides the computed level
		return Decision{
			Outcome:   OutcomeAdmittedStepUp,
			SessionID: session.ID,
			Method:    methodName,
			Score:     session.Score,
			Level:     scoring.LevelLow,
		}, nil
	}

	session.Attempts++
	metrics.StepUpOutcomesTotal.WithLabelValues(methodName, "failure").Inc()

	if session.Attempts >= c.cfg.AttemptLimit {
		session.State = StateBlocked
		if err := c.sessions.Update(ctx, session); err != nil {
			return Decision{}, err
		}
		metrics.DecisionsTotal.WithLabelValues(OutcomeBlocked).Inc()
		c.emitter.Emit(ctx, audit.Event{
			Type:      audit.TypeBlocked,
			UserID:    session.UserID,
			SessionID: session.ID,
			Score:     session.Score,
			Method:    methodName,
			Severity:  audit.SeverityWarning,
			Details:   "step-up attempts exhausted",
		})
		return Decision{}, errors.AttemptsExhausted(session.ID)
	}

	if err := c.sessions.Update(ctx, session); err != nil {
		return Decision{}, err
	}
	return Decision{}, errors.ChallengeInvalid(c.cfg.AttemptLimit - session.Attempts)
}

// loadLive loads a session and applies lazy expiry: a pending session past
// its window transitions to expired here, emitting its terminal event once.
func (c *Controller) loadLive(ctx context.Context, sessionID string) (*Session, error) {
	session, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if session.State == StatePending && session.Expired(time.Now().UTC()) {
		session.State = StateExpired
		if err := c.sessions.Update(ctx, session); err != nil {
			return nil, err
		}
		metrics.DecisionsTotal.WithLabelValues(OutcomeExpired).Inc()
		metrics.StepUpOutcomesTotal.WithLabelValues("none", "expired").Inc()
		c.emitter.Emit(ctx, audit.Event{
			Type:      audit.TypeExpired,
			UserID:    session.UserID,
			SessionID: session.ID,
			Score:     session.Score,
			Details:   "challenge window elapsed",
		})
		return nil, errors.SessionExpired(session.ID)
	}

	switch session.State {
	case StatePending:
		return session, nil
	case StateExpired:
		return nil, errors.SessionExpired(session.ID)
	default:
		return nil, errors.AttemptsExhausted(session.ID)
	}
}

// eligibleMethod resolves a method name against the session's offer
func (c *Controller) eligibleMethod(session *Session, methodName string) (Method, error) {
	method, ok := c.methods[methodName]
	if !ok {
		return nil, errors.MethodNotEligible(methodName)
	}
	for _, offered := range session.OfferedMethods {
		if offered == methodName {
			return method, nil
		}
	}
	return nil, errors.MethodNotEligible(methodName)
}
