package stepup

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"github.com/riskgate/riskgate/internal/notifications"
	"github.com/riskgate/riskgate/internal/scoring"
)

// Method names. The set is closed: the controller only dispatches to
// methods registered under these names.
const (
	MethodPossession      = "possession"
	MethodBehavioralRetry = "behavioral_retry"
	MethodAmbient         = "ambient"
	MethodOutOfBandLink   = "oob_link"
	MethodKnowledge       = "knowledge"
)

// Challenge is what a client must answer to complete a method
type Challenge struct {
	Method  string         `json:"method"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Method is one step-up verification mechanism. Begin may stash state on
// the session; Complete judges the client's response.
type Method interface {
	Name() string
	Begin(ctx context.Context, session *Session) (*Challenge, error)
	Complete(ctx context.Context, session *Session, response string) (bool, error)
}

// --- possession ---

// CredentialVerifier is the boundary to a registered-authenticator check.
// state round-trips opaque verifier data between the two calls.
type CredentialVerifier interface {
	BeginVerification(ctx context.Context, userID string) (challenge map[string]any, state string, err error)
	FinishVerification(ctx context.Context, userID, state, response string) (bool, error)
}

// PossessionMethod proves possession of a registered authenticator
type PossessionMethod struct {
	verifier CredentialVerifier
}

// NewPossessionMethod creates a possession method over a credential verifier
func NewPossessionMethod(verifier CredentialVerifier) *PossessionMethod {
	return &PossessionMethod{verifier: verifier}
}

func (m *PossessionMethod) Name() string { return MethodPossession }

func (m *PossessionMethod) Begin(ctx context.Context, session *Session) (*Challenge, error) {
	challenge, state, err := m.verifier.BeginVerification(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("possession challenge failed: %w", err)
	}
	session.SetChallengeData(MethodPossession, state)
	return &Challenge{Method: MethodPossession, Payload: challenge}, nil
}

func (m *PossessionMethod) Complete(ctx context.Context, session *Session, response string) (bool, error) {
	state := session.ChallengeData[MethodPossession]
	if state == "" {
		return false, fmt.Errorf("possession challenge was never issued")
	}
	return m.verifier.FinishVerification(ctx, session.UserID, state, response)
}

// WebAuthnUserSource supplies the registered credentials for a user
type WebAuthnUserSource interface {
	WebAuthnUser(ctx context.Context, userID string) (webauthn.User, error)
}

// WebAuthnVerifier implements CredentialVerifier over a FIDO2 relying party
type WebAuthnVerifier struct {
	wa     *webauthn.WebAuthn
	users  WebAuthnUserSource
	logger *zap.Logger
}

// NewWebAuthnVerifier creates a WebAuthn-backed credential verifier
func NewWebAuthnVerifier(wa *webauthn.WebAuthn, users WebAuthnUserSource, logger *zap.Logger) *WebAuthnVerifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebAuthnVerifier{wa: wa, users: users, logger: logger.With(zap.String("component", "webauthn_verifier"))}
}

// BeginVerification starts an assertion ceremony for the user's credentials
func (v *WebAuthnVerifier) BeginVerification(ctx context.Context, userID string) (map[string]any, string, error) {
	user, err := v.users.WebAuthnUser(ctx, userID)
	if err != nil {
		return nil, "", err
	}

	assertion, sessionData, err := v.wa.BeginLogin(user)
	if err != nil {
		return nil, "", fmt.Errorf("failed to begin assertion: %w", err)
	}

	state, err := json.Marshal(sessionData)
	if err != nil {
		return nil, "", err
	}
	return map[string]any{"assertion": assertion}, string(state), nil
}

// FinishVerification validates the authenticator's assertion response
func (v *WebAuthnVerifier) FinishVerification(ctx context.Context, userID, state, response string) (bool, error) {
	user, err := v.users.WebAuthnUser(ctx, userID)
	if err != nil {
		return false, err
	}

	var sessionData webauthn.SessionData
	if err := json.Unmarshal([]byte(state), &sessionData); err != nil {
		return false, fmt.Errorf("corrupt assertion state: %w", err)
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(strings.NewReader(response))
	if err != nil {
		return false, nil
	}

	if _, err := v.wa.ValidateLogin(user, sessionData, parsed); err != nil {
		v.logger.Warn("assertion validation failed", zap.String("user_id", userID), zap.Error(err))
		return false, nil
	}
	return true, nil
}

// --- behavioral retry ---

// Rescorer re-evaluates a fresh telemetry bundle for the user
type Rescorer func(ctx context.Context, userID string, telemetry string) (scoring.Score, error)

// BehavioralRetryMethod asks the client to resubmit behavioral telemetry;
// it succeeds only when the fresh evaluation lands in the low band.
type BehavioralRetryMethod struct {
	rescore Rescorer
}

// NewBehavioralRetryMethod creates a behavioral retry method
func NewBehavioralRetryMethod(rescore Rescorer) *BehavioralRetryMethod {
	return &BehavioralRetryMethod{rescore: rescore}
}

func (m *BehavioralRetryMethod) Name() string { return MethodBehavioralRetry }

func (m *BehavioralRetryMethod) Begin(_ context.Context, _ *Session) (*Challenge, error) {
	return &Challenge{
		Method:  MethodBehavioralRetry,
		Payload: map[string]any{"instruction": "resubmit_telemetry"},
	}, nil
}

func (m *BehavioralRetryMethod) Complete(ctx context.Context, session *Session, response string) (bool, error) {
	score, err := m.rescore(ctx, session.UserID, response)
	if err != nil {
		return false, err
	}
	return score.Level == scoring.LevelLow, nil
}

// --- ambient ---

// AmbientProbe revalidates passive environment signals without user action
type AmbientProbe interface {
	Probe(ctx context.Context, userID string, response string) (bool, error)
}

// AmbientMethod runs a silent environment recheck
type AmbientMethod struct {
	probe AmbientProbe
}

// NewAmbientMethod creates an ambient check method
func NewAmbientMethod(probe AmbientProbe) *AmbientMethod {
	return &AmbientMethod{probe: probe}
}

func (m *AmbientMethod) Name() string { return MethodAmbient }

func (m *AmbientMethod) Begin(_ context.Context, _ *Session) (*Challenge, error) {
	return &Challenge{Method: MethodAmbient}, nil
}

func (m *AmbientMethod) Complete(ctx context.Context, session *Session, response string) (bool, error) {
	return m.probe.Probe(ctx, session.UserID, response)
}

// --- out-of-band link ---

const (
	oobSecretKey = "oob_secret"
	oobJTIKey    = "oob_jti"

	// oobCodePeriod is the validity period of the delivered code
	oobCodePeriod = 300
	oobCodeDigits = otp.DigitsSix
)

// OutOfBandLinkMethod delivers a signed link plus a short code over the
// user's registered channel; completing it requires the code.
type OutOfBandLinkMethod struct {
	sender     notifications.Sender
	linkSecret []byte
	baseURL    string
	logger     *zap.Logger
}

// NewOutOfBandLinkMethod creates an out-of-band link method
func NewOutOfBandLinkMethod(sender notifications.Sender, linkSecret, baseURL string, logger *zap.Logger) *OutOfBandLinkMethod {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutOfBandLinkMethod{
		sender:     sender,
		linkSecret: []byte(linkSecret),
		baseURL:    baseURL,
		logger:     logger.With(zap.String("component", "oob_link")),
	}
}

func (m *OutOfBandLinkMethod) Name() string { return MethodOutOfBandLink }

// Begin signs a link token bound to the session, generates the short code,
// and hands both to the delivery channel.
func (m *OutOfBandLinkMethod) Begin(ctx context.Context, session *Session) (*Challenge, error) {
	jti := uuid.New().String()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": session.UserID,
		"sid": session.ID,
		"jti": jti,
		"exp": session.ExpiresAt.Unix(),
		"iat": time.Now().Unix(),
	})
	signed, err := token.SignedString(m.linkSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign link token: %w", err)
	}

	secret, err := randomSecret()
	if err != nil {
		return nil, err
	}
	code, err := totp.GenerateCodeCustom(secret, time.Now(), totp.ValidateOpts{
		Period: oobCodePeriod,
		Digits: oobCodeDigits,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}

	link := fmt.Sprintf("%s/v1/stepup/link?token=%s&code=%s", m.baseURL, signed, code)
	delivery, err := m.sender.SendVerification(ctx, session.UserID, link)
	if err != nil || delivery != notifications.DeliveryQueued {
		return nil, fmt.Errorf("verification delivery failed: %w", err)
	}

	session.SetChallengeData(oobSecretKey, secret)
	session.SetChallengeData(oobJTIKey, jti)
	return &Challenge{Method: MethodOutOfBandLink, Payload: map[string]any{"delivery": string(delivery)}}, nil
}

// Complete validates the short code against the session's secret
func (m *OutOfBandLinkMethod) Complete(_ context.Context, session *Session, response string) (bool, error) {
	secret := session.ChallengeData[oobSecretKey]
	if secret == "" {
		return false, fmt.Errorf("link challenge was never issued")
	}
	valid, err := totp.ValidateCustom(strings.TrimSpace(response), secret, time.Now(), totp.ValidateOpts{
		Period: oobCodePeriod,
		Skew:   1,
		Digits: oobCodeDigits,
	})
	if err != nil {
		return false, nil
	}
	return valid, nil
}

// ParseLinkToken verifies a signed link token and returns the session it
// belongs to. Used by the HTTP layer to route link clicks.
func ParseLinkToken(tokenString string, linkSecret string) (sessionID string, jti string, err error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(linkSecret), nil
	})
	if err != nil || !token.Valid {
		return "", "", fmt.Errorf("invalid link token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", fmt.Errorf("invalid link claims")
	}
	sid, _ := claims["sid"].(string)
	id, _ := claims["jti"].(string)
	if sid == "" {
		return "", "", fmt.Errorf("link token missing session")
	}
	return sid, id, nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf), nil
}

// --- knowledge ---

// QuestionSource supplies and checks a user's security questions
type QuestionSource interface {
	Question(ctx context.Context, userID string) (id, prompt string, err error)
	Verify(ctx context.Context, userID, id, answer string) (bool, error)
}

const knowledgeQuestionKey = "knowledge_question"

// KnowledgeMethod asks one of the user's registered security questions
type KnowledgeMethod struct {
	source QuestionSource
}

// NewKnowledgeMethod creates a knowledge method
func NewKnowledgeMethod(source QuestionSource) *KnowledgeMethod {
	return &KnowledgeMethod{source: source}
}

func (m *KnowledgeMethod) Name() string { return MethodKnowledge }

func (m *KnowledgeMethod) Begin(ctx context.Context, session *Session) (*Challenge, error) {
	id, prompt, err := m.source.Question(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("no security question available: %w", err)
	}
	session.SetChallengeData(knowledgeQuestionKey, id)
	return &Challenge{Method: MethodKnowledge, Payload: map[string]any{"prompt": prompt}}, nil
}

func (m *KnowledgeMethod) Complete(ctx context.Context, session *Session, response string) (bool, error) {
	id := session.ChallengeData[knowledgeQuestionKey]
	if id == "" {
		return false, fmt.Errorf("knowledge challenge was never issued")
	}
	return m.source.Verify(ctx, session.UserID, id, response)
}
