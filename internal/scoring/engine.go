// Package scoring computes a deterministic risk score for an authentication
// attempt from the canonical signals, the user's learned baselines, and the
// network and location context.
package scoring

import (
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/riskgate/riskgate/internal/baseline"
	"github.com/riskgate/riskgate/internal/geo"
	"github.com/riskgate/riskgate/internal/metrics"
	"github.com/riskgate/riskgate/internal/network"
	"github.com/riskgate/riskgate/internal/signal"
)

// Level is the risk band a score falls into
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Penalty weights
const (
	deviceMismatchPerAttribute = 5.0
	deviceMismatchCap          = 20.0
	behavioralAnomalyWeight    = 4.0
	behavioralAnomalyCap       = 12.0
	behavioralAnomalyOnset     = 1.0
	unknownNetworkPenalty      = 10.0
	noBaselinePenalty          = 10.0
	missingDevicePenalty       = 8.0
	missingGeoPenalty          = 6.0
	missingTypingPenalty       = 4.0
	missingPointerPenalty      = 4.0
)

// reasonFloor drops negligible contributions from the reason list
const reasonFloor = 1.0

// Reason codes emitted by the engine itself; geo and missing-signal codes
// come from their own packages.
const (
	ReasonDeviceMismatch         = "device_mismatch"
	ReasonUnknownNetwork         = "unknown_network"
	ReasonNoBaseline             = "behavior_no_baseline"
	ReasonTypingSpeedAnomaly     = "typing_speed_anomaly"
	ReasonTypingErrorAnomaly     = "typing_error_anomaly"
	ReasonPointerPathAnomaly     = "pointer_path_anomaly"
	ReasonPointerVelocityAnomaly = "pointer_velocity_anomaly"
)

// Reason is one scored contribution, kept for audit and step-up selection
type Reason struct {
	Code         string  `json:"code"`
	Contribution float64 `json:"contribution"`
}

// Score is the engine's output
type Score struct {
	Value   float64  `json:"value"`
	Level   Level    `json:"level"`
	Reasons []Reason `json:"reasons"`
}

// Input bundles everything the engine evaluates. Profile may be nil for a
// first-seen user. GeoWeight dampens the geo delta on carrier networks.
type Input struct {
	Signals   signal.Signals
	Profile   *baseline.BehaviorProfile
	Network   network.State
	Geo       geo.Result
	GeoWeight float64
}

// Config holds the risk band boundaries
type Config struct {
	LowBoundary  float64
	HighBoundary float64
}

// Engine evaluates inputs into scores. Evaluation is pure: the same input
// always produces the same score and the same ordered reasons.
type Engine struct {
	cfg    Config
	logger *zap.Logger
}

// NewEngine creates a scoring engine
func NewEngine(cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LowBoundary <= 0 {
		cfg.LowBoundary = 40
	}
	if cfg.HighBoundary <= cfg.LowBoundary {
		cfg.HighBoundary = 60
	}
	return &Engine{cfg: cfg, logger: logger.With(zap.String("component", "scoring_engine"))}
}

// Evaluate computes the risk score for one attempt
func (e *Engine) Evaluate(in Input) Score {
	var reasons []Reason
	add := func(code string, contribution float64) {
		if contribution >= reasonFloor {
			reasons = append(reasons, Reason{Code: code, Contribution: contribution})
		}
	}

	add(e.deviceContribution(in))
	add(e.geoContribution(in))

	if in.Network == network.StateUnknown {
		add(ReasonUnknownNetwork, unknownNetworkPenalty)
	}

	for _, r := range e.behavioralContributions(in) {
		add(r.Code, r.Contribution)
	}

	for _, code := range in.Signals.Missing() {
		switch code {
		case signal.MissingDevice:
			add(code, missingDevicePenalty)
		case signal.MissingTyping:
			add(code, missingTypingPenalty)
		case signal.MissingPointer:
			add(code, missingPointerPenalty)
		}
	}
	if in.Geo.Location == nil {
		add(signal.MissingGeo, missingGeoPenalty)
	}

	total := 0.0
	for _, r := range reasons {
		total += r.Contribution
	}
	total = math.Min(100, math.Max(0, total))

	sort.Slice(reasons, func(i, j int) bool {
		if reasons[i].Contribution != reasons[j].Contribution {
			return reasons[i].Contribution > reasons[j].Contribution
		}
		return reasons[i].Code < reasons[j].Code
	})

	score := Score{Value: total, Level: e.Classify(total), Reasons: reasons}
	metrics.RiskScoreHistogram.Observe(total)
	e.logger.Debug("attempt scored",
		zap.String("user_id", in.Signals.UserID),
		zap.Float64("score", total),
		zap.String("level", string(score.Level)),
	)
	return score
}

// Classify maps a score to its risk band
func (e *Engine) Classify(value float64) Level {
	switch {
	case value <= e.cfg.LowBoundary:
		return LevelLow
	case value <= e.cfg.HighBoundary:
		return LevelMedium
	default:
		return LevelHigh
	}
}

// deviceContribution penalizes per mismatched attribute against the best
// known device. A profile with no device history contributes nothing here;
// the no-baseline penalty covers that case.
func (e *Engine) deviceContribution(in Input) (string, float64) {
	if in.Signals.Device == nil || in.Profile == nil {
		return ReasonDeviceMismatch, 0
	}
	best, ok := in.Profile.BestDeviceMatch(*in.Signals.Device)
	if !ok {
		return ReasonDeviceMismatch, 0
	}
	mismatches := signal.AttributeCount - best
	penalty := math.Min(float64(mismatches)*deviceMismatchPerAttribute, deviceMismatchCap)
	return ReasonDeviceMismatch, penalty
}

// geoContribution compares the resolved location against the location
// baseline. Address-derived deltas are dampened by the carrier weight;
// precise client fixes are not.
func (e *Engine) geoContribution(in Input) (string, float64) {
	if in.Geo.Location == nil {
		return geo.ReasonNoBaseline, 0
	}

	var baselineLoc *geo.Location
	if in.Profile != nil {
		baselineLoc = in.Profile.LastLocation
	}
	delta, code := geo.Delta(in.Geo.Location, baselineLoc)

	weight := 1.0
	if in.Geo.Tier == geo.TierResolved {
		weight = in.GeoWeight
		if weight <= 0 || weight > 1 {
			weight = 1.0
		}
	}
	return code, delta * weight
}

// behavioralContributions scores each behavioral statistic's deviation from
// its baseline. Deviations under one standard deviation are free; beyond
// that the penalty grows linearly up to the per-signal cap. Users without a
// behavioral baseline get the flat no-baseline penalty exactly once,
// whether or not the attempt carried behavioral signals.
func (e *Engine) behavioralContributions(in Input) []Reason {
	if in.Profile == nil || !in.Profile.HasBehavioralBaseline() {
		return []Reason{{Code: ReasonNoBaseline, Contribution: noBaselinePenalty}}
	}

	var out []Reason
	anomaly := func(code string, stat baseline.EWMAStat, x float64) {
		z := stat.ZScore(x)
		if z <= behavioralAnomalyOnset {
			return
		}
		penalty := math.Min((z-behavioralAnomalyOnset)*behavioralAnomalyWeight, behavioralAnomalyCap)
		out = append(out, Reason{Code: code, Contribution: penalty})
	}

	if in.Signals.Typing != nil {
		anomaly(ReasonTypingSpeedAnomaly, in.Profile.TypingSpeed, in.Signals.Typing.WPM)
		anomaly(ReasonTypingErrorAnomaly, in.Profile.TypingErrorRate, in.Signals.Typing.ErrorRate)
	}
	if in.Signals.Pointer != nil {
		anomaly(ReasonPointerPathAnomaly, in.Profile.PointerPath, in.Signals.Pointer.PathLength)
		anomaly(ReasonPointerVelocityAnomaly, in.Profile.PointerVelocity, in.Signals.Pointer.Velocity)
	}
	return out
}
