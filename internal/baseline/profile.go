// Package baseline maintains per-user behavioral baselines as exponentially
// weighted moving averages, plus the device and location history used for
// comparison at decision time.
package baseline

import (
	"math"
	"time"

	"github.com/riskgate/riskgate/internal/geo"
	"github.com/riskgate/riskgate/internal/signal"
)

// varianceFloor prevents division blowups on near-constant baselines
const varianceFloor = 1e-6

// maxKnownDevices bounds the device history per user
const maxKnownDevices = 10

// maxLocationHistory bounds the retained location labels per user
const maxLocationHistory = 20

// EWMAStat is an exponentially weighted running mean and variance
type EWMAStat struct {
	Mean     float64 `json:"mean"`
	Variance float64 `json:"variance"`
	Samples  int     `json:"samples"`
}

// Update folds one observation into the statistic. The first observation
// seeds the mean directly with zero variance.
func (s *EWMAStat) Update(x, alpha float64) {
	if s.Samples == 0 {
		s.Mean = x
		s.Variance = 0
		s.Samples = 1
		return
	}
	s.Mean = alpha*x + (1-alpha)*s.Mean
	dev := x - s.Mean
	s.Variance = alpha*dev*dev + (1-alpha)*s.Variance
	s.Samples++
}

// ZScore returns how many standard deviations x sits from the mean.
// A statistic with fewer than two samples has no spread to compare against
// and reports zero.
func (s EWMAStat) ZScore(x float64) float64 {
	if s.Samples < 2 {
		return 0
	}
	variance := s.Variance
	if variance < varianceFloor {
		variance = varianceFloor
	}
	return math.Abs(x-s.Mean) / math.Sqrt(variance)
}

// BehaviorProfile is the learned baseline document for one user. Version
// provides optimistic concurrency: saves carry the version they read and
// fail when another writer got there first.
type BehaviorProfile struct {
	UserID          string                    `json:"user_id"`
	TypingSpeed     EWMAStat                  `json:"typing_speed"`
	TypingErrorRate EWMAStat                  `json:"typing_error_rate"`
	PointerPath     EWMAStat                  `json:"pointer_path"`
	PointerVelocity EWMAStat                  `json:"pointer_velocity"`
	KnownDevices    []signal.DeviceDescriptor `json:"known_devices"`
	LastLocation    *geo.Location             `json:"last_location,omitempty"`
	LocationHistory []geo.Location            `json:"location_history,omitempty"`
	Streak          int                       `json:"streak"`
	BaselineVersion int                       `json:"baseline_version"`
	Version         int64                     `json:"-"`
	UpdatedAt       time.Time                 `json:"updated_at"`
}

// NewProfile creates an empty profile for a user
func NewProfile(userID string) *BehaviorProfile {
	return &BehaviorProfile{UserID: userID}
}

// HasBehavioralBaseline reports whether any behavioral statistic has
// accumulated enough samples to be comparable.
func (p *BehaviorProfile) HasBehavioralBaseline() bool {
	return p.TypingSpeed.Samples >= 2 || p.TypingErrorRate.Samples >= 2 ||
		p.PointerPath.Samples >= 2 || p.PointerVelocity.Samples >= 2
}

// BestDeviceMatch returns the highest attribute match count across the
// user's known devices, and whether any device is recorded at all.
func (p *BehaviorProfile) BestDeviceMatch(d signal.DeviceDescriptor) (int, bool) {
	if len(p.KnownDevices) == 0 {
		return 0, false
	}
	best := 0
	for _, known := range p.KnownDevices {
		if m := known.MatchCount(d); m > best {
			best = m
		}
	}
	return best, true
}

// ObserveDevice records a device if an equivalent one is not already known.
// The oldest entry is evicted once the list is full.
func (p *BehaviorProfile) ObserveDevice(d signal.DeviceDescriptor) {
	for _, known := range p.KnownDevices {
		if known.MatchCount(d) == signal.AttributeCount {
			return
		}
	}
	p.KnownDevices = append(p.KnownDevices, d)
	if len(p.KnownDevices) > maxKnownDevices {
		p.KnownDevices = p.KnownDevices[1:]
	}
}

// ObserveLocation records the location as the new comparison baseline and
// appends it to the bounded history.
func (p *BehaviorProfile) ObserveLocation(loc geo.Location) {
	p.LastLocation = &loc
	p.LocationHistory = append(p.LocationHistory, loc)
	if len(p.LocationHistory) > maxLocationHistory {
		p.LocationHistory = p.LocationHistory[1:]
	}
}
