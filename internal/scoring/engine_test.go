package scoring

import (
	"reflect"
	"testing"

	"go.uber.org/zap"

	"github.com/riskgate/riskgate/internal/baseline"
	"github.com/riskgate/riskgate/internal/geo"
	"github.com/riskgate/riskgate/internal/network"
	"github.com/riskgate/riskgate/internal/signal"
)

func testEngine() *Engine {
	return NewEngine(Config{LowBoundary: 40, HighBoundary: 60}, zap.NewNop())
}

func knownDevice() signal.DeviceDescriptor {
	return signal.DeviceDescriptor{
		BrowserFamily: "Chrome", BrowserMajor: 120, OSFamily: "macOS",
		ScreenWidth: 1920, ScreenHeight: 1080, Timezone: "Europe/Istanbul",
	}
}

// settledProfile has a device, a location and behavioral baselines with
// enough spread that ordinary observations sit under one standard deviation.
func settledProfile() *baseline.BehaviorProfile {
	p := baseline.NewProfile("user-1")
	p.ObserveDevice(knownDevice())
	p.ObserveLocation(geo.Location{City: "Istanbul", Region: "Istanbul", Country: "Turkey", ISOCode: "TR"})
	p.TypingSpeed = baseline.EWMAStat{Mean: 70, Variance: 25, Samples: 10}
	p.TypingErrorRate = baseline.EWMAStat{Mean: 0.05, Variance: 0.0004, Samples: 10}
	p.PointerPath = baseline.EWMAStat{Mean: 800, Variance: 2500, Samples: 10}
	p.PointerVelocity = baseline.EWMAStat{Mean: 1.2, Variance: 0.04, Samples: 10}
	return p
}

func trustedInput() Input {
	device := knownDevice()
	return Input{
		Signals: signal.Signals{
			UserID:  "user-1",
			Device:  &device,
			Typing:  &signal.TypingSample{WPM: 72, ErrorRate: 0.05},
			Pointer: &signal.PointerSample{PathLength: 810, Velocity: 1.25},
		},
		Profile: settledProfile(),
		Network: network.StateKnown,
		Geo: geo.Result{
			Tier:     geo.TierResolved,
			Location: &geo.Location{City: "Istanbul", Region: "Istanbul", ISOCode: "TR"},
		},
		GeoWeight: 1.0,
	}
}

func TestEvaluate_TrustedContextStaysLow(t *testing.T) {
	score := testEngine().Evaluate(trustedInput())

	if score.Level != LevelLow {
		t.Errorf("level = %s (score %.1f), want low", score.Level, score.Value)
	}
	if score.Value > 40 {
		t.Errorf("score = %.1f, want <= 40", score.Value)
	}
}

func TestEvaluate_UnknownNetworkAddsPenalty(t *testing.T) {
	in := trustedInput()
	in.Network = network.StateUnknown

	score := testEngine().Evaluate(in)

	found := false
	for _, r := range score.Reasons {
		if r.Code == ReasonUnknownNetwork && r.Contribution == unknownNetworkPenalty {
			found = true
		}
	}
	if !found {
		t.Errorf("unknown network reason absent from %v", score.Reasons)
	}
}

func TestEvaluate_FirstSeenUserGetsNoBaselinePenaltyOnce(t *testing.T) {
	in := trustedInput()
	in.Profile = nil

	score := testEngine().Evaluate(in)

	count := 0
	for _, r := range score.Reasons {
		if r.Code == ReasonNoBaseline {
			count++
			if r.Contribution != noBaselinePenalty {
				t.Errorf("no-baseline contribution = %.1f, want %.1f", r.Contribution, noBaselinePenalty)
			}
		}
	}
	if count != 1 {
		t.Errorf("no-baseline reason appeared %d times, want exactly 1", count)
	}
}

func TestEvaluate_NoBaselinePenaltyAppliesWithoutBehavioralSignals(t *testing.T) {
	inputs := map[string]Input{
		"no profile": {
			Signals: signal.Signals{UserID: "user-1"},
			Network: network.StateUnknown,
			Geo:     geo.Result{Tier: geo.TierUnknown},
		},
		"profile without behavioral samples": {
			Signals: signal.Signals{UserID: "user-1"},
			Profile: baseline.NewProfile("user-1"),
			Network: network.StateUnknown,
			Geo:     geo.Result{Tier: geo.TierUnknown},
		},
	}

	for name, in := range inputs {
		score := testEngine().Evaluate(in)

		count := 0
		for _, r := range score.Reasons {
			if r.Code == ReasonNoBaseline {
				count++
			}
		}
		if count != 1 {
			t.Errorf("%s: no-baseline reason appeared %d times, want exactly 1", name, count)
		}
	}
}

func TestEvaluate_CarrierWeightDampensResolvedGeoDelta(t *testing.T) {
	in := trustedInput()
	in.Geo.Location = &geo.Location{City: "Berlin", Region: "Berlin", ISOCode: "DE"}

	full := testEngine().Evaluate(in)

	in.GeoWeight = network.CarrierGeoWeight
	damped := testEngine().Evaluate(in)

	geoContribution := func(s Score) float64 {
		for _, r := range s.Reasons {
			if r.Code == geo.ReasonDifferentCountry {
				return r.Contribution
			}
		}
		return 0
	}

	if geoContribution(full) != geo.DeltaDifferentCountry {
		t.Errorf("undamped geo contribution = %.1f, want %.1f", geoContribution(full), geo.DeltaDifferentCountry)
	}
	want := geo.DeltaDifferentCountry * network.CarrierGeoWeight
	if geoContribution(damped) != want {
		t.Errorf("damped geo contribution = %.1f, want %.1f", geoContribution(damped), want)
	}
}

func TestEvaluate_PreciseTierIgnoresCarrierWeight(t *testing.T) {
	in := trustedInput()
	in.Geo.Tier = geo.TierPrecise
	in.Geo.Location = &geo.Location{City: "Berlin", Region: "Berlin", ISOCode: "DE"}
	in.GeoWeight = network.CarrierGeoWeight

	score := testEngine().Evaluate(in)

	for _, r := range score.Reasons {
		if r.Code == geo.ReasonDifferentCountry && r.Contribution != geo.DeltaDifferentCountry {
			t.Errorf("precise-tier geo contribution = %.1f, want %.1f", r.Contribution, geo.DeltaDifferentCountry)
		}
	}
}

func TestEvaluate_MissingSignalsPenalized(t *testing.T) {
	in := Input{
		Signals: signal.Signals{UserID: "user-1"},
		Profile: settledProfile(),
		Network: network.StateUnknown,
		Geo:     geo.Result{Tier: geo.TierUnknown},
	}

	score := testEngine().Evaluate(in)

	want := map[string]float64{
		signal.MissingDevice:   missingDevicePenalty,
		signal.MissingTyping:   missingTypingPenalty,
		signal.MissingPointer:  missingPointerPenalty,
		signal.MissingGeo:      missingGeoPenalty,
		ReasonUnknownNetwork:   unknownNetworkPenalty,
	}
	got := map[string]float64{}
	for _, r := range score.Reasons {
		got[r.Code] = r.Contribution
	}
	for code, contribution := range want {
		if got[code] != contribution {
			t.Errorf("reason %s contribution = %.1f, want %.1f", code, got[code], contribution)
		}
	}
}

func TestEvaluate_BehavioralAnomalyGrowsWithDeviation(t *testing.T) {
	in := trustedInput()
	in.Signals.Typing = &signal.TypingSample{WPM: 85, ErrorRate: 0.05} // z = 3

	score := testEngine().Evaluate(in)

	found := false
	for _, r := range score.Reasons {
		if r.Code == ReasonTypingSpeedAnomaly {
			found = true
			// (3-1) * 4 = 8
			if r.Contribution != 8 {
				t.Errorf("typing anomaly contribution = %.1f, want 8", r.Contribution)
			}
		}
	}
	if !found {
		t.Error("typing speed anomaly not reported")
	}
}

func TestEvaluate_BehavioralAnomalyCapped(t *testing.T) {
	in := trustedInput()
	in.Signals.Typing = &signal.TypingSample{WPM: 300, ErrorRate: 0.05}

	score := testEngine().Evaluate(in)

	for _, r := range score.Reasons {
		if r.Code == ReasonTypingSpeedAnomaly && r.Contribution > behavioralAnomalyCap {
			t.Errorf("anomaly contribution %.1f exceeds cap %.1f", r.Contribution, behavioralAnomalyCap)
		}
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	in := trustedInput()
	in.Network = network.StateUnknown
	in.Profile.KnownDevices = nil
	in.Geo.Location = &geo.Location{City: "Ankara", Region: "Ankara", ISOCode: "TR"}

	e := testEngine()
	first := e.Evaluate(in)
	second := e.Evaluate(in)

	if first.Value != second.Value || first.Level != second.Level {
		t.Errorf("scores differ across identical evaluations: %.1f vs %.1f", first.Value, second.Value)
	}
	if !reflect.DeepEqual(first.Reasons, second.Reasons) {
		t.Errorf("reason ordering differs: %v vs %v", first.Reasons, second.Reasons)
	}
}

func TestEvaluate_ReasonsSortedByContribution(t *testing.T) {
	in := Input{
		Signals: signal.Signals{UserID: "user-1"},
		Network: network.StateUnknown,
		Geo:     geo.Result{Tier: geo.TierUnknown},
	}
	score := testEngine().Evaluate(in)

	for i := 1; i < len(score.Reasons); i++ {
		prev, cur := score.Reasons[i-1], score.Reasons[i]
		if prev.Contribution < cur.Contribution {
			t.Errorf("reasons out of order: %v before %v", prev, cur)
		}
		if prev.Contribution == cur.Contribution && prev.Code > cur.Code {
			t.Errorf("tied reasons not ordered by code: %v before %v", prev, cur)
		}
	}
}

func TestClassify_Boundaries(t *testing.T) {
	e := testEngine()
	tests := []struct {
		value float64
		want  Level
	}{
		{0, LevelLow},
		{40, LevelLow},
		{41, LevelMedium},
		{60, LevelMedium},
		{61, LevelHigh},
		{100, LevelHigh},
	}
	for _, tt := range tests {
		if got := e.Classify(tt.value); got != tt.want {
			t.Errorf("Classify(%.0f) = %s, want %s", tt.value, got, tt.want)
		}
	}
}
