package signal

import (
	"testing"
	"time"
)

func f64(v float64) *float64 { return &v }

const chromeMacUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func TestNormalize_FullBundle(t *testing.T) {
	raw := RawTelemetry{
		UserID:        "user-1",
		SourceAddress: "203.0.113.7",
		UserAgent:     chromeMacUA,
		ScreenWidth:   1920,
		ScreenHeight:  1080,
		Timezone:      "Europe/Istanbul",
		Latitude:      f64(41.01),
		Longitude:     f64(28.97),
		Accuracy:      f64(30),
		TypingWPM:     f64(72),
		TypingErrors:  f64(0.04),
		PointerPath:   f64(812.5),
		PointerSpeed:  f64(1.3),
		ObservedAt:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}

	s := Normalize(raw)

	if s.Device == nil {
		t.Fatal("expected device descriptor to be present")
	}
	if s.Device.BrowserFamily != "Chrome" || s.Device.BrowserMajor != 120 {
		t.Errorf("browser parsed as %s/%d", s.Device.BrowserFamily, s.Device.BrowserMajor)
	}
	if s.Device.OSFamily != "macOS" {
		t.Errorf("OS parsed as %s", s.Device.OSFamily)
	}
	if s.Coordinates == nil || s.Coordinates.AccuracyMeters != 30 {
		t.Error("expected coordinates to be present")
	}
	if s.Typing == nil || s.Typing.WPM != 72 {
		t.Error("expected typing sample to be present")
	}
	if s.Pointer == nil {
		t.Error("expected pointer sample to be present")
	}
	if len(s.Missing()) != 0 {
		t.Errorf("expected no missing signals, got %v", s.Missing())
	}
}

func TestNormalize_AbsentFieldsBecomeMissingMarkers(t *testing.T) {
	s := Normalize(RawTelemetry{UserID: "user-2", SourceAddress: "198.51.100.4"})

	if s.Device != nil {
		t.Error("device should be missing without a user agent")
	}
	if s.Coordinates != nil {
		t.Error("coordinates should be missing")
	}
	if s.Typing != nil || s.Pointer != nil {
		t.Error("behavioral samples should be missing")
	}

	missing := s.Missing()
	want := map[string]bool{MissingDevice: true, MissingTyping: true, MissingPointer: true}
	if len(missing) != len(want) {
		t.Fatalf("expected %d missing markers, got %v", len(want), missing)
	}
	for _, m := range missing {
		if !want[m] {
			t.Errorf("unexpected missing marker %s", m)
		}
	}
}

func TestNormalize_MalformedFieldsAreMissingNotZero(t *testing.T) {
	raw := RawTelemetry{
		UserID:       "user-3",
		UserAgent:    chromeMacUA,
		Latitude:     f64(1000), // out of range
		Longitude:    f64(28.97),
		Accuracy:     f64(30),
		TypingWPM:    f64(-10), // negative speed
		TypingErrors: f64(0.1),
		PointerPath:  f64(50),
		// pointer velocity absent entirely
	}

	s := Normalize(raw)

	if s.Coordinates != nil {
		t.Error("out-of-range latitude must yield a missing marker, not a value")
	}
	if s.Typing != nil {
		t.Error("negative WPM must yield a missing marker, not a value")
	}
	if s.Pointer != nil {
		t.Error("partial pointer sample must yield a missing marker")
	}
}

func TestNormalize_ZeroObservationDistinctFromMissing(t *testing.T) {
	raw := RawTelemetry{
		UserID:       "user-4",
		TypingWPM:    f64(40),
		TypingErrors: f64(0), // a real zero error rate
	}
	s := Normalize(raw)
	if s.Typing == nil {
		t.Fatal("zero error rate is a legitimate observation, not missing")
	}
	if s.Typing.ErrorRate != 0 {
		t.Errorf("expected error rate 0, got %f", s.Typing.ErrorRate)
	}
}

func TestDeviceDescriptor_MatchCount(t *testing.T) {
	base := DeviceDescriptor{
		BrowserFamily: "Chrome", BrowserMajor: 120,
		OSFamily:    "macOS",
		ScreenWidth: 1920, ScreenHeight: 1080,
		Timezone: "Europe/Istanbul",
	}

	tests := []struct {
		name  string
		other DeviceDescriptor
		want  int
	}{
		{"identical", base, 4},
		{"screen within tolerance", DeviceDescriptor{
			BrowserFamily: "Chrome", BrowserMajor: 120, OSFamily: "macOS",
			ScreenWidth: 1870, ScreenHeight: 1030, Timezone: "Europe/Istanbul"}, 4},
		{"screen outside tolerance", DeviceDescriptor{
			BrowserFamily: "Chrome", BrowserMajor: 120, OSFamily: "macOS",
			ScreenWidth: 1280, ScreenHeight: 720, Timezone: "Europe/Istanbul"}, 3},
		{"browser major bumped", DeviceDescriptor{
			BrowserFamily: "Chrome", BrowserMajor: 121, OSFamily: "macOS",
			ScreenWidth: 1920, ScreenHeight: 1080, Timezone: "Europe/Istanbul"}, 3},
		{"everything different", DeviceDescriptor{
			BrowserFamily: "Firefox", BrowserMajor: 119, OSFamily: "Windows",
			ScreenWidth: 1366, ScreenHeight: 768, Timezone: "America/New_York"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := base.MatchCount(tt.other); got != tt.want {
				t.Errorf("MatchCount = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParseBrowser_Families(t *testing.T) {
	tests := []struct {
		ua     string
		family string
		major  int
	}{
		{chromeMacUA, "Chrome", 120},
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/119.0", "Firefox", 119},
		{"Mozilla/5.0 (Windows NT 10.0) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.2210.91", "Edge", 120},
		{"Mozilla/5.0 (iPhone; CPU iPhone OS 17_1) Version/17.1 Mobile/15E148 Safari/604.1", "Safari", 17},
		{"curl/8.4.0", "Browser", 0},
	}
	for _, tt := range tests {
		family, major := parseBrowser(tt.ua)
		if family != tt.family || major != tt.major {
			t.Errorf("parseBrowser(%q) = %s/%d, want %s/%d", tt.ua, family, major, tt.family, tt.major)
		}
	}
}
