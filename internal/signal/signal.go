// Package signal converts raw client telemetry into a canonical signal set
// with explicit presence markers. Downstream scoring must always be able to
// tell "signal absent" apart from "signal observed with a zero value".
package signal

import (
	"strconv"
	"strings"
	"time"
)

// DeviceDescriptor identifies a device by its stable, coarse attributes.
// Screen dimensions are kept raw; matching applies the tolerance.
type DeviceDescriptor struct {
	BrowserFamily string `json:"browser_family"`
	BrowserMajor  int    `json:"browser_major"`
	OSFamily      string `json:"os_family"`
	ScreenWidth   int    `json:"screen_width"`
	ScreenHeight  int    `json:"screen_height"`
	Timezone      string `json:"timezone"`
}

// ScreenTolerancePx is the matching tolerance for screen dimensions.
const ScreenTolerancePx = 100

// MatchCount returns how many of the four compared attribute groups
// (browser family+major, OS family, screen within tolerance, timezone)
// agree between the two descriptors.
func (d DeviceDescriptor) MatchCount(other DeviceDescriptor) int {
	matches := 0
	if d.BrowserFamily == other.BrowserFamily && d.BrowserMajor == other.BrowserMajor {
		matches++
	}
	if d.OSFamily == other.OSFamily {
		matches++
	}
	if within(d.ScreenWidth, other.ScreenWidth, ScreenTolerancePx) &&
		within(d.ScreenHeight, other.ScreenHeight, ScreenTolerancePx) {
		matches++
	}
	if d.Timezone == other.Timezone {
		matches++
	}
	return matches
}

// AttributeCount is the number of attribute groups MatchCount compares.
const AttributeCount = 4

// Name returns a human-readable device name for audit reasons
func (d DeviceDescriptor) Name() string {
	browser := d.BrowserFamily
	if browser == "" {
		browser = "Browser"
	}
	os := d.OSFamily
	if os == "" {
		os = "Unknown OS"
	}
	return browser + " on " + os
}

func within(a, b, tolerance int) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

// TypingSample holds one observation of typing cadence
type TypingSample struct {
	WPM       float64 `json:"wpm"`
	ErrorRate float64 `json:"error_rate"`
}

// PointerSample holds one observation of pointer dynamics
type PointerSample struct {
	PathLength float64 `json:"path_length"`
	Velocity   float64 `json:"velocity"`
}

// ClientCoordinates holds a client-reported geolocation fix
type ClientCoordinates struct {
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	AccuracyMeters float64 `json:"accuracy_meters"`
}

// Signals is the canonical signal record. Nil pointer fields are typed
// "missing" markers: a field is nil exactly when the client did not submit
// it or submitted something malformed.
type Signals struct {
	UserID        string
	SourceAddress string
	Device        *DeviceDescriptor
	Coordinates   *ClientCoordinates
	Typing        *TypingSample
	Pointer       *PointerSample
	ObservedAt    time.Time
}

// Missing reason codes, itemized so the scorer can penalize each absent
// required signal with its own reason string.
const (
	MissingDevice   = "missing_device_signal"
	MissingGeo      = "missing_geo_signal"
	MissingTyping   = "missing_typing_signal"
	MissingPointer  = "missing_pointer_signal"
)

// Missing returns the reason codes for every absent required signal.
// Coordinates are not listed here: geo absence is determined after address
// resolution by the geo resolver.
func (s Signals) Missing() []string {
	var missing []string
	if s.Device == nil {
		missing = append(missing, MissingDevice)
	}
	if s.Typing == nil {
		missing = append(missing, MissingTyping)
	}
	if s.Pointer == nil {
		missing = append(missing, MissingPointer)
	}
	return missing
}

// RawTelemetry is the wire-level telemetry bundle submitted by the client.
// All behavioral and environmental fields are optional.
type RawTelemetry struct {
	UserID        string   `json:"user_id" binding:"required"`
	SourceAddress string   `json:"source_address"`
	UserAgent     string   `json:"user_agent"`
	ScreenWidth   int      `json:"screen_width"`
	ScreenHeight  int      `json:"screen_height"`
	Timezone      string   `json:"timezone"`
	Latitude      *float64 `json:"latitude"`
	Longitude     *float64 `json:"longitude"`
	Accuracy      *float64 `json:"accuracy_meters"`
	TypingWPM     *float64 `json:"typing_wpm"`
	TypingErrors  *float64 `json:"typing_error_rate"`
	PointerPath   *float64 `json:"pointer_path_length"`
	PointerSpeed  *float64 `json:"pointer_velocity"`
	ObservedAt    time.Time `json:"observed_at"`
}

// Normalize converts a raw telemetry bundle into the canonical signal set.
// Malformed fields become typed missing markers, never defaults.
func Normalize(raw RawTelemetry) Signals {
	s := Signals{
		UserID:        raw.UserID,
		SourceAddress: strings.TrimSpace(raw.SourceAddress),
		ObservedAt:    raw.ObservedAt,
	}
	if s.ObservedAt.IsZero() {
		s.ObservedAt = time.Now().UTC()
	}

	if d := normalizeDevice(raw); d != nil {
		s.Device = d
	}

	if raw.Latitude != nil && raw.Longitude != nil && raw.Accuracy != nil {
		lat, lon, acc := *raw.Latitude, *raw.Longitude, *raw.Accuracy
		if lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180 && acc > 0 {
			s.Coordinates = &ClientCoordinates{Latitude: lat, Longitude: lon, AccuracyMeters: acc}
		}
	}

	if raw.TypingWPM != nil && raw.TypingErrors != nil {
		wpm, errRate := *raw.TypingWPM, *raw.TypingErrors
		if wpm > 0 && errRate >= 0 && errRate <= 1 {
			s.Typing = &TypingSample{WPM: wpm, ErrorRate: errRate}
		}
	}

	if raw.PointerPath != nil && raw.PointerSpeed != nil {
		path, speed := *raw.PointerPath, *raw.PointerSpeed
		if path >= 0 && speed >= 0 {
			s.Pointer = &PointerSample{PathLength: path, Velocity: speed}
		}
	}

	return s
}

// normalizeDevice builds a device descriptor from the user agent and screen
// attributes. A descriptor requires at least a recognizable user agent.
func normalizeDevice(raw RawTelemetry) *DeviceDescriptor {
	ua := strings.TrimSpace(raw.UserAgent)
	if ua == "" {
		return nil
	}

	browser, major := parseBrowser(ua)
	return &DeviceDescriptor{
		BrowserFamily: browser,
		BrowserMajor:  major,
		OSFamily:      parseOS(ua),
		ScreenWidth:   raw.ScreenWidth,
		ScreenHeight:  raw.ScreenHeight,
		Timezone:      raw.Timezone,
	}
}

// parseBrowser extracts the browser family and major version from a User-Agent
func parseBrowser(userAgent string) (string, int) {
	ua := strings.ToLower(userAgent)

	switch {
	case strings.Contains(ua, "edg/"):
		return "Edge", majorAfter(ua, "edg/")
	case strings.Contains(ua, "firefox/"):
		return "Firefox", majorAfter(ua, "firefox/")
	case strings.Contains(ua, "chrome/"):
		return "Chrome", majorAfter(ua, "chrome/")
	case strings.Contains(ua, "safari") && strings.Contains(ua, "version/"):
		return "Safari", majorAfter(ua, "version/")
	default:
		return "Browser", 0
	}
}

// majorAfter parses the major version number following a marker token
func majorAfter(ua, marker string) int {
	idx := strings.Index(ua, marker)
	if idx < 0 {
		return 0
	}
	rest := ua[idx+len(marker):]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	major, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0
	}
	return major
}

// parseOS extracts the OS family from a User-Agent
func parseOS(userAgent string) string {
	ua := strings.ToLower(userAgent)

	switch {
	case strings.Contains(ua, "windows"):
		return "Windows"
	case strings.Contains(ua, "iphone") || strings.Contains(ua, "ipad"):
		return "iOS"
	case strings.Contains(ua, "macintosh") || strings.Contains(ua, "mac os"):
		return "macOS"
	case strings.Contains(ua, "android"):
		return "Android"
	case strings.Contains(ua, "linux"):
		return "Linux"
	default:
		return "Unknown OS"
	}
}
