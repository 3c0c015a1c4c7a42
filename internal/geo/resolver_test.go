package geo

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/riskgate/riskgate/internal/common/database"
	"github.com/riskgate/riskgate/internal/common/testutil"
	"github.com/riskgate/riskgate/internal/signal"
)

type fakeProvider struct {
	loc   *Location
	err   error
	calls int
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) ResolveAddress(_ context.Context, _ string) (*Location, error) {
	f.calls++
	return f.loc, f.err
}

func newTestResolver(t *testing.T, p Provider) (*Resolver, *testutil.MockRedis) {
	t.Helper()
	mock := testutil.NewMockRedis(zap.NewNop())
	if err := mock.Setup(); err != nil {
		t.Fatalf("failed to start mock redis: %v", err)
	}
	t.Cleanup(func() { _ = mock.Shutdown() })

	redis := &database.RedisClient{Client: mock.Client()}
	return NewResolver(redis, p, Config{CacheTTL: time.Hour}, zap.NewNop()), mock
}

func TestResolve_PreciseCoordinatesWinOverAddress(t *testing.T) {
	provider := &fakeProvider{loc: &Location{City: "Ankara", Country: "Turkey", ISOCode: "TR"}}
	r, _ := newTestResolver(t, provider)

	coords := &signal.ClientCoordinates{Latitude: 39.9, Longitude: 32.8, AccuracyMeters: 30}
	result := r.Resolve(context.Background(), coords, "203.0.113.7")

	if result.Tier != TierPrecise {
		t.Errorf("tier = %s, want %s", result.Tier, TierPrecise)
	}
	if result.Location == nil || result.Location.City != "Ankara" {
		t.Error("address labels should still be attached under the precise tier")
	}
}

func TestResolve_CoarseAccuracyFallsBackToAddress(t *testing.T) {
	provider := &fakeProvider{loc: &Location{City: "Istanbul", Country: "Turkey", ISOCode: "TR"}}
	r, _ := newTestResolver(t, provider)

	coords := &signal.ClientCoordinates{Latitude: 41.0, Longitude: 28.9, AccuracyMeters: 1000}
	result := r.Resolve(context.Background(), coords, "203.0.113.7")

	if result.Tier != TierResolved {
		t.Errorf("tier = %s, want %s", result.Tier, TierResolved)
	}
}

func TestResolve_LookupFailureDegradesToUnknown(t *testing.T) {
	provider := &fakeProvider{err: errors.New("upstream down")}
	r, _ := newTestResolver(t, provider)

	result := r.Resolve(context.Background(), nil, "203.0.113.7")

	if result.Tier != TierUnknown {
		t.Errorf("tier = %s, want %s", result.Tier, TierUnknown)
	}
	if result.Location != nil {
		t.Error("failed lookup must not carry a location")
	}
}

func TestResolve_CacheAvoidsSecondProviderCall(t *testing.T) {
	provider := &fakeProvider{loc: &Location{City: "Istanbul", Country: "Turkey", ISOCode: "TR"}}
	r, _ := newTestResolver(t, provider)

	ctx := context.Background()
	r.Resolve(ctx, nil, "203.0.113.7")
	result := r.Resolve(ctx, nil, "203.0.113.7")

	if provider.calls != 1 {
		t.Errorf("provider called %d times, want 1", provider.calls)
	}
	if result.Location == nil || result.Location.City != "Istanbul" {
		t.Error("cached location should round-trip intact")
	}
}

func TestResolve_CacheEntryExpires(t *testing.T) {
	provider := &fakeProvider{loc: &Location{City: "Istanbul", Country: "Turkey", ISOCode: "TR"}}
	r, mock := newTestResolver(t, provider)

	ctx := context.Background()
	r.Resolve(ctx, nil, "203.0.113.7")
	mock.Mini().FastForward(2 * time.Hour)
	r.Resolve(ctx, nil, "203.0.113.7")

	if provider.calls != 2 {
		t.Errorf("provider called %d times after TTL expiry, want 2", provider.calls)
	}
}

func TestDelta_Tiers(t *testing.T) {
	baseline := &Location{City: "Istanbul", Region: "Istanbul", Country: "Turkey", ISOCode: "TR"}

	tests := []struct {
		name       string
		current    *Location
		baseline   *Location
		wantDelta  float64
		wantReason string
	}{
		{"same city", &Location{City: "Istanbul", Region: "Istanbul", ISOCode: "TR"}, baseline, DeltaSameCity, ReasonSameCity},
		{"same region", &Location{City: "Kadikoy", Region: "Istanbul", ISOCode: "TR"}, baseline, DeltaSameRegion, ReasonSameRegion},
		{"same country", &Location{City: "Ankara", Region: "Ankara", ISOCode: "TR"}, baseline, DeltaSameCountry, ReasonSameCountry},
		{"different country", &Location{City: "Berlin", Region: "Berlin", ISOCode: "DE"}, baseline, DeltaDifferentCountry, ReasonDifferentCountry},
		{"no baseline", &Location{City: "Istanbul", ISOCode: "TR"}, nil, DeltaNoBaseline, ReasonNoBaseline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delta, reason := Delta(tt.current, tt.baseline)
			if delta != tt.wantDelta || reason != tt.wantReason {
				t.Errorf("Delta = (%.0f, %s), want (%.0f, %s)", delta, reason, tt.wantDelta, tt.wantReason)
			}
		})
	}
}

func TestParseASNumber(t *testing.T) {
	tests := []struct {
		in   string
		want uint
	}{
		{"AS15169 Google LLC", 15169},
		{"AS8386", 8386},
		{"", 0},
		{"garbage", 0},
	}
	for _, tt := range tests {
		if got := parseASNumber(tt.in); got != tt.want {
			t.Errorf("parseASNumber(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
