// Package geo resolves a login's location either from client-supplied
// coordinates or through a cached address-to-location lookup. Only
// city/region/country/ISO/ASN labels are ever retained from address-based
// resolution; coordinates derived from an address are discarded immediately.
package geo

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/riskgate/riskgate/internal/common/database"
	"github.com/riskgate/riskgate/internal/metrics"
	"github.com/riskgate/riskgate/internal/signal"
)

// Tier classifies how the location was obtained
type Tier string

const (
	// TierPrecise means client coordinates with sufficient accuracy were used
	TierPrecise Tier = "precise"
	// TierResolved means the location was derived from the source address
	TierResolved Tier = "resolved"
	// TierUnknown means no location could be determined
	TierUnknown Tier = "unknown"
)

// Location holds the labels retained from resolution. It deliberately has
// no coordinate fields: address-derived coordinates must not survive the
// lookup.
type Location struct {
	City    string `json:"city"`
	Region  string `json:"region"`
	Country string `json:"country"`
	ISOCode string `json:"iso_code"`
	ASN     uint   `json:"asn"`
	ASNOrg  string `json:"asn_org"`
}

// Result is the outcome of a resolution attempt
type Result struct {
	Tier     Tier
	Location *Location // nil when Tier is unknown or labels were unavailable
}

// Provider resolves a source address to location labels
type Provider interface {
	Name() string
	ResolveAddress(ctx context.Context, address string) (*Location, error)
}

// PreciseAccuracyMeters is the client-accuracy cutoff for the precise tier
const PreciseAccuracyMeters = 500.0

// Config holds resolver configuration
type Config struct {
	CacheTTL time.Duration
}

// Resolver performs tiered location resolution with a bounded-TTL cache
type Resolver struct {
	redis    *database.RedisClient
	provider Provider
	cfg      Config
	logger   *zap.Logger
}

// NewResolver creates a new geo resolver. The Redis client may be nil, in
// which case lookups are uncached.
func NewResolver(redis *database.RedisClient, provider Provider, cfg Config, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	return &Resolver{
		redis:    redis,
		provider: provider,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "geo_resolver")),
	}
}

// Resolve determines the location tier for an authentication attempt.
// Client coordinates with accuracy within the cutoff take precedence; the
// address lookup still runs to obtain comparable city/region/country labels.
// Lookup failure degrades to an unknown tier rather than failing the request.
func (r *Resolver) Resolve(ctx context.Context, coords *signal.ClientCoordinates, sourceAddress string) Result {
	precise := coords != nil && coords.AccuracyMeters > 0 && coords.AccuracyMeters <= PreciseAccuracyMeters

	loc, err := r.lookupAddress(ctx, sourceAddress)
	if err != nil {
		r.logger.Warn("address resolution unavailable",
			zap.String("address", sourceAddress),
			zap.Error(err),
		)
		loc = nil
	}

	switch {
	case precise:
		return Result{Tier: TierPrecise, Location: loc}
	case loc != nil:
		return Result{Tier: TierResolved, Location: loc}
	default:
		return Result{Tier: TierUnknown}
	}
}

// lookupAddress resolves an address to location labels through the cache
func (r *Resolver) lookupAddress(ctx context.Context, address string) (*Location, error) {
	if address == "" {
		return nil, nil
	}

	cacheKey := "geo:addr:" + address
	if r.redis != nil {
		if cached, err := r.redis.Client.Get(ctx, cacheKey).Result(); err == nil {
			var loc Location
			if json.Unmarshal([]byte(cached), &loc) == nil {
				metrics.GeoLookupsTotal.WithLabelValues("cache", "hit").Inc()
				return &loc, nil
			}
		}
	}

	loc, err := r.provider.ResolveAddress(ctx, address)
	if err != nil {
		metrics.GeoLookupsTotal.WithLabelValues(r.provider.Name(), "error").Inc()
		return nil, err
	}
	if loc == nil {
		metrics.GeoLookupsTotal.WithLabelValues(r.provider.Name(), "miss").Inc()
		return nil, nil
	}
	metrics.GeoLookupsTotal.WithLabelValues(r.provider.Name(), "hit").Inc()

	if r.redis != nil {
		if data, err := json.Marshal(loc); err == nil {
			r.redis.Client.Set(ctx, cacheKey, data, r.cfg.CacheTTL)
		}
	}

	return loc, nil
}
