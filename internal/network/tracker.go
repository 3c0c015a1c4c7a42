// Package network tracks per-user network sightings and classifies the
// source network of an authentication attempt as known or unknown.
package network

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/riskgate/riskgate/internal/common/database"
)

// State classifies a source network for a user
type State string

const (
	StateKnown   State = "known"
	StateUnknown State = "unknown"
)

// Config holds the classification thresholds
type Config struct {
	// PromotionThreshold is the distinct-day count that promotes a prefix
	PromotionThreshold int
	// WindowDays is the trailing window used for re-promotion after decay
	WindowDays int
	// DecayDays is the silence period after which a prefix loses its standing
	DecayDays int
	// CarrierASNs are mobile-carrier networks whose geo deltas are dampened
	CarrierASNs []uint
}

// CarrierGeoWeight dampens IP-derived geo deltas on carrier networks
const CarrierGeoWeight = 0.3

// SightingStore persists per-user network sightings. RecordSighting is
// idempotent per (user, prefix, day). SightingDays returns the distinct
// sighting days for a prefix in ascending order.
type SightingStore interface {
	RecordSighting(ctx context.Context, userID, prefix string, day time.Time) error
	SightingDays(ctx context.Context, userID, prefix string) ([]time.Time, error)
}

// Tracker classifies networks using the sighting history
type Tracker struct {
	store  SightingStore
	cfg    Config
	logger *zap.Logger
}

// NewTracker creates a network tracker
func NewTracker(store SightingStore, cfg Config, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PromotionThreshold <= 0 {
		cfg.PromotionThreshold = 3
	}
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 30
	}
	if cfg.DecayDays <= 0 {
		cfg.DecayDays = 90
	}
	return &Tracker{store: store, cfg: cfg, logger: logger.With(zap.String("component", "network_tracker"))}
}

// PrefixFor reduces an address to its network prefix: /24 for IPv4 and
// /48 for IPv6. Unparseable addresses are returned verbatim so they still
// bucket consistently.
func PrefixFor(address string) string {
	ip := net.ParseIP(address)
	if ip == nil {
		return address
	}
	if v4 := ip.To4(); v4 != nil {
		masked := v4.Mask(net.CIDRMask(24, 32))
		return masked.String() + "/24"
	}
	masked := ip.Mask(net.CIDRMask(48, 128))
	return masked.String() + "/48"
}

// Classify determines whether the source network is known for the user.
// A prefix is promoted once some trailing window accumulated the threshold
// of distinct sighting days, and it keeps that standing only while gaps
// between sightings stay under the decay period. A prefix whose standing
// lapsed must fill a fresh window to be promoted again. Decay is evaluated
// lazily at read time; nothing is deleted.
func (t *Tracker) Classify(ctx context.Context, userID, address string, now time.Time) (State, error) {
	prefix := PrefixFor(address)
	days, err := t.store.SightingDays(ctx, userID, prefix)
	if err != nil {
		return StateUnknown, fmt.Errorf("sighting lookup failed: %w", err)
	}
	if len(days) == 0 {
		return StateUnknown, nil
	}

	window := time.Duration(t.cfg.WindowDays) * 24 * time.Hour
	decay := time.Duration(t.cfg.DecayDays) * 24 * time.Hour

	known := false
	start := 0
	for i, day := range days {
		if known && day.Sub(days[i-1]) >= decay {
			known = false
		}
		for day.Sub(days[start]) >= window {
			start++
		}
		if i-start+1 >= t.cfg.PromotionThreshold {
			known = true
		}
	}
	if now.Sub(days[len(days)-1]) >= decay {
		known = false
	}

	if known {
		return StateKnown, nil
	}
	return StateUnknown, nil
}

// Record stores a sighting for the attempt's day bucket. Duplicate sightings
// within the same day are absorbed by the store.
func (t *Tracker) Record(ctx context.Context, userID, address string, at time.Time) error {
	prefix := PrefixFor(address)
	day := at.UTC().Truncate(24 * time.Hour)
	if err := t.store.RecordSighting(ctx, userID, prefix, day); err != nil {
		return fmt.Errorf("failed to record sighting: %w", err)
	}
	return nil
}

// GeoWeight returns the dampening factor applied to IP-derived geo deltas
// for the given ASN. Carrier networks get a reduced weight because carrier
// address pools shift location labels without the user moving.
func (t *Tracker) GeoWeight(asn uint) float64 {
	for _, carrier := range t.cfg.CarrierASNs {
		if asn == carrier {
			return CarrierGeoWeight
		}
	}
	return 1.0
}

// PgSightingStore persists sightings in PostgreSQL
type PgSightingStore struct {
	db *database.PostgresDB
}

// NewPgSightingStore creates a PostgreSQL-backed sighting store
func NewPgSightingStore(db *database.PostgresDB) *PgSightingStore {
	return &PgSightingStore{db: db}
}

// RecordSighting inserts a (user, prefix, day) row; replays are no-ops
func (s *PgSightingStore) RecordSighting(ctx context.Context, userID, prefix string, day time.Time) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO network_sightings (user_id, prefix, seen_day)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, prefix, seen_day) DO NOTHING`,
		userID, prefix, day,
	)
	return err
}

// SightingDays returns the prefix's distinct sighting days, oldest first
func (s *PgSightingStore) SightingDays(ctx context.Context, userID, prefix string) ([]time.Time, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT seen_day
		FROM network_sightings
		WHERE user_id = $1 AND prefix = $2
		ORDER BY seen_day`,
		userID, prefix,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var days []time.Time
	for rows.Next() {
		var day time.Time
		if err := rows.Scan(&day); err != nil {
			return nil, err
		}
		days = append(days, day)
	}
	return days, rows.Err()
}
