package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oschwald/geoip2-golang"
)

// MaxMindProvider resolves addresses against local MaxMind database files.
// The ASN database is optional.
type MaxMindProvider struct {
	city *geoip2.Reader
	asn  *geoip2.Reader
}

// NewMaxMindProvider opens the city database at cityPath and, when asnPath
// is non-empty, the ASN database alongside it.
func NewMaxMindProvider(cityPath, asnPath string) (*MaxMindProvider, error) {
	city, err := geoip2.Open(cityPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open city database: %w", err)
	}

	p := &MaxMindProvider{city: city}
	if asnPath != "" {
		asn, err := geoip2.Open(asnPath)
		if err != nil {
			city.Close()
			return nil, fmt.Errorf("failed to open ASN database: %w", err)
		}
		p.asn = asn
	}
	return p, nil
}

// Name identifies the provider in metrics
func (p *MaxMindProvider) Name() string { return "maxmind" }

// Close releases the database readers
func (p *MaxMindProvider) Close() {
	p.city.Close()
	if p.asn != nil {
		p.asn.Close()
	}
}

// ResolveAddress looks up the address in the local databases. Only labels
// are copied out of the records; the record coordinates are never read.
func (p *MaxMindProvider) ResolveAddress(_ context.Context, address string) (*Location, error) {
	ip := net.ParseIP(address)
	if ip == nil {
		return nil, fmt.Errorf("invalid address: %s", address)
	}
	if isLocalAddress(ip) {
		return localLocation(), nil
	}

	record, err := p.city.City(ip)
	if err != nil {
		return nil, fmt.Errorf("city lookup failed: %w", err)
	}

	loc := &Location{
		City:    record.City.Names["en"],
		Country: record.Country.Names["en"],
		ISOCode: record.Country.IsoCode,
	}
	if len(record.Subdivisions) > 0 {
		loc.Region = record.Subdivisions[0].Names["en"]
	}

	if p.asn != nil {
		if asnRecord, err := p.asn.ASN(ip); err == nil {
			loc.ASN = asnRecord.AutonomousSystemNumber
			loc.ASNOrg = asnRecord.AutonomousSystemOrganization
		}
	}

	if loc.Country == "" && loc.City == "" {
		return nil, nil
	}
	return loc, nil
}

// HTTPProvider resolves addresses through the ip-api.com JSON endpoint.
// The field list deliberately excludes coordinates so they never reach us.
type HTTPProvider struct {
	client  *http.Client
	baseURL string
}

// NewHTTPProvider creates an HTTP lookup provider with the given timeout
func NewHTTPProvider(timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProvider{
		client:  &http.Client{Timeout: timeout},
		baseURL: "http://ip-api.com/json",
	}
}

// Name identifies the provider in metrics
func (p *HTTPProvider) Name() string { return "ip-api" }

type ipAPIResponse struct {
	Status      string `json:"status"`
	Country     string `json:"country"`
	CountryCode string `json:"countryCode"`
	RegionName  string `json:"regionName"`
	City        string `json:"city"`
	AS          string `json:"as"`
	ASName      string `json:"asname"`
}

// ResolveAddress queries the lookup service for location labels
func (p *HTTPProvider) ResolveAddress(ctx context.Context, address string) (*Location, error) {
	ip := net.ParseIP(address)
	if ip == nil {
		return nil, fmt.Errorf("invalid address: %s", address)
	}
	if isLocalAddress(ip) {
		return localLocation(), nil
	}

	url := fmt.Sprintf("%s/%s?fields=status,country,countryCode,regionName,city,as,asname", p.baseURL, address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lookup request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lookup returned status %d", resp.StatusCode)
	}

	var body ipAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode lookup response: %w", err)
	}
	if body.Status != "success" {
		return nil, nil
	}

	return &Location{
		City:    body.City,
		Region:  body.RegionName,
		Country: body.Country,
		ISOCode: body.CountryCode,
		ASN:     parseASNumber(body.AS),
		ASNOrg:  body.ASName,
	}, nil
}

// parseASNumber extracts the number from an "AS15169 Google LLC" string
func parseASNumber(as string) uint {
	if !strings.HasPrefix(as, "AS") {
		return 0
	}
	rest := as[2:]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	n, err := strconv.ParseUint(rest[:end], 10, 32)
	if err != nil {
		return 0
	}
	return uint(n)
}

func isLocalAddress(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}

func localLocation() *Location {
	return &Location{City: "Local", Country: "Local Network", ISOCode: "LO"}
}
