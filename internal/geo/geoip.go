package geo

import (
	"context"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
	"go.uber.org/zap"

	"github.com/PostHog/posthog-sub003/internal/sandbox"
)

// MMDBLocator resolves IP addresses against a local MaxMind city database
type MMDBLocator struct {
	reader *geoip2.Reader
	log    *zap.Logger
}

// Open loads an MMDB file from disk
func Open(path string, log *zap.Logger) (*MMDBLocator, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database: %w", err)
	}
	log.Info("GeoIP database loaded", zap.String("path", path))
	return &MMDBLocator{reader: reader, log: log}, nil
}

// Locate resolves an IP to a location. An unparseable or unknown IP returns
// (nil, nil): a miss is not an error at the capability surface.
func (l *MMDBLocator) Locate(_ context.Context, ip string) (*sandbox.Location, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, nil
	}

	city, err := l.reader.City(parsed)
	if err != nil {
		return nil, fmt.Errorf("geoip lookup failed: %w", err)
	}
	if city == nil || city.Country.IsoCode == "" {
		return nil, nil
	}

	return &sandbox.Location{
		Country:   city.Country.IsoCode,
		City:      city.City.Names["en"],
		Latitude:  city.Location.Latitude,
		Longitude: city.Location.Longitude,
		TimeZone:  city.Location.TimeZone,
	}, nil
}

// Close releases the database reader
func (l *MMDBLocator) Close() error {
	return l.reader.Close()
}

// NoopLocator always misses; used when no database is configured
type NoopLocator struct{}

// Locate always returns (nil, nil)
func (NoopLocator) Locate(_ context.Context, _ string) (*sandbox.Location, error) {
	return nil, nil
}
