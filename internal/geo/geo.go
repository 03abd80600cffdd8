// Package geo resolves IP addresses to coarse locations for device and session records.
package geo

import (
	"fmt"
	"net"
	"sync"

	"github.com/attaboy/shareguard/internal/domain"
	"github.com/oschwald/geoip2-golang"
)

// Resolver maps an IP to a location. Implementations return an empty GeoInfo
// when the address is unknown.
type Resolver interface {
	Lookup(ip string) (domain.GeoInfo, error)
}

// Noop resolves nothing. Used when no GeoIP database is configured.
type Noop struct{}

func (Noop) Lookup(string) (domain.GeoInfo, error) { return domain.GeoInfo{}, nil }

// MaxMind reads a GeoIP2/GeoLite2 City database.
type MaxMind struct {
	mu     sync.RWMutex
	reader *geoip2.Reader
}

// OpenMaxMind opens the .mmdb file at path.
func OpenMaxMind(path string) (*MaxMind, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &MaxMind{reader: reader}, nil
}

func (m *MaxMind) Lookup(ipAddress string) (domain.GeoInfo, error) {
	ip := net.ParseIP(ipAddress)
	if ip == nil {
		return domain.GeoInfo{}, fmt.Errorf("invalid ip address: %q", ipAddress)
	}
	if ip.IsLoopback() || ip.IsPrivate() {
		return domain.GeoInfo{}, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.reader == nil {
		return domain.GeoInfo{}, nil
	}

	record, err := m.reader.City(ip)
	if err != nil {
		return domain.GeoInfo{}, fmt.Errorf("geoip city lookup: %w", err)
	}
	return domain.GeoInfo{
		Country:   record.Country.IsoCode,
		City:      record.City.Names["en"],
		TimeZone:  record.Location.TimeZone,
		Latitude:  record.Location.Latitude,
		Longitude: record.Location.Longitude,
	}, nil
}

// Close releases the database. Lookups after Close return empty results.
func (m *MaxMind) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reader == nil {
		return nil
	}
	err := m.reader.Close()
	m.reader = nil
	return err
}

// New returns a MaxMind resolver when path is set, otherwise Noop.
func New(path string) (Resolver, func() error, error) {
	if path == "" {
		return Noop{}, func() error { return nil }, nil
	}
	mm, err := OpenMaxMind(path)
	if err != nil {
		return nil, nil, err
	}
	return mm, mm.Close, nil
}
