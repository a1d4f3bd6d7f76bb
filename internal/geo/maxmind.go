// Package geo resolves caller addresses to countries.
package geo

import (
	"fmt"
	"net"

	"github.com/oschwald/maxminddb-golang"
)

// Locator returns an ISO country code for an address, or "" when unknown.
type Locator interface {
	Country(ip string) string
}

// NopLocator never resolves anything.
type NopLocator struct{}

func (NopLocator) Country(string) string { return "" }

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// MaxMindLocator reads a GeoLite2/GeoIP2 Country or City database.
type MaxMindLocator struct {
	reader *maxminddb.Reader
}

// OpenMaxMind opens the database at path.
func OpenMaxMind(path string) (*MaxMindLocator, error) {
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database: %w", err)
	}
	return &MaxMindLocator{reader: reader}, nil
}

// Country implements Locator.
func (m *MaxMindLocator) Country(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	var rec countryRecord
	if err := m.reader.Lookup(parsed, &rec); err != nil {
		return ""
	}
	return rec.Country.ISOCode
}

// Close releases the database.
func (m *MaxMindLocator) Close() error {
	if m.reader != nil {
		return m.reader.Close()
	}
	return nil
}
