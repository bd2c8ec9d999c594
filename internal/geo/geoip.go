package geo

import (
	"fmt"
	"net"
	"os"
	"sync"

	"geo_torii/internal/dataType"

	"github.com/oschwald/geoip2-golang"
)

// Manager answers City and ASN lookups from MaxMind databases.
// Either database may be absent; lookups then leave those fields empty.
type Manager struct {
	mu       sync.RWMutex
	cityPath string
	asnPath  string
	city     *geoip2.Reader
	asn      *geoip2.Reader
}

// NewManager opens the configured databases. Empty paths are skipped.
func NewManager(cityPath, asnPath string) (*Manager, error) {
	m := &Manager{cityPath: cityPath, asnPath: asnPath}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

func openReader(path string) (*geoip2.Reader, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("GeoIP database not found at %s", path)
	}
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database %s: %w", path, err)
	}
	return reader, nil
}

// Reload reopens both databases (for updates).
func (m *Manager) Reload() error {
	city, err := openReader(m.cityPath)
	if err != nil {
		return err
	}
	asn, err := openReader(m.asnPath)
	if err != nil {
		if city != nil {
			city.Close()
		}
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.city != nil {
		m.city.Close()
	}
	if m.asn != nil {
		m.asn.Close()
	}
	m.city, m.asn = city, asn
	return nil
}

// Enabled reports whether at least one database is loaded.
func (m *Manager) Enabled() bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.city != nil || m.asn != nil
}

// Enrich fills the geo fields of meta for ip. Lookup failures leave the fields empty.
func (m *Manager) Enrich(ip net.IP, meta *dataType.ConnectionMeta) error {
	if m == nil || ip == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.city != nil {
		record, err := m.city.City(ip)
		if err != nil {
			return fmt.Errorf("city lookup failed for %s: %w", ip, err)
		}
		meta.Country = record.Country.IsoCode
		meta.Continent = record.Continent.Code
		meta.City = record.City.Names["en"]
		meta.PostalCode = record.Postal.Code
		meta.Latitude = record.Location.Latitude
		meta.Longitude = record.Location.Longitude
		meta.Timezone = record.Location.TimeZone
		if len(record.Subdivisions) > 0 {
			meta.Region = record.Subdivisions[0].Names["en"]
			meta.RegionCode = record.Subdivisions[0].IsoCode
		}
	}
	if m.asn != nil {
		record, err := m.asn.ASN(ip)
		if err != nil {
			return fmt.Errorf("asn lookup failed for %s: %w", ip, err)
		}
		meta.ASN = record.AutonomousSystemNumber
		meta.ASOrganization = record.AutonomousSystemOrganization
	}
	return nil
}

// Close releases the database resources.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if m.city != nil {
		err = m.city.Close()
		m.city = nil
	}
	if m.asn != nil {
		if cerr := m.asn.Close(); err == nil {
			err = cerr
		}
		m.asn = nil
	}
	return err
}
