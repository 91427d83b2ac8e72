package postscreen

import (
	"fmt"
	"net"
	"sort"

	"github.com/oschwald/geoip2-golang"
)

// Country is where a client address is located according to a geolocation
// database. The zero Country means the location is unknown.
type Country struct {
	Code string // ISO 3166-1 alpha-2, e.g. "NL".
	Name string // English name, e.g. "Netherlands".
}

// Geolocator resolves a client IP address to a country.
type Geolocator interface {
	Country(addr string) (Country, error)
}

// GeoDB is a Geolocator backed by a MaxMind GeoIP2/GeoLite2 country or city
// database file.
type GeoDB struct {
	reader *geoip2.Reader
}

func OpenGeoDB(path string) (*GeoDB, error) {
	r, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening geoip database: %v", err)
	}
	return &GeoDB{reader: r}, nil
}

func (g *GeoDB) Close() error {
	return g.reader.Close()
}

func (g *GeoDB) Country(addr string) (Country, error) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return Country{}, fmt.Errorf("invalid ip address %q", addr)
	}
	record, err := g.reader.Country(ip)
	if err != nil {
		return Country{}, fmt.Errorf("looking up country for %s: %v", addr, err)
	}
	return Country{Code: record.Country.IsoCode, Name: record.Country.Names["en"]}, nil
}

// Geolocate resolves the country of each client through g. Addresses the
// database has no location for keep the zero Country, they show up as unknown
// in the country summary.
func (s *Stats) Geolocate(g Geolocator) {
	s.geolocated = true
	for _, c := range s.clients {
		if country, err := g.Country(c.Addr); err == nil {
			c.Country = country
		}
	}
}

// CountryCount is the number of clients located in one country.
type CountryCount struct {
	Country Country
	Clients int
}

// BlockedCountries returns the countries of the blocked clients matching the
// action filter expression, most clients first, ties in country name order.
// Clients without a known location are counted under the zero Country.
func (s *Stats) BlockedCountries(filter string) []CountryCount {
	counts := map[Country]int{}
	for _, addr := range s.order {
		c := s.clients[addr]
		if c.MatchAction(filter) && c.Blocked() {
			counts[c.Country]++
		}
	}
	l := make([]CountryCount, 0, len(counts))
	for country, n := range counts {
		l = append(l, CountryCount{country, n})
	}
	sort.Slice(l, func(i, j int) bool {
		if l[i].Clients != l[j].Clients {
			return l[i].Clients > l[j].Clients
		}
		return l[i].Country.Name < l[j].Country.Name
	})
	return l
}

func (c Country) display() string {
	if c.Code == "" && c.Name == "" {
		return "unknown"
	}
	if c.Name == "" {
		return c.Code
	}
	return fmt.Sprintf("%s (%s)", c.Name, c.Code)
}
