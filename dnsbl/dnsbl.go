// Package dnsbl implements DNS block list (RFC 5782) lookups of IPv4
// addresses.
//
// A DNS block list contains IP addresses that should be blocked, or that have
// otherwise acquired a reputation. The DNSBL is queried using DNS "A" lookups.
// The DNSBL starts at a "zone", e.g. "dnsbl.example". To look up whether an
// address is listed, a DNS name is composed: For 10.11.12.13, that name would
// be "13.12.11.10.dnsbl.example". If the lookup returns "record does not
// exist", the address is not listed. If one or more addresses are returned,
// the address is listed, and the returned values are codes internal to the
// list. If an address is listed, an additional TXT lookup is done for more
// information about the listing.
//
// The health of a DNSBL "zone" can be checked through a lookup of 127.0.0.1
// (must not be present) and 127.0.0.2 (must be present).
package dnsbl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/mjl-/blmon/dns"
	"github.com/mjl-/blmon/mlog"
	"github.com/mjl-/blmon/stub"
)

var (
	MetricLookup stub.HistogramVec = stub.HistogramVecIgnore{}
)

var ErrDNS = errors.New("dnsbl: dns error") // Temporary error.

// Status is the result of a DNSBL lookup.
type Status string

var (
	StatusTemperr Status = "temperror" // Temporary failure.
	StatusPass    Status = "pass"      // Not present in block list.
	StatusFail    Status = "fail"      // Present in block list.
)

// Result is the outcome of checking one address against one zone.
type Result struct {
	Status Status

	// Address records returned by the list for a listed address, in response
	// order. The values are typically codes internal to the list, e.g.
	// 127.0.0.2, not meaningful IP addresses.
	Records []string

	// Optional human-readable explanation from the TXT record on the query
	// name, typically a URL with more information. Empty if the list serves no
	// TXT record, which is normal.
	Explanation string
}

// RecordsDisplay returns the returned records joined with single spaces, with
// any embedded whitespace or record-separator characters normalized to single
// spaces.
func (r Result) RecordsDisplay() string {
	return strings.Join(strings.Fields(strings.Join(r.Records, " ")), " ")
}

// QueryName returns the absolute DNS name used to check dotted-quad address
// addr against the block list zone: the four octets of addr in reverse order,
// followed by the zone.
//
// QueryName does not validate addr. The caller must pass a dotted-quad with
// exactly four groups, as produced by the resolver's address filter.
func QueryName(addr string, zone dns.Domain) string {
	o := strings.Split(addr, ".")
	return o[3] + "." + o[2] + "." + o[1] + "." + o[0] + "." + zone.ASCII + "."
}

// Lookup checks if address addr, a dotted-quad IPv4 address, occurs in the DNS
// block list "zone" (e.g. dnsbl.example.org).
//
// A lookup that fails at the DNS transport level (timeout, servfail) returns
// StatusTemperr and an error wrapping ErrDNS. Absence of a TXT record on a
// listed name is not an error, the explanation is simply empty. Addresses that
// are not dotted-quads, e.g. IPv6 addresses, return an error without querying.
func Lookup(ctx context.Context, elog *slog.Logger, resolver dns.Resolver, zone dns.Domain, addr string) (rresult Result, rerr error) {
	if len(strings.Split(addr, ".")) != 4 {
		return Result{}, fmt.Errorf("%q is not an ipv4 dotted-quad address", addr)
	}
	log := mlog.New("dnsbl", elog)
	start := time.Now()
	defer func() {
		MetricLookup.ObserveLabels(float64(time.Since(start))/float64(time.Second), zone.Name(), string(rresult.Status))
		log.Debugx("dnsbl lookup result", rerr,
			slog.Any("zone", zone),
			slog.String("addr", addr),
			slog.Any("status", rresult.Status),
			slog.Any("records", rresult.Records),
			slog.String("explanation", rresult.Explanation),
			slog.Duration("duration", time.Since(start)))
	}()

	name := QueryName(addr, zone)

	ips, _, err := dns.WithPackage(resolver, "dnsbl").LookupIP(ctx, "ip4", name)
	if dns.IsNotFound(err) {
		return Result{Status: StatusPass}, nil
	} else if err != nil {
		return Result{Status: StatusTemperr}, fmt.Errorf("%w: %s", ErrDNS, err)
	}

	records := make([]string, len(ips))
	for i, ip := range ips {
		records[i] = ip.String()
	}
	result := Result{Status: StatusFail, Records: records}

	txts, _, err := dns.WithPackage(resolver, "dnsbl").LookupTXT(ctx, name)
	if dns.IsNotFound(err) {
		return result, nil
	} else if err != nil {
		log.Debugx("looking up txt record from dnsbl", err, slog.String("name", name))
		return result, nil
	}
	result.Explanation = strings.Join(strings.Fields(strings.Join(txts, " ")), " ")
	return result, nil
}

// CheckHealth checks whether the DNSBL "zone" is operating correctly by
// querying for 127.0.0.2 (must be present) and 127.0.0.1 (must not be
// present). Users of a DNSBL should periodically check if the DNSBL is still
// operating properly.
// For temporary errors, ErrDNS is returned.
func CheckHealth(ctx context.Context, elog *slog.Logger, resolver dns.Resolver, zone dns.Domain) (rerr error) {
	log := mlog.New("dnsbl", elog)
	start := time.Now()
	defer func() {
		log.Debugx("dnsbl healthcheck result", rerr, slog.Any("zone", zone), slog.Duration("duration", time.Since(start)))
	}()

	r1, err1 := Lookup(ctx, log.Logger, resolver, zone, net.IPv4(127, 0, 0, 1).String())
	r2, err2 := Lookup(ctx, log.Logger, resolver, zone, net.IPv4(127, 0, 0, 2).String())
	if r1.Status == StatusPass && r2.Status == StatusFail {
		return nil
	} else if r1.Status == StatusFail {
		return fmt.Errorf("dnsbl contains unwanted test address 127.0.0.1")
	} else if r2.Status == StatusPass {
		return fmt.Errorf("dnsbl does not contain required test address 127.0.0.2")
	}
	if err1 != nil {
		return err1
	} else if err2 != nil {
		return err2
	}
	return ErrDNS
}
