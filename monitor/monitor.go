// Package monitor resolves monitored hosts to their IPv4 addresses and checks
// each address against a catalogue of DNS block list zones, writing a report
// with one line per listing.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/mjl-/blmon/dns"
	"github.com/mjl-/blmon/dnsbl"
	"github.com/mjl-/blmon/mlog"
)

// ErrUnresolved indicates a monitored host did not yield any IPv4 address.
var ErrUnresolved = errors.New("monitor: no ipv4 address for host")

// Four groups of 1-3 digits. Octet values are deliberately not range-checked,
// the name servers decide what they answer for.
var ipv4Shape = regexp.MustCompile(`^[0-9]{1,3}\.[0-9]{1,3}\.[0-9]{1,3}\.[0-9]{1,3}$`)

// Resolve returns the address used to check host against the block lists: the
// first result of a forward lookup that is shaped like an IPv4 dotted quad.
// Hosts without such an address, including hosts that fail to resolve at all,
// result in ErrUnresolved.
func Resolve(ctx context.Context, elog *slog.Logger, resolver dns.Resolver, host string) (string, error) {
	log := mlog.New("monitor", elog)

	// Hosts that are already addresses, e.g. clients from a postscreen log, are
	// their own check address.
	if ipv4Shape.MatchString(host) {
		return host, nil
	}

	name := host
	if !strings.HasSuffix(name, ".") {
		name += "."
	}
	addrs, _, err := dns.WithPackage(resolver, "monitor").LookupHost(ctx, name)
	if err != nil {
		log.Debugx("forward lookup for monitored host", err, slog.String("host", host))
		return "", fmt.Errorf("%w: %v", ErrUnresolved, err)
	}
	for _, a := range addrs {
		if ipv4Shape.MatchString(a) {
			return a, nil
		}
	}
	return "", ErrUnresolved
}

// Config is the parameters for a monitoring run.
type Config struct {
	Hosts []string     // Hosts to resolve and check, in order.
	Zones []dns.Domain // Block list zones, in catalogue order.

	Verbose     bool          // Also write lines for checks that come back clean.
	Timeout     time.Duration // Per DNS query. Default 10s.
	Concurrency int           // Simultaneous block list queries. Default 4, 1 means sequential.

	// Record, if not nil, is called for each listing found, e.g. for storing it
	// in the listing event database.
	Record func(ctx context.Context, host, addr string, zone dns.Domain, result dnsbl.Result)

	// Observe, if not nil, is called for every checked pair with its lookup
	// status, e.g. for exporting metrics from a long-running monitor.
	Observe func(host, addr string, zone dns.Domain, status dnsbl.Status)
}

// Summary counts the outcomes of a monitoring run.
type Summary struct {
	Checked    int // Host/zone pairs checked.
	Listed     int // Pairs with a listing.
	Temperrs   int // Pairs that could not be checked due to DNS failures.
	Unresolved int // Hosts skipped because they did not resolve to an IPv4 address.
}

type check struct {
	host string
	addr string
	zone dns.Domain
}

type lookupResult struct {
	result dnsbl.Result
	err    error // Wraps dnsbl.ErrDNS for temporary failures.
}

// Run checks each host from cfg.Hosts against each zone from cfg.Zones,
// writing report lines to out. Hosts that do not resolve are announced and
// skipped. Lookups for different host/zone pairs are done concurrently, but
// lines are written in the order the pairs would be checked sequentially:
// hosts in configured order, and for each host the zones in catalogue order.
//
// Run returns an error when every check that was attempted failed at the DNS
// level, which indicates broken resolution rather than a clean host.
func Run(ctx context.Context, elog *slog.Logger, resolver dns.Resolver, cfg Config, out io.Writer) (Summary, error) {
	log := mlog.New("monitor", elog)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	procs := cfg.Concurrency
	if procs <= 0 {
		procs = 4
	}

	var sum Summary

	prepare := func(in, out chan task[check, lookupResult]) {
		for w := range in {
			lctx, cancel := context.WithTimeout(ctx, timeout)
			result, err := dnsbl.Lookup(lctx, log.Logger, resolver, w.In.zone, w.In.addr)
			cancel()
			if err != nil && !errors.Is(err, dnsbl.ErrDNS) {
				w.Err = err
				err = nil
			}
			w.Out = lookupResult{result, err}
			out <- w
		}
	}

	process := func(c check, lr lookupResult) error {
		result := lr.result
		sum.Checked++
		if cfg.Observe != nil {
			cfg.Observe(c.host, c.addr, c.zone, result.Status)
		}
		if cfg.Verbose {
			fmt.Fprintf(out, "testing %s (%s) against %s\n", c.host, c.addr, c.zone.Name())
		}
		switch result.Status {
		case dnsbl.StatusFail:
			sum.Listed++
			line := fmt.Sprintf("%s (%s) is in %s with result %s", c.host, c.addr, c.zone.Name(), result.RecordsDisplay())
			if result.Explanation != "" {
				line += " and text " + result.Explanation
			}
			fmt.Fprintln(out, line)
			if cfg.Record != nil {
				cfg.Record(ctx, c.host, c.addr, c.zone, result)
			}
		case dnsbl.StatusTemperr:
			sum.Temperrs++
			if cfg.Verbose {
				fmt.Fprintf(out, "cannot check %s (%s) against %s: dns failure\n", c.host, c.addr, c.zone.Name())
			}
			log.Errorx("dnsbl lookup failed", lr.err, slog.String("host", c.host), slog.String("addr", c.addr), slog.Any("zone", c.zone))
		case dnsbl.StatusPass:
			if cfg.Verbose {
				fmt.Fprintln(out, "negative")
			}
		}
		return nil
	}

	wq := newWorkQueue[check, lookupResult](procs, 2*procs, prepare, process)
	defer wq.stop()

	for _, host := range cfg.Hosts {
		rctx, cancel := context.WithTimeout(ctx, timeout)
		addr, err := Resolve(rctx, elog, resolver, host)
		cancel()
		if err != nil {
			// Flush pending results first so the skip message appears in the same
			// position as in a sequential run.
			if err := wq.finish(); err != nil {
				return sum, err
			}
			sum.Unresolved++
			fmt.Fprintf(out, "cannot resolve %s, skipping\n", host)
			continue
		}
		for _, zone := range cfg.Zones {
			if err := wq.add(check{host, addr, zone}); err != nil {
				return sum, err
			}
		}
	}
	if err := wq.finish(); err != nil {
		return sum, err
	}

	if sum.Checked > 0 && sum.Temperrs == sum.Checked {
		return sum, fmt.Errorf("all %d dnsbl checks failed, check dns resolution", sum.Checked)
	}
	return sum, nil
}
