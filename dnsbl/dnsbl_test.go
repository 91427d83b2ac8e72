package dnsbl

import (
	"context"
	"errors"
	"testing"

	"github.com/mjl-/blmon/dns"
	"github.com/mjl-/blmon/mlog"
)

func TestQueryName(t *testing.T) {
	zone := dns.Domain{ASCII: "bl.example.org"}
	test := func(addr, exp string) {
		t.Helper()
		if name := QueryName(addr, zone); name != exp {
			t.Fatalf("query name for %q: got %q, expected %q", addr, name, exp)
		}
	}
	test("10.11.12.13", "13.12.11.10.bl.example.org.")
	test("203.0.113.5", "5.113.0.203.bl.example.org.")
	test("1.2.3.4", "4.3.2.1.bl.example.org.")
	// The resolver's shape filter does not check octet ranges, neither do we.
	test("999.0.0.1", "1.0.0.999.bl.example.org.")
}

func TestDNSBL(t *testing.T) {
	ctx := context.Background()
	log := mlog.New("dnsbl", nil)

	resolver := dns.MockResolver{
		A: map[string][]string{
			"2.0.0.127.example.com.":      {"127.0.0.2"}, // required for health
			"1.0.0.10.example.com.":       {"127.0.0.2"},
			"5.113.0.203.example.com.":    {"127.0.0.2", "127.0.0.4"},
			"1.0.0.10.notxt.example.com.": {"127.0.0.2"},
		},
		TXT: map[string][]string{
			"1.0.0.10.example.com.":    {"listed!"},
			"5.113.0.203.example.com.": {"listed!"},
		},
		Fail: []string{
			"ip 3.0.0.10.example.com.",
		},
	}

	if r, err := Lookup(ctx, log.Logger, resolver, dns.Domain{ASCII: "example.com"}, "10.0.0.1"); err != nil {
		t.Fatalf("lookup: %v", err)
	} else if r.Status != StatusFail {
		t.Fatalf("lookup, got status %v, expected fail", r.Status)
	} else if r.Explanation != "listed!" {
		t.Fatalf("lookup, got explanation %q", r.Explanation)
	}

	// Multiple returned records must be preserved in order and space-joined for display.
	if r, err := Lookup(ctx, log.Logger, resolver, dns.Domain{ASCII: "example.com"}, "203.0.113.5"); err != nil {
		t.Fatalf("lookup: %v", err)
	} else if r.Status != StatusFail {
		t.Fatalf("lookup, got status %v, expected fail", r.Status)
	} else if len(r.Records) != 2 || r.Records[0] != "127.0.0.2" || r.Records[1] != "127.0.0.4" {
		t.Fatalf("lookup, got records %v", r.Records)
	} else if s := r.RecordsDisplay(); s != "127.0.0.2 127.0.0.4" {
		t.Fatalf("lookup, got records display %q", s)
	}

	// Listed without txt record, explanation must be absent, not an error.
	if r, err := Lookup(ctx, log.Logger, resolver, dns.Domain{ASCII: "notxt.example.com"}, "10.0.0.1"); err != nil {
		t.Fatalf("lookup: %v", err)
	} else if r.Status != StatusFail {
		t.Fatalf("lookup, got status %v, expected fail", r.Status)
	} else if r.Explanation != "" {
		t.Fatalf("lookup, got explanation %q, expected none", r.Explanation)
	}

	if r, err := Lookup(ctx, log.Logger, resolver, dns.Domain{ASCII: "example.com"}, "10.0.0.2"); err != nil {
		t.Fatalf("lookup: %v", err)
	} else if r.Status != StatusPass {
		t.Fatalf("lookup, got status %v, expected pass", r.Status)
	}

	// Addresses without four octets, e.g. IPv6, must be rejected before any
	// query, not reversed.
	if _, err := Lookup(ctx, log.Logger, resolver, dns.Domain{ASCII: "example.com"}, "::1"); err == nil || errors.Is(err, ErrDNS) {
		t.Fatalf("lookup of ipv6 address, got err %v, expected non-dns error", err)
	}
	if _, err := Lookup(ctx, log.Logger, resolver, dns.Domain{ASCII: "example.com"}, "2001:db8::2:1"); err == nil {
		t.Fatalf("lookup of ipv6 address succeeded")
	}

	// Transport-level failure must be a temperror with ErrDNS.
	if r, err := Lookup(ctx, log.Logger, resolver, dns.Domain{ASCII: "example.com"}, "10.0.0.3"); err == nil || !errors.Is(err, ErrDNS) {
		t.Fatalf("lookup, got err %v, expected ErrDNS", err)
	} else if r.Status != StatusTemperr {
		t.Fatalf("lookup, got status %v, expected temperror", r.Status)
	}

	if err := CheckHealth(ctx, log.Logger, resolver, dns.Domain{ASCII: "example.com"}); err != nil {
		t.Fatalf("dnsbl not healthy: %v", err)
	}
	if err := CheckHealth(ctx, log.Logger, resolver, dns.Domain{ASCII: "example.org"}); err == nil {
		t.Fatalf("bad dnsbl is healthy")
	}

	unhealthyResolver := dns.MockResolver{
		A: map[string][]string{
			"1.0.0.127.example.com.": {"127.0.0.2"}, // Should not be present in healthy dnsbl.
		},
	}
	if err := CheckHealth(ctx, log.Logger, unhealthyResolver, dns.Domain{ASCII: "example.com"}); err == nil {
		t.Fatalf("bad dnsbl is healthy")
	}
}

func TestRecordsDisplay(t *testing.T) {
	// Embedded record separators must be normalized to single spaces.
	r := Result{Records: []string{"127.0.0.2\n127.0.0.3", "127.0.0.4"}}
	if s := r.RecordsDisplay(); s != "127.0.0.2 127.0.0.3 127.0.0.4" {
		t.Fatalf("records display: got %q", s)
	}
}
