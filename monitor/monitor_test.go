package monitor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mjl-/blmon/dns"
	"github.com/mjl-/blmon/dnsbl"
	"github.com/mjl-/blmon/mlog"
)

func xdomain(t *testing.T, s string) dns.Domain {
	t.Helper()
	d, err := dns.ParseDomain(s)
	if err != nil {
		t.Fatalf("parsing domain %q: %s", s, err)
	}
	return d
}

func TestResolve(t *testing.T) {
	resolver := dns.MockResolver{
		A: map[string][]string{
			"host1.example.":  {"10.0.0.1", "10.0.0.2"},
			"host6.example.":  {"2001:db8::1", "10.0.0.3"},
			"hostv6.example.": {"2001:db8::1"},
			"loose.example.":  {"999.0.0.1"},
		},
		Fail: []string{"host fail.example."},
	}

	test := func(host, expAddr string, expErr error) {
		t.Helper()
		addr, err := Resolve(context.Background(), mlog.New("monitor", nil).Logger, resolver, host)
		if (err == nil) != (expErr == nil) || err != nil && !errors.Is(err, expErr) {
			t.Fatalf("resolving %q: got err %v, expected %v", host, err, expErr)
		}
		if addr != expAddr {
			t.Fatalf("resolving %q: got addr %q, expected %q", host, addr, expAddr)
		}
	}

	test("host1.example", "10.0.0.1", nil) // First address wins.
	test("host1.example.", "10.0.0.1", nil)
	test("host6.example", "10.0.0.3", nil) // IPv6 result skipped.
	test("loose.example", "999.0.0.1", nil)
	test("10.9.8.7", "10.9.8.7", nil) // Address literals skip the lookup.
	test("hostv6.example", "", ErrUnresolved)
	test("absent.example", "", ErrUnresolved)
	test("fail.example", "", ErrUnresolved)
}

func TestRun(t *testing.T) {
	resolver := dns.MockResolver{
		A: map[string][]string{
			"localhost.":                 {"203.0.113.5"},
			"clean.example.":             {"203.0.113.10"},
			"5.113.0.203.test.invalid.":  {"127.0.0.2"},
			"5.113.0.203.multi.invalid.": {"127.0.0.2", "127.0.0.4"},
			"broken.example.":            {"203.0.113.99"},
		},
		TXT: map[string][]string{
			"5.113.0.203.test.invalid.": {"Blocked - see https://example.invalid"},
		},
		Fail: []string{
			"ip 99.113.0.203.test.invalid.",
			"ip 99.113.0.203.multi.invalid.",
		},
	}

	run := func(cfg Config) (Summary, string, error) {
		t.Helper()
		var sb strings.Builder
		sum, err := Run(context.Background(), mlog.New("monitor", nil).Logger, resolver, cfg, &sb)
		return sum, sb.String(), err
	}

	zones := []dns.Domain{xdomain(t, "test.invalid"), xdomain(t, "multi.invalid")}

	// The basic scenario: one listed host, one clean, one unresolvable.
	sum, out, err := run(Config{
		Hosts: []string{"localhost", "clean.example", "missing.example"},
		Zones: zones,
	})
	if err != nil {
		t.Fatalf("run: %s", err)
	}
	exp := `localhost (203.0.113.5) is in test.invalid with result 127.0.0.2 and text Blocked - see https://example.invalid
localhost (203.0.113.5) is in multi.invalid with result 127.0.0.2 127.0.0.4
cannot resolve missing.example, skipping
`
	if out != exp {
		t.Fatalf("run output:\n%s\nexpected:\n%s", out, exp)
	}
	if sum != (Summary{Checked: 4, Listed: 2, Unresolved: 1}) {
		t.Fatalf("run summary: %+v", sum)
	}

	// Verbose mode announces each check and marks clean results.
	_, out, err = run(Config{
		Hosts:   []string{"clean.example"},
		Zones:   zones[:1],
		Verbose: true,
	})
	if err != nil {
		t.Fatalf("run: %s", err)
	}
	exp = `testing clean.example (203.0.113.10) against test.invalid
negative
`
	if out != exp {
		t.Fatalf("verbose run output:\n%s\nexpected:\n%s", out, exp)
	}

	// Output order is host order then zone catalogue order, also when lookups
	// run concurrently.
	seqCfg := Config{
		Hosts:       []string{"localhost", "clean.example", "localhost"},
		Zones:       zones,
		Verbose:     true,
		Concurrency: 1,
	}
	_, seqOut, err := run(seqCfg)
	if err != nil {
		t.Fatalf("sequential run: %s", err)
	}
	concCfg := seqCfg
	concCfg.Concurrency = 8
	for i := 0; i < 4; i++ {
		_, concOut, err := run(concCfg)
		if err != nil {
			t.Fatalf("concurrent run: %s", err)
		}
		if concOut != seqOut {
			t.Fatalf("concurrent output:\n%s\ndiffers from sequential:\n%s", concOut, seqOut)
		}
	}

	// A transport-level failure is counted but not reported as a listing.
	sum, out, err = run(Config{
		Hosts:   []string{"broken.example"},
		Zones:   zones,
		Verbose: true,
	})
	if err != nil {
		t.Fatalf("run with failing zone: %s", err)
	}
	exp = `testing broken.example (203.0.113.99) against test.invalid
cannot check broken.example (203.0.113.99) against test.invalid: dns failure
testing broken.example (203.0.113.99) against multi.invalid
cannot check broken.example (203.0.113.99) against multi.invalid: dns failure
`
	if out != exp {
		t.Fatalf("temperr run output:\n%s\nexpected:\n%s", out, exp)
	}
	if sum != (Summary{Checked: 2, Temperrs: 2}) {
		t.Fatalf("temperr run summary: %+v", sum)
	}

	// Without verbose, failures are silent on the report but still make the
	// run fail when nothing could be checked.
	sum, out, err = run(Config{
		Hosts: []string{"broken.example"},
		Zones: zones,
	})
	if err == nil {
		t.Fatalf("run with only failing checks did not return an error")
	}
	if out != "" {
		t.Fatalf("non-verbose temperr run wrote output:\n%s", out)
	}
	if sum.Temperrs != 2 {
		t.Fatalf("temperr run summary: %+v", sum)
	}

	// Record callback sees each listing.
	var recorded []string
	_, _, err = run(Config{
		Hosts: []string{"localhost"},
		Zones: zones,
		Record: func(ctx context.Context, host, addr string, zone dns.Domain, result dnsbl.Result) {
			recorded = append(recorded, host+"/"+addr+"/"+zone.Name()+"/"+result.RecordsDisplay())
		},
	})
	if err != nil {
		t.Fatalf("run with record callback: %s", err)
	}
	expRecorded := []string{
		"localhost/203.0.113.5/test.invalid/127.0.0.2",
		"localhost/203.0.113.5/multi.invalid/127.0.0.2 127.0.0.4",
	}
	if len(recorded) != len(expRecorded) {
		t.Fatalf("recorded %v, expected %v", recorded, expRecorded)
	}
	for i := range recorded {
		if recorded[i] != expRecorded[i] {
			t.Fatalf("recorded %v, expected %v", recorded, expRecorded)
		}
	}
}
