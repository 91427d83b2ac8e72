package dns

import (
	"errors"
	"testing"
)

func TestParseDomain(t *testing.T) {
	test := func(s string, exp Domain, expErr error) {
		t.Helper()
		dom, err := ParseDomain(s)
		if (err == nil) != (expErr == nil) || expErr != nil && !errors.Is(err, expErr) {
			t.Fatalf("parse domain %q: err %v, expected %v", s, err, expErr)
		}
		if expErr == nil && dom != exp {
			t.Fatalf("parse domain %q: got %#v, expected %#v", s, dom, exp)
		}
	}

	// We rely on normalization of names throughout the code base.
	test("bl.example.org", Domain{"bl.example.org", ""}, nil)
	test("BL.EXAMPLE.ORG", Domain{"bl.example.org", ""}, nil)
	test("TEST☺.EXAMPLE.ORG", Domain{"xn--test-3o3b.example.org", "test☺.example.org"}, nil)
	test("bl.example.org.", Domain{}, errTrailingDot)
}
