package eventdb

import (
	"context"
	"path/filepath"
	"testing"

	blmon "github.com/mjl-/blmon/blmon-"
	"github.com/mjl-/blmon/dns"
)

func TestEventDB(t *testing.T) {
	dir := t.TempDir()
	blmon.ConfigPath = filepath.Join(dir, "blmon.conf")
	blmon.Conf.Static.DataDir = "data"
	defer Close()

	ctx := context.Background()
	if err := Init(); err != nil {
		t.Fatalf("init database: %v", err)
	}

	zone := dns.Domain{ASCII: "bl.example.org"}
	if err := AddListing(ctx, "mail.example.net", "203.0.113.5", zone, []string{"127.0.0.2"}, "listed"); err != nil {
		t.Fatalf("add listing: %v", err)
	}

	l, err := Records(ctx)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(l) != 1 {
		t.Fatalf("got %d records, expected 1", len(l))
	}
	first := l[0].First

	// Same host/zone/address again updates the existing record.
	if err := AddListing(ctx, "mail.example.net", "203.0.113.5", zone, []string{"127.0.0.2", "127.0.0.4"}, "listed"); err != nil {
		t.Fatalf("add listing again: %v", err)
	}
	l, err = Records(ctx)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(l) != 1 {
		t.Fatalf("got %d records after repeat, expected 1", len(l))
	}
	if !l[0].First.Equal(first) {
		t.Fatalf("first seen time changed on repeat")
	}
	if len(l[0].Records) != 2 {
		t.Fatalf("got records %v, expected updated records", l[0].Records)
	}

	// Different zone is a new record.
	if err := AddListing(ctx, "mail.example.net", "203.0.113.5", dns.Domain{ASCII: "bl.example.com"}, []string{"127.0.0.2"}, ""); err != nil {
		t.Fatalf("add listing for other zone: %v", err)
	}
	l, err = Records(ctx)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(l) != 2 {
		t.Fatalf("got %d records, expected 2", len(l))
	}

	r, err := RecordID(ctx, l[0].ID)
	if err != nil {
		t.Fatalf("get record by id: %v", err)
	}
	if r.Host != "mail.example.net" {
		t.Fatalf("got host %q", r.Host)
	}
}
