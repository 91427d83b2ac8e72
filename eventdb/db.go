// Package eventdb stores observed DNSBL listings in a database, as a history
// of when monitored hosts appeared on block lists.
//
// The database is not a cache: it is never consulted before a lookup, it only
// records positive results after the fact.
package eventdb

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/bstore"

	blmon "github.com/mjl-/blmon/blmon-"
	"github.com/mjl-/blmon/dns"
	"github.com/mjl-/blmon/mlog"
)

var (
	xlog = mlog.New("eventdb", nil)

	eventDB *bstore.DB
	mutex   sync.Mutex

	metricListing = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "blmon_eventdb_listings_total",
			Help: "Number of DNSBL listing events stored, including repeats of known listings.",
		},
	)
)

// ListingRecord is one observed listing of a monitored host on a DNSBL zone.
// A repeated observation of the same (host, zone, address) updates Last and
// the returned records rather than adding a new record.
type ListingRecord struct {
	ID          int64     `bstore:"typename Listing"`
	Host        string    `bstore:"index"` // Monitored host as configured.
	Address     string    // Resolved IPv4 address checked.
	Zone        string    `bstore:"index"` // DNSBL zone, ASCII form.
	Records     []string  // Address records returned by the list, in response order.
	Explanation string    // Optional TXT explanation.
	First       time.Time // First time this listing was observed.
	Last        time.Time // Most recent time this listing was observed.
}

func database(ctx context.Context) (rdb *bstore.DB, rerr error) {
	mutex.Lock()
	defer mutex.Unlock()
	if eventDB == nil {
		p := blmon.DataDirPath("blmon.db")
		os.MkdirAll(filepath.Dir(p), 0770)
		db, err := bstore.Open(ctx, p, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, ListingRecord{})
		if err != nil {
			return nil, err
		}
		eventDB = db
	}
	return eventDB, nil
}

// Init opens and possibly initializes the database.
func Init() error {
	_, err := database(blmon.Shutdown)
	return err
}

// Close closes the database connection.
func Close() {
	mutex.Lock()
	defer mutex.Unlock()
	if eventDB != nil {
		err := eventDB.Close()
		xlog.Check(err, "closing database")
		eventDB = nil
	}
}

// AddListing records a listing of host (resolved to address) on zone. If the
// same (host, zone, address) was seen before, its Last time and returned
// records are updated, preserving First.
func AddListing(ctx context.Context, host, address string, zone dns.Domain, records []string, explanation string) error {
	db, err := database(ctx)
	if err != nil {
		return err
	}

	metricListing.Inc()

	now := time.Now()
	return db.Write(ctx, func(tx *bstore.Tx) error {
		r, err := bstore.QueryTx[ListingRecord](tx).FilterNonzero(ListingRecord{Host: host, Zone: zone.ASCII, Address: address}).Get()
		if err != nil && !errors.Is(err, bstore.ErrAbsent) {
			return err
		}
		if errors.Is(err, bstore.ErrAbsent) {
			return tx.Insert(&ListingRecord{
				Host:        host,
				Address:     address,
				Zone:        zone.ASCII,
				Records:     records,
				Explanation: explanation,
				First:       now,
				Last:        now,
			})
		}
		r.Records = records
		r.Explanation = explanation
		r.Last = now
		return tx.Update(&r)
	})
}

// Records returns all listing records, most recently seen first.
func Records(ctx context.Context) ([]ListingRecord, error) {
	db, err := database(ctx)
	if err != nil {
		return nil, err
	}
	return bstore.QueryDB[ListingRecord](ctx, db).SortDesc("Last").List()
}

// RecordID returns the listing record for the ID.
func RecordID(ctx context.Context, id int64) (ListingRecord, error) {
	db, err := database(ctx)
	if err != nil {
		return ListingRecord{}, err
	}

	e := ListingRecord{ID: id}
	err = db.Get(ctx, &e)
	return e, err
}
