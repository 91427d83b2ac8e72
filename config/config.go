// Package config holds the configuration file format of blmon.conf.
package config

import (
	"github.com/mjl-/blmon/dns"
)

// Defaults for optional fields.
const (
	DefaultTimeout        = 10  // Seconds, per DNS query.
	DefaultConcurrency    = 4   // Simultaneous DNSBL queries.
	DefaultInterval       = 180 // Minutes between runs in serve mode.
	DefaultMetricsAddress = "localhost:8011"
)

// Static is the parsed form of the blmon.conf configuration file.
type Static struct {
	DataDir          string            `sconf:"optional" sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where the listing-event database is stored. If empty, no listing history is kept. If this is a relative path, it is relative to the directory of blmon.conf."`
	LogLevel         string            `sconf:"optional" sconf-doc:"Default log level, one of: error, info, debug, trace. Default: error."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. dns, dnsbl, monitor, eventdb)."`
	Hosts            []string          `sconf:"optional" sconf-doc:"Hosts to check against the DNSBL zones, in order. Each host is resolved to its IPv4 address before checking. Can be overridden with command-line arguments."`
	Zones            []string          `sconf-doc:"DNSBL zones to check each host against, in order, e.g. sbl.spamhaus.org or bl.spamcop.net. The catalogue is fixed for the duration of a run."`
	Verbose          bool              `sconf:"optional" sconf-doc:"Announce each (host, zone) pair before checking and print explicit negative markers for clean pairs. Default off: only listed results are printed."`
	Timeout          int               `sconf:"optional" sconf-doc:"Timeout in seconds for a single DNS query, so one unresponsive DNSBL cannot stall a whole run. Default: 10."`
	Concurrency      int               `sconf:"optional" sconf-doc:"Maximum number of simultaneous DNSBL queries. Results are always reported in host then zone-catalogue order, regardless of completion order. Default: 4."`
	Monitor          struct {
		Interval       int    `sconf:"optional" sconf-doc:"Interval in minutes between check runs in serve mode. Default: 180."`
		MetricsAddress string `sconf:"optional" sconf-doc:"Address to serve prometheus metrics on in serve mode. Default: localhost:8011."`
	} `sconf:"optional" sconf-doc:"Settings for the long-running serve mode."`

	ZoneDomains []dns.Domain `sconf:"-" json:"-"` // Parsed form of Zones, set while loading the config.
}
