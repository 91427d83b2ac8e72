package blmon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/mjl-/sconf"

	"github.com/mjl-/blmon/config"
	"github.com/mjl-/blmon/dns"
	"github.com/mjl-/blmon/mlog"
)

var pkglog = mlog.New("blmon", nil)

// Shutdown is canceled when a graceful shutdown is initiated.
var Shutdown context.Context = context.Background()

// ConfigPath is the path to the config file, set from the -config flag.
var ConfigPath = "blmon.conf"

// Config is the currently active configuration, the parsed form of the config
// file along with fields derived from it.
type Config struct {
	Static config.Static
	Log    map[string]slog.Level
}

var Conf = Config{Log: map[string]slog.Level{"": mlog.LevelError}}

// MustLoadConfig loads the config file, exiting the program on failure.
func MustLoadConfig() {
	err := LoadConfig()
	if err != nil {
		pkglog.Fatalx("loading config file", err, slog.String("configpath", ConfigPath))
	}
}

// LoadConfig parses the config file and prepares the derived fields: the
// parsed zone catalogue and the log level configuration. The new config is
// activated, including the log levels.
func LoadConfig() error {
	f, err := os.Open(ConfigPath)
	if err != nil {
		return fmt.Errorf("open config file: %v", err)
	}
	defer f.Close()

	var static config.Static
	if err := sconf.Parse(f, &static); err != nil {
		return fmt.Errorf("parsing %s: %v", ConfigPath, err)
	}
	if err := prepare(&static); err != nil {
		return err
	}

	logs := map[string]slog.Level{}
	if static.LogLevel != "" {
		level, ok := mlog.Levels[static.LogLevel]
		if !ok {
			return fmt.Errorf("unknown log level %q", static.LogLevel)
		}
		logs[""] = level
	} else {
		logs[""] = mlog.LevelError
	}
	for pkg, s := range static.PackageLogLevels {
		level, ok := mlog.Levels[s]
		if !ok {
			return fmt.Errorf("unknown log level %q for package %q", s, pkg)
		}
		logs[pkg] = level
	}

	Conf.Static = static
	Conf.Log = logs
	mlog.SetConfig(Conf.Log)
	return nil
}

// prepare parses and validates the zone catalogue. The catalogue is assembled
// once at load time and immutable afterwards.
func prepare(static *config.Static) error {
	static.ZoneDomains = nil
	for _, s := range static.Zones {
		d, err := dns.ParseDomain(s)
		if err != nil {
			return fmt.Errorf("parsing dnsbl zone %q: %v", s, err)
		}
		if slices.Contains(static.ZoneDomains, d) {
			return fmt.Errorf("duplicate dnsbl zone %q", s)
		}
		static.ZoneDomains = append(static.ZoneDomains, d)
	}
	if len(static.ZoneDomains) == 0 {
		return fmt.Errorf("no dnsbl zones configured")
	}
	return nil
}

// ParseZones parses zone names, e.g. from a command-line flag, into the form
// used for lookups.
func ParseZones(l []string) ([]dns.Domain, error) {
	var zones []dns.Domain
	for _, s := range l {
		d, err := dns.ParseDomain(s)
		if err != nil {
			return nil, fmt.Errorf("parsing dnsbl zone %q: %v", s, err)
		}
		zones = append(zones, d)
	}
	return zones, nil
}
