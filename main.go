/*
Command blmon monitors hosts against DNS block lists (DNSBLs).

Blmon resolves each configured host to its IPv4 address, checks the address
against a catalogue of DNSBL zones, and reports listings, optionally with the
explanation the list serves in a TXT record. It can run once (check) or
periodically with prometheus metrics (serve), and can analyze Postfix
postscreen logs to find clients to check.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/mjl-/sconf"

	"github.com/mjl-/blmon/blmon-"
	"github.com/mjl-/blmon/blmonvar"
	"github.com/mjl-/blmon/config"
	"github.com/mjl-/blmon/dns"
	"github.com/mjl-/blmon/dnsbl"
	"github.com/mjl-/blmon/eventdb"
	"github.com/mjl-/blmon/mlog"
	"github.com/mjl-/blmon/monitor"
	"github.com/mjl-/blmon/postscreen"
)

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"check", cmdCheck},
	{"serve", cmdServe},
	{"resolve", cmdResolve},
	{"history", cmdHistory},
	{"loglevels", cmdLoglevels},
	{"dnsbl check", cmdDNSBLCheck},
	{"dnsbl checkhealth", cmdDNSBLCheckhealth},
	{"dns lookup", cmdDNSLookup},
	{"postscreen stats", cmdPostscreenStats},
	{"postscreen check", cmdPostscreenCheck},
	{"config test", cmdConfigTest},
	{"config describe", cmdConfigDescribe},
	{"config example", cmdConfigExample},
	{"version", cmdVersion},
	{"help", cmdHelp},

	// Not listed.
	{"helpall", cmdHelpall},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		c := cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn}
		cmds = append(cmds, c)
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	unlisted bool   // If set, command is not listed until at least some words are matched from command.
	params   string // Arguments to command. Multiple lines possible.
	help     string // Additional explanation. First line is synopsis, the rest is only printed for an explicit help/usage for that command.
	args     []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	// To gather params and usage information, we just run the command but cause this
	// panic after the command has registered its flags and set its params and help
	// information. This is then caught and that info printed.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("blmon "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		// panic generated by Parse.
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var r strings.Builder
	cs := "blmon " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&r, "%6s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(&r)
	c.flag.PrintDefaults()
	return r.String()
}

func (c *cmd) printUsage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
}

func (c *cmd) Usage() {
	c.printUsage()
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	prefix := func(l, pre []string) bool {
		if len(pre) > len(l) {
			return false
		}
		return slices.Equal(pre, l[:len(pre)])
	}

	var partial []cmd
	for _, c := range cmds {
		if slices.Equal(c.words, args) {
			c.gather()
			fmt.Print(c.makeUsage())
			if c.help != "" {
				fmt.Print("\n" + c.help + "\n")
			}
			return
		} else if prefix(c.words, args) {
			partial = append(partial, c)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, c := range partial {
		c.gather()
		line := "blmon " + strings.Join(c.words, " ")
		fmt.Printf("%s\n", line)
		if c.help != "" {
			fmt.Printf("\t%s\n", strings.Split(c.help, "\n")[0])
		}
	}
}

func cmdHelpall(c *cmd) {
	c.unlisted = true
	c.help = `Print all detailed usage and help information for all listed commands.

Used to generate documentation.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	n := 0
	for _, c := range cmds {
		c.gather()
		if c.unlisted {
			continue
		}
		if n > 0 {
			fmt.Fprintf(os.Stderr, "\n")
		}
		n++

		fmt.Fprintf(os.Stderr, "# blmon %s\n\n", strings.Join(c.words, " "))
		if c.help != "" {
			fmt.Fprintln(os.Stderr, c.help+"\n")
		}
		s := c.makeUsage()
		s = "\t" + strings.ReplaceAll(s, "\n", "\n\t")
		fmt.Fprintln(os.Stderr, s)
	}
}

func usage(l []cmd, unlisted bool) {
	var lines []string
	if !unlisted {
		lines = append(lines, "blmon [-config blmon.conf] [-loglevel level] ...")
	}
	for _, c := range l {
		c.gather()
		if c.unlisted && !unlisted {
			continue
		}
		for _, line := range strings.Split(c.params, "\n") {
			x := append([]string{"blmon"}, c.words...)
			if line != "" {
				x = append(x, line)
			}
			lines = append(lines, strings.Join(x, " "))
		}
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}

var loglevel string

// subcommands that are not "serve" should use this function to load the config,
// it restores any loglevel specified on the command-line, instead of using the
// loglevel from the config file.
func mustLoadConfig() {
	blmon.MustLoadConfig()
	if loglevel != "" {
		if level, ok := mlog.Levels[loglevel]; ok {
			blmon.Conf.Log[""] = level
			mlog.SetConfig(blmon.Conf.Log)
		} else {
			log.Fatalf("unknown loglevel %q", loglevel)
		}
	}
}

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

func main() {
	log.SetFlags(0)

	flag.StringVar(&blmon.ConfigPath, "config", envString("BLMONCONF", filepath.FromSlash("blmon.conf")), "configuration file, defaults to $BLMONCONF with a fallback to blmon.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is set early in startup")

	flag.Usage = func() { usage(cmds, false) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds, false)
	}

	if loglevel != "" {
		if level, ok := mlog.Levels[loglevel]; ok {
			blmon.Conf.Log[""] = level
			mlog.SetConfig(blmon.Conf.Log)
			// note: SetConfig may be called again when subcommands load config.
		} else {
			log.Fatalf("unknown loglevel %q", loglevel)
		}
	}

	var partial []cmd
next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				if i > 0 {
					partial = append(partial, c)
				}
				continue next
			}
		}
		c.flag = flag.NewFlagSet("blmon "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""), nil)
		c.fn(&c)
		return
	}
	if len(partial) > 0 {
		usage(partial, true)
	}
	usage(cmds, false)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

func xparseIP(s, what string) net.IP {
	ip := net.ParseIP(s)
	if ip == nil {
		log.Fatalf("invalid %s: %q", what, s)
	}
	return ip
}

func xparseDomain(s, what string) dns.Domain {
	d, err := dns.ParseDomain(s)
	if err != nil {
		log.Fatalf("invalid %s %q: %s", what, s, err)
	}
	return d
}

func dnssecStatus(v bool) string {
	if v {
		return "with dnssec"
	}
	return "without dnssec"
}

// monitorConfig assembles a monitor run from the active configuration and
// command-line overrides. Flag values <= 0 or empty mean "use the config".
func monitorConfig(verbose bool, timeout, procs int, zones string) monitor.Config {
	cfg := monitor.Config{
		Hosts:       blmon.Conf.Static.Hosts,
		Zones:       blmon.Conf.Static.ZoneDomains,
		Verbose:     verbose || blmon.Conf.Static.Verbose,
		Timeout:     time.Duration(blmon.Conf.Static.Timeout) * time.Second,
		Concurrency: blmon.Conf.Static.Concurrency,
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.DefaultTimeout * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = config.DefaultConcurrency
	}
	if timeout > 0 {
		cfg.Timeout = time.Duration(timeout) * time.Second
	}
	if procs > 0 {
		cfg.Concurrency = procs
	}
	if zones != "" {
		l, err := blmon.ParseZones(strings.Split(zones, ","))
		xcheckf(err, "parsing zones")
		cfg.Zones = l
	}
	if blmon.Conf.Static.DataDir != "" {
		cfg.Record = func(ctx context.Context, host, addr string, zone dns.Domain, result dnsbl.Result) {
			err := eventdb.AddListing(ctx, host, addr, zone, result.Records, result.Explanation)
			if err != nil {
				xlog.Errorx("storing listing event", err, slog.String("host", host), slog.Any("zone", zone))
			}
		}
	}
	return cfg
}

var xlog = mlog.New("main", nil)

func cmdCheck(c *cmd) {
	c.params = "[host ...]"
	c.help = `Check hosts against the configured DNSBL zones once.

Each host is resolved to its IPv4 address and checked against each zone from
the configuration, in order. One line is printed per listing found. With
-verbose, each check is announced and clean results are marked too. Hosts that
do not resolve are skipped with a message.

Hosts are taken from the command line, or from the configuration file if none
are given. The exit code is 0 also when listings are found; it is non-zero for
usage or configuration errors, and when all checks failed at the DNS level.
`
	var verbose bool
	var timeout, procs int
	var zones string
	c.flag.BoolVar(&verbose, "verbose", false, "announce each check and print explicit negative results")
	c.flag.IntVar(&timeout, "timeout", 0, "timeout in seconds per DNS query, overriding the config")
	c.flag.IntVar(&procs, "procs", 0, "simultaneous DNSBL queries, overriding the config")
	c.flag.StringVar(&zones, "zones", "", "comma-separated DNSBL zones, overriding the config")
	args := c.Parse()

	mustLoadConfig()
	cfg := monitorConfig(verbose, timeout, procs, zones)
	if len(args) > 0 {
		cfg.Hosts = args
	}
	if len(cfg.Hosts) == 0 {
		log.Fatalf("no hosts to check, pass them as arguments or configure Hosts")
	}

	if blmon.Conf.Static.DataDir != "" {
		err := eventdb.Init()
		xcheckf(err, "opening listing event database")
		defer eventdb.Close()
	}

	resolver := dns.StrictResolver{Log: c.log.Logger}
	ctx := context.WithValue(context.Background(), mlog.CidKey, blmon.Cid())
	_, err := monitor.Run(ctx, c.log.Logger, resolver, cfg, os.Stdout)
	xcheckf(err, "checking hosts")
}

func cmdResolve(c *cmd) {
	c.params = "host"
	c.help = `Print the IPv4 address that would be checked against the DNSBL zones.

The address is the first IPv4 result of a forward lookup of the host.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}

	resolver := dns.StrictResolver{Log: c.log.Logger}
	addr, err := monitor.Resolve(context.Background(), c.log.Logger, resolver, args[0])
	xcheckf(err, "resolving %s", args[0])
	fmt.Println(addr)
}

func cmdHistory(c *cmd) {
	c.params = "[-limit n]"
	c.help = `List stored listing events, most recent first.

Listing events are only stored when a data directory is configured.
`
	var limit int
	c.flag.IntVar(&limit, "limit", 0, "maximum number of events to list, 0 means all")
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	mustLoadConfig()
	if blmon.Conf.Static.DataDir == "" {
		log.Fatalf("no data directory configured, no listing history kept")
	}
	err := eventdb.Init()
	xcheckf(err, "opening listing event database")
	defer eventdb.Close()

	records, err := eventdb.Records(context.Background())
	xcheckf(err, "listing events")
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	for _, r := range records {
		line := fmt.Sprintf("%s %s (%s) in %s with result %s", r.Last.Format("2006-01-02 15:04:05"), r.Host, r.Address, r.Zone, strings.Join(r.Records, " "))
		if r.Explanation != "" {
			line += " and text " + r.Explanation
		}
		if !r.First.Equal(r.Last) {
			line += fmt.Sprintf(" (first seen %s)", r.First.Format("2006-01-02 15:04:05"))
		}
		fmt.Println(line)
	}
}

func cmdLoglevels(c *cmd) {
	c.help = `Print the configured log levels.

A single default log level applies to all logging, with optional overrides per
package (e.g. dns, dnsbl, monitor, eventdb), set in the configuration file.

Valid levels: error, info, debug, trace.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}
	mustLoadConfig()

	pkgs := make([]string, 0, len(blmon.Conf.Log))
	for pkg := range blmon.Conf.Log {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)
	for _, pkg := range pkgs {
		s := mlog.LevelStrings[blmon.Conf.Log[pkg]]
		if pkg == "" {
			pkg = "(default)"
		}
		fmt.Printf("%s: %s\n", pkg, s)
	}
}

func cmdDNSBLCheck(c *cmd) {
	c.params = "zone ip"
	c.help = `Test if IP is in the DNS blocklist of the zone, e.g. bl.spamcop.net.

If the IP is in the blocklist, the returned records and an explanation are
printed. The explanation is typically a URL with more information.
`
	args := c.Parse()
	if len(args) != 2 {
		c.Usage()
	}

	zone := xparseDomain(args[0], "zone")
	ip := xparseIP(args[1], "ip")
	ip4 := ip.To4()
	if ip4 == nil {
		log.Fatalf("%s is not an ipv4 address, only ipv4 addresses can be checked", ip)
	}

	result, err := dnsbl.Lookup(context.Background(), c.log.Logger, dns.StrictResolver{}, zone, ip4.String())
	fmt.Printf("status: %s\n", result.Status)
	if result.Status == dnsbl.StatusFail {
		fmt.Printf("records: %s\n", result.RecordsDisplay())
		fmt.Printf("explanation: %q\n", result.Explanation)
	}
	if err != nil {
		fmt.Printf("error: %s\n", err)
	}
}

func cmdDNSBLCheckhealth(c *cmd) {
	c.params = "zone"
	c.help = `Check the health of the DNS blocklist represented by zone, e.g. bl.spamcop.net.

The health of a DNS blocklist can be checked by querying for 127.0.0.1 and
127.0.0.2. The second must and the first must not be present.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}

	zone := xparseDomain(args[0], "zone")
	err := dnsbl.CheckHealth(context.Background(), c.log.Logger, dns.StrictResolver{}, zone)
	xcheckf(err, "unhealthy")
	fmt.Println("healthy")
}

func cmdDNSLookup(c *cmd) {
	c.params = "[ptr | ips | txt] name"
	c.help = `Lookup DNS name of given type.

Lookup always prints whether the response was DNSSEC-protected.

Examples:

blmon dns lookup ptr 1.1.1.1
blmon dns lookup ips mx.example.org
blmon dns lookup txt 2.0.0.127.bl.example.org
`
	args := c.Parse()

	if len(args) != 2 {
		c.Usage()
	}

	resolver := dns.StrictResolver{Pkg: "dns"}

	// like xparseDomain, but treat unparseable domain as an ASCII name so names with
	// underscores are still looked up.
	xdomain := func(s string) dns.Domain {
		d, err := dns.ParseDomain(s)
		if err != nil {
			return dns.Domain{ASCII: strings.TrimSuffix(s, ".")}
		}
		return d
	}

	cmd, name := args[0], args[1]

	switch cmd {
	case "ptr":
		ip := xparseIP(name, "ip")
		ptrs, result, err := resolver.LookupAddr(context.Background(), ip.String())
		if err != nil {
			log.Fatalf("dns lookup: %v (%s)", err, dnssecStatus(result.Authentic))
		}
		fmt.Printf("names (%d, %s):\n", len(ptrs), dnssecStatus(result.Authentic))
		for _, ptr := range ptrs {
			fmt.Printf("- %s\n", ptr)
		}

	case "ips":
		name := xdomain(name)
		ips, result, err := resolver.LookupIP(context.Background(), "ip", name.ASCII+".")
		if err != nil {
			log.Fatalf("dns lookup: %v (%s)", err, dnssecStatus(result.Authentic))
		}
		fmt.Printf("records (%d, %s):\n", len(ips), dnssecStatus(result.Authentic))
		for _, ip := range ips {
			fmt.Printf("- %s\n", ip)
		}

	case "txt":
		name := xdomain(name)
		txts, result, err := resolver.LookupTXT(context.Background(), name.ASCII+".")
		if err != nil {
			log.Fatalf("dns lookup: %v (%s)", err, dnssecStatus(result.Authentic))
		}
		fmt.Printf("txt records (%d, %s):\n", len(txts), dnssecStatus(result.Authentic))
		for _, txt := range txts {
			fmt.Printf("- %q\n", txt)
		}

	default:
		log.Fatalf("unknown record type %q", cmd)
	}
}

// xparsePostscreen parses the postscreen log from the file argument, "-" means
// stdin.
func xparsePostscreen(path, addr string, year int) *postscreen.Stats {
	stats := postscreen.NewStats()
	stats.Addr = addr
	if year > 0 {
		stats.Year = year
	}

	f := os.Stdin
	if path != "-" {
		var err error
		f, err = os.Open(path)
		xcheckf(err, "opening log file")
		defer f.Close()
	}
	err := stats.Parse(f)
	xcheckf(err, "parsing postscreen log")
	return stats
}

func cmdPostscreenStats(c *cmd) {
	c.params = "[-action filter] [-ip addr] [-year year] [-geofile path] [-clients] logfile"
	c.help = `Summarize postscreen activity from a Postfix mail log.

Prints the number of unique clients and total occurrences per postscreen
action, and aggregate client statistics such as the number of blocked clients
and the average DNSBL rank that triggered blocking. Pass "-" to read the log
from stdin.

The action filter selects clients by their actions, with "&" and "|"
operators, e.g. "DNSBL&HANGUP|PREGREET" for clients with both a DNSBL and a
HANGUP action, or a PREGREET action.

With a MaxMind GeoIP2/GeoLite2 country or city database (-geofile), clients
are geolocated and the report includes the top countries of blocked clients.
`
	var action, addr, geofile string
	var year int
	var clients bool
	c.flag.StringVar(&action, "action", "", "only include clients matching this action filter expression")
	c.flag.StringVar(&addr, "ip", "", "only parse lines mentioning this address")
	c.flag.IntVar(&year, "year", 0, "year for syslog timestamps, defaults to the current year")
	c.flag.StringVar(&geofile, "geofile", "", "path to a GeoIP2/GeoLite2 database file for geolocating clients")
	c.flag.BoolVar(&clients, "clients", false, "also print per-client details")
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}

	stats := xparsePostscreen(args[0], addr, year)
	if geofile != "" {
		geodb, err := postscreen.OpenGeoDB(geofile)
		xcheckf(err, "opening geoip database")
		defer geodb.Close()
		stats.Geolocate(geodb)
	}
	if clients {
		stats.WriteClients(os.Stdout, action)
	}
	stats.WriteReport(os.Stdout, action)
}

func cmdPostscreenCheck(c *cmd) {
	c.params = "[-action filter] [-year year] logfile"
	c.help = `Check clients blocked by postscreen against the configured DNSBL zones.

Parses the mail log, extracts the client addresses postscreen refused, and
runs the regular DNSBL check with those addresses as hosts, in order of first
connection. Pass "-" to read the log from stdin.
`
	var action string
	var year int
	var verbose bool
	c.flag.StringVar(&action, "action", "", "only include clients matching this action filter expression")
	c.flag.IntVar(&year, "year", 0, "year for syslog timestamps, defaults to the current year")
	c.flag.BoolVar(&verbose, "verbose", false, "announce each check and print explicit negative results")
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}

	mustLoadConfig()
	stats := xparsePostscreen(args[0], "", year)
	blocked := stats.BlockedClients(action)
	if len(blocked) == 0 {
		log.Fatalf("no blocked clients found in log")
	}

	cfg := monitorConfig(verbose, 0, 0, "")
	cfg.Hosts = blocked
	cfg.Record = nil // One-off addresses, not monitored hosts.

	resolver := dns.StrictResolver{Log: c.log.Logger}
	ctx := context.WithValue(context.Background(), mlog.CidKey, blmon.Cid())
	_, err := monitor.Run(ctx, c.log.Logger, resolver, cfg, os.Stdout)
	xcheckf(err, "checking blocked clients")
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, the error is printed.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	err := blmon.LoadConfig()
	xcheckf(err, "checking config")
	fmt.Println("config OK")
}

func cmdConfigDescribe(c *cmd) {
	c.params = ">blmon.conf"
	c.help = `Prints an annotated empty configuration for use as blmon.conf.

This configuration file needs modifications to make it valid. For example, it
may contain unfinished list items.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	var sc config.Static
	err := sconf.Describe(os.Stdout, &sc)
	xcheckf(err, "describing config")
}

func cmdConfigExample(c *cmd) {
	c.params = ">blmon.conf"
	c.help = `Prints an example configuration with a few hosts and well-known zones.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	sc := config.Static{
		Hosts: []string{"mail.example.org", "lists.example.org"},
		Zones: []string{"sbl.spamhaus.org", "bl.spamcop.net"},
	}
	sc.Timeout = config.DefaultTimeout
	sc.Concurrency = config.DefaultConcurrency
	sc.Monitor.Interval = config.DefaultInterval
	sc.Monitor.MetricsAddress = config.DefaultMetricsAddress
	err := sconf.Describe(os.Stdout, &sc)
	xcheckf(err, "describing config")
}

func cmdVersion(c *cmd) {
	c.help = "Prints this blmon version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(blmonvar.Version)
	fmt.Printf("%s/%s\n", runtime.GOOS, runtime.GOARCH)
}
