// Package postscreen parses Postfix postscreen log lines into per-client
// statistics and an aggregate report, and extracts the clients postscreen
// blocked, e.g. for checking them against DNS block lists.
//
// Postscreen logs one line per event, e.g.:
//
//	Oct 23 04:02:17 mx postfix/postscreen[1234]: CONNECT from [10.0.0.1]:52017 to [10.0.0.254]:25
//	Oct 23 04:02:19 mx postfix/postscreen[1234]: DNSBL rank 4 for [10.0.0.1]:52017
//
// Only lines from the postscreen daemon are considered, everything else in a
// mail log is skipped.
package postscreen

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Action names as they are counted per client, derived from the postscreen
// event and its details.
const (
	ActionPassOld            = "PASS OLD"
	ActionPassNew            = "PASS NEW"
	ActionHangup             = "HANGUP"
	ActionDNSBL              = "DNSBL"
	ActionPregreet           = "PREGREET"
	ActionWhitelisted        = "WHITELISTED"
	ActionBlacklisted        = "BLACKLISTED"
	ActionBareNewline        = "BARE NEWLINE"
	ActionNonSMTPCommand     = "NON-SMTP COMMAND"
	ActionWhitelistVeto      = "WHITELIST VETO"
	ActionCommandPipelining  = "COMMAND PIPELINING"
	ActionCommandTimeLimit   = "COMMAND TIME LIMIT"
	ActionCommandCountLimit  = "COMMAND COUNT LIMIT"
	ActionCommandLengthLimit = "COMMAND LENGTH LIMIT"
	ActionNoqueueConnections = "NOQUEUE too many connections"
	ActionNoqueuePortsBusy   = "NOQUEUE all server ports busy"
	ActionNoqueueDeepReject  = "NOQUEUE 450 deep protocol test reconnection"
)

// blockingActions are the actions that mean postscreen refused the client.
var blockingActions = []string{
	ActionBlacklisted,
	ActionDNSBL,
	ActionPregreet,
	ActionCommandPipelining,
	ActionCommandTimeLimit,
	ActionCommandCountLimit,
	ActionCommandLengthLimit,
	ActionBareNewline,
	ActionNonSMTPCommand,
}

// Client holds the accumulated statistics for one client IP address.
type Client struct {
	Addr      string
	Connects  int
	FirstSeen time.Time
	LastSeen  time.Time

	// Count per action name, e.g. "PASS NEW" or "DNSBL".
	Actions map[string]int

	// DNSBL ranks postscreen logged when blocking, in log order.
	DNSBLRanks []int

	// Time between the "450 deep protocol test" rejection and the client
	// passing on its second connection, i.e. the graylisting delay. Zero if the
	// client never came back.
	ReconnectDelay time.Duration

	// Where the address is located, set by Stats.Geolocate. Zero if no
	// geolocation database was used or the address was not in it.
	Country Country
}

// Blocked returns whether postscreen refused the client at least once.
func (c *Client) Blocked() bool {
	for _, a := range blockingActions {
		if c.Actions[a] > 0 {
			return true
		}
	}
	return false
}

// MatchAction returns whether the client matches an action filter expression.
// The expression is action names combined with "|" (or) over "&" (and), e.g.
// "DNSBL&HANGUP|PREGREET" matches clients with both a DNSBL and a HANGUP
// action, and clients with a PREGREET action. An empty expression matches all
// clients.
func (c *Client) MatchAction(filter string) bool {
	if filter == "" {
		return true
	}
	for _, group := range strings.Split(filter, "|") {
		match := true
		for _, action := range strings.Split(group, "&") {
			if c.Actions[action] == 0 {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// Stats accumulates per-client statistics from parsed log lines.
type Stats struct {
	// Year for syslog timestamps, which do not carry one. Defaults to the
	// current year.
	Year int

	// Addr restricts parsing to lines mentioning this substring, typically an
	// IP address. Empty means no restriction.
	Addr string

	clients    map[string]*Client
	order      []string // Client addresses in order of first CONNECT.
	geolocated bool     // Whether Geolocate ran, enables the country report.
}

func NewStats() *Stats {
	return &Stats{
		Year:    time.Now().Year(),
		clients: map[string]*Client{},
	}
}

// Clients returns the clients in order of first CONNECT.
func (s *Stats) Clients() []*Client {
	l := make([]*Client, 0, len(s.order))
	for _, addr := range s.order {
		l = append(l, s.clients[addr])
	}
	return l
}

// ParseLine processes one log line, updating client statistics. Lines not
// from postscreen, and action lines for clients without a preceding CONNECT,
// are silently skipped. Malformed timestamps or ranks on otherwise
// recognizable lines result in an error.
func (s *Stats) ParseLine(line string) error {
	if !strings.Contains(line, "/postscreen[") {
		return nil
	}
	if s.Addr != "" && !strings.Contains(line, s.Addr) {
		return nil
	}

	fields := strings.Fields(line)
	daemon := -1
	for i, f := range fields {
		if strings.Contains(f, "/postscreen[") {
			daemon = i
			break
		}
	}
	if daemon < 0 || daemon+1 >= len(fields) {
		return nil
	}
	event := fields[daemon+1]
	rest := fields[daemon+2:]

	addr := clientAddr(rest)
	if addr == "" {
		return nil
	}

	if event == "CONNECT" {
		tm, err := s.parseTime(fields[:daemon])
		if err != nil {
			return fmt.Errorf("parsing timestamp of connect line: %v", err)
		}
		c := s.clients[addr]
		if c == nil {
			c = &Client{Addr: addr, FirstSeen: tm, Actions: map[string]int{}}
			s.clients[addr] = c
			s.order = append(s.order, addr)
		}
		c.LastSeen = tm
		c.Connects++
		return nil
	}

	// Action lines only count for clients we saw connect.
	c := s.clients[addr]
	if c == nil {
		return nil
	}

	switch event {
	case "PASS":
		if has(rest, "OLD") {
			c.Actions[ActionPassOld]++
			// A client that passes on its second connection after a "450 deep
			// protocol test" rejection went through graylisting. Record the delay.
			if c.Connects == 2 && c.Actions[ActionNoqueueDeepReject] > 0 && c.ReconnectDelay == 0 {
				c.ReconnectDelay = c.LastSeen.Sub(c.FirstSeen)
			}
		} else if has(rest, "NEW") {
			c.Actions[ActionPassNew]++
		}
	case "NOQUEUE:":
		text := strings.Join(rest, " ")
		if strings.Contains(text, "too many connections") {
			c.Actions[ActionNoqueueConnections]++
		} else if strings.Contains(text, "all server ports busy") {
			c.Actions[ActionNoqueuePortsBusy]++
		} else if strings.Contains(text, "450 4.3.2 Service currently unavailable") {
			c.Actions[ActionNoqueueDeepReject]++
		}
	case "HANGUP":
		c.Actions[ActionHangup]++
	case "DNSBL":
		// "DNSBL rank 4 for [10.0.0.1]:52017".
		c.Actions[ActionDNSBL]++
		if len(rest) < 2 || rest[0] != "rank" {
			return fmt.Errorf("malformed dnsbl line, no rank: %q", line)
		}
		rank, err := strconv.Atoi(rest[1])
		if err != nil {
			return fmt.Errorf("parsing dnsbl rank %q: %v", rest[1], err)
		}
		c.DNSBLRanks = append(c.DNSBLRanks, rank)
	case "PREGREET":
		c.Actions[ActionPregreet]++
	case "COMMAND":
		if has(rest, "PIPELINING") {
			c.Actions[ActionCommandPipelining]++
		} else if has2(rest, "TIME", "LIMIT") {
			c.Actions[ActionCommandTimeLimit]++
		} else if has2(rest, "COUNT", "LIMIT") {
			c.Actions[ActionCommandCountLimit]++
		} else if has2(rest, "LENGTH", "LIMIT") {
			c.Actions[ActionCommandLengthLimit]++
		}
	case "WHITELISTED":
		c.Actions[ActionWhitelisted]++
	case "BLACKLISTED":
		c.Actions[ActionBlacklisted]++
	case "BARE":
		if has(rest, "NEWLINE") {
			c.Actions[ActionBareNewline]++
		}
	case "NON-SMTP":
		if has(rest, "COMMAND") {
			c.Actions[ActionNonSMTPCommand]++
		}
	case "WHITELIST":
		if has(rest, "VETO") {
			c.Actions[ActionWhitelistVeto]++
		}
	}
	return nil
}

// Parse reads log lines from r, e.g. a mail log file.
func (s *Stats) Parse(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := s.ParseLine(scanner.Text()); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func has(fields []string, s string) bool {
	return len(fields) > 0 && fields[0] == s
}

func has2(fields []string, s0, s1 string) bool {
	return len(fields) > 1 && fields[0] == s0 && fields[1] == s1
}

// clientAddr returns the client IP address from the detail fields, the
// address inside the first "[addr]:port" or "[addr]" bracket pair.
func clientAddr(fields []string) string {
	for _, f := range fields {
		o := strings.IndexByte(f, '[')
		if o < 0 {
			continue
		}
		e := strings.IndexByte(f[o:], ']')
		if e < 0 {
			continue
		}
		addr := f[o+1 : o+e]
		if addr != "" {
			return addr
		}
	}
	return ""
}

// parseTime parses the timestamp fields before the syslog tag, either RFC3339
// ("2012-04-13T08:53:00+02:00 mx ...") or traditional syslog
// ("Oct 23 04:02:17 mx ..."). Syslog timestamps get the configured year.
func (s *Stats) parseTime(fields []string) (time.Time, error) {
	if len(fields) >= 1 {
		if tm, err := time.Parse(time.RFC3339, fields[0]); err == nil {
			return tm, nil
		}
	}
	if len(fields) >= 3 {
		ts := fmt.Sprintf("%d %s %s %s", s.Year, fields[0], fields[1], fields[2])
		if tm, err := time.ParseInLocation("2006 Jan 2 15:04:05", ts, time.Local); err == nil {
			return tm, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp in %v", fields)
}

// ActionCount is the number of distinct clients with an action, and how often
// the action occurred in total.
type ActionCount struct {
	Clients int
	Total   int
}

// Summary aggregates the statistics of clients matching an action filter.
type Summary struct {
	Clients int // Matching clients.

	Connect ActionCount            // Clients with at least one connect, and total connects.
	Actions map[string]ActionCount // Per action name.

	Blocked      int     // Clients refused at least once.
	AvgDNSBLRank float64 // Average rank over all DNSBL actions, 0 without any.

	Reconnections     int           // Clients that passed after a deep protocol test rejection.
	AvgReconnectDelay time.Duration // Average graylisting delay of those clients.
}

// Summarize aggregates the clients matching the action filter expression (see
// Client.MatchAction) into a Summary.
func (s *Stats) Summarize(filter string) Summary {
	sum := Summary{Actions: map[string]ActionCount{}}

	var rankSum, rankCount int
	var delaySum time.Duration
	for _, addr := range s.order {
		c := s.clients[addr]
		if !c.MatchAction(filter) {
			continue
		}
		sum.Clients++
		if c.Connects > 0 {
			sum.Connect.Clients++
			sum.Connect.Total += c.Connects
		}
		for action, n := range c.Actions {
			if n == 0 {
				continue
			}
			ac := sum.Actions[action]
			ac.Clients++
			ac.Total += n
			sum.Actions[action] = ac
		}
		for _, rank := range c.DNSBLRanks {
			rankSum += rank
			rankCount++
		}
		if c.Blocked() {
			sum.Blocked++
		}
		if c.ReconnectDelay > 0 {
			sum.Reconnections++
			delaySum += c.ReconnectDelay
		}
	}
	if rankCount > 0 {
		sum.AvgDNSBLRank = float64(rankSum) / float64(rankCount)
	}
	if sum.Reconnections > 0 {
		sum.AvgReconnectDelay = delaySum / time.Duration(sum.Reconnections)
	}
	return sum
}

// BlockedClients returns the addresses of clients postscreen refused, in
// order of first CONNECT, for clients matching the action filter expression.
func (s *Stats) BlockedClients(filter string) []string {
	var l []string
	for _, addr := range s.order {
		c := s.clients[addr]
		if c.MatchAction(filter) && c.Blocked() {
			l = append(l, addr)
		}
	}
	return l
}

// WriteReport writes the aggregate report for clients matching the action
// filter expression to out.
func (s *Stats) WriteReport(out io.Writer, filter string) {
	sum := s.Summarize(filter)

	fmt.Fprintln(out, "=== unique clients/total postscreen actions ===")
	fmt.Fprintf(out, "%d/%d CONNECT\n", sum.Connect.Clients, sum.Connect.Total)
	actions := make([]string, 0, len(sum.Actions))
	for action := range sum.Actions {
		actions = append(actions, action)
	}
	sort.Strings(actions)
	for _, action := range actions {
		ac := sum.Actions[action]
		fmt.Fprintf(out, "%d/%d %s\n", ac.Clients, ac.Total, action)
	}

	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "=== clients statistics ===")
	fmt.Fprintf(out, "%d clients\n", sum.Clients)
	fmt.Fprintf(out, "%d blocked clients\n", sum.Blocked)
	if sum.AvgDNSBLRank > 0 {
		fmt.Fprintf(out, "%.1f avg. dnsbl rank\n", sum.AvgDNSBLRank)
	}
	if sum.Reconnections > 0 {
		fmt.Fprintf(out, "%d reconnections, avg. delay %s\n", sum.Reconnections, sum.AvgReconnectDelay)
	}

	if s.geolocated && sum.Blocked > 0 {
		fmt.Fprintln(out, "")
		fmt.Fprintln(out, "=== top countries of blocked clients ===")
		countries := s.BlockedCountries(filter)
		if len(countries) > 20 {
			countries = countries[:20]
		}
		for _, cc := range countries {
			pct := 100 * float64(cc.Clients) / float64(sum.Blocked)
			fmt.Fprintf(out, "%d (%5.2f%%) %s\n", cc.Clients, pct, cc.Country.display())
		}
	}
}

// WriteClients writes per-client details for clients matching the action
// filter expression to out, in order of first CONNECT.
func (s *Stats) WriteClients(out io.Writer, filter string) {
	for _, addr := range s.order {
		c := s.clients[addr]
		if !c.MatchAction(filter) {
			continue
		}
		fmt.Fprintln(out, c.Addr)
		fmt.Fprintf(out, "\tCONNECT: %d\n", c.Connects)
		fmt.Fprintf(out, "\tFIRST SEEN: %s\n", c.FirstSeen.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(out, "\tLAST SEEN: %s\n", c.LastSeen.Format("2006-01-02 15:04:05"))
		if c.ReconnectDelay > 0 {
			fmt.Fprintf(out, "\tRECONNECT DELAY: %s\n", c.ReconnectDelay)
		}
		if s.geolocated {
			fmt.Fprintf(out, "\tCOUNTRY: %s\n", c.Country.display())
		}
		actions := make([]string, 0, len(c.Actions))
		for action, n := range c.Actions {
			if n > 0 {
				actions = append(actions, action)
			}
		}
		sort.Strings(actions)
		for _, action := range actions {
			fmt.Fprintf(out, "\t%s: %d\n", action, c.Actions[action])
			if action == ActionDNSBL {
				fmt.Fprintf(out, "\tDNSBL RANKS: %v\n", c.DNSBLRanks)
			}
		}
		fmt.Fprintln(out, "")
	}
}
