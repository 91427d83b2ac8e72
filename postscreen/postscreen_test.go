package postscreen

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

var testLog = `Oct 23 04:02:17 mx postfix/postscreen[1234]: CONNECT from [10.0.0.1]:52017 to [192.0.2.25]:25
Oct 23 04:02:17 mx postfix/postscreen[1234]: DNSBL rank 4 for [10.0.0.1]:52017
Oct 23 04:02:18 mx postfix/postscreen[1234]: NOQUEUE: reject: RCPT from [10.0.0.1]:52017: 550 5.7.1 Service unavailable; client [10.0.0.1] blocked using zen.spamhaus.org; from=<spam@example.com>, to=<user@example.org>, proto=ESMTP, helo=<mail.example.com>
Oct 23 04:02:19 mx postfix/postscreen[1234]: HANGUP after 1.2 from [10.0.0.1]:52017 in tests after SMTP handshake
Oct 23 04:05:00 mx postfix/postscreen[1234]: CONNECT from [10.0.0.2]:40120 to [192.0.2.25]:25
Oct 23 04:05:01 mx postfix/postscreen[1234]: NOQUEUE: reject: RCPT from [10.0.0.2]:40120: 450 4.3.2 Service currently unavailable; client [10.0.0.2] deep protocol test reconnection
Oct 23 04:11:01 mx postfix/postscreen[1234]: CONNECT from [10.0.0.2]:40233 to [192.0.2.25]:25
Oct 23 04:11:02 mx postfix/postscreen[1234]: PASS OLD [10.0.0.2]:40233
Oct 23 04:12:00 mx postfix/postscreen[1234]: CONNECT from [10.0.0.3]:33000 to [192.0.2.25]:25
Oct 23 04:12:00 mx postfix/postscreen[1234]: PREGREET 11 after 0.1 from [10.0.0.3]:33000: EHLO spam\r\n
Oct 23 04:12:01 mx postfix/postscreen[1234]: COMMAND TIME LIMIT from [10.0.0.3]:33000 after CONNECT
Oct 23 04:13:00 mx postfix/smtpd[2222]: connect from unknown[10.0.0.9]
Oct 23 04:13:05 mx postfix/postscreen[1234]: PASS NEW [10.0.0.4]:44000
Oct 23 04:14:00 mx postfix/postscreen[1234]: CONNECT from [10.0.0.1]:52019 to [192.0.2.25]:25
Oct 23 04:14:01 mx postfix/postscreen[1234]: DNSBL rank 2 for [10.0.0.1]:52019
`

func parse(t *testing.T, log string) *Stats {
	t.Helper()
	stats := NewStats()
	stats.Year = 2011
	if err := stats.Parse(strings.NewReader(log)); err != nil {
		t.Fatalf("parsing log: %s", err)
	}
	return stats
}

func TestParse(t *testing.T) {
	stats := parse(t, testLog)

	clients := stats.Clients()
	if len(clients) != 3 {
		t.Fatalf("got %d clients, expected 3", len(clients))
	}
	// Clients come back in order of first CONNECT. 10.0.0.4 never connected
	// through postscreen, its PASS NEW line is ignored.
	for i, addr := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		if clients[i].Addr != addr {
			t.Fatalf("client %d is %s, expected %s", i, clients[i].Addr, addr)
		}
	}

	c := clients[0]
	if c.Connects != 2 || c.Actions[ActionDNSBL] != 2 || c.Actions[ActionHangup] != 1 {
		t.Fatalf("unexpected counts for %s: %+v", c.Addr, c)
	}
	if len(c.DNSBLRanks) != 2 || c.DNSBLRanks[0] != 4 || c.DNSBLRanks[1] != 2 {
		t.Fatalf("unexpected dnsbl ranks for %s: %v", c.Addr, c.DNSBLRanks)
	}
	if !c.Blocked() {
		t.Fatalf("dnsbl-listed client not blocked")
	}
	if c.FirstSeen.Year() != 2011 || c.FirstSeen.Month() != time.October {
		t.Fatalf("unexpected first seen %s", c.FirstSeen)
	}

	// Graylisted client: rejected with 450, passed on reconnect.
	c = clients[1]
	if c.Actions[ActionNoqueueDeepReject] != 1 || c.Actions[ActionPassOld] != 1 {
		t.Fatalf("unexpected counts for %s: %+v", c.Addr, c)
	}
	if c.ReconnectDelay != 6*time.Minute+1*time.Second {
		t.Fatalf("unexpected reconnect delay %s", c.ReconnectDelay)
	}
	if c.Blocked() {
		t.Fatalf("graylisted client counted as blocked")
	}

	c = clients[2]
	if c.Actions[ActionPregreet] != 1 || c.Actions[ActionCommandTimeLimit] != 1 {
		t.Fatalf("unexpected counts for %s: %+v", c.Addr, c)
	}
}

func TestMatchAction(t *testing.T) {
	stats := parse(t, testLog)
	clients := stats.Clients()

	test := func(c *Client, filter string, exp bool) {
		t.Helper()
		if got := c.MatchAction(filter); got != exp {
			t.Fatalf("client %s filter %q: got %v, expected %v", c.Addr, filter, got, exp)
		}
	}

	test(clients[0], "", true)
	test(clients[0], "DNSBL", true)
	test(clients[0], "DNSBL&HANGUP", true)
	test(clients[0], "DNSBL&PREGREET", false)
	test(clients[0], "DNSBL&PREGREET|HANGUP", true)
	test(clients[1], "DNSBL|PREGREET", false)
	test(clients[2], "DNSBL|PREGREET", true)
}

func TestSummarize(t *testing.T) {
	stats := parse(t, testLog)

	sum := stats.Summarize("")
	if sum.Clients != 3 || sum.Blocked != 2 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if sum.Connect != (ActionCount{Clients: 3, Total: 5}) {
		t.Fatalf("unexpected connect count %+v", sum.Connect)
	}
	if sum.Actions[ActionDNSBL] != (ActionCount{Clients: 1, Total: 2}) {
		t.Fatalf("unexpected dnsbl count %+v", sum.Actions[ActionDNSBL])
	}
	if sum.AvgDNSBLRank != 3 {
		t.Fatalf("unexpected avg dnsbl rank %v", sum.AvgDNSBLRank)
	}
	if sum.Reconnections != 1 || sum.AvgReconnectDelay != 6*time.Minute+1*time.Second {
		t.Fatalf("unexpected reconnections %d delay %s", sum.Reconnections, sum.AvgReconnectDelay)
	}

	sum = stats.Summarize("DNSBL")
	if sum.Clients != 1 || sum.Connect.Total != 2 {
		t.Fatalf("unexpected filtered summary %+v", sum)
	}
}

func TestBlockedClients(t *testing.T) {
	stats := parse(t, testLog)

	blocked := stats.BlockedClients("")
	if len(blocked) != 2 || blocked[0] != "10.0.0.1" || blocked[1] != "10.0.0.3" {
		t.Fatalf("unexpected blocked clients %v", blocked)
	}
	blocked = stats.BlockedClients("PREGREET")
	if len(blocked) != 1 || blocked[0] != "10.0.0.3" {
		t.Fatalf("unexpected filtered blocked clients %v", blocked)
	}
}

func TestWriteReport(t *testing.T) {
	stats := parse(t, testLog)
	var sb strings.Builder
	stats.WriteReport(&sb, "")
	out := sb.String()
	for _, want := range []string{
		"=== unique clients/total postscreen actions ===",
		"3/5 CONNECT",
		"1/2 DNSBL",
		"1/1 HANGUP",
		"3 clients",
		"2 blocked clients",
		"3.0 avg. dnsbl rank",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("report does not contain %q:\n%s", want, out)
		}
	}
}

// mapGeo is a Geolocator for tests, no database file needed.
type mapGeo map[string]Country

func (m mapGeo) Country(addr string) (Country, error) {
	c, ok := m[addr]
	if !ok {
		return Country{}, fmt.Errorf("no location for %q", addr)
	}
	return c, nil
}

func TestGeolocate(t *testing.T) {
	stats := parse(t, testLog)
	stats.Geolocate(mapGeo{
		"10.0.0.1": {Code: "NL", Name: "Netherlands"},
		"10.0.0.2": {Code: "DE", Name: "Germany"},
		// 10.0.0.3 is absent, it must be counted as unknown.
	})

	clients := stats.Clients()
	if clients[0].Country != (Country{Code: "NL", Name: "Netherlands"}) {
		t.Fatalf("unexpected country %+v for %s", clients[0].Country, clients[0].Addr)
	}
	if clients[2].Country != (Country{}) {
		t.Fatalf("unlocated client got country %+v", clients[2].Country)
	}

	// Blocked clients are 10.0.0.1 (NL) and 10.0.0.3 (unknown). The graylisted
	// 10.0.0.2 must not show up.
	countries := stats.BlockedCountries("")
	if len(countries) != 2 {
		t.Fatalf("got %d blocked countries, expected 2: %v", len(countries), countries)
	}
	for _, cc := range countries {
		if cc.Clients != 1 {
			t.Fatalf("unexpected count %+v", cc)
		}
		if cc.Country.Code == "DE" {
			t.Fatalf("graylisted client counted in blocked countries")
		}
	}

	countries = stats.BlockedCountries("DNSBL")
	if len(countries) != 1 || countries[0].Country.Code != "NL" {
		t.Fatalf("unexpected filtered blocked countries %v", countries)
	}

	var sb strings.Builder
	stats.WriteReport(&sb, "")
	out := sb.String()
	for _, want := range []string{
		"=== top countries of blocked clients ===",
		"1 (50.00%) Netherlands (NL)",
		"1 (50.00%) unknown",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("report does not contain %q:\n%s", want, out)
		}
	}

	sb.Reset()
	stats.WriteClients(&sb, "DNSBL")
	if out := sb.String(); !strings.Contains(out, "\tCOUNTRY: Netherlands (NL)\n") {
		t.Fatalf("client details do not mention country:\n%s", out)
	}
}

func TestRFC3339(t *testing.T) {
	log := `2012-04-13T08:53:00+02:00 mx postfix/postscreen[99]: CONNECT from [10.1.1.1]:1000 to [192.0.2.25]:25
`
	stats := parse(t, log)
	clients := stats.Clients()
	if len(clients) != 1 {
		t.Fatalf("got %d clients, expected 1", len(clients))
	}
	if clients[0].FirstSeen.Year() != 2012 {
		t.Fatalf("unexpected first seen %s", clients[0].FirstSeen)
	}
}
