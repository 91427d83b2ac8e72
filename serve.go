package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mjl-/blmon/blmon-"
	"github.com/mjl-/blmon/config"
	"github.com/mjl-/blmon/dns"
	"github.com/mjl-/blmon/dnsbl"
	"github.com/mjl-/blmon/eventdb"
	"github.com/mjl-/blmon/metrics"
	"github.com/mjl-/blmon/mlog"
	"github.com/mjl-/blmon/monitor"
)

var metricCheckSummary = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "blmon_check_summary",
		Help: "Results of the most recent check run, by outcome: checked, listed, temperrs, unresolved.",
	},
	[]string{
		"outcome",
	},
)

var metricCheckLast = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "blmon_check_last_run_time_seconds",
		Help: "Unix timestamp of the most recent completed check run.",
	},
)

func cmdServe(c *cmd) {
	c.help = `Run the DNSBL checks periodically and serve prometheus metrics.

Every configured interval, the configured hosts are checked against the DNSBL
zones as with "blmon check". Report lines are written to stdout. For each
(zone, address) pair a gauge is exported telling whether the pair is currently
listed, along with a summary of the most recent run, on /metrics at the
configured metrics address.

Interrupt and termination signals stop the monitor cleanly.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	mustLoadConfig()
	if len(blmon.Conf.Static.Hosts) == 0 {
		c.log.Fatalx("no hosts configured to monitor", nil)
	}

	if blmon.Conf.Static.DataDir != "" {
		err := eventdb.Init()
		xcheckf(err, "opening listing event database")
		defer eventdb.Close()
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	blmon.Shutdown = shutdownCtx

	addr := blmon.Conf.Static.Monitor.MetricsAddress
	if addr == "" {
		addr = config.DefaultMetricsAddress
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		c.log.Print("metrics listener", slog.String("addr", addr), slog.String("path", "/metrics"))
		err := http.ListenAndServe(addr, mux)
		c.log.Fatalx("metrics listener", err)
	}()

	done := make(chan struct{})
	go monitorLoop(c.log, shutdownCtx, done)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	sig := <-sigc
	c.log.Print("shutting down after current result", slog.Any("signal", sig))
	shutdownCancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
	}
}

// monitorLoop runs the checks periodically, keeping a gauge per (zone,
// address) pair that was checked at least once.
func monitorLoop(log mlog.Log, ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		// On error, don't bring down the metrics listener.
		x := recover()
		if x != nil {
			log.Error("monitor loop panic", slog.Any("panic", x))
			debug.PrintStack()
			metrics.PanicInc("serve")
		}
	}()

	type key struct {
		zone string
		addr string
	}
	gauges := map[key]prometheus.GaugeFunc{}
	var statusMutex sync.Mutex
	statuses := map[key]bool{}

	interval := time.Duration(blmon.Conf.Static.Monitor.Interval) * time.Minute
	if interval <= 0 {
		interval = config.DefaultInterval * time.Minute
	}

	resolver := dns.StrictResolver{Pkg: "monitor", Log: log.Logger}
	var sleep time.Duration // No sleep on first iteration.
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
		sleep = interval

		cfg := monitorConfig(false, 0, 0, "")
		cfg.Observe = func(host, addr string, zone dns.Domain, status dnsbl.Status) {
			k := key{zone.Name(), addr}

			statusMutex.Lock()
			statuses[k] = status == dnsbl.StatusFail
			statusMutex.Unlock()

			if _, ok := gauges[k]; !ok {
				gauges[k] = promauto.NewGaugeFunc(
					prometheus.GaugeOpts{
						Name: "blmon_dnsbl_host_listed",
						Help: "Whether the address of a monitored host is listed in the DNSBL zone, per most recent check.",
						ConstLabels: prometheus.Labels{
							"zone": k.zone,
							"addr": k.addr,
						},
					},
					func() float64 {
						statusMutex.Lock()
						defer statusMutex.Unlock()
						if statuses[k] {
							return 1
						}
						return 0
					},
				)
			}
		}

		runCtx := context.WithValue(ctx, mlog.CidKey, blmon.Cid())
		sum, err := monitor.Run(runCtx, log.Logger, resolver, cfg, os.Stdout)
		if err != nil && ctx.Err() == nil {
			log.Errorx("monitor run", err)
		}
		metricCheckSummary.WithLabelValues("checked").Set(float64(sum.Checked))
		metricCheckSummary.WithLabelValues("listed").Set(float64(sum.Listed))
		metricCheckSummary.WithLabelValues("temperrs").Set(float64(sum.Temperrs))
		metricCheckSummary.WithLabelValues("unresolved").Set(float64(sum.Unresolved))
		metricCheckLast.Set(float64(time.Now().Unix()))
		log.Debug("monitor run finished",
			slog.Int("checked", sum.Checked),
			slog.Int("listed", sum.Listed),
			slog.Int("temperrs", sum.Temperrs),
			slog.Int("unresolved", sum.Unresolved),
			slog.Duration("interval", interval))
	}
}
