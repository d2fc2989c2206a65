package daemon

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tlejmi/fastocloud-epg/internal/api"
	"github.com/tlejmi/fastocloud-epg/internal/epg"
	"github.com/tlejmi/fastocloud-epg/internal/health"
	"github.com/tlejmi/fastocloud-epg/internal/license"
	"github.com/tlejmi/fastocloud-epg/internal/logging"
	"github.com/tlejmi/fastocloud-epg/internal/metrics"
	"github.com/tlejmi/fastocloud-epg/internal/reactor"
	"github.com/tlejmi/fastocloud-epg/internal/stats"
	"github.com/tlejmi/fastocloud-epg/internal/watcher"
)

// Timer cadences.
const (
	nodeStatsInterval    = 10 * time.Second
	pingClientsInterval  = 60 * time.Second
	checkLicenseInterval = 300 * time.Second
)

// maxParseFailures is how many consecutive malformed frames a peer may
// send before the connection is closed.
const maxParseFailures = 3

// nodeStats carries the previous health sample. Owned by the loop.
type nodeStats struct {
	prevCPU   stats.CPUShot
	prevNet   stats.NetShot
	timestamp int64
}

// Daemon wires the reactor, the directory watcher, the EPG fetch pipeline,
// the health checker and the license gate. It is the reactor's observer;
// every callback below runs on the loop goroutine.
type Daemon struct {
	cfg     Config
	version string

	loop    *reactor.Reactor
	watch   *watcher.Watcher
	fetcher *epg.Fetcher
	checker *health.Checker

	pingTimer    reactor.TimerID
	statsTimer   reactor.TimerID
	licenseTimer reactor.TimerID

	node nodeStats
	log  zerolog.Logger
}

// New creates a daemon from a loaded config.
func New(cfg Config, version string) *Daemon {
	d := &Daemon{
		cfg:          cfg,
		version:      version,
		fetcher:      epg.NewFetcher(cfg.EpgOutDir),
		checker:      health.NewChecker(cfg.EpgInDir, cfg.EpgOutDir, cfg.LogPath),
		pingTimer:    reactor.InvalidTimerID,
		statsTimer:   reactor.InvalidTimerID,
		licenseTimer: reactor.InvalidTimerID,
		node:         nodeStats{timestamp: stats.NowMillis()},
		log:          logging.Component("daemon"),
	}
	d.loop = reactor.New(cfg.Host, d, func(conn net.Conn) reactor.Client { return NewClient(conn) })
	return d
}

// Exec runs the daemon until a stop command, a fatal license check or a
// termination signal.
func (d *Daemon) Exec() error {
	w, err := watcher.New(d.cfg.EpgInDir, func(path string) {
		d.loop.ExecInLoop(func() { d.handleEpgFile(path) })
	})
	if err != nil {
		d.log.Warn().Err(err).Str("dir", d.cfg.EpgInDir).Msg("epg directory watch unavailable")
	} else {
		d.watch = w
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.checker.Run(ctx)

	if d.cfg.HTTPHost != "" {
		srv := api.NewServer(ProjectName, d.version, d.checker)
		go func() {
			if err := srv.Serve(d.cfg.HTTPHost); err != nil {
				d.log.Warn().Err(err).Msg("observability server exited")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		d.loop.Stop()
	}()

	runErr := d.loop.Run()
	if d.watch != nil {
		_ = d.watch.Close()
	}
	return runErr
}

// Stop asks the reactor to exit its loop.
func (d *Daemon) Stop() { d.loop.Stop() }

// Ready is closed once the control socket is bound.
func (d *Daemon) Ready() <-chan struct{} { return d.loop.Ready() }

// Addr returns the bound control-socket address, or nil before Ready.
func (d *Daemon) Addr() net.Addr { return d.loop.Addr() }

// ─── Reactor observer ───────────────────────────────────────────────────────

// PreLooped arms the service timers and starts the directory watch.
func (d *Daemon) PreLooped(r *reactor.Reactor) {
	d.statsTimer = r.CreateTimer(nodeStatsInterval, true)
	d.pingTimer = r.CreateTimer(pingClientsInterval, true)
	d.licenseTimer = r.CreateTimer(checkLicenseInterval, true)
	if d.watch != nil {
		d.watch.Start()
	}
}

// Accepted records a fresh, unverified peer that the reactor has just
// registered.
func (d *Daemon) Accepted(c reactor.Client) {
	metrics.ClientsConnected.Inc()
	d.log.Info().Str("peer", c.Addr().String()).Msg("client accepted")
}

// DataReceived dispatches one inbound frame.
func (d *Daemon) DataReceived(c reactor.Client, frame []byte) {
	dc, ok := c.(*Client)
	if !ok {
		return
	}

	if err := d.daemonDataReceived(dc, frame); err != nil {
		d.log.Warn().Err(err).Str("peer", dc.Addr().String()).Msg("closing peer")
		d.loop.CloseClient(dc)
	}
}

// Closed balances Accepted for every connection.
func (d *Daemon) Closed(c reactor.Client) {
	metrics.ClientsConnected.Dec()
	if dc, ok := c.(*Client); ok && dc.IsVerified() {
		metrics.ClientsVerified.Dec()
	}
	d.log.Info().Str("peer", c.Addr().String()).Msg("client closed")
}

// TimerEmitted drives the periodic work: peer pings, the statistics
// broadcast and the license gate.
func (d *Daemon) TimerEmitted(id reactor.TimerID) {
	switch id {
	case d.pingTimer:
		d.pingClients()
	case d.statsTimer:
		d.broadcastNodeStats()
	case d.licenseTimer:
		d.checkLicenseExpired()
	}
}

// PostLooped disarms the timers after the loop has drained.
func (d *Daemon) PostLooped(r *reactor.Reactor) {
	if d.statsTimer != reactor.InvalidTimerID {
		r.RemoveTimer(d.statsTimer)
		d.statsTimer = reactor.InvalidTimerID
	}
	if d.pingTimer != reactor.InvalidTimerID {
		r.RemoveTimer(d.pingTimer)
		d.pingTimer = reactor.InvalidTimerID
	}
	if d.licenseTimer != reactor.InvalidTimerID {
		r.RemoveTimer(d.licenseTimer)
		d.licenseTimer = reactor.InvalidTimerID
	}
}

// ─── Periodic work ──────────────────────────────────────────────────────────

// pingClients pings every verified peer and closes the ones that missed
// the previous deadline. Stale pending entries are evicted here too.
func (d *Daemon) pingClients() {
	cutoff := time.Now().Add(-2 * pingClientsInterval)
	clients := d.loop.Clients()
	for _, c := range clients {
		dc, ok := c.(*Client)
		if !ok {
			continue
		}
		if n := dc.EvictStalePending(cutoff); n > 0 {
			d.log.Debug().Int("evicted", n).Str("peer", dc.Addr().String()).
				Msg("dropped stale pending requests")
		}
		if !dc.IsVerified() {
			continue
		}
		if err := dc.Ping(); err != nil {
			d.log.Warn().Err(err).Str("peer", dc.Addr().String()).Msg("ping failed")
			d.loop.CloseClient(dc)
			continue
		}
		d.log.Info().Str("peer", dc.Addr().String()).Int("clients", len(clients)).
			Msg("sent ping to client")
	}
}

// broadcastNodeStats serializes a fresh snapshot and writes it to every
// verified peer.
func (d *Daemon) broadcastNodeStats() {
	blob, err := d.makeServiceStats(0)
	if err != nil {
		d.log.Warn().Err(err).Msg("failed to generate node statistic")
		return
	}

	req := protocolStatisticRequest(blob)
	for _, c := range d.loop.Clients() {
		dc, ok := c.(*Client)
		if !ok || !dc.IsVerified() {
			continue
		}
		if err := dc.WriteRequest(req); err != nil {
			d.log.Warn().Err(err).Str("peer", dc.Addr().String()).Msg("broadcast failed")
			continue
		}
		metrics.BroadcastsTotal.Inc()
	}
}

// checkLicenseExpired enforces the license gate: a missing, invalid or
// expired key stops the whole service.
func (d *Daemon) checkLicenseExpired() {
	if d.cfg.LicenseKey == "" {
		d.log.Warn().Msg("you have an invalid license, service stopped")
		d.loop.Stop()
		return
	}

	expiry, ok := license.Decode(ProjectName, d.cfg.LicenseKey)
	if !ok {
		d.log.Warn().Msg("you have an invalid license, service stopped")
		d.loop.Stop()
		return
	}

	if expiry.Before(time.Now()) {
		d.log.Warn().Msg("your license have expired, service stopped")
		d.loop.Stop()
	}
}

// handleEpgFile splits one deposited XMLTV document.
func (d *Daemon) handleEpgFile(path string) {
	d.log.Info().Str("path", path).Msg("new epg file notification")

	res, err := epg.SplitFile(path, d.cfg.EpgOutDir)
	if err != nil {
		d.log.Warn().Err(err).Str("path", path).Msg("invalid epg file")
		return
	}
	metrics.FilesProcessed.WithLabelValues("watch").Inc()
	metrics.ProgrammesWritten.Add(float64(res.Programmes))
}

// countVerifiedClients counts peers that completed Activate.
func (d *Daemon) countVerifiedClients() int {
	n := 0
	for _, c := range d.loop.Clients() {
		if dc, ok := c.(*Client); ok && dc.IsVerified() {
			n++
		}
	}
	return n
}
