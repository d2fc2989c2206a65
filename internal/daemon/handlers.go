package daemon

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/tlejmi/fastocloud-epg/internal/license"
	"github.com/tlejmi/fastocloud-epg/internal/metrics"
	"github.com/tlejmi/fastocloud-epg/internal/protocol"
)

// protocolStatisticRequest wraps a statistics blob in a broadcast request.
func protocolStatisticRequest(blob string) protocol.Request {
	return protocol.NewRequest(protocol.DaemonStatisticService, blob)
}

// daemonDataReceived parses one frame and routes it. A returned error is
// connection-fatal; everything else is reported on the wire or logged.
func (d *Daemon) daemonDataReceived(dc *Client, frame []byte) error {
	req, resp, err := protocol.Parse(frame)
	if err != nil {
		dc.parseFailures++
		d.log.Warn().Err(err).Int("failures", dc.parseFailures).
			Str("peer", dc.Addr().String()).Msg("malformed frame")
		if dc.parseFailures >= maxParseFailures {
			return fmt.Errorf("daemon: parse errors recurring: %w", err)
		}
		return nil
	}
	dc.parseFailures = 0

	if req != nil {
		d.log.Debug().Str("method", req.Method).Str("id", req.ID).Msg("received daemon request")
		metrics.RequestsTotal.WithLabelValues(req.Method).Inc()
		if err := d.handleRequestServiceCommand(dc, req); err != nil {
			if errors.Is(err, ErrWrite) {
				return err
			}
			d.log.Warn().Err(err).Str("method", req.Method).Msg("request handler failed")
		}
		return nil
	}

	d.log.Debug().Str("id", resp.ID).Msg("received daemon response")
	if err := d.handleResponseServiceCommand(dc, resp); err != nil {
		if errors.Is(err, ErrWrite) {
			return err
		}
		d.log.Warn().Err(err).Str("id", resp.ID).Msg("response handler failed")
	}
	return nil
}

// handleRequestServiceCommand routes an inbound request by method name.
func (d *Daemon) handleRequestServiceCommand(dc *Client, req *protocol.Request) error {
	switch req.Method {
	case protocol.DaemonStopService:
		return d.handleRequestClientStopService(dc, req)
	case protocol.DaemonPingService:
		return d.handleRequestClientPingService(dc, req)
	case protocol.DaemonActivate:
		return d.handleRequestClientActivate(dc, req)
	case protocol.DaemonPrepareService:
		return d.handleRequestClientPrepareService(dc, req)
	case protocol.DaemonSyncService:
		return d.handleRequestClientSyncService(dc, req)
	case protocol.DaemonGetLogService:
		return d.handleRequestClientGetLogService(dc, req)
	case protocol.DaemonRefreshURL:
		return d.handleRequestRefreshURL(dc, req)
	}

	d.log.Warn().Str("method", req.Method).Msg("received unknown method")
	return nil
}

// handleResponseServiceCommand matches an inbound response against the
// peer's pending table. Only the server's own ping is handled.
func (d *Daemon) handleResponseServiceCommand(dc *Client, resp *protocol.Response) error {
	if !dc.IsVerified() {
		return ErrNotVerified
	}

	pending, ok := dc.PopRequestByID(resp.ID)
	if !ok {
		return nil
	}
	if pending.Method == protocol.DaemonServerPing {
		return d.handleResponsePingService(dc, resp)
	}

	d.log.Warn().Str("method", pending.Method).Msg("response for not handled command")
	return nil
}

func (d *Daemon) handleResponsePingService(dc *Client, resp *protocol.Response) error {
	if !resp.IsMessage() {
		return nil
	}

	var info ClientPingInfo
	if err := decodePayload(resp.Result, &info); err != nil {
		return err
	}
	dc.PongReceived()
	return nil
}

// ─── Request handlers ───────────────────────────────────────────────────────

func (d *Daemon) handleRequestClientActivate(dc *Client, req *protocol.Request) error {
	// The license gate runs at Activate time as well as on its timer.
	d.checkLicenseExpired()

	var info ActivateInfo
	if err := decodePayload(req.Params, &info); err != nil {
		if werr := dc.ActivateFail(req.ID, err); werr != nil {
			return werr
		}
		return err
	}
	if err := info.validate(); err != nil {
		if werr := dc.ActivateFail(req.ID, err); werr != nil {
			return werr
		}
		return fmt.Errorf("%w: %s", ErrInvalid, err)
	}

	expiry, ok := license.Decode(ProjectName, info.LicenseKey)
	if !ok {
		err := errors.New("invalid expire key")
		if werr := dc.ActivateFail(req.ID, err); werr != nil {
			return werr
		}
		return ErrLicenseInvalid
	}

	blob, err := d.makeServiceStats(expiry.UnixMilli())
	if err != nil {
		if werr := dc.ActivateFail(req.ID, err); werr != nil {
			return werr
		}
		return err
	}
	if err := dc.ActivateSuccess(req.ID, blob); err != nil {
		return err
	}

	if !dc.IsVerified() {
		metrics.ClientsVerified.Inc()
	}
	dc.SetVerified(true, expiry)
	return nil
}

func (d *Daemon) handleRequestClientPingService(dc *Client, req *protocol.Request) error {
	if !dc.IsVerified() {
		if werr := dc.InvalidRequest(req.ID, protocol.CodeNotVerified, ErrNotVerified); werr != nil {
			return werr
		}
		return ErrNotVerified
	}

	var info ClientPingInfo
	if err := decodePayload(req.Params, &info); err != nil {
		if werr := dc.InvalidRequest(req.ID, protocol.CodeInvalid, err); werr != nil {
			return werr
		}
		return err
	}

	return dc.Pong(req.ID, info.Timestamp)
}

func (d *Daemon) handleRequestClientStopService(dc *Client, req *protocol.Request) error {
	if !dc.IsVerified() {
		d.log.Info().Str("peer", dc.Addr().String()).Msg("stop request from host")
		if !dc.IsLocalHost() {
			if werr := dc.InvalidRequest(req.ID, protocol.CodeNotVerified, ErrNotVerified); werr != nil {
				return werr
			}
			return ErrNotVerified
		}
	}

	var info StopInfo
	if err := decodePayload(req.Params, &info); err != nil {
		if werr := dc.InvalidRequest(req.ID, protocol.CodeInvalid, err); werr != nil {
			return werr
		}
		return err
	}

	d.loop.Stop()
	return dc.StopSuccess(req.ID)
}

func (d *Daemon) handleRequestClientPrepareService(dc *Client, req *protocol.Request) error {
	if !dc.IsVerified() {
		if werr := dc.InvalidRequest(req.ID, protocol.CodeNotVerified, ErrNotVerified); werr != nil {
			return werr
		}
		return ErrNotVerified
	}

	var params map[string]interface{}
	if err := decodePayload(req.Params, &params); err != nil {
		if werr := dc.InvalidRequest(req.ID, protocol.CodeInvalid, err); werr != nil {
			return werr
		}
		return err
	}

	state, err := encodePayload(StateInfo{})
	if err != nil {
		return err
	}
	return dc.PrepareServiceSuccess(req.ID, state)
}

func (d *Daemon) handleRequestClientSyncService(dc *Client, req *protocol.Request) error {
	if !dc.IsVerified() {
		if werr := dc.InvalidRequest(req.ID, protocol.CodeNotVerified, ErrNotVerified); werr != nil {
			return werr
		}
		return ErrNotVerified
	}

	var params map[string]interface{}
	if err := decodePayload(req.Params, &params); err != nil {
		if werr := dc.InvalidRequest(req.ID, protocol.CodeInvalid, err); werr != nil {
			return werr
		}
		return err
	}

	return dc.SyncServiceSuccess(req.ID)
}

func (d *Daemon) handleRequestClientGetLogService(dc *Client, req *protocol.Request) error {
	if !dc.IsVerified() {
		if werr := dc.InvalidRequest(req.ID, protocol.CodeNotVerified, ErrNotVerified); werr != nil {
			return werr
		}
		return ErrNotVerified
	}

	var info GetLogInfo
	if err := decodePayload(req.Params, &info); err != nil {
		if werr := dc.GetLogServiceFail(req.ID, err); werr != nil {
			return werr
		}
		return err
	}
	if err := info.validate(); err != nil {
		if werr := dc.GetLogServiceFail(req.ID, err); werr != nil {
			return werr
		}
		return fmt.Errorf("%w: %s", ErrInvalid, err)
	}

	target, err := url.Parse(info.Path)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		nerr := errors.New("not supported protocol")
		if werr := dc.GetLogServiceFail(req.ID, nerr); werr != nil {
			return werr
		}
		return fmt.Errorf("%w: %s", ErrInvalid, nerr)
	}

	// The upload blocks on network I/O; run it off the loop and marshal
	// the completion back through ExecInLoop.
	logPath := d.cfg.LogPath
	reqID := req.ID
	go func() {
		uploadErr := postLogFile(logPath, target.String())
		d.loop.ExecInLoop(func() {
			if !d.loop.HasClient(dc) {
				return
			}
			if uploadErr != nil {
				_ = dc.GetLogServiceFail(reqID, uploadErr)
				return
			}
			_ = dc.GetLogServiceSuccess(reqID)
		})
	}()
	return nil
}

func (d *Daemon) handleRequestRefreshURL(dc *Client, req *protocol.Request) error {
	var info RefreshURLInfo
	if err := decodePayload(req.Params, &info); err != nil {
		if werr := dc.RefreshURLFail(req.ID, err); werr != nil {
			return werr
		}
		return err
	}
	if err := info.validate(); err != nil {
		if werr := dc.RefreshURLFail(req.ID, err); werr != nil {
			return werr
		}
		return fmt.Errorf("%w: %s", ErrInvalid, err)
	}

	// The fetch blocks on network I/O; run it on a worker. Before touching
	// the originating peer the completion re-checks it is still attached.
	reqID := req.ID
	go func() {
		start := time.Now()
		res, fetchErr := d.fetcher.Refresh(info.URL)
		metrics.RefreshFetchSeconds.Observe(time.Since(start).Seconds())

		d.loop.ExecInLoop(func() {
			if !d.loop.HasClient(dc) {
				return
			}
			if fetchErr != nil {
				_ = dc.RefreshURLFail(reqID, fetchErr)
				return
			}
			metrics.FilesProcessed.WithLabelValues("refresh").Inc()
			metrics.ProgrammesWritten.Add(float64(res.Programmes))
			_ = dc.RefreshURLSuccess(reqID)
		})
	}()
	return nil
}

// postLogFile uploads the local log file to an HTTP(S) collector.
func postLogFile(path, target string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("daemon: open log %s: %w", path, err)
	}
	defer f.Close()

	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Post(target, "text/plain", f)
	if err != nil {
		return fmt.Errorf("daemon: post log: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("daemon: post log: http status %d", resp.StatusCode)
	}
	return nil
}
