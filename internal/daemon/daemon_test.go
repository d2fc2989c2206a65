package daemon

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tlejmi/fastocloud-epg/internal/license"
	"github.com/tlejmi/fastocloud-epg/internal/protocol"
	"github.com/tlejmi/fastocloud-epg/internal/stats"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1:0"
	cfg.LogPath = "/dev/null"
	cfg.EpgInDir = t.TempDir()
	cfg.EpgOutDir = t.TempDir()
	cfg.LicenseKey = license.Generate(ProjectName, time.Now().Add(time.Hour))
	return cfg
}

// startDaemon runs a daemon on an ephemeral port and tears it down with
// the test.
func startDaemon(t *testing.T, cfg Config) (*Daemon, <-chan error) {
	t.Helper()
	d := New(cfg, "test")

	errCh := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		errCh <- d.Exec()
		close(done)
	}()

	select {
	case <-d.Ready():
	case <-done:
		t.Fatal("Exec() exited early")
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not become ready")
	}

	t.Cleanup(func() {
		d.Stop()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("Exec() did not return after Stop()")
		}
	})
	return d, errCh
}

type testPeer struct {
	conn net.Conn
	br   *bufio.Reader
}

func dialDaemon(t *testing.T, d *Daemon) *testPeer {
	t.Helper()
	conn, err := net.Dial("tcp", d.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testPeer{conn: conn, br: bufio.NewReader(conn)}
}

func (p *testPeer) send(t *testing.T, id, method, params string) {
	t.Helper()
	pp := params
	frame, err := protocol.EncodeRequest(protocol.Request{ID: id, Method: method, Params: &pp})
	require.NoError(t, err)
	_, err = p.conn.Write(frame)
	require.NoError(t, err)
}

// readResponse skips server-originated requests (pings, broadcasts) until
// a response arrives.
func (p *testPeer) readResponse(t *testing.T) *protocol.Response {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(t, p.conn.SetReadDeadline(deadline))
		line, err := p.br.ReadBytes('\n')
		require.NoError(t, err)

		_, resp, err := protocol.Parse(line[:len(line)-1])
		require.NoError(t, err)
		if resp != nil {
			return resp
		}
	}
}

func (p *testPeer) activate(t *testing.T, key string) *protocol.Response {
	t.Helper()
	p.send(t, "act-1", protocol.DaemonActivate, fmt.Sprintf(`{"license_key":%q}`, key))
	return p.readResponse(t)
}

func TestActivate_ValidKey(t *testing.T) {
	cfg := testConfig(t)
	expiry, ok := license.Decode(ProjectName, cfg.LicenseKey)
	require.True(t, ok)

	d, _ := startDaemon(t, cfg)
	peer := dialDaemon(t, d)

	resp := peer.activate(t, cfg.LicenseKey)
	require.True(t, resp.IsMessage())

	var full stats.FullServiceInfo
	require.NoError(t, json.Unmarshal([]byte(*resp.Result), &full))
	assert.Equal(t, expiry.UnixMilli(), full.ExpirationTime)
	assert.Equal(t, ProjectName, full.Project)
	assert.Equal(t, "test", full.Version)
	assert.Equal(t, 0, full.OnlineUsers.Daemon, "snapshot is taken before the peer is promoted")
}

func TestActivate_Idempotent(t *testing.T) {
	cfg := testConfig(t)
	d, _ := startDaemon(t, cfg)
	peer := dialDaemon(t, d)

	first := peer.activate(t, cfg.LicenseKey)
	require.True(t, first.IsMessage())

	peer.send(t, "act-2", protocol.DaemonActivate, fmt.Sprintf(`{"license_key":%q}`, cfg.LicenseKey))
	second := peer.readResponse(t)
	require.True(t, second.IsMessage())

	var a, b stats.FullServiceInfo
	require.NoError(t, json.Unmarshal([]byte(*first.Result), &a))
	require.NoError(t, json.Unmarshal([]byte(*second.Result), &b))
	assert.Equal(t, a.ExpirationTime, b.ExpirationTime)
}

func TestActivate_InvalidKey(t *testing.T) {
	d, _ := startDaemon(t, testConfig(t))
	peer := dialDaemon(t, d)

	resp := peer.activate(t, "deadbeef")
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInvalid, resp.Error.Code)
}

func TestPing_VerifiedEchoesTimestamp(t *testing.T) {
	cfg := testConfig(t)
	d, _ := startDaemon(t, cfg)
	peer := dialDaemon(t, d)

	require.True(t, peer.activate(t, cfg.LicenseKey).IsMessage())

	peer.send(t, "2", protocol.DaemonPingService, `{"timestamp":1700000000}`)
	resp := peer.readResponse(t)
	require.True(t, resp.IsMessage())
	assert.Equal(t, "2", resp.ID)

	var info ClientPingInfo
	require.NoError(t, json.Unmarshal([]byte(*resp.Result), &info))
	assert.Equal(t, int64(1700000000), info.Timestamp)
}

func TestPing_UnverifiedRejected(t *testing.T) {
	d, _ := startDaemon(t, testConfig(t))
	peer := dialDaemon(t, d)

	peer.send(t, "1", protocol.DaemonPingService, `{"timestamp":1}`)
	resp := peer.readResponse(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeNotVerified, resp.Error.Code)
}

func TestPrepareAndSync_Verified(t *testing.T) {
	cfg := testConfig(t)
	d, _ := startDaemon(t, cfg)
	peer := dialDaemon(t, d)
	require.True(t, peer.activate(t, cfg.LicenseKey).IsMessage())

	peer.send(t, "p1", protocol.DaemonPrepareService, `{}`)
	resp := peer.readResponse(t)
	require.True(t, resp.IsMessage())
	assert.Equal(t, "{}", *resp.Result)

	peer.send(t, "s1", protocol.DaemonSyncService, `{}`)
	resp = peer.readResponse(t)
	require.True(t, resp.IsMessage())
}

func TestStop_LoopbackUnverified(t *testing.T) {
	d, errCh := startDaemon(t, testConfig(t))
	peer := dialDaemon(t, d)

	peer.send(t, "1", protocol.DaemonStopService, `{}`)
	resp := peer.readResponse(t)
	require.True(t, resp.IsMessage())

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestUnknownMethod_NoReply(t *testing.T) {
	d, _ := startDaemon(t, testConfig(t))
	peer := dialDaemon(t, d)

	peer.send(t, "1", "daemon_make_coffee", `{}`)

	require.NoError(t, peer.conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, err := peer.br.ReadBytes('\n')
	assert.Error(t, err, "unknown methods must get no reply")
}

func TestMalformedFrames_CloseAfterRecurrence(t *testing.T) {
	d, _ := startDaemon(t, testConfig(t))
	peer := dialDaemon(t, d)

	for i := 0; i < maxParseFailures; i++ {
		_, err := peer.conn.Write([]byte("this is not json\n"))
		require.NoError(t, err)
	}

	require.NoError(t, peer.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := peer.br.ReadBytes('\n')
	assert.Error(t, err, "connection should be closed after recurring parse errors")
}

func TestRefreshURL_EndToEnd(t *testing.T) {
	doc := `<tv><programme channel="c1"><title>a</title></programme>` +
		`<programme channel="c1"><title>b</title></programme>` +
		`<programme channel="c2"><title>c</title></programme></tv>`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/guide.xml", http.StatusFound)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, doc)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	d, _ := startDaemon(t, cfg)
	peer := dialDaemon(t, d)

	peer.send(t, "r1", protocol.DaemonRefreshURL, fmt.Sprintf(`{"url":%q}`, srv.URL+"/start"))
	resp := peer.readResponse(t)
	require.True(t, resp.IsMessage(), "refresh should succeed: %+v", resp.Error)
	assert.Equal(t, "r1", resp.ID)

	assert.FileExists(t, filepath.Join(cfg.EpgOutDir, "c1.xml"))
	assert.FileExists(t, filepath.Join(cfg.EpgOutDir, "c2.xml"))
}

func TestRefreshURL_FetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	d, _ := startDaemon(t, testConfig(t))
	peer := dialDaemon(t, d)

	peer.send(t, "r1", protocol.DaemonRefreshURL, fmt.Sprintf(`{"url":%q}`, srv.URL+"/guide.xml"))
	resp := peer.readResponse(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInternal, resp.Error.Code)
}

func TestGetLog_UploadsFile(t *testing.T) {
	received := make(chan []byte, 1)
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- body
	}))
	defer collector.Close()

	cfg := testConfig(t)
	logPath := filepath.Join(t.TempDir(), "epg.log")
	require.NoError(t, os.WriteFile(logPath, []byte("log line\n"), 0644))
	cfg.LogPath = logPath

	d, _ := startDaemon(t, cfg)
	peer := dialDaemon(t, d)
	require.True(t, peer.activate(t, cfg.LicenseKey).IsMessage())

	peer.send(t, "g1", protocol.DaemonGetLogService, fmt.Sprintf(`{"path":%q}`, collector.URL))
	resp := peer.readResponse(t)
	require.True(t, resp.IsMessage())

	select {
	case body := <-received:
		assert.Equal(t, "log line\n", string(body))
	case <-time.After(time.Second):
		t.Fatal("collector did not receive the log")
	}
}

func TestGetLog_RejectsNonHTTPTarget(t *testing.T) {
	cfg := testConfig(t)
	d, _ := startDaemon(t, cfg)
	peer := dialDaemon(t, d)
	require.True(t, peer.activate(t, cfg.LicenseKey).IsMessage())

	peer.send(t, "g1", protocol.DaemonGetLogService, `{"path":"ftp://collector/logs"}`)
	resp := peer.readResponse(t)
	require.NotNil(t, resp.Error)
}

func TestEpgFileDrop_SplitsWithinOneTurn(t *testing.T) {
	doc := `<tv>` +
		`<programme channel="c1"><title>a</title></programme>` +
		`<programme channel="c1"><title>b</title></programme>` +
		`<programme channel="c2"><title>c</title></programme>` +
		`</tv>`

	cfg := testConfig(t)
	d, _ := startDaemon(t, cfg)
	_ = d

	require.NoError(t, os.WriteFile(filepath.Join(cfg.EpgInDir, "a.xml"), []byte(doc), 0644))

	require.Eventually(t, func() bool {
		_, err1 := os.Stat(filepath.Join(cfg.EpgOutDir, "c1.xml"))
		_, err2 := os.Stat(filepath.Join(cfg.EpgOutDir, "c2.xml"))
		return err1 == nil && err2 == nil
	}, 5*time.Second, 50*time.Millisecond)

	c1, err := os.ReadFile(filepath.Join(cfg.EpgOutDir, "c1.xml"))
	require.NoError(t, err)
	c2, err := os.ReadFile(filepath.Join(cfg.EpgOutDir, "c2.xml"))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(c1), "<programme"))
	assert.Equal(t, 1, strings.Count(string(c2), "<programme"))
}

func TestLicenseGate_ExpiredKeyStopsService(t *testing.T) {
	cfg := testConfig(t)
	cfg.LicenseKey = license.Generate(ProjectName, time.Now().Add(-time.Minute))

	d := New(cfg, "test")
	errCh := make(chan error, 1)
	go func() { errCh <- d.Exec() }()
	<-d.Ready()

	// Drive the gate directly instead of waiting out the license timer.
	d.loop.ExecInLoop(func() { d.checkLicenseExpired() })

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		d.Stop()
		t.Fatal("expired license did not stop the service")
	}
}
