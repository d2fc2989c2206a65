package daemon

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/tlejmi/fastocloud-epg/internal/protocol"
	"github.com/tlejmi/fastocloud-epg/internal/stats"
)

// writeTimeout bounds a single frame write on the control socket.
const writeTimeout = 10 * time.Second

// Client is one accepted control connection: the framed reader, the
// verification state and the outstanding-request table. All fields except
// the reader are owned by the reactor goroutine; ReadFrame runs on the
// connection's reader goroutine and touches only the conn and buffer.
type Client struct {
	conn net.Conn
	br   *bufio.Reader

	verified bool
	expiry   time.Time

	pending      *protocol.PendingTable
	awaitingPong bool

	// consecutive parse failures; the dispatcher escalates to a close
	// when the count reaches the threshold.
	parseFailures int
}

// NewClient wraps an accepted connection.
func NewClient(conn net.Conn) *Client {
	return &Client{
		conn:    conn,
		br:      bufio.NewReader(conn),
		pending: protocol.NewPendingTable(),
	}
}

// ReadFrame returns one newline-terminated frame without the delimiter.
// Called from the reader goroutine only.
func (c *Client) ReadFrame() ([]byte, error) {
	line, err := c.br.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(line) > 0 {
			return nil, protocol.ErrPartialFrame
		}
		return nil, err
	}
	if len(line) > protocol.MaxFrameSize {
		return nil, fmt.Errorf("daemon: frame exceeds %d bytes", protocol.MaxFrameSize)
	}
	return line[:len(line)-1], nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Addr returns the peer address.
func (c *Client) Addr() net.Addr { return c.conn.RemoteAddr() }

// IsLocalHost reports whether the peer connected from a loopback address.
func (c *Client) IsLocalHost() bool {
	addr, ok := c.conn.RemoteAddr().(*net.TCPAddr)
	return ok && addr.IP.IsLoopback()
}

// SetVerified flips the verification gate. There is no transition back;
// expiration stops the whole service instead of demoting one peer.
func (c *Client) SetVerified(flag bool, expiry time.Time) {
	c.verified = flag
	c.expiry = expiry
}

// IsVerified reports whether the peer completed Activate.
func (c *Client) IsVerified() bool { return c.verified }

// Expiry returns the license expiry carried from the Activate message.
func (c *Client) Expiry() time.Time { return c.expiry }

// ─── Outbound requests ──────────────────────────────────────────────────────

// WriteRequest queues a server→client request and records it in the
// pending table.
func (c *Client) WriteRequest(req protocol.Request) error {
	frame, err := protocol.EncodeRequest(req)
	if err != nil {
		return err
	}
	if err := c.write(frame); err != nil {
		return err
	}
	c.pending.Add(req, time.Now())
	return nil
}

// PopRequestByID recovers the originating method for an inbound response.
func (c *Client) PopRequestByID(id string) (protocol.PendingRequest, bool) {
	return c.pending.Pop(id)
}

// EvictStalePending drops pending entries older than cutoff.
func (c *Client) EvictStalePending(cutoff time.Time) int {
	return c.pending.EvictOlderThan(cutoff)
}

// PendingLen returns the number of in-flight outbound requests.
func (c *Client) PendingLen() int { return c.pending.Len() }

// Ping writes a server ping request. Returns ErrPingTimeout when the
// previous ping is still unanswered.
func (c *Client) Ping() error {
	if c.awaitingPong {
		return ErrPingTimeout
	}
	payload, err := encodePayload(ClientPingInfo{Timestamp: stats.NowMillis()})
	if err != nil {
		return err
	}
	if err := c.WriteRequest(protocol.NewRequest(protocol.DaemonServerPing, payload)); err != nil {
		return err
	}
	c.awaitingPong = true
	return nil
}

// PongReceived clears the ping deadline after a validated ping response.
func (c *Client) PongReceived() { c.awaitingPong = false }

// ─── Responses ──────────────────────────────────────────────────────────────

// Pong answers an inbound daemon_ping_service request, echoing the peer's
// timestamp without interpretation.
func (c *Client) Pong(id string, timestamp int64) error {
	payload, err := encodePayload(ClientPingInfo{Timestamp: timestamp})
	if err != nil {
		return err
	}
	return c.writeResponse(protocol.SuccessResponse(id, payload))
}

// ActivateSuccess answers Activate with the full statistics blob.
func (c *Client) ActivateSuccess(id, statsBlob string) error {
	return c.writeResponse(protocol.SuccessResponse(id, statsBlob))
}

// ActivateFail reports a rejected Activate.
func (c *Client) ActivateFail(id string, cause error) error {
	return c.writeResponse(protocol.ErrorResponse(id, protocol.CodeInvalid, cause.Error()))
}

// PrepareServiceSuccess answers Prepare with the service state blob.
func (c *Client) PrepareServiceSuccess(id, stateBlob string) error {
	return c.writeResponse(protocol.SuccessResponse(id, stateBlob))
}

// SyncServiceSuccess answers Sync.
func (c *Client) SyncServiceSuccess(id string) error {
	return c.writeResponse(protocol.SuccessResponse(id, "{}"))
}

// GetLogServiceSuccess answers GetLog after a completed upload.
func (c *Client) GetLogServiceSuccess(id string) error {
	return c.writeResponse(protocol.SuccessResponse(id, "{}"))
}

// GetLogServiceFail reports a failed log upload.
func (c *Client) GetLogServiceFail(id string, cause error) error {
	return c.writeResponse(protocol.ErrorResponse(id, protocol.CodeInternal, cause.Error()))
}

// RefreshURLSuccess answers RefreshUrl after the fetch pipeline finished.
func (c *Client) RefreshURLSuccess(id string) error {
	return c.writeResponse(protocol.SuccessResponse(id, "{}"))
}

// RefreshURLFail reports a failed refresh.
func (c *Client) RefreshURLFail(id string, cause error) error {
	return c.writeResponse(protocol.ErrorResponse(id, protocol.CodeInternal, cause.Error()))
}

// StopSuccess answers Stop.
func (c *Client) StopSuccess(id string) error {
	return c.writeResponse(protocol.SuccessResponse(id, "{}"))
}

// InvalidRequest reports a failed precondition on any method.
func (c *Client) InvalidRequest(id string, code int, cause error) error {
	return c.writeResponse(protocol.ErrorResponse(id, code, cause.Error()))
}

func (c *Client) writeResponse(resp protocol.Response) error {
	frame, err := protocol.EncodeResponse(resp)
	if err != nil {
		return err
	}
	return c.write(frame)
}

func (c *Client) write(frame []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("%w: %s", ErrWrite, err)
	}
	return nil
}
