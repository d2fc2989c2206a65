// Package protocol defines the line-oriented JSON-RPC dialect spoken on the
// daemon control socket: one JSON document per newline-terminated frame,
// requests correlated to responses by string id.
package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Method identifiers, bidirectional. The statistic broadcast is the only
// server-originated method besides the server ping.
const (
	DaemonActivate         = "daemon_activate"
	DaemonStopService      = "daemon_stop_service"
	DaemonPingService      = "daemon_ping_service"
	DaemonPrepareService   = "daemon_prepare_service"
	DaemonSyncService      = "daemon_sync_service"
	DaemonGetLogService    = "daemon_get_log_service"
	DaemonRefreshURL       = "daemon_refresh_url"
	DaemonServerPing       = "daemon_server_ping"
	DaemonStatisticService = "daemon_statistic_service"
)

// Wire error codes. Stable; documented in DESIGN.md.
const (
	CodeInvalid     = 400
	CodeNotVerified = 401
	CodeInternal    = 500
)

// MaxFrameSize bounds a single frame. Frames beyond it are a transport error.
const MaxFrameSize = 1 << 20

// ErrPartialFrame is returned when the peer closed mid-frame.
var ErrPartialFrame = errors.New("protocol: partial frame")

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewError builds a wire error from a code and a human-readable cause.
func NewError(code int, err error) *Error {
	return &Error{Code: code, Message: err.Error()}
}

// Request is a JSON-RPC request. Params, when present, is a JSON object
// carried as a string.
type Request struct {
	ID     string  `json:"id"`
	Method string  `json:"method"`
	Params *string `json:"params,omitempty"`
}

// Response is a JSON-RPC response. Exactly one of Result and Error is set;
// Result is a JSON object carried as a string.
type Response struct {
	ID     string  `json:"id"`
	Result *string `json:"result,omitempty"`
	Error  *Error  `json:"error,omitempty"`
}

// IsMessage reports whether the response carries a result.
func (r *Response) IsMessage() bool { return r.Result != nil }

// NewRequest builds a request with a fresh unique id.
func NewRequest(method string, params string) Request {
	p := params
	return Request{ID: uuid.NewString(), Method: method, Params: &p}
}

// SuccessResponse builds a success response for the given request id.
func SuccessResponse(id, result string) Response {
	r := result
	return Response{ID: id, Result: &r}
}

// ErrorResponse builds an error response for the given request id.
func ErrorResponse(id string, code int, message string) Response {
	return Response{ID: id, Error: &Error{Code: code, Message: message}}
}

// message is the superset shape used to classify inbound frames.
type message struct {
	ID     string  `json:"id"`
	Method string  `json:"method"`
	Params *string `json:"params"`
	Result *string `json:"result"`
	Error  *Error  `json:"error"`
}

// Parse classifies one frame as a request or a response. Exactly one of the
// returned pointers is non-nil on success.
func Parse(frame []byte) (*Request, *Response, error) {
	var m message
	if err := json.Unmarshal(frame, &m); err != nil {
		return nil, nil, fmt.Errorf("protocol: parse frame: %w", err)
	}

	if m.Method != "" {
		return &Request{ID: m.ID, Method: m.Method, Params: m.Params}, nil, nil
	}
	if m.Result != nil || m.Error != nil {
		return nil, &Response{ID: m.ID, Result: m.Result, Error: m.Error}, nil
	}
	return nil, nil, errors.New("protocol: frame is neither request nor response")
}

// EncodeRequest serializes a request as one newline-terminated frame.
func EncodeRequest(req Request) ([]byte, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode request: %w", err)
	}
	return append(b, '\n'), nil
}

// EncodeResponse serializes a response as one newline-terminated frame.
func EncodeResponse(resp Response) ([]byte, error) {
	b, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode response: %w", err)
	}
	return append(b, '\n'), nil
}

// PendingRequest records one in-flight outbound request.
type PendingRequest struct {
	ID        string
	Method    string
	CreatedAt time.Time
}

// PendingTable tracks outbound requests awaiting a response. It is owned by
// the reactor goroutine and is not safe for concurrent use.
type PendingTable struct {
	entries map[string]PendingRequest
}

// NewPendingTable creates an empty table.
func NewPendingTable() *PendingTable {
	return &PendingTable{entries: make(map[string]PendingRequest)}
}

// Add records an outbound request.
func (t *PendingTable) Add(req Request, now time.Time) {
	t.entries[req.ID] = PendingRequest{ID: req.ID, Method: req.Method, CreatedAt: now}
}

// Pop removes and returns the entry for id.
func (t *PendingTable) Pop(id string) (PendingRequest, bool) {
	p, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return p, ok
}

// EvictOlderThan drops entries created before cutoff and returns how many
// were dropped. Keeps the table bounded by the ping cadence.
func (t *PendingTable) EvictOlderThan(cutoff time.Time) int {
	n := 0
	for id, p := range t.entries {
		if p.CreatedAt.Before(cutoff) {
			delete(t.entries, id)
			n++
		}
	}
	return n
}

// Len returns the number of in-flight requests.
func (t *PendingTable) Len() int { return len(t.entries) }
