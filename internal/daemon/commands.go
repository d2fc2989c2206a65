package daemon

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// Payload shapes for the daemon command set. Params and results travel as
// JSON object strings inside the RPC envelope.

// ActivateInfo is the daemon_activate payload.
type ActivateInfo struct {
	LicenseKey string `json:"license_key"`
}

// ClientPingInfo is the payload of both ping directions; the timestamp is
// passed through without interpretation.
type ClientPingInfo struct {
	Timestamp int64 `json:"timestamp"`
}

// StopInfo is the daemon_stop_service payload. An empty object is accepted.
type StopInfo struct{}

// RefreshURLInfo is the daemon_refresh_url payload.
type RefreshURLInfo struct {
	URL string `json:"url"`
}

// GetLogInfo is the daemon_get_log_service payload: where to upload the
// local log file.
type GetLogInfo struct {
	Path string `json:"path"`
}

// StateInfo is the empty service state returned by prepare.
type StateInfo struct{}

func (a ActivateInfo) validate() error {
	if a.LicenseKey == "" {
		return errors.New("license_key required")
	}
	return nil
}

func (r RefreshURLInfo) validate() error {
	if r.URL == "" {
		return errors.New("url required")
	}
	return nil
}

func (g GetLogInfo) validate() error {
	if g.Path == "" {
		return errors.New("path required")
	}
	return nil
}

// decodePayload unmarshals a params/result object string into out.
// A nil blob is an invalid-argument error: every command carries params.
func decodePayload(blob *string, out interface{}) error {
	if blob == nil {
		return ErrInvalid
	}
	if err := json.Unmarshal([]byte(*blob), out); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, err)
	}
	return nil
}

// encodePayload marshals a payload into the object-string slot.
func encodePayload(in interface{}) (string, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("daemon: encode payload: %w", err)
	}
	return string(b), nil
}
