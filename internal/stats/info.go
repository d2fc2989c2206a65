package stats

import (
	"fmt"

	"github.com/goccy/go-json"
)

// OnlineUsers counts connected consumers by kind. Only the daemon socket
// exists here.
type OnlineUsers struct {
	Daemon int `json:"daemon"`
}

// ServerInfo is the periodic statistics payload broadcast to verified peers.
// Uptime carries the load-average triple; UptimeSeconds the boot uptime.
type ServerInfo struct {
	CPU               float64     `json:"cpu"`
	Uptime            string      `json:"uptime"`
	MemoryTotal       uint64      `json:"memory_total"`
	MemoryFree        uint64      `json:"memory_free"`
	HddTotal          uint64      `json:"hdd_total"`
	HddFree           uint64      `json:"hdd_free"`
	BandwidthIn       uint64      `json:"bandwidth_in"`
	BandwidthOut      uint64      `json:"bandwidth_out"`
	UptimeSeconds     uint64      `json:"uptime_seconds"`
	Timestamp         int64       `json:"timestamp"`
	NetTotalBytesRecv uint64      `json:"net_total_bytes_recv"`
	NetTotalBytesSend uint64      `json:"net_total_bytes_send"`
	OnlineUsers       OnlineUsers `json:"online_users"`
}

// OSInfo is the operating-system block of FullServiceInfo.
type OSInfo struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Arch     string `json:"arch"`
	RAMTotal uint64 `json:"ram_total"`
	RAMFree  uint64 `json:"ram_free"`
}

// FullServiceInfo extends ServerInfo with service identity and license
// expiration. Sent in response to a successful Activate.
type FullServiceInfo struct {
	ServerInfo
	ExpirationTime int64  `json:"expiration_time"`
	Project        string `json:"project"`
	Version        string `json:"version"`
	HTTPHost       string `json:"http_host,omitempty"`
	OS             OSInfo `json:"os"`
}

// SerializeToString renders the payload as a JSON object string for the
// params/result slot of an RPC message.
func (s ServerInfo) SerializeToString() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("stats: serialize server info: %w", err)
	}
	return string(b), nil
}

// SerializeToString renders the full payload as a JSON object string.
func (s FullServiceInfo) SerializeToString() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("stats: serialize full service info: %w", err)
	}
	return string(b), nil
}
