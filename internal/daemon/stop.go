package daemon

import (
	"fmt"
	"net"
	"time"

	"github.com/tlejmi/fastocloud-epg/internal/protocol"
)

// stopConnectTimeout bounds the stop-daemon connect and send.
const stopConnectTimeout = 10 * time.Second

// SendStopDaemonRequest connects to the configured daemon address and asks
// it to stop. A host literal equal to the project name (docker image) is
// replaced with loopback.
func SendStopDaemonRequest(cfg Config) error {
	if !cfg.IsValid() {
		return ErrInvalid
	}

	conn, err := net.DialTimeout("tcp", cfg.ConnectHost(), stopConnectTimeout)
	if err != nil {
		return fmt.Errorf("daemon: connect %s: %w", cfg.ConnectHost(), err)
	}
	defer conn.Close()

	frame, err := protocol.EncodeRequest(protocol.NewRequest(protocol.DaemonStopService, "{}"))
	if err != nil {
		return err
	}

	_ = conn.SetWriteDeadline(time.Now().Add(stopConnectTimeout))
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("daemon: send stop: %w", err)
	}
	return nil
}
