package daemon

import (
	"github.com/tlejmi/fastocloud-epg/internal/stats"
)

// makeServiceStats samples the machine, computes deltas against the
// previous sample and serializes the payload. With a non-zero expiration
// the full service info (identity, os block, expiry) is produced; the
// periodic broadcast uses the plain variant.
func (d *Daemon) makeServiceStats(expirationMillis int64) (string, error) {
	nextCPU := stats.TakeCPUShot()
	cpuLoad := stats.CPULoad(d.node.prevCPU, nextCPU)
	d.node.prevCPU = nextCPU

	nextNet := stats.TakeNetShot()
	var bytesRecv, bytesSend uint64
	if nextNet.BytesRecv >= d.node.prevNet.BytesRecv {
		bytesRecv = nextNet.BytesRecv - d.node.prevNet.BytesRecv
	}
	if nextNet.BytesSent >= d.node.prevNet.BytesSent {
		bytesSend = nextNet.BytesSent - d.node.prevNet.BytesSent
	}
	d.node.prevNet = nextNet

	memShot := stats.TakeMemoryShot()
	hddShot := stats.TakeHddShot()
	sysShot := stats.TakeSysinfoShot()

	now := stats.NowMillis()
	tsDiff := (now - d.node.timestamp) / 1000
	if tsDiff == 0 {
		tsDiff = 1 // divide by zero
	}
	d.node.timestamp = now

	info := stats.ServerInfo{
		CPU:               cpuLoad,
		Uptime:            sysShot.LoadAverageString(),
		MemoryTotal:       memShot.Total,
		MemoryFree:        memShot.Free,
		HddTotal:          hddShot.Total,
		HddFree:           hddShot.Free,
		BandwidthIn:       bytesRecv / uint64(tsDiff),
		BandwidthOut:      bytesSend / uint64(tsDiff),
		UptimeSeconds:     sysShot.Uptime,
		Timestamp:         now,
		NetTotalBytesRecv: nextNet.BytesRecv,
		NetTotalBytesSend: nextNet.BytesSent,
		OnlineUsers:       stats.OnlineUsers{Daemon: d.countVerifiedClients()},
	}

	if expirationMillis != 0 {
		full := stats.FullServiceInfo{
			ServerInfo:     info,
			ExpirationTime: expirationMillis,
			Project:        ProjectName,
			Version:        d.version,
			HTTPHost:       d.cfg.HTTPHost,
			OS:             stats.MakeOSSnapshot(),
		}
		return full.SerializeToString()
	}
	return info.SerializeToString()
}
