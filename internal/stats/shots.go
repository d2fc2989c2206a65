// Package stats provides machine snapshots for the health sampler and the
// wire types they are reported with. Probes return zero-valued shots when
// sensor data is unavailable (safe default — deltas stay at zero).
package stats

import (
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	gnet "github.com/shirou/gopsutil/v4/net"
)

// CPUShot is a cumulative CPU time sample in seconds since boot.
type CPUShot struct {
	Idle  float64
	Total float64
}

// TakeCPUShot samples aggregate CPU times.
func TakeCPUShot() CPUShot {
	times, err := cpu.Times(false)
	if err != nil || len(times) == 0 {
		return CPUShot{}
	}
	t := times[0]
	total := t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq + t.Softirq + t.Steal
	return CPUShot{Idle: t.Idle + t.Iowait, Total: total}
}

// CPULoad computes the load between two samples as 1 - idle_delta/total_delta,
// clamped to [0, 1]. A zero total delta yields 0.
func CPULoad(prev, next CPUShot) float64 {
	totalDelta := next.Total - prev.Total
	if totalDelta <= 0 {
		return 0
	}
	loadVal := 1 - (next.Idle-prev.Idle)/totalDelta
	if loadVal < 0 {
		return 0
	}
	if loadVal > 1 {
		return 1
	}
	return loadVal
}

// NetShot is a cumulative network byte-counter sample across all interfaces.
type NetShot struct {
	BytesRecv uint64
	BytesSent uint64
}

// TakeNetShot samples aggregate network counters.
func TakeNetShot() NetShot {
	counters, err := gnet.IOCounters(false)
	if err != nil || len(counters) == 0 {
		return NetShot{}
	}
	return NetShot{BytesRecv: counters[0].BytesRecv, BytesSent: counters[0].BytesSent}
}

// MemoryShot is a point-in-time RAM snapshot.
type MemoryShot struct {
	Total uint64
	Free  uint64
}

// TakeMemoryShot samples RAM.
func TakeMemoryShot() MemoryShot {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return MemoryShot{}
	}
	return MemoryShot{Total: vm.Total, Free: vm.Available}
}

// HddShot is a point-in-time snapshot of the root filesystem.
type HddShot struct {
	Total uint64
	Free  uint64
}

// TakeHddShot samples the root filesystem.
func TakeHddShot() HddShot {
	u, err := disk.Usage("/")
	if err != nil {
		return HddShot{}
	}
	return HddShot{Total: u.Total, Free: u.Free}
}

// SysinfoShot carries load averages and uptime.
type SysinfoShot struct {
	Loads  [3]float64
	Uptime uint64
}

// TakeSysinfoShot samples load averages and system uptime.
func TakeSysinfoShot() SysinfoShot {
	var s SysinfoShot
	if avg, err := load.Avg(); err == nil {
		s.Loads = [3]float64{avg.Load1, avg.Load5, avg.Load15}
	}
	if up, err := host.Uptime(); err == nil {
		s.Uptime = up
	}
	return s
}

// LoadAverageString formats load averages the way they appear in the
// statistics payload's uptime field.
func (s SysinfoShot) LoadAverageString() string {
	return fmt.Sprintf("%.2f %.2f %.2f", s.Loads[0], s.Loads[1], s.Loads[2])
}

// MakeOSSnapshot captures the operating-system block of FullServiceInfo.
func MakeOSSnapshot() OSInfo {
	info := OSInfo{Name: runtime.GOOS, Arch: runtime.GOARCH}
	if hi, err := host.Info(); err == nil {
		info.Name = hi.Platform
		info.Version = hi.PlatformVersion
	}
	ms := TakeMemoryShot()
	info.RAMTotal = ms.Total
	info.RAMFree = ms.Free
	return info
}

// NowMillis returns the current UTC time in milliseconds, the timestamp
// unit used throughout the wire protocol.
func NowMillis() int64 {
	return time.Now().UTC().UnixMilli()
}
