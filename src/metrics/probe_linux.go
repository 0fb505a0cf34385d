//go:build linux

package metrics

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// LinuxProbe samples /proc and sysinfo. CPU utilisation is derived from
// the delta between consecutive /proc/stat reads, so the first sample
// after start reports zero.
type LinuxProbe struct {
	mu        sync.Mutex
	lastBusy  uint64
	lastTotal uint64
}

// NewLinuxProbe creates the native probe.
func NewLinuxProbe() *LinuxProbe {
	return &LinuxProbe{}
}

// DefaultProbe returns the native probe for this platform.
func DefaultProbe() SystemProbe {
	return NewLinuxProbe()
}

func (p *LinuxProbe) Sample(ctx context.Context) (SystemSnapshot, error) {
	snap := SystemSnapshot{Timestamp: time.Now().UTC()}

	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return snap, fmt.Errorf("sysinfo: %w", err)
	}
	snap.Load1 = float64(info.Loads[0]) / 65536
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	total := uint64(info.Totalram) * unit
	free := (uint64(info.Freeram) + uint64(info.Bufferram)) * unit
	if total > 0 {
		snap.MemoryPercent = 100 * float64(total-free) / float64(total)
	}
	snap.MemoryAvailable = free

	var fs unix.Statfs_t
	if err := unix.Statfs("/", &fs); err == nil && fs.Blocks > 0 {
		used := fs.Blocks - fs.Bavail
		snap.DiskUsagePercent = 100 * float64(used) / float64(fs.Blocks)
	}

	busy, totalTicks, err := readCPUTicks()
	if err != nil {
		return snap, err
	}
	p.mu.Lock()
	if p.lastTotal > 0 && totalTicks > p.lastTotal {
		dBusy := busy - p.lastBusy
		dTotal := totalTicks - p.lastTotal
		snap.CPUPercent = 100 * float64(dBusy) / float64(dTotal)
	}
	p.lastBusy, p.lastTotal = busy, totalTicks
	p.mu.Unlock()

	return snap, nil
}

// readCPUTicks parses the aggregate cpu line of /proc/stat.
func readCPUTicks() (busy, total uint64, err error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, 0, fmt.Errorf("open /proc/stat: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		fields := strings.Fields(line)[1:]
		var idle uint64
		for i, field := range fields {
			v, perr := strconv.ParseUint(field, 10, 64)
			if perr != nil {
				continue
			}
			total += v
			// fields 3 and 4 are idle and iowait
			if i == 3 || i == 4 {
				idle += v
			}
		}
		busy = total - idle
		return busy, total, nil
	}
	return 0, 0, fmt.Errorf("no cpu line in /proc/stat")
}
