// Package hwinfo assesses the local device and samples resource usage
// for membership summaries and agent stats.
//
// Readings come from /proc on Linux. Missing or unreadable files yield
// zero values rather than errors: a runtime on an unusual host should
// still join the cluster and report what it can.
package hwinfo

import (
	"bufio"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/iambrandonn/roam/internal/protocol"
)

// Probe describes the local host: core count, CPU model, average clock
// speed in MHz and total memory in MB.
func Probe() protocol.Device {
	return probeFrom("/proc")
}

func probeFrom(procRoot string) protocol.Device {
	dev := protocol.Device{
		OS:    runtime.GOOS,
		Arch:  runtime.GOARCH,
		Cores: runtime.NumCPU(),
	}
	dev.Hostname, _ = os.Hostname()
	dev.CPUModel, dev.AvgClockMHz = readCPUInfo(filepath.Join(procRoot, "cpuinfo"))
	total, _ := memoryMB()
	dev.MemoryTotalMB = float64(total)
	return dev
}

// readCPUInfo returns the first "model name" and the mean of every
// "cpu MHz" line in /proc/cpuinfo.
func readCPUInfo(path string) (model string, avgMHz float64) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0
	}
	defer file.Close()

	var sum float64
	var n int
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "model name":
			if model == "" {
				model = value
			}
		case "cpu MHz":
			if mhz, err := strconv.ParseFloat(value, 64); err == nil {
				sum += mhz
				n++
			}
		}
	}
	if n > 0 {
		avgMHz = sum / float64(n)
	}
	return model, avgMHz
}

// CPUReading captures cumulative CPU time from the first line of
// /proc/stat:
//
//	cpu  user nice system idle iowait irq softirq steal guest guest_nice
//
// busy = user + nice + system + irq + softirq + steal and
// idle = idle + iowait. guest time is already folded into user.
type CPUReading struct {
	Busy uint64
	Idle uint64
}

// ReadCPUStats returns the cumulative busy and idle jiffies, or nil when
// /proc/stat cannot be parsed.
func ReadCPUStats() *CPUReading {
	return readCPUStatsFrom("/proc/stat")
}

func readCPUStatsFrom(path string) *CPUReading {
	file, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		return nil
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 9 || fields[0] != "cpu" {
		return nil
	}
	values := make([]uint64, len(fields)-1)
	for i := 1; i < len(fields); i++ {
		parsed, err := strconv.ParseUint(fields[i], 10, 64)
		if err != nil {
			return nil
		}
		values[i-1] = parsed
	}
	busy := values[0] + values[1] + values[2] + values[5] + values[6] + values[7]
	idle := values[3] + values[4]
	return &CPUReading{Busy: busy, Idle: idle}
}

// CPUPercent computes utilization between two readings. It returns 0 if
// either reading is nil or no time has passed.
func CPUPercent(previous, current *CPUReading) float64 {
	if previous == nil || current == nil {
		return 0
	}
	if current.Busy < previous.Busy || current.Idle < previous.Idle {
		return 0
	}
	busyDelta := current.Busy - previous.Busy
	idleDelta := current.Idle - previous.Idle
	totalDelta := busyDelta + idleDelta
	if totalDelta == 0 {
		return 0
	}
	return float64(busyDelta) / float64(totalDelta) * 100
}

// MemoryUsedMB returns current system memory usage in megabytes.
func MemoryUsedMB() int {
	total, free := memoryMB()
	if total < free {
		return 0
	}
	return total - free
}

// Sampler produces runtime ResourceStat values. CPU utilization is the
// delta since the previous Sample, so the first sample reports zero.
type Sampler struct {
	mu       sync.Mutex
	statPath string
	previous *CPUReading
}

// NewSampler returns a Sampler reading the host's /proc/stat.
func NewSampler() *Sampler {
	return &Sampler{statPath: "/proc/stat"}
}

// Sample reads the host's CPU and memory usage.
func (s *Sampler) Sample() protocol.ResourceStat {
	s.mu.Lock()
	current := readCPUStatsFrom(s.statPath)
	pct := CPUPercent(s.previous, current)
	if current != nil {
		s.previous = current
	}
	s.mu.Unlock()

	total, free := memoryMB()
	stat := protocol.ResourceStat{
		CPUUtil:    pct / 100,
		MemLimitMB: float64(total),
	}
	if total >= free {
		stat.MemUsedMB = float64(total - free)
	}
	return stat
}

// clockTicks is USER_HZ, which Linux fixes at 100 for every userspace
// visible interface.
const clockTicks = 100

// ProcessReading is the cumulative CPU time and resident size of one
// process.
type ProcessReading struct {
	CPUTicks uint64
	RSSBytes uint64
	At       time.Time
}

// ReadProcess samples /proc/<pid>/stat and /proc/<pid>/statm. It returns
// nil when the process is gone or the files cannot be parsed.
func ReadProcess(pid int, now time.Time) *ProcessReading {
	return readProcessFrom("/proc", pid, now)
}

func readProcessFrom(procRoot string, pid int, now time.Time) *ProcessReading {
	dir := filepath.Join(procRoot, strconv.Itoa(pid))
	stat, err := os.ReadFile(filepath.Join(dir, "stat"))
	if err != nil {
		return nil
	}
	// The command name may contain spaces, so fields are counted from
	// the closing parenthesis.
	end := strings.LastIndexByte(string(stat), ')')
	if end < 0 {
		return nil
	}
	fields := strings.Fields(string(stat[end+1:]))
	// fields[0] is state (field 3); utime and stime are fields 14 and 15.
	if len(fields) < 13 {
		return nil
	}
	utime, err1 := strconv.ParseUint(fields[11], 10, 64)
	stime, err2 := strconv.ParseUint(fields[12], 10, 64)
	if err1 != nil || err2 != nil {
		return nil
	}

	reading := &ProcessReading{CPUTicks: utime + stime, At: now}
	if statm, err := os.ReadFile(filepath.Join(dir, "statm")); err == nil {
		parts := strings.Fields(string(statm))
		if len(parts) >= 2 {
			if pages, err := strconv.ParseUint(parts[1], 10, 64); err == nil {
				reading.RSSBytes = pages * uint64(pageSize())
			}
		}
	}
	return reading
}

// ProcessSample converts two readings into an AgentStat. CPU is a
// percentage of one core.
func ProcessSample(previous, current *ProcessReading) protocol.AgentStat {
	if current == nil {
		return protocol.AgentStat{}
	}
	stat := protocol.AgentStat{
		MemoryMB:  float64(current.RSSBytes) / (1024 * 1024),
		SampledAt: current.At,
	}
	if previous == nil || current.CPUTicks < previous.CPUTicks {
		return stat
	}
	elapsed := current.At.Sub(previous.At).Seconds()
	if elapsed <= 0 {
		return stat
	}
	cpuSeconds := float64(current.CPUTicks-previous.CPUTicks) / clockTicks
	stat.CPUPercent = cpuSeconds / elapsed * 100
	return stat
}
