package diagnostics

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
)

// ProcessInfo holds information about the process
type ProcessInfo struct {
	PID         int           `json:"pid"`
	Goroutines  int           `json:"goroutines"`
	Memory      MemStats      `json:"memory"`
	CPUCores    int           `json:"cpu_cores"`
	GoVersion   string        `json:"go_version"`
	OS          string        `json:"os"`
	Arch        string        `json:"arch"`
	StartTime   time.Time     `json:"start_time"`
	ElapsedTime time.Duration `json:"elapsed_ns"`
}

// MemStats holds memory statistics information
type MemStats struct {
	Alloc      string `json:"alloc"`
	TotalAlloc string `json:"total_alloc"`
	Sys        string `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
	HeapAlloc  string `json:"heap_alloc"`
	HeapSys    string `json:"heap_sys"`
	HeapInUse  string `json:"heap_in_use"`
	StackInUse string `json:"stack_in_use"`
}

// GetProcessInfo returns diagnostic information about the running process
func GetProcessInfo(startTime time.Time) ProcessInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return ProcessInfo{
		PID:        os.Getpid(),
		Goroutines: runtime.NumGoroutine(),
		Memory: MemStats{
			Alloc:      formatBytes(m.Alloc),
			TotalAlloc: formatBytes(m.TotalAlloc),
			Sys:        formatBytes(m.Sys),
			NumGC:      m.NumGC,
			HeapAlloc:  formatBytes(m.HeapAlloc),
			HeapSys:    formatBytes(m.HeapSys),
			HeapInUse:  formatBytes(m.HeapInuse),
			StackInUse: formatBytes(m.StackInuse),
		},
		CPUCores:    runtime.NumCPU(),
		GoVersion:   runtime.Version(),
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		StartTime:   startTime,
		ElapsedTime: time.Since(startTime),
	}
}

// StartMonitor logs goroutine and heap figures every interval at debug
// level until the returned channel is closed.
func StartMonitor(startTime time.Time, interval time.Duration, log zerolog.Logger) chan struct{} {
	stop := make(chan struct{})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				info := GetProcessInfo(startTime)
				log.Debug().
					Int("goroutines", info.Goroutines).
					Str("heap_in_use", info.Memory.HeapInUse).
					Str("heap_sys", info.Memory.HeapSys).
					Uint32("gc_cycles", info.Memory.NumGC).
					Msg("diagnostic")
			}
		}
	}()

	return stop
}

// formatBytes formats bytes as human-readable string
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
