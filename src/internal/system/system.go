// Package system reports process facts for health checks and logs.
package system

import (
	"log/slog"
	"os"
	"runtime"
	"time"
)

var started = time.Now()

type Snapshot struct {
	OS         string `json:"os"`
	Arch       string `json:"arch"`
	GoVersion  string `json:"go_version"`
	PID        int    `json:"pid"`
	Goroutines int    `json:"goroutines"`
	AllocMB    uint64 `json:"alloc_mb"`
	Uptime     string `json:"uptime"`
}

func Take() Snapshot {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return Snapshot{
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		GoVersion:  runtime.Version(),
		PID:        os.Getpid(),
		Goroutines: runtime.NumGoroutine(),
		AllocMB:    bToMb(m.Alloc),
		Uptime:     time.Since(started).Round(time.Second).String(),
	}
}

// LogMemoryUsage logs the current memory usage of the process.
func LogMemoryUsage(tag string) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	slog.Info("memory usage",
		"tag", tag,
		"alloc_mb", bToMb(m.Alloc),
		"sys_mb", bToMb(m.Sys),
		"num_gc", m.NumGC,
		"goroutines", runtime.NumGoroutine(),
	)
}

func bToMb(b uint64) uint64 {
	return b / 1024 / 1024
}
