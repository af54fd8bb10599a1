package api

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ServerMetrics снимает показатели процесса и хоста для /api/stats
type ServerMetrics struct {
	StartTime time.Time
	proc      *process.Process
}

// ProcessStats показатели процесса сервера
type ProcessStats struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSMB      float64 `json:"rss_mb"`
	Goroutines int     `json:"goroutines"`
	HeapMB     float64 `json:"heap_mb"`
	NumGC      uint32  `json:"num_gc"`
}

// HostStats показатели машины
type HostStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
}

// NewServerMetrics создаёт сборщик; процесс ищется по текущему PID
func NewServerMetrics() *ServerMetrics {
	sm := &ServerMetrics{StartTime: time.Now()}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		sm.proc = proc
	}
	return sm
}

// Uptime возвращает время работы сервера
func (sm *ServerMetrics) Uptime() time.Duration {
	return time.Since(sm.StartTime)
}

// FormatUptime форматирует время работы как "1d 2h 3m 4s"
func FormatUptime(uptime time.Duration) string {
	days := int(uptime.Hours()) / 24
	hours := int(uptime.Hours()) % 24
	minutes := int(uptime.Minutes()) % 60
	seconds := int(uptime.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

// Process возвращает показатели процесса. CPU считается с прошлого вызова.
func (sm *ServerMetrics) Process() ProcessStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	stats := ProcessStats{
		Goroutines: runtime.NumGoroutine(),
		HeapMB:     float64(m.HeapAlloc) / 1024 / 1024,
		NumGC:      m.NumGC,
	}
	if sm.proc == nil {
		return stats
	}
	if pct, err := sm.proc.CPUPercent(); err == nil {
		stats.CPUPercent = pct
	}
	if info, err := sm.proc.MemoryInfo(); err == nil {
		stats.RSSMB = float64(info.RSS) / 1024 / 1024
	}
	return stats
}

// Host возвращает показатели машины; недоступные значения остаются нулями
func (sm *ServerMetrics) Host() HostStats {
	var stats HostStats
	// Интервал 0 сравнивает с предыдущим вызовом и не блокирует запрос
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		stats.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = vm.UsedPercent
		stats.MemoryTotalMB = float64(vm.Total) / 1024 / 1024
	}
	return stats
}
