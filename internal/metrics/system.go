package metrics

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemInfo describes the host the gateway runs on
type SystemInfo struct {
	Hostname      string  `json:"hostname"`
	OS            string  `json:"os"`
	Platform      string  `json:"platform"`
	Uptime        uint64  `json:"uptime_seconds"`
	NumCPU        int     `json:"num_cpu"`
	CPUModel      string  `json:"cpu_model,omitempty"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	MemoryUsedPct float64 `json:"memory_used_percent"`
}

// GetSystemInfo collects host details; fields that cannot be read stay zero
func GetSystemInfo() SystemInfo {
	info := SystemInfo{
		OS:     runtime.GOOS,
		NumCPU: runtime.NumCPU(),
	}

	if h, err := host.Info(); err == nil {
		info.Hostname = h.Hostname
		info.Platform = h.Platform
		info.Uptime = h.Uptime
	}
	if cpus, err := cpu.Info(); err == nil && len(cpus) > 0 {
		info.CPUModel = cpus[0].ModelName
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.MemoryTotalMB = float64(vm.Total) / 1024 / 1024
		info.MemoryUsedPct = vm.UsedPercent
	}
	return info
}
