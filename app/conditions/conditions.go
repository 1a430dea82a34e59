// Package conditions reports host load of the gateway and checks it against thresholds
package conditions

import (
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Thresholds defines limits for a healthy host, zero values disable a check
type Thresholds struct {
	CPUBelow      int     // cpu usage percent must be below
	MemoryBelow   int     // memory usage percent must be below
	LoadAvgBelow  float64 // 1 minute load average must be below
	DiskFreeAbove int     // free disk percent must be above
	DiskFreePath  string  // path for disk check, "/" by default
}

// HostStats is a snapshot of host metrics
type HostStats struct {
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryPercent   float64 `json:"memory_percent"`
	Load1           float64 `json:"load1"`
	Load5           float64 `json:"load5"`
	Load15          float64 `json:"load15"`
	DiskPath        string  `json:"disk_path"`
	DiskFreePercent float64 `json:"disk_free_percent"`
}

// Snapshot collects host metrics. Metrics which can't be read are left zero and reported in error.
func Snapshot(diskPath string) (HostStats, error) {
	if diskPath == "" {
		diskPath = "/"
	}
	res := HostStats{DiskPath: diskPath}
	var errs []string

	// zero interval compares with the previous call, no blocking
	if pct, err := cpu.Percent(0, false); err != nil {
		errs = append(errs, fmt.Sprintf("cpu: %v", err))
	} else if len(pct) > 0 {
		res.CPUPercent = pct[0]
	}

	if v, err := mem.VirtualMemory(); err != nil {
		errs = append(errs, fmt.Sprintf("memory: %v", err))
	} else {
		res.MemoryPercent = v.UsedPercent
	}

	if l, err := load.Avg(); err != nil {
		errs = append(errs, fmt.Sprintf("load: %v", err))
	} else {
		res.Load1, res.Load5, res.Load15 = l.Load1, l.Load5, l.Load15
	}

	if u, err := disk.Usage(diskPath); err != nil {
		errs = append(errs, fmt.Sprintf("disk %s: %v", diskPath, err))
	} else {
		res.DiskFreePercent = 100 - u.UsedPercent
	}

	if len(errs) > 0 {
		return res, fmt.Errorf("failed to collect host stats: %s", strings.Join(errs, "; "))
	}
	return res, nil
}

// Check verifies stats against thresholds.
// Returns true if all enabled limits are satisfied, false with reasons otherwise
func Check(st HostStats, th Thresholds) (ok bool, reasons []string) {
	if th.CPUBelow > 0 && int(st.CPUPercent) >= th.CPUBelow {
		reasons = append(reasons, fmt.Sprintf("CPU at %d%%, threshold %d%%", int(st.CPUPercent), th.CPUBelow))
	}
	if th.MemoryBelow > 0 && int(st.MemoryPercent) >= th.MemoryBelow {
		reasons = append(reasons, fmt.Sprintf("memory at %d%%, threshold %d%%", int(st.MemoryPercent), th.MemoryBelow))
	}
	if th.LoadAvgBelow > 0 && st.Load1 >= th.LoadAvgBelow {
		reasons = append(reasons, fmt.Sprintf("load at %.2f, threshold %.2f", st.Load1, th.LoadAvgBelow))
	}
	if th.DiskFreeAbove > 0 && int(st.DiskFreePercent) < th.DiskFreeAbove {
		reasons = append(reasons, fmt.Sprintf("disk free at %d%%, need %d%% on %s", int(st.DiskFreePercent),
			th.DiskFreeAbove, st.DiskPath))
	}
	return len(reasons) == 0, reasons
}
