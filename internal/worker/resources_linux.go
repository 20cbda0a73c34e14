//go:build linux

package worker

import (
	goruntime "runtime"

	"golang.org/x/sys/unix"
)

// probeResources reports CPU count and physical memory in bytes.
func probeResources() map[string]float64 {
	res := map[string]float64{"CPU": float64(goruntime.NumCPU())}
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err == nil {
		res["memory"] = float64(uint64(info.Totalram) * uint64(info.Unit))
	}

	return res
}
