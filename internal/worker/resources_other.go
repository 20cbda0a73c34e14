//go:build !linux

package worker

import goruntime "runtime"

func probeResources() map[string]float64 {
	return map[string]float64{"CPU": float64(goruntime.NumCPU())}
}
