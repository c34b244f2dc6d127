// Package sysinfo reads the host's capacity and capabilities for
// registration and heartbeats.
package sysinfo

import (
	"os"
	"os/exec"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Capacity is the host's total and currently used resources, in the
// units the coordinator schedules with.
type Capacity struct {
	CPUTotal      int
	MemoryTotalMB int
	CPUUsed       int
	MemoryUsedMB  int
}

func ReadCapacity() Capacity {
	c := Capacity{CPUTotal: runtime.NumCPU()}
	if counts, err := cpu.Counts(true); err == nil && counts > 0 {
		c.CPUTotal = counts
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		c.MemoryTotalMB = int(vm.Total / (1 << 20))
		c.MemoryUsedMB = int(vm.Used / (1 << 20))
	}
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		c.CPUUsed = int(float64(c.CPUTotal) * pcts[0] / 100.0)
	}
	return c
}

// DetectHypervisor reports which microVM runtime this host can run,
// or empty when it can run none.
func DetectHypervisor(firecrackerBin string) string {
	if _, err := os.Stat("/dev/kvm"); err != nil {
		return ""
	}
	if _, err := exec.LookPath(firecrackerBin); err == nil {
		return "firecracker"
	}
	if _, err := exec.LookPath("cloud-hypervisor"); err == nil {
		return "cloud-hypervisor"
	}
	return ""
}

// Capabilities lists the static node properties constraints can match
// against.
func Capabilities() map[string]string {
	return map[string]string{
		"os":   runtime.GOOS,
		"arch": runtime.GOARCH,
	}
}
