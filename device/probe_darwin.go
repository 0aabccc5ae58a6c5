//go:build darwin

package device

import (
	"runtime"
	"strings"

	"golang.org/x/sys/unix"
)

func probeHost() hostInfo {
	h := hostInfo{}

	if n, err := unix.SysctlUint32("hw.physicalcpu"); err == nil {
		h.cores = int(n)
	} else {
		h.cores = runtime.NumCPU()
	}
	if mem, err := unix.SysctlUint64("hw.memsize"); err == nil {
		h.memoryBytes = mem
	}
	if brand, err := unix.Sysctl("machdep.cpu.brand_string"); err == nil {
		h.silicon = strings.TrimSpace(brand)
	}

	// Apple silicon ships the Neural Engine; Intel Macs at best offer
	// a Metal-capable GPU.
	if runtime.GOARCH == "arm64" {
		h.hasNeural = true
	} else {
		h.hasGPU = true
	}
	return h
}
