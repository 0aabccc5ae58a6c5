//go:build linux

package device

import (
	"bufio"
	"os"
	"runtime"
	"strings"

	"golang.org/x/sys/unix"
)

func probeHost() hostInfo {
	h := hostInfo{
		cores:       physicalCores(),
		memoryBytes: totalMemory(),
	}

	// No portable neural-accelerator surface on linux; best case is a
	// GPU exposed through DRM or the NVIDIA character devices.
	h.hasGPU = hasRenderDevice()
	return h
}

func totalMemory() uint64 {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return 0
	}
	return uint64(si.Totalram) * uint64(si.Unit)
}

// physicalCores counts unique (physical id, core id) pairs from
// /proc/cpuinfo, falling back to logical CPU count.
func physicalCores() int {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return runtime.NumCPU()
	}
	defer f.Close()

	type coreKey struct{ phys, core string }
	seen := make(map[coreKey]struct{})
	var phys, core string

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "physical id"):
			phys = valueOf(line)
		case strings.HasPrefix(line, "core id"):
			core = valueOf(line)
		case line == "":
			if core != "" {
				seen[coreKey{phys, core}] = struct{}{}
			}
			phys, core = "", ""
		}
	}
	if len(seen) == 0 {
		return runtime.NumCPU()
	}
	return len(seen)
}

func valueOf(line string) string {
	if i := strings.IndexByte(line, ':'); i >= 0 {
		return strings.TrimSpace(line[i+1:])
	}
	return ""
}

func hasRenderDevice() bool {
	for _, p := range []string{"/dev/nvidia0", "/dev/dri/renderD128"} {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}
