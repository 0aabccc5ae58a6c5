//go:build !linux && !darwin

package device

import "runtime"

func probeHost() hostInfo {
	// Unknown platform: report logical CPUs and let the capability
	// rules decide. Memory is left at zero, which the rules treat as
	// "unknown" rather than "too small".
	return hostInfo{cores: runtime.NumCPU()}
}
