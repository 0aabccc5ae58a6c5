// Package device inspects the host and picks the best compute device
// for on-device embedding inference.
//
// The probe is best-effort: it never fails, it only degrades. A host
// below minimum requirements gets a too-weak verdict and the SDK runs
// remote-only for the session.
package device

import "fmt"

// Kind is the ranked device choice.
type Kind int

const (
	// KindCPU means no accelerator was found. On-device inference is
	// only enabled on CPU when explicitly configured; at the model
	// sizes involved it is too slow for interactive search.
	KindCPU Kind = iota

	// KindGPU is a discrete or integrated GPU.
	KindGPU

	// KindAccel is a neural accelerator (e.g. the Apple Neural Engine).
	KindAccel
)

func (k Kind) String() string {
	switch k {
	case KindAccel:
		return "accel"
	case KindGPU:
		return "gpu"
	case KindCPU:
		return "cpu"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

const (
	minPhysicalCores = 4
	minMemoryBytes   = 8 << 30  // 8 GiB
	firstGenMinBytes = 16 << 30 // first-gen silicon needs headroom
)

// Verdict is the result of probing the host.
type Verdict struct {
	// Device is the best available compute device.
	Device Kind

	// TooWeak is set when the host misses minimum requirements. The
	// SDK then permanently disables on-device processing for this
	// session, regardless of Device.
	TooWeak bool

	// Host facts the verdict was derived from, kept for logging.
	Cores       int
	MemoryBytes uint64
	Silicon     string
}

// Probe inspects the host once and returns the verdict. Probing is
// cheap; callers may re-probe freely.
func Probe() Verdict {
	h := probeHost()
	return classify(h)
}

// hostInfo is the raw probe output, separated from classification so the
// verdict rules are testable without hardware.
type hostInfo struct {
	cores        int
	memoryBytes  uint64
	silicon      string // CPU brand string, "" when unknown
	hasNeural    bool
	hasGPU       bool
}

// classify applies the capability rules to raw host facts.
func classify(h hostInfo) Verdict {
	v := Verdict{
		Device:      KindCPU,
		Cores:       h.cores,
		MemoryBytes: h.memoryBytes,
		Silicon:     h.silicon,
	}

	switch {
	case h.hasNeural:
		v.Device = KindAccel
	case h.hasGPU:
		v.Device = KindGPU
	}

	if h.cores > 0 && h.cores < minPhysicalCores {
		v.TooWeak = true
	}
	if h.memoryBytes > 0 && h.memoryBytes < minMemoryBytes {
		v.TooWeak = true
	}
	if firstGenSilicon(h.silicon) && h.memoryBytes > 0 && h.memoryBytes < firstGenMinBytes {
		v.TooWeak = true
	}
	return v
}

// firstGenSilicon reports whether the brand string names a
// first-generation Apple silicon part (M1 family, not M1x successors).
func firstGenSilicon(brand string) bool {
	// "Apple M1", "Apple M1 Pro", "Apple M1 Max", "Apple M1 Ultra".
	const prefix = "Apple M1"
	if len(brand) < len(prefix) || brand[:len(prefix)] != prefix {
		return false
	}
	rest := brand[len(prefix):]
	return rest == "" || rest[0] == ' '
}
