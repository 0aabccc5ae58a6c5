// Package onnx runs embedding inference on-device through ONNX Runtime.
//
// The loaded model is a process-wide resource: all embedder instances
// share one session and one tokenizer, guarded by a mutex, with a
// one-shot warmup inference after load. Warmup compiles lazy kernels
// and populates the accelerator's on-disk kernel cache, which turns the
// first real query from tens of seconds into tens of milliseconds.
//
// Builds without the "onnx" tag get a stub whose constructor reports
// memory.ErrEmbedderUnavailable; the SDK then runs remote-only.
package onnx

import (
	"github.com/recallio/recall-go-sdk/device"
)

// Config configures the ONNX embedder.
type Config struct {
	// ModelPath is the path to the ONNX model file.
	ModelPath string

	// TokenizerPath is the path to the tokenizer.json file.
	TokenizerPath string

	// Dimensions is the embedding vector size (default 2560).
	Dimensions int

	// ModelTag names the model for collection validation
	// (default "embeddinggemma-300m").
	ModelTag string

	// SharedLibraryPath locates libonnxruntime. Empty uses the
	// ONNXRUNTIME_SHARED_LIBRARY_PATH environment variable, then the
	// loader default.
	SharedLibraryPath string

	// Device is the preferred compute device, normally the probe
	// verdict. Load failures fall through accelerator -> GPU ->
	// disabled; CPU is only tried when AllowCPU is set, because CPU
	// inference at this model size is unusably slow for interactive
	// search.
	Device device.Kind

	// AllowCPU permits the CPU fallback.
	AllowCPU bool

	// DisableWarmup skips the one-shot warmup inference.
	DisableWarmup bool

	// MaxSequenceLength caps tokenized input length (default 256).
	MaxSequenceLength int
}

func (c Config) withDefaults() Config {
	if c.Dimensions == 0 {
		c.Dimensions = 2560
	}
	if c.ModelTag == "" {
		c.ModelTag = "embeddinggemma-300m"
	}
	if c.MaxSequenceLength == 0 {
		c.MaxSequenceLength = 256
	}
	return c
}
