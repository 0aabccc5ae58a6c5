//go:build onnx

package onnx

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"runtime"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/recallio/recall-go-sdk/device"
	"github.com/recallio/recall-go-sdk/memory"
)

var inputNames = []string{"input_ids", "attention_mask"}
var outputNames = []string{"last_hidden_state"}

// loadedModel is the process-wide model state: one ONNX session and one
// tokenizer shared by every embedder instance. Guarded by modelMu; a
// second loader waits on the first and then reuses its session.
type loadedModel struct {
	cfg       Config
	session   *ort.DynamicAdvancedSession
	tokenizer *Tokenizer
	device    device.Kind
	refs      int

	// Serialises inference. Bounds accelerator memory to one in-flight
	// batch; queries are short so contention is cheap.
	runMu sync.Mutex
}

var (
	modelMu sync.Mutex
	model   *loadedModel
	envInit bool
)

// Embedder implements memory.Embedder on the shared ONNX session.
type Embedder struct {
	m *loadedModel

	closeOnce sync.Once
}

var _ memory.Embedder = (*Embedder)(nil)

// New loads (or joins) the process-wide model and returns a handle to
// it. Model-load failures are terminal for the session: callers treat
// them as memory.ErrEmbedderUnavailable and degrade to remote-only.
func New(cfg Config) (*Embedder, error) {
	cfg = cfg.withDefaults()
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("onnx: ModelPath is required")
	}

	m, err := acquire(cfg)
	if err != nil {
		return nil, err
	}
	return &Embedder{m: m}, nil
}

func acquire(cfg Config) (*loadedModel, error) {
	modelMu.Lock()
	defer modelMu.Unlock()

	if model != nil {
		if model.cfg.ModelPath != cfg.ModelPath {
			return nil, fmt.Errorf("onnx: model %s already loaded, cannot also load %s: %w",
				model.cfg.ModelPath, cfg.ModelPath, memory.ErrEmbedderUnavailable)
		}
		model.refs++
		return model, nil
	}

	if err := initEnvironment(cfg); err != nil {
		return nil, fmt.Errorf("onnx: initialize runtime: %w", err)
	}

	tokenizer, err := LoadTokenizer(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("onnx: load tokenizer: %w", err)
	}

	session, dev, err := newSession(cfg)
	if err != nil {
		return nil, err
	}

	m := &loadedModel{
		cfg:       cfg,
		session:   session,
		tokenizer: tokenizer,
		device:    dev,
		refs:      1,
	}

	if !cfg.DisableWarmup {
		start := time.Now()
		if _, err := m.embedBatch([]string{"warmup"}); err != nil {
			session.Destroy()
			return nil, fmt.Errorf("onnx: warmup inference: %w", err)
		}
		log.Printf("[ONNX] warmup on %s took %s", dev, time.Since(start).Round(time.Millisecond))
	}

	model = m
	return m, nil
}

func initEnvironment(cfg Config) error {
	if envInit {
		return nil
	}
	libPath := cfg.SharedLibraryPath
	if libPath == "" {
		libPath = os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return err
	}
	envInit = true
	return nil
}

// newSession walks the device fallback chain: preferred accelerator,
// then GPU, then CPU only when allowed. Exhausting the chain reports
// the embedder unavailable.
func newSession(cfg Config) (*ort.DynamicAdvancedSession, device.Kind, error) {
	for _, dev := range fallbackOrder(cfg.Device, cfg.AllowCPU) {
		opts, err := sessionOptions(dev)
		if err != nil {
			log.Printf("[ONNX] %s session options failed: %v", dev, err)
			continue
		}
		session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, inputNames, outputNames, opts)
		opts.Destroy()
		if err != nil {
			log.Printf("[ONNX] loading model on %s failed: %v", dev, err)
			continue
		}
		log.Printf("[ONNX] model loaded on %s", dev)
		return session, dev, nil
	}
	return nil, device.KindCPU, fmt.Errorf("onnx: no usable device for %s: %w", cfg.ModelPath, memory.ErrEmbedderUnavailable)
}

func fallbackOrder(preferred device.Kind, allowCPU bool) []device.Kind {
	var order []device.Kind
	switch preferred {
	case device.KindAccel:
		order = []device.Kind{device.KindAccel, device.KindGPU}
	case device.KindGPU:
		order = []device.Kind{device.KindGPU}
	}
	if allowCPU {
		order = append(order, device.KindCPU)
	}
	return order
}

func sessionOptions(dev device.Kind) (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	switch dev {
	case device.KindAccel:
		// CoreML routes to the Neural Engine where the model allows.
		if err := opts.AppendExecutionProviderCoreML(0); err != nil {
			opts.Destroy()
			return nil, err
		}
	case device.KindGPU:
		if runtime.GOOS == "darwin" {
			if err := opts.AppendExecutionProviderCoreML(0); err != nil {
				opts.Destroy()
				return nil, err
			}
		} else {
			cudaOpts, err := ort.NewCUDAProviderOptions()
			if err != nil {
				opts.Destroy()
				return nil, err
			}
			err = opts.AppendExecutionProviderCUDA(cudaOpts)
			cudaOpts.Destroy()
			if err != nil {
				opts.Destroy()
				return nil, err
			}
		}
	case device.KindCPU:
		// Default provider.
	}
	return opts, nil
}

// EmbedQuery implements memory.Embedder.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedDocuments implements memory.Embedder. The whole batch runs as a
// single inference.
func (e *Embedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.m.embedBatch(texts)
}

// Dimensions implements memory.Embedder.
func (e *Embedder) Dimensions() int {
	return e.m.cfg.Dimensions
}

// ModelTag implements memory.Embedder.
func (e *Embedder) ModelTag() string {
	return e.m.cfg.ModelTag
}

// Device reports which device the model actually loaded on.
func (e *Embedder) Device() device.Kind {
	return e.m.device
}

// Close releases this handle. The session is destroyed when the last
// handle closes.
func (e *Embedder) Close() error {
	e.closeOnce.Do(func() {
		modelMu.Lock()
		defer modelMu.Unlock()
		e.m.refs--
		if e.m.refs == 0 && model == e.m {
			e.m.session.Destroy()
			model = nil
		}
	})
	return nil
}

// ResetForTesting drops the shared model unconditionally so tests can
// simulate cold starts.
func ResetForTesting() {
	modelMu.Lock()
	defer modelMu.Unlock()
	if model != nil {
		model.session.Destroy()
		model = nil
	}
}

func (m *loadedModel) embedBatch(texts []string) ([][]float32, error) {
	batch := len(texts)
	seqLen := m.cfg.MaxSequenceLength

	inputIDs := make([]int64, batch*seqLen)
	attentionMask := make([]int64, batch*seqLen)
	for i, text := range texts {
		ids, mask := m.tokenizer.Encode(text, seqLen)
		copy(inputIDs[i*seqLen:], ids)
		copy(attentionMask[i*seqLen:], mask)
	}

	shape := ort.NewShape(int64(batch), int64(seqLen))
	idsTensor, err := ort.NewTensor(shape, inputIDs)
	if err != nil {
		return nil, fmt.Errorf("onnx: input_ids tensor: %w", err)
	}
	defer idsTensor.Destroy()

	maskTensor, err := ort.NewTensor(shape, attentionMask)
	if err != nil {
		return nil, fmt.Errorf("onnx: attention_mask tensor: %w", err)
	}
	defer maskTensor.Destroy()

	outputs := []ort.Value{nil}
	m.runMu.Lock()
	err = m.session.Run([]ort.Value{idsTensor, maskTensor}, outputs)
	m.runMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("onnx: inference: %w", err)
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	tensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("onnx: unexpected output tensor type %T", outputs[0])
	}
	return m.pool(tensor, attentionMask, batch, seqLen)
}

// pool reduces the model output to one unit vector per input. Handles
// both pre-pooled [batch, dim] outputs and raw [batch, seq, dim] hidden
// states (masked mean pooling).
func (m *loadedModel) pool(tensor *ort.Tensor[float32], attentionMask []int64, batch, seqLen int) ([][]float32, error) {
	data := tensor.GetData()
	shape := tensor.GetShape()
	dim := m.cfg.Dimensions

	out := make([][]float32, batch)
	switch len(shape) {
	case 2:
		if int(shape[1]) != dim {
			return nil, fmt.Errorf("onnx: output dim %d, embedder configured for %d", shape[1], dim)
		}
		for b := 0; b < batch; b++ {
			vec := make([]float32, dim)
			copy(vec, data[b*dim:(b+1)*dim])
			out[b] = normalizeVec(vec)
		}
	case 3:
		hidden := int(shape[2])
		if hidden != dim {
			return nil, fmt.Errorf("onnx: hidden size %d, embedder configured for %d", hidden, dim)
		}
		for b := 0; b < batch; b++ {
			vec := make([]float32, dim)
			var attended float32
			for s := 0; s < seqLen; s++ {
				if attentionMask[b*seqLen+s] == 0 {
					continue
				}
				attended++
				offset := (b*seqLen + s) * hidden
				for j := 0; j < hidden; j++ {
					vec[j] += data[offset+j]
				}
			}
			if attended > 0 {
				for j := range vec {
					vec[j] /= attended
				}
			}
			out[b] = normalizeVec(vec)
		}
	default:
		return nil, fmt.Errorf("onnx: unexpected output shape %v", shape)
	}
	return out, nil
}

func normalizeVec(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	inv := 1 / float32(math.Sqrt(float64(norm)))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}
