//go:build !onnx

package onnx

import (
	"context"
	"fmt"

	"github.com/recallio/recall-go-sdk/device"
	"github.com/recallio/recall-go-sdk/memory"
)

// Embedder is the stub used when the SDK is built without the "onnx"
// tag. Its constructor always fails, so the client degrades to
// remote-only search.
type Embedder struct{}

var _ memory.Embedder = (*Embedder)(nil)

// New reports that on-device inference is not compiled in.
func New(cfg Config) (*Embedder, error) {
	return nil, fmt.Errorf("onnx: built without the onnx tag: %w", memory.ErrEmbedderUnavailable)
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return nil, memory.ErrEmbedderUnavailable
}

func (e *Embedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, memory.ErrEmbedderUnavailable
}

func (e *Embedder) Dimensions() int { return 0 }

func (e *Embedder) ModelTag() string { return "" }

func (e *Embedder) Device() device.Kind { return device.KindCPU }

func (e *Embedder) Close() error { return nil }

// ResetForTesting matches the tagged build's test hook.
func ResetForTesting() {}
