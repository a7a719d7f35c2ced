//go:build !onnx
// +build !onnx

package detect

import (
	"go.uber.org/zap"
)

// Stub implementation used when the 'onnx' build tag is not set. Returns
// nil so the NER tool is simply omitted from CGO-free builds; the regex
// tool and LLM identifier still cover every chunk.
func NewNERBackend(log *zap.Logger, modelPath, vocabPath string, labels []string, maxLength int) NERBackend {
	return nil
}
