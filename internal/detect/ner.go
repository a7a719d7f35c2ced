package detect

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/medredact/deid/internal/logger"
	"github.com/medredact/deid/internal/phi"
)

// NERToolName is the source tag carried by NER candidates.
const NERToolName = "ner"

// Span is one token-level labeled region produced by an NER backend.
// Labels use BIO tagging (B-PER, I-PER, ...); "O" spans are never emitted.
type Span struct {
	Start int
	End   int
	Label string
	Score float64
}

// NERBackend runs token-classification inference. Implementations are
// selected at build time: backend_onnx.go (tag "onnx") provides ONNX
// Runtime inference, backend_stub.go returns nil so CGO-free builds work.
type NERBackend interface {
	Recognize(text string) ([]Span, error)
	IsReady() bool
	Close() error
}

// NERTool wraps a token-classification backend as a detector tool. The
// backend holds a loaded model and is expensive to initialize, so one tool
// instance is created per worker and reused across chunks and documents.
type NERTool struct {
	backend NERBackend
	logger  *logger.Logger
}

// NewNERTool wraps an initialized backend. A nil or unready backend is a
// configuration error: callers should omit the tool instead.
func NewNERTool(backend NERBackend, log *logger.Logger) (*NERTool, error) {
	if backend == nil || !backend.IsReady() {
		return nil, fmt.Errorf("%w: NER backend unavailable (build with -tags onnx and set model paths)", phi.ErrConfiguration)
	}
	return &NERTool{backend: backend, logger: log}, nil
}

// Name implements Tool.
func (t *NERTool) Name() string { return NERToolName }

// Scan runs NER over the chunk and aggregates BIO token spans into entity
// candidates with chunk-local offsets.
func (t *NERTool) Scan(text string) ([]phi.Candidate, error) {
	spans, err := t.backend.Recognize(text)
	if err != nil {
		return nil, fmt.Errorf("%w: ner inference: %v", phi.ErrDetection, err)
	}
	if len(spans) == 0 {
		return []phi.Candidate{}, nil
	}

	merged := aggregateBIO(spans)
	candidates := make([]phi.Candidate, 0, len(merged))
	for _, s := range merged {
		if s.End > len(text) || s.Start < 0 || s.End <= s.Start {
			continue
		}
		phiType, custom := mapNERLabel(s.Label)
		candidates = append(candidates, phi.Candidate{
			Text:           text[s.Start:s.End],
			Type:           phiType,
			CustomTypeName: custom,
			Start:          s.Start,
			End:            s.End,
			Confidence:     s.Score,
			Reason:         "ner:" + s.Label,
			Source:         NERToolName,
		})
	}
	t.logger.Debug("NER candidates found", zap.Int("count", len(candidates)))
	return candidates, nil
}

// Close releases the backend's native resources.
func (t *NERTool) Close() error { return t.backend.Close() }

// aggregateBIO merges a B- span with its following I- spans of the same
// entity class into one span. Scores are averaged over the merged tokens.
func aggregateBIO(spans []Span) []Span {
	var out []Span
	var cur *Span
	var curCount int
	flush := func() {
		if cur != nil {
			cur.Score /= float64(curCount)
			out = append(out, *cur)
			cur = nil
		}
	}
	for _, s := range spans {
		class := stripBIO(s.Label)
		if cur != nil && strings.HasPrefix(s.Label, "I-") && stripBIO(cur.Label) == class && s.Start >= cur.End {
			cur.End = s.End
			cur.Score += s.Score
			curCount++
			continue
		}
		flush()
		c := s
		c.Label = class
		cur = &c
		curCount = 1
	}
	flush()
	return out
}

// stripBIO removes the B-/I- tagging prefix from an NER label.
func stripBIO(label string) string {
	if strings.HasPrefix(label, "B-") || strings.HasPrefix(label, "I-") {
		return label[2:]
	}
	return label
}

// mapNERLabel maps an NER entity class to a PHI type. Unknown classes map
// to the custom type carrying the lowercased class name.
func mapNERLabel(label string) (phi.Type, string) {
	switch stripBIO(label) {
	case "PER", "PERSON":
		return phi.TypeName, ""
	case "LOC", "GPE", "LOCATION":
		return phi.TypeLocation, ""
	case "ORG", "ORGANIZATION":
		return phi.TypeFacility, ""
	case "DATE":
		return phi.TypeDate, ""
	default:
		return phi.TypeCustom, strings.ToLower(stripBIO(label))
	}
}
