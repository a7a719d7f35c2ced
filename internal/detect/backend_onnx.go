//go:build onnx
// +build onnx

package detect

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"unicode"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// OnnxNERBackend implements NERBackend using ONNX Runtime token
// classification (via yalue/onnxruntime_go). Requires build tag 'onnx'.
type OnnxNERBackend struct {
	session    *ort.DynamicAdvancedSession
	inputNames []string
	labels     []string
	vocab      map[string]int64
	unkID      int64
	clsID      int64
	sepID      int64
	maxLength  int
	logger     *zap.Logger
	ready      bool
	mu         sync.RWMutex
}

// NewNERBackend initializes the ONNX Runtime NER backend. labels maps
// output class index to BIO label (index 0 is conventionally "O").
func NewNERBackend(log *zap.Logger, modelPath, vocabPath string, labels []string, maxLength int) NERBackend {
	if shlib := os.Getenv("ONNXRUNTIME_SHARED_LIB"); shlib != "" {
		ort.SetSharedLibraryPath(shlib)
	} else if shlib := os.Getenv("ORT_SHLIB"); shlib != "" {
		ort.SetSharedLibraryPath(shlib)
	}

	if err := ort.InitializeEnvironment(); err != nil {
		log.Error("ONNX Runtime environment init failed", zap.Error(err))
		return nil
	}

	vocab, err := loadVocab(vocabPath)
	if err != nil {
		log.Error("Failed to load NER vocab", zap.Error(err), zap.String("vocab", vocabPath))
		return nil
	}

	inputsInfo, outputsInfo, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		log.Error("Failed to inspect ONNX model IO", zap.Error(err), zap.String("model", modelPath))
		return nil
	}
	if len(outputsInfo) == 0 {
		log.Error("ONNX model reports no outputs", zap.String("model", modelPath))
		return nil
	}

	preferred := []string{"input_ids", "attention_mask", "token_type_ids"}
	available := map[string]bool{}
	for _, ii := range inputsInfo {
		available[strings.ToLower(ii.Name)] = true
	}
	var inputNames []string
	for _, name := range preferred {
		if available[name] {
			inputNames = append(inputNames, name)
		}
	}
	if len(inputNames) == 0 {
		for _, ii := range inputsInfo {
			inputNames = append(inputNames, ii.Name)
		}
	}

	sess, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, []string{outputsInfo[0].Name}, nil)
	if err != nil {
		log.Error("ONNX Runtime session creation failed", zap.Error(err), zap.String("model", modelPath))
		return nil
	}

	if maxLength <= 0 {
		maxLength = 512
	}

	log.Info("ONNX NER backend ready",
		zap.String("model", modelPath),
		zap.Strings("inputs", inputNames),
		zap.Int("labels", len(labels)),
		zap.Int("vocab_size", len(vocab)))

	return &OnnxNERBackend{
		session:    sess,
		inputNames: inputNames,
		labels:     labels,
		vocab:      vocab,
		unkID:      lookupSpecial(vocab, "[UNK]", 100),
		clsID:      lookupSpecial(vocab, "[CLS]", 101),
		sepID:      lookupSpecial(vocab, "[SEP]", 102),
		maxLength:  maxLength,
		logger:     log,
		ready:      true,
	}
}

// IsReady reports whether the backend is initialized.
func (b *OnnxNERBackend) IsReady() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ready && b.session != nil
}

// Close releases session and environment resources.
func (b *OnnxNERBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		b.session.Destroy()
		b.session = nil
	}
	ort.DestroyEnvironment()
	b.ready = false
	return nil
}

// token pairs a vocab id with the character span it covers.
type token struct {
	id         int64
	start, end int
}

// Recognize tokenizes text, runs one inference pass, and returns the
// per-token BIO labels above the "O" class with their character spans.
func (b *OnnxNERBackend) Recognize(text string) ([]Span, error) {
	if !b.IsReady() {
		return nil, fmt.Errorf("onnx ner backend not ready")
	}

	tokens := b.tokenize(text)
	if len(tokens) == 0 {
		return []Span{}, nil
	}

	// [CLS] tokens... [SEP]
	seqLen := len(tokens) + 2
	ids := make([]int64, 0, seqLen)
	ids = append(ids, b.clsID)
	for _, t := range tokens {
		ids = append(ids, t.id)
	}
	ids = append(ids, b.sepID)
	mask := make([]int64, seqLen)
	types := make([]int64, seqLen)
	for i := range mask {
		mask[i] = 1
	}

	shape := ort.NewShape(1, int64(seqLen))
	idsTensor, err := ort.NewTensor[int64](shape, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	defer idsTensor.Destroy()
	maskTensor, err := ort.NewTensor[int64](shape, mask)
	if err != nil {
		return nil, fmt.Errorf("failed to create attention_mask tensor: %w", err)
	}
	defer maskTensor.Destroy()
	typeTensor, err := ort.NewTensor[int64](shape, types)
	if err != nil {
		return nil, fmt.Errorf("failed to create token_type_ids tensor: %w", err)
	}
	defer typeTensor.Destroy()

	inputs := make([]ort.Value, 0, len(b.inputNames))
	for _, rawName := range b.inputNames {
		switch name := strings.ToLower(rawName); {
		case strings.Contains(name, "mask"):
			inputs = append(inputs, maskTensor)
		case strings.Contains(name, "type") || strings.Contains(name, "segment"):
			inputs = append(inputs, typeTensor)
		default:
			inputs = append(inputs, idsTensor)
		}
	}

	outputs := make([]ort.Value, 1)
	if err := b.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("onnx run failed: %w", err)
	}
	defer func() {
		if outputs[0] != nil {
			_ = outputs[0].Destroy()
		}
	}()

	logits, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type (want float32 tensor)")
	}
	outShape := logits.GetShape()
	if len(outShape) != 3 {
		return nil, fmt.Errorf("unsupported output shape %v (want [batch, seq, labels])", outShape)
	}
	numLabels := int(outShape[2])
	if numLabels != len(b.labels) {
		return nil, fmt.Errorf("model emits %d classes but %d labels configured", numLabels, len(b.labels))
	}
	data := logits.GetData()

	var spans []Span
	for i, t := range tokens {
		// Skip the [CLS] position; logits row i+1 belongs to token i.
		row := (i + 1) * numLabels
		if row+numLabels > len(data) {
			break
		}
		best, score := argmaxSoftmax(data[row : row+numLabels])
		label := b.labels[best]
		if label == "O" {
			continue
		}
		spans = append(spans, Span{Start: t.start, End: t.end, Label: label, Score: score})
	}
	return spans, nil
}

// tokenize splits text on whitespace and punctuation, tracking character
// offsets, and looks each piece up in the vocab (lowercased, [UNK]
// fallback). Truncates to maxLength - 2 to leave room for [CLS]/[SEP].
func (b *OnnxNERBackend) tokenize(text string) []token {
	var tokens []token
	start := -1
	flush := func(end int) {
		if start >= 0 {
			tokens = append(tokens, token{id: b.lookup(text[start:end]), start: start, end: end})
			start = -1
		}
	}
	for i, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush(i)
		case unicode.IsPunct(r) || unicode.Is(unicode.Han, r):
			// Punctuation and CJK ideographs are single-character tokens.
			flush(i)
			end := i + len(string(r))
			tokens = append(tokens, token{id: b.lookup(text[i:end]), start: i, end: end})
		default:
			if start < 0 {
				start = i
			}
		}
		if len(tokens) >= b.maxLength-2 {
			return tokens[:b.maxLength-2]
		}
	}
	flush(len(text))
	if len(tokens) > b.maxLength-2 {
		tokens = tokens[:b.maxLength-2]
	}
	return tokens
}

func (b *OnnxNERBackend) lookup(piece string) int64 {
	if id, ok := b.vocab[piece]; ok {
		return id
	}
	if id, ok := b.vocab[strings.ToLower(piece)]; ok {
		return id
	}
	return b.unkID
}

// loadVocab reads a BERT-style vocab.txt: one token per line, line number
// is the id.
func loadVocab(path string) (map[string]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	vocab := make(map[string]int64)
	scanner := bufio.NewScanner(f)
	var id int64
	for scanner.Scan() {
		vocab[strings.TrimRight(scanner.Text(), "\r\n")] = id
		id++
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(vocab) == 0 {
		return nil, fmt.Errorf("empty vocab file %q", path)
	}
	return vocab, nil
}

func lookupSpecial(vocab map[string]int64, tok string, fallback int64) int64 {
	if id, ok := vocab[tok]; ok {
		return id
	}
	return fallback
}

// argmaxSoftmax returns the index of the max logit and its softmax
// probability over the row.
func argmaxSoftmax(row []float32) (int, float64) {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	var sum float64
	maxv := float64(row[best])
	for _, v := range row {
		sum += math.Exp(float64(v) - maxv)
	}
	if sum == 0 {
		return best, 0
	}
	return best, 1.0 / sum
}
