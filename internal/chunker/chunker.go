// Package chunker splits arbitrary-length document text into bounded,
// position-tracked segments. The size bound exists to keep downstream LLM
// prompts short: oversized prompts were the dominant latency driver, so the
// bound is guaranteed, never best-effort.
package chunker

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/medredact/deid/internal/phi"
)

// boundaryMarkers are preferred split points, checked in order. Paragraph
// breaks win over sentence ends; CJK sentence terminators are included
// because clinical notes in this system are frequently zh-TW.
var boundaryMarkers = []string{
	"\n\n", "\n",
	"。", "！", "？",
	". ", "! ", "? ", "; ",
}

// Splitter produces bounded chunks with a recorded global start offset.
type Splitter struct {
	maxChars int
	overlap  int
}

// New validates the size parameters and returns a Splitter.
// maxChars must be positive and overlap must be smaller than maxChars.
func New(maxChars, overlap int) (*Splitter, error) {
	if maxChars <= 0 {
		return nil, fmt.Errorf("%w: max_chunk_chars must be positive, got %d", phi.ErrConfiguration, maxChars)
	}
	if overlap < 0 || overlap >= maxChars {
		return nil, fmt.Errorf("%w: overlap %d must be in [0,%d)", phi.ErrConfiguration, overlap, maxChars)
	}
	return &Splitter{maxChars: maxChars, overlap: overlap}, nil
}

// Split cuts text into chunks of at most maxChars bytes each. Every chunk's
// StartOffset is the byte offset of its first character in the original
// text; Overlap is the length of the prefix shared with the previous chunk.
// Concatenating Content[Overlap:] across all chunks reproduces text exactly.
func (s *Splitter) Split(text string) ([]phi.Chunk, error) {
	if text == "" {
		return []phi.Chunk{}, nil
	}
	if len(text) <= s.maxChars {
		return []phi.Chunk{{Content: text, StartOffset: 0, Index: 0}}, nil
	}

	var chunks []phi.Chunk
	start := 0
	index := 0
	for start < len(text) {
		overlapStart := start
		if index > 0 && s.overlap > 0 {
			overlapStart = alignRune(text, max(start-s.overlap, 0))
		}

		// The size bound covers the whole chunk content, overlap included.
		end := overlapStart + s.maxChars
		if end >= len(text) {
			end = len(text)
		} else {
			end = s.cutPoint(text, start, end)
		}

		// Rune alignment of the overlap start, or the forced one-rune
		// progress cut, can push the chunk past the bound. New content wins
		// over overlap: shrink the overlap until the bound holds again.
		if end-overlapStart > s.maxChars {
			overlapStart = alignRuneForward(text, end-s.maxChars)
			if overlapStart > start {
				overlapStart = start
			}
		}

		chunks = append(chunks, phi.Chunk{
			Content:     text[overlapStart:end],
			StartOffset: overlapStart,
			Index:       index,
			Overlap:     start - overlapStart,
		})
		index++
		start = end
	}
	return chunks, nil
}

// cutPoint picks the split position for a chunk starting at start whose hard
// limit is hardEnd. It prefers the last sentence or paragraph boundary
// inside a lookback window, falls back to a hard cut on a rune boundary, and
// always makes progress.
func (s *Splitter) cutPoint(text string, start, hardEnd int) int {
	hardEnd = alignRune(text, hardEnd)
	if hardEnd <= start {
		// Pathological maxChars smaller than one rune: cut after the
		// first rune so the loop still terminates.
		_, size := utf8.DecodeRuneInString(text[start:])
		return start + size
	}

	lookback := s.maxChars / 2
	if lookback > 400 {
		lookback = 400
	}
	windowStart := hardEnd - lookback
	if windowStart < start+1 {
		windowStart = start + 1
	}
	window := text[windowStart:hardEnd]

	best := -1
	for _, marker := range boundaryMarkers {
		if i := strings.LastIndex(window, marker); i >= 0 {
			cut := windowStart + i + len(marker)
			if cut > best {
				best = cut
			}
		}
	}
	if best > start {
		return best
	}
	return hardEnd
}

// alignRune moves pos left until it sits on a UTF-8 rune boundary.
func alignRune(text string, pos int) int {
	for pos > 0 && pos < len(text) && !utf8.RuneStart(text[pos]) {
		pos--
	}
	return pos
}

// alignRuneForward moves pos right until it sits on a UTF-8 rune boundary.
func alignRuneForward(text string, pos int) int {
	for pos < len(text) && !utf8.RuneStart(text[pos]) {
		pos++
	}
	return pos
}
