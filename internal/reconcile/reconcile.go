// Package reconcile merges candidates from all detectors into a single
// deduplicated, document-global entity list. Merging is union-always: a
// span reported by any single detector survives reconciliation. The union
// trades precision for recall deliberately: a missed identifier leaks PHI,
// a false positive only over-masks.
package reconcile

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/medredact/deid/internal/phi"
)

// Reconciler merges detector output. Safe for concurrent use; it holds no
// per-document state.
type Reconciler struct {
	logger *zap.Logger
}

// New creates a reconciler.
func New(logger *zap.Logger) *Reconciler {
	return &Reconciler{logger: logger}
}

// MergeChunk verifies and globalizes the candidate sets produced by all
// detectors for one chunk. Offsets coming in are chunk-local; offsets going
// out are document-global.
//
// Each candidate's span is checked against the chunk content. LLM offsets in
// particular are frequently off by a few bytes, so a failed check triggers
// text-search recovery before the candidate is dropped. Dropping is logged,
// never fatal: one bad candidate must not lose the chunk.
func (r *Reconciler) MergeChunk(chunk phi.Chunk, candidateSets ...[]phi.Candidate) []phi.Entity {
	var entities []phi.Entity
	for _, set := range candidateSets {
		for _, c := range set {
			verified, ok := r.verify(chunk.Content, c)
			if !ok {
				r.logger.Warn("Dropping unverifiable candidate",
					zap.String("source", c.Source),
					zap.String("phi_type", string(c.Type)),
					zap.Int("chunk_index", chunk.Index),
					zap.Int("start", c.Start),
					zap.Int("end", c.End))
				continue
			}

			e := phi.Entity{
				Text:           verified.Text,
				Type:           verified.Type,
				CustomTypeName: verified.CustomTypeName,
				Start:          verified.Start + chunk.StartOffset,
				End:            verified.End + chunk.StartOffset,
				Confidence:     verified.Confidence,
				Reason:         verified.Reason,
				Source:         verified.Source,
			}
			if err := e.Validate(); err != nil {
				r.logger.Warn("Dropping invalid candidate", zap.Error(err), zap.String("source", c.Source))
				continue
			}
			entities = append(entities, e)
		}
	}
	return entities
}

// verify checks that the candidate's span actually selects its text within
// the chunk, recovering via substring search when it does not.
func (r *Reconciler) verify(content string, c phi.Candidate) (phi.Candidate, bool) {
	if c.Text == "" {
		return c, false
	}
	if c.Start >= 0 && c.End <= len(content) && c.End > c.Start && content[c.Start:c.End] == c.Text {
		return c, true
	}

	// Prefer the occurrence nearest the claimed offset: repeated snippets
	// ("Dr.", dates) otherwise snap to the first occurrence every time.
	idx := nearestIndex(content, c.Text, c.Start)
	if idx < 0 {
		return c, false
	}
	c.Start = idx
	c.End = idx + len(c.Text)
	return c, true
}

// nearestIndex finds the occurrence of sub in s closest to hint, or -1.
func nearestIndex(s, sub string, hint int) int {
	best := -1
	from := 0
	for {
		i := strings.Index(s[from:], sub)
		if i < 0 {
			break
		}
		pos := from + i
		if best < 0 || abs(pos-hint) < abs(best-hint) {
			best = pos
		}
		from = pos + 1
	}
	return best
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// MergeDocument merges the globalized entities of all chunks into the final
// per-document list: overlapping same-type spans collapse into one entity
// covering their union (this also stitches entities split across a chunk
// boundary, since the chunk overlap makes the halves overlap), and
// overlapping different-type spans are both kept and flagged Ambiguous.
//
// The result is sorted by start offset and is deterministic for a given
// input regardless of chunk processing order. An entity outside the document
// bounds is a bookkeeping bug upstream and fails the document.
func (r *Reconciler) MergeDocument(docText string, perChunk ...[]phi.Entity) ([]phi.Entity, error) {
	var all []phi.Entity
	for _, entities := range perChunk {
		all = append(all, entities...)
	}
	if len(all) == 0 {
		return nil, nil
	}

	for _, e := range all {
		if e.Start < 0 || e.End > len(docText) || e.End <= e.Start {
			return nil, fmt.Errorf("%w: entity span [%d,%d) outside document of %d bytes",
				phi.ErrReconciliation, e.Start, e.End, len(docText))
		}
	}

	sortEntities(all)

	// Collapse overlapping or abutting same-type runs. groupKey keeps
	// custom types with different names apart.
	var merged []phi.Entity
	for _, e := range all {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			if groupKey(*last) == groupKey(e) && e.Start <= last.End {
				if e.End > last.End {
					last.End = e.End
				}
				last.Text = docText[last.Start:last.End]
				if better(e, *last) {
					last.Confidence = e.Confidence
					last.Source = e.Source
					last.Reason = e.Reason
					last.RegulationSource = e.RegulationSource
				}
				continue
			}
		}
		e.Text = docText[e.Start:e.End]
		merged = append(merged, e)
	}

	// Cross-type overlaps survive as distinct entities but are marked so
	// reviewers can see the disagreement.
	for i := range merged {
		for j := i + 1; j < len(merged); j++ {
			if merged[j].Start >= merged[i].End {
				break
			}
			merged[i].Ambiguous = true
			merged[j].Ambiguous = true
		}
	}

	sortEntities(merged)
	return merged, nil
}

// better reports whether a should supply the merged entity's metadata over
// b: higher confidence wins, the semantic identifier breaks ties.
func better(a, b phi.Entity) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	return a.Source == "llm" && b.Source != "llm"
}

func groupKey(e phi.Entity) string {
	if e.Type == phi.TypeCustom {
		return string(e.Type) + ":" + e.CustomTypeName
	}
	return string(e.Type)
}

// sortEntities orders by start, then longest span first, then type for a
// stable total order.
func sortEntities(entities []phi.Entity) {
	sort.SliceStable(entities, func(i, j int) bool {
		if entities[i].Start != entities[j].Start {
			return entities[i].Start < entities[j].Start
		}
		if entities[i].End != entities[j].End {
			return entities[i].End > entities[j].End
		}
		return groupKey(entities[i]) < groupKey(entities[j])
	})
}
