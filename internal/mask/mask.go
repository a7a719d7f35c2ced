// Package mask rewrites identified PHI spans according to per-type rules.
// The engine is fail-closed: an entity whose type has no configured rule is
// redacted, never passed through.
package mask

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/medredact/deid/internal/phi"
)

// ManifestEntry records one rewrite: the original entity, the strategy and
// replacement applied, and the span of the replacement in the masked text.
type ManifestEntry struct {
	Entity      phi.Entity   `json:"entity"`
	Strategy    phi.Strategy `json:"strategy"`
	Replacement string       `json:"replacement"`
	NewStart    int          `json:"new_start"`
	NewEnd      int          `json:"new_end"`

	// Covered marks entities whose span was already rewritten by a wider
	// overlapping entity. They appear in the manifest for audit but caused
	// no rewrite of their own.
	Covered bool `json:"covered,omitempty"`
}

// Result is the outcome of masking one document.
type Result struct {
	Text     string           `json:"text"`
	Manifest []ManifestEntry  `json:"manifest"`
	Counts   map[phi.Type]int `json:"counts"`
}

// Engine applies masking rules. One engine serves many documents; the
// per-document pseudonym table lives in Apply's call frame, so concurrent
// Apply calls are safe.
type Engine struct {
	rules  map[string]phi.Rule
	logger *zap.Logger
}

// NewEngine creates an engine from the configured type→rule map. Keys are
// PHI type strings; custom entities match the "custom" key.
func NewEngine(rules map[string]phi.Rule, logger *zap.Logger) *Engine {
	if rules == nil {
		rules = map[string]phi.Rule{}
	}
	return &Engine{rules: rules, logger: logger}
}

// Apply masks every entity in docText. docID salts the per-document
// pseudonym table so identical names in different documents get unrelated
// tokens. Entities may arrive in any order and may overlap; overlapping
// spans are resolved widest-first so no PHI byte survives unrewritten.
func (e *Engine) Apply(docID, docText string, entities []phi.Entity) (Result, error) {
	result := Result{Text: docText, Counts: map[phi.Type]int{}}
	if len(entities) == 0 {
		return result, nil
	}

	sorted := make([]phi.Entity, len(entities))
	copy(sorted, entities)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End > sorted[j].End
	})

	pseudonyms := map[string]string{}

	type planned struct {
		entity      phi.Entity
		strategy    phi.Strategy
		replacement string
		covered     bool
		// floor is the end of the previous rewrite; suppression widening
		// must not reach left of it.
		floor int
	}
	plan := make([]planned, 0, len(sorted))
	prevEnd := -1
	for _, ent := range sorted {
		if ent.Start < 0 || ent.End > len(docText) || ent.End <= ent.Start {
			return Result{}, fmt.Errorf("%w: entity span [%d,%d) outside document of %d bytes",
				phi.ErrMasking, ent.Start, ent.End, len(docText))
		}

		rule, strategy := e.ruleFor(ent)

		// Fully inside an already-planned rewrite: audit only.
		if ent.End <= prevEnd {
			plan = append(plan, planned{entity: ent, strategy: strategy, covered: true})
			result.Counts[ent.Type]++
			continue
		}
		// Partial overlap with the previous span: clip so the remainder is
		// still rewritten rather than leaking.
		if ent.Start < prevEnd {
			ent.Start = prevEnd
			ent.Text = docText[ent.Start:ent.End]
		}

		replacement, err := e.rewrite(docID, docText, ent, rule, strategy, pseudonyms)
		if err != nil {
			return Result{}, err
		}
		floor := prevEnd
		if floor < 0 {
			floor = 0
		}
		plan = append(plan, planned{entity: ent, strategy: strategy, replacement: replacement, floor: floor})
		result.Counts[ent.Type]++
		prevEnd = ent.End
	}

	// Rewrite right to left so pending original offsets stay valid, then
	// recompute manifest offsets left to right with the cumulative shift.
	masked := docText
	for i := len(plan) - 1; i >= 0; i-- {
		p := plan[i]
		if p.covered {
			continue
		}
		start, end := p.entity.Start, p.entity.End
		if p.strategy == phi.StrategySuppress {
			start, end = widenSuppression(masked, start, end, p.floor)
		}
		masked = masked[:start] + p.replacement + masked[end:]
	}
	result.Text = masked

	delta := 0
	var lastNew [2]int
	for _, p := range plan {
		entry := ManifestEntry{
			Entity:      p.entity,
			Strategy:    p.strategy,
			Replacement: p.replacement,
			Covered:     p.covered,
		}
		if p.covered {
			entry.NewStart, entry.NewEnd = lastNew[0], lastNew[1]
		} else {
			start, end := p.entity.Start, p.entity.End
			if p.strategy == phi.StrategySuppress {
				start, end = widenSuppression(docText, start, end, p.floor)
			}
			entry.NewStart = start + delta
			entry.NewEnd = entry.NewStart + len(p.replacement)
			delta += len(p.replacement) - (end - start)
			lastNew = [2]int{entry.NewStart, entry.NewEnd}
		}
		result.Manifest = append(result.Manifest, entry)
	}

	return result, nil
}

// ruleFor resolves the rule for an entity. Missing rules and the keep
// strategy on an unconfigured type both resolve to redact.
func (e *Engine) ruleFor(ent phi.Entity) (phi.Rule, phi.Strategy) {
	rule, ok := e.rules[string(ent.Type)]
	if !ok {
		e.logger.Debug("No masking rule for type, redacting",
			zap.String("phi_type", string(ent.Type)),
			zap.String("custom_type_name", ent.CustomTypeName))
		return phi.Rule{Strategy: phi.StrategyRedact}, phi.StrategyRedact
	}
	if rule.Strategy == "" {
		return rule, phi.StrategyRedact
	}
	return rule, rule.Strategy
}

// rewrite produces the replacement string for one entity.
func (e *Engine) rewrite(docID, docText string, ent phi.Entity, rule phi.Rule, strategy phi.Strategy, pseudonyms map[string]string) (string, error) {
	switch strategy {
	case phi.StrategyKeep:
		return ent.Text, nil

	case phi.StrategyRedact:
		if rule.Replacement != "" {
			return rule.Replacement, nil
		}
		return redactPlaceholder(ent), nil

	case phi.StrategyMask:
		if rule.Replacement != "" {
			return rule.Replacement, nil
		}
		return maskChars(ent.Text), nil

	case phi.StrategyGeneralize:
		return e.generalize(ent, rule), nil

	case phi.StrategyPseudonymize:
		return pseudonymFor(docID, ent, pseudonyms), nil

	case phi.StrategyDateShift:
		return e.shiftDate(ent, rule), nil

	case phi.StrategySuppress:
		return "", nil

	default:
		return "", fmt.Errorf("%w: unknown strategy %q for type %s", phi.ErrMasking, strategy, ent.Type)
	}
}

func redactPlaceholder(ent phi.Entity) string {
	label := strings.ToUpper(string(ent.Type))
	if ent.Type == phi.TypeCustom && ent.CustomTypeName != "" {
		label = "CUSTOM:" + strings.ToUpper(ent.CustomTypeName)
	}
	return "[" + label + "]"
}

// maskChars replaces every letter and digit with '*' while preserving
// separators, keeping the shape of the value recognizable.
func maskChars(text string) string {
	var b strings.Builder
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune('*')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var yearPattern = regexp.MustCompile(`\b(19|20)\d{2}\b`)

// generalize coarsens a value instead of removing it: ages collapse to the
// over-threshold bucket, dates to the configured granularity. Values that
// cannot be coarsened safely are redacted.
func (e *Engine) generalize(ent phi.Entity, rule phi.Rule) string {
	switch ent.Type {
	case phi.TypeAgeOver89:
		return "90+"
	case phi.TypeDate:
		year := yearPattern.FindString(ent.Text)
		if year == "" {
			return redactPlaceholder(ent)
		}
		if rule.Granularity == "decade" {
			return year[:3] + "0s"
		}
		return year
	default:
		return redactPlaceholder(ent)
	}
}

// pseudonymFor returns a stable per-document token for the entity text.
// The token is deterministic within a document (same name, same token) and
// salted with docID so tokens cannot be joined across documents.
func pseudonymFor(docID string, ent phi.Entity, pseudonyms map[string]string) string {
	key := string(ent.Type) + "\x00" + ent.Text
	if tok, ok := pseudonyms[key]; ok {
		return tok
	}
	h := sha256.Sum256([]byte(docID + "\x00" + key))
	label := strings.ToUpper(string(ent.Type))
	if ent.Type == phi.TypeCustom && ent.CustomTypeName != "" {
		label = strings.ToUpper(ent.CustomTypeName)
	}
	tok := fmt.Sprintf("[%s-%s]", label, hex.EncodeToString(h[:3]))
	pseudonyms[key] = tok
	return tok
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"2006年01月02日",
	"2006年1月2日",
}

// shiftDate moves the date by the configured offset, preserving the input
// layout. Unparseable dates are redacted rather than kept.
func (e *Engine) shiftDate(ent phi.Entity, rule phi.Rule) string {
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, ent.Text)
		if err != nil {
			continue
		}
		return t.AddDate(0, 0, rule.ShiftDays).Format(layout)
	}
	e.logger.Debug("Date not parseable for shifting, redacting", zap.String("text", ent.Text))
	return redactPlaceholder(ent)
}

// widenSuppression extends a suppressed span over one adjacent separator so
// removal does not leave doubled spaces or dangling punctuation. It never
// widens left past floor, the end of the previous rewrite.
func widenSuppression(text string, start, end, floor int) (int, int) {
	if end < len(text) {
		switch {
		case strings.HasPrefix(text[end:], ", "):
			return start, end + 2
		case strings.HasPrefix(text[end:], " "),
			strings.HasPrefix(text[end:], ","):
			return start, end + 1
		case strings.HasPrefix(text[end:], "，"),
			strings.HasPrefix(text[end:], "、"):
			return start, end + 3
		}
	}
	if start > floor && text[start-1] == ' ' {
		return start - 1, end
	}
	return start, end
}
