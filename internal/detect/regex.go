package detect

import (
	"fmt"
	"regexp"
	"strconv"

	"go.uber.org/zap"

	"github.com/medredact/deid/internal/logger"
	"github.com/medredact/deid/internal/phi"
)

// RegexToolName is the source tag carried by regex candidates.
const RegexToolName = "regex"

// Rule is a single pattern-based detection rule.
type Rule struct {
	Name       string
	Type       phi.Type
	Pattern    *regexp.Regexp
	Confidence float64

	// AgeGroup, when positive, names the capture group holding a numeric
	// age. The match is only reported if the value exceeds the configured
	// age threshold; ages at or below the threshold are never flagged.
	AgeGroup int
}

// DefaultRules returns the built-in structured-identifier rules. Patterns
// cover both Western and zh-TW clinical text formats.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:       "email",
			Type:       phi.TypeEmail,
			Pattern:    regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
			Confidence: 0.98,
		},
		{
			Name:       "tw_mobile",
			Type:       phi.TypePhone,
			Pattern:    regexp.MustCompile(`09\d{2}[-\s]?\d{3}[-\s]?\d{3}`),
			Confidence: 0.95,
		},
		{
			Name:       "tw_landline",
			Type:       phi.TypePhone,
			Pattern:    regexp.MustCompile(`\(?0\d{1,2}\)?[-\s]\d{3,4}[-\s]?\d{4}`),
			Confidence: 0.85,
		},
		{
			Name:       "intl_phone",
			Type:       phi.TypePhone,
			Pattern:    regexp.MustCompile(`\+\d{1,3}[-\s]?\d{1,4}(?:[-\s]?\d{2,4}){2,3}`),
			Confidence: 0.9,
		},
		{
			Name:       "tw_national_id",
			Type:       phi.TypeIDNumber,
			Pattern:    regexp.MustCompile(`\b[A-Z][12]\d{8}\b`),
			Confidence: 0.95,
		},
		{
			Name:       "ssn",
			Type:       phi.TypeIDNumber,
			Pattern:    regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			Confidence: 0.9,
		},
		{
			Name:       "mrn",
			Type:       phi.TypeMedicalRecordNumber,
			Pattern:    regexp.MustCompile(`(?i)(?:MRN|病歷號|medical record (?:number|no\.?))[::\s#]*\d{5,12}`),
			Confidence: 0.95,
		},
		{
			Name:       "date_iso",
			Type:       phi.TypeDate,
			Pattern:    regexp.MustCompile(`\b\d{4}-\d{1,2}-\d{1,2}\b`),
			Confidence: 0.9,
		},
		{
			Name:       "date_slash",
			Type:       phi.TypeDate,
			Pattern:    regexp.MustCompile(`\b\d{1,4}/\d{1,2}/\d{1,4}\b`),
			Confidence: 0.8,
		},
		{
			Name:       "date_cjk",
			Type:       phi.TypeDate,
			Pattern:    regexp.MustCompile(`\d{2,4}\s*年\s*\d{1,2}\s*月(?:\s*\d{1,2}\s*日)?`),
			Confidence: 0.9,
		},
		{
			// The threshold comparison lives in Scan, not the pattern: only
			// values strictly greater than the configured threshold are PHI.
			Name:       "age",
			Type:       phi.TypeAgeOver89,
			Pattern:    regexp.MustCompile(`(\d{1,3})\s*(?:歲|岁|[\s-]?years?[\s-]old|y/o\b)`),
			Confidence: 0.9,
			AgeGroup:   1,
		},
	}
}

// RegexTool scans chunks with the configured identifier patterns.
type RegexTool struct {
	rules        []Rule
	enabled      map[string]bool
	ageThreshold int
	logger       *logger.Logger
}

// NewRegexTool builds a regex tool. detectors lists rule names to enable
// ("all" enables every rule); unknown names are a configuration error.
// ageThreshold is the exclusive lower bound for the age rule (default 89).
func NewRegexTool(detectors []string, ageThreshold int, log *logger.Logger) (*RegexTool, error) {
	if ageThreshold <= 0 {
		ageThreshold = 89
	}
	t := &RegexTool{
		rules:        DefaultRules(),
		enabled:      make(map[string]bool),
		ageThreshold: ageThreshold,
		logger:       log,
	}
	for _, rule := range t.rules {
		t.enabled[rule.Name] = false
	}
	for _, name := range detectors {
		if name == "all" {
			for _, rule := range t.rules {
				t.enabled[rule.Name] = true
			}
			continue
		}
		if _, ok := t.enabled[name]; !ok {
			return nil, fmt.Errorf("%w: unknown detector rule %q", phi.ErrConfiguration, name)
		}
		t.enabled[name] = true
	}

	log.Info("Regex tool initialized",
		zap.Int("total_rules", len(t.rules)),
		zap.Int("enabled_rules", t.countEnabled()),
		zap.Int("age_threshold", t.ageThreshold),
	)
	return t, nil
}

// Name implements Tool.
func (t *RegexTool) Name() string { return RegexToolName }

// Scan runs every enabled rule over the chunk text and returns candidates
// with chunk-local byte offsets matching the original substrings exactly.
func (t *RegexTool) Scan(text string) ([]phi.Candidate, error) {
	candidates := make([]phi.Candidate, 0)
	for _, rule := range t.rules {
		if !t.enabled[rule.Name] {
			continue
		}
		matches := rule.Pattern.FindAllStringSubmatchIndex(text, -1)
		for _, m := range matches {
			start, end := m[0], m[1]
			if rule.AgeGroup > 0 {
				g := rule.AgeGroup * 2
				age, err := strconv.Atoi(text[m[g]:m[g+1]])
				if err != nil || age <= t.ageThreshold || age > 150 {
					continue
				}
			}
			candidates = append(candidates, phi.Candidate{
				Text:       text[start:end],
				Type:       rule.Type,
				Start:      start,
				End:        end,
				Confidence: rule.Confidence,
				Reason:     "pattern:" + rule.Name,
				Source:     RegexToolName,
			})
		}
	}
	if len(candidates) > 0 {
		t.logger.Debug("Regex candidates found", zap.Int("count", len(candidates)))
	}
	return candidates, nil
}

// EnabledRules returns the names of active rules.
func (t *RegexTool) EnabledRules() []string {
	var names []string
	for _, rule := range t.rules {
		if t.enabled[rule.Name] {
			names = append(names, rule.Name)
		}
	}
	return names
}

func (t *RegexTool) countEnabled() int {
	n := 0
	for _, on := range t.enabled {
		if on {
			n++
		}
	}
	return n
}
