package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/medredact/deid/internal/phi"
)

// SourceLLM is the source tag carried by LLM candidates.
const SourceLLM = "llm"

// wireEntity is the JSON shape the model is instructed to emit.
type wireEntity struct {
	Text           string  `json:"text"`
	PhiType        string  `json:"phi_type"`
	CustomTypeName string  `json:"custom_type_name"`
	Start          int     `json:"start_pos"`
	End            int     `json:"end_pos"`
	Confidence     float64 `json:"confidence"`
	Reason         string  `json:"reason"`
}

type wireEnvelope struct {
	Entities []wireEntity `json:"entities"`
}

// parseFunc is one strategy for extracting entities from a raw model
// response. Strategies are tried in order; the first success wins. An
// explicit ordered chain replaces nested error handling with duplicated
// conversion logic.
type parseFunc func(raw string) ([]wireEntity, error)

// parseChain is the fallback order: strict structured output first, then
// best-effort extraction of a JSON object or array embedded in prose.
var parseChain = []parseFunc{
	parseStrict,
	parseEmbedded,
}

// ParseResponse runs the fallback chain. fallbackIndex reports which
// strategy succeeded (0 = structured output, >0 = a fallback was needed,
// the primary production signal for prompt regressions).
func ParseResponse(raw string) (candidates []phi.Candidate, fallbackIndex int, err error) {
	var lastErr error
	for i, parse := range parseChain {
		entities, perr := parse(raw)
		if perr != nil {
			lastErr = perr
			continue
		}
		return convert(entities), i, nil
	}
	return nil, len(parseChain), fmt.Errorf("%w: %v", phi.ErrLLMParse, lastErr)
}

// parseStrict expects the exact instructed shape: an envelope object or a
// bare entity array.
func parseStrict(raw string) ([]wireEntity, error) {
	trimmed := strings.TrimSpace(raw)
	var env wireEnvelope
	if err := json.Unmarshal([]byte(trimmed), &env); err == nil {
		return env.Entities, nil
	}
	var arr []wireEntity
	if err := json.Unmarshal([]byte(trimmed), &arr); err == nil {
		return arr, nil
	}
	return nil, fmt.Errorf("response is not the instructed JSON shape")
}

// parseEmbedded extracts the outermost JSON object or array from a response
// that wrapped it in prose or code fences.
func parseEmbedded(raw string) ([]wireEntity, error) {
	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		start := strings.Index(raw, pair[0])
		end := strings.LastIndex(raw, pair[1])
		if start < 0 || end <= start {
			continue
		}
		if entities, err := parseStrict(raw[start : end+1]); err == nil {
			return entities, nil
		}
	}
	return nil, fmt.Errorf("no JSON object or array found in response")
}

// convert maps wire entities to candidates. Unknown type labels map to the
// custom type; the custom_type_name invariant (never empty) is enforced
// here because unset names have repeatedly caused downstream masking bugs.
func convert(entities []wireEntity) []phi.Candidate {
	candidates := make([]phi.Candidate, 0, len(entities))
	for _, e := range entities {
		if strings.TrimSpace(e.Text) == "" {
			continue
		}
		phiType, known := phi.ParseType(e.PhiType)
		customName := e.CustomTypeName
		if phiType == phi.TypeCustom && customName == "" {
			if !known && e.PhiType != "" {
				customName = e.PhiType
			} else {
				customName = "unspecified"
			}
		}
		conf := e.Confidence
		if conf < 0 {
			conf = 0
		} else if conf > 1 {
			conf = 1
		}
		candidates = append(candidates, phi.Candidate{
			Text:           e.Text,
			Type:           phiType,
			CustomTypeName: customName,
			Start:          e.Start,
			End:            e.End,
			Confidence:     conf,
			Reason:         e.Reason,
			Source:         SourceLLM,
		})
	}
	return candidates
}
