package llm

import (
	"fmt"
	"strings"

	"github.com/medredact/deid/internal/phi"
)

// systemInstruction is deliberately short. Concatenating a full regulation
// dump into every chunk's prompt once pushed prompt length past the point
// where calls timed out; a compact fixed instruction plus an optional short
// context string keeps calls in the tens of seconds.
const systemInstruction = `You are a medical-text de-identification engine. Identify every span of Protected Health Information (PHI) in the text. Respond with JSON only, shaped as {"entities":[{"text":"...","phi_type":"...","start_pos":0,"end_pos":0,"confidence":0.0,"reason":"..."}]}. phi_type is one of: name, date, location, phone, email, id_number, medical_record_number, age_over_89, rare_disease, facility, custom. start_pos/end_pos are byte offsets into the given text. Use custom plus a custom_type_name field for identifiers that fit no listed type. If the text contains no PHI, respond {"entities":[]}.`

// BuildPrompt assembles the per-chunk user prompt: optional condensed
// regulation context, the age rule with an explicit negated threshold, the
// chunk text, and optional tool-candidate hints for confirmation/extension.
func BuildPrompt(chunkText, regulationContext string, hints []phi.Candidate, language string, ageThreshold int) string {
	var b strings.Builder

	if regulationContext != "" {
		b.WriteString("Regulation context: ")
		b.WriteString(regulationContext)
		b.WriteString("\n")
	}

	// Qualifier phrasing like "especially >89" caused false positives on
	// ordinary ages; the rule must be an explicit negated threshold.
	fmt.Fprintf(&b, "Flag an age ONLY if the value is strictly greater than %d. Ages of %d or below must NOT be flagged.\n", ageThreshold, ageThreshold)

	if language != "" {
		fmt.Fprintf(&b, "The text language is %s.\n", language)
	}

	if len(hints) > 0 {
		b.WriteString("Pattern scanners already found (confirm, correct, and extend; do not drop real PHI):\n")
		for _, h := range hints {
			fmt.Fprintf(&b, "- %q type=%s at [%d,%d)\n", h.Text, h.Type, h.Start, h.End)
		}
	}

	b.WriteString("Text:\n")
	b.WriteString(chunkText)
	return b.String()
}
