package phi

import "fmt"

// Type classifies a PHI entity into one of the known categories.
type Type string

// Known PHI categories. TypeCustom is the open extension point: entities
// that do not fit a known category must carry TypeCustom plus a non-empty
// CustomTypeName.
const (
	TypeName                Type = "name"
	TypeDate                Type = "date"
	TypeLocation            Type = "location"
	TypePhone               Type = "phone"
	TypeEmail               Type = "email"
	TypeIDNumber            Type = "id_number"
	TypeMedicalRecordNumber Type = "medical_record_number"
	TypeAgeOver89           Type = "age_over_89"
	TypeRareDisease         Type = "rare_disease"
	TypeFacility            Type = "facility"
	TypeCustom              Type = "custom"
)

// AllTypes returns every known PHI type, TypeCustom last.
func AllTypes() []Type {
	return []Type{
		TypeName, TypeDate, TypeLocation, TypePhone, TypeEmail,
		TypeIDNumber, TypeMedicalRecordNumber, TypeAgeOver89,
		TypeRareDisease, TypeFacility, TypeCustom,
	}
}

// ParseType maps a free-form type label (e.g. from an LLM response) to a
// known Type. Unrecognized labels map to TypeCustom; the caller is
// responsible for setting CustomTypeName from the original label.
func ParseType(label string) (Type, bool) {
	t := Type(label)
	for _, known := range AllTypes() {
		if t == known {
			return known, true
		}
	}
	// Common aliases seen in model output and NER label sets.
	switch label {
	case "person", "PER", "PERSON":
		return TypeName, true
	case "LOC", "LOCATION", "GPE", "address":
		return TypeLocation, true
	case "ORG", "ORGANIZATION", "hospital":
		return TypeFacility, true
	case "DATE", "datetime":
		return TypeDate, true
	case "mrn", "MRN":
		return TypeMedicalRecordNumber, true
	}
	return TypeCustom, false
}

// Entity is one identified occurrence of PHI within a document. Offsets are
// always character offsets into the original, unchunked document text.
type Entity struct {
	Text             string  `json:"text"`
	Type             Type    `json:"phi_type"`
	CustomTypeName   string  `json:"custom_type_name,omitempty"`
	Start            int     `json:"start_pos"`
	End              int     `json:"end_pos"`
	Confidence       float64 `json:"confidence"`
	Reason           string  `json:"reason,omitempty"`
	Source           string  `json:"source"`
	RegulationSource string  `json:"regulation_source,omitempty"`

	// Ambiguous marks entities whose span overlaps another entity of a
	// different type. Both are kept; the caller decides how to surface it.
	Ambiguous bool `json:"ambiguous,omitempty"`
}

// Validate checks the structural invariants of an entity.
func (e *Entity) Validate() error {
	if e.End <= e.Start || e.Start < 0 {
		return fmt.Errorf("%w: invalid span [%d,%d)", ErrReconciliation, e.Start, e.End)
	}
	if e.Type == TypeCustom && e.CustomTypeName == "" {
		return fmt.Errorf("%w: custom entity without custom_type_name", ErrReconciliation)
	}
	return nil
}

// Candidate is the raw output of a single detector before reconciliation.
// Offsets are chunk-local; Source names the detector that produced it.
type Candidate struct {
	Text           string  `json:"text"`
	Type           Type    `json:"phi_type"`
	CustomTypeName string  `json:"custom_type_name,omitempty"`
	Start          int     `json:"start_pos"`
	End            int     `json:"end_pos"`
	Confidence     float64 `json:"confidence"`
	Reason         string  `json:"reason,omitempty"`
	Source         string  `json:"source"`
}

// Chunk is a contiguous slice of a document. StartOffset is the global
// offset of Content[0] in the original text and is the sole state needed to
// remap chunk-local spans back to document-global spans.
type Chunk struct {
	Content     string `json:"content"`
	StartOffset int    `json:"start_offset"`
	Index       int    `json:"index"`
	Overlap     int    `json:"overlap"`
}

// Strategy selects how a masked entity is rewritten.
type Strategy string

// Supported masking strategies.
const (
	StrategyRedact       Strategy = "redact"
	StrategyMask         Strategy = "mask"
	StrategyGeneralize   Strategy = "generalize"
	StrategyPseudonymize Strategy = "pseudonymize"
	StrategyDateShift    Strategy = "dateshift"
	StrategySuppress     Strategy = "suppress"
	StrategyKeep         Strategy = "keep"
)

// Rule maps a PHI type to its masking strategy. Rules are built once per
// run and never mutated during processing.
type Rule struct {
	Strategy Strategy `yaml:"strategy" mapstructure:"strategy"`

	// Replacement overrides the default placeholder for redact/mask.
	Replacement string `yaml:"replacement" mapstructure:"replacement"`

	// Granularity controls generalization (e.g. "year" for dates).
	Granularity string `yaml:"granularity" mapstructure:"granularity"`

	// ShiftDays is the offset applied by the dateshift strategy.
	ShiftDays int `yaml:"shift_days" mapstructure:"shift_days"`
}
