// Package detect contains the fast, non-LLM PHI detector tools. Tools are
// stateless scanners: each Scan call is independent, so tools are safe to
// share across concurrently processed chunks. Tools have high precision on
// structured PHI but incomplete recall on free text, which is why their
// results are always merged with the LLM identifier's, never used alone.
package detect

import "github.com/medredact/deid/internal/phi"

// Tool is a single PHI detector. Scan returns chunk-local candidates; an
// empty result is a valid "no PHI found", not an error. Errors are reserved
// for malformed input or backend failures and are contained per chunk.
type Tool interface {
	Name() string
	Scan(text string) ([]phi.Candidate, error)
}
