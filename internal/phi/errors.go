package phi

import "errors"

// Error taxonomy for the de-identification pipeline. Containment boundaries:
// per-tool errors stay inside the chunk, per-chunk errors inside the
// document, per-document errors inside the batch. Only configuration errors
// abort a run.
var (
	// ErrConfiguration marks invalid pipeline setup. Fatal, never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrDetection marks a detector tool failure on a chunk. The chunk
	// proceeds with the remaining detectors.
	ErrDetection = errors.New("detection error")

	// ErrLLMTimeout marks an LLM call that exceeded its deadline. The
	// chunk's LLM result degrades to empty after bounded retries.
	ErrLLMTimeout = errors.New("llm timeout")

	// ErrLLMParse marks an LLM response that failed every parse fallback.
	ErrLLMParse = errors.New("llm parse error")

	// ErrReconciliation marks an internal invariant violation (e.g.
	// recovered offsets out of chunk bounds). Fatal for the document.
	ErrReconciliation = errors.New("reconciliation error")

	// ErrMasking marks a masking failure. Should not occur given the
	// fail-closed default; treated as a configuration error when it does.
	ErrMasking = errors.New("masking error")
)
