package reconcile

import (
	"errors"
	"reflect"
	"testing"

	"go.uber.org/zap"

	"github.com/medredact/deid/internal/phi"
)

func newReconciler() *Reconciler {
	return New(zap.NewNop())
}

func TestMergeChunk(t *testing.T) {
	r := newReconciler()

	t.Run("GlobalizesOffsets", func(t *testing.T) {
		chunk := phi.Chunk{Content: "call 0912-345-678 now", StartOffset: 100, Index: 1}
		got := r.MergeChunk(chunk, []phi.Candidate{
			{Text: "0912-345-678", Type: phi.TypePhone, Start: 5, End: 17, Confidence: 0.95, Source: "regex"},
		})
		if len(got) != 1 {
			t.Fatalf("got %d entities, want 1", len(got))
		}
		if got[0].Start != 105 || got[0].End != 117 {
			t.Errorf("span = [%d,%d), want [105,117)", got[0].Start, got[0].End)
		}
	})

	t.Run("RecoversShiftedOffsets", func(t *testing.T) {
		chunk := phi.Chunk{Content: "病患王大明於本院就診", StartOffset: 0}
		// Offsets two bytes off, as models often report.
		got := r.MergeChunk(chunk, []phi.Candidate{
			{Text: "王大明", Type: phi.TypeName, Start: 8, End: 17, Confidence: 0.9, Source: "llm"},
		})
		if len(got) != 1 {
			t.Fatalf("got %d entities, want 1", len(got))
		}
		if chunk.Content[got[0].Start:got[0].End] != "王大明" {
			t.Errorf("recovered span selects %q", chunk.Content[got[0].Start:got[0].End])
		}
	})

	t.Run("RecoveryPrefersNearestOccurrence", func(t *testing.T) {
		chunk := phi.Chunk{Content: "Dr. Lee saw the patient. Dr. Lee signed the note.", StartOffset: 0}
		got := r.MergeChunk(chunk, []phi.Candidate{
			{Text: "Dr. Lee", Type: phi.TypeName, Start: 24, End: 31, Confidence: 0.9, Source: "llm"},
		})
		if len(got) != 1 {
			t.Fatalf("got %d entities, want 1", len(got))
		}
		if got[0].Start != 25 {
			t.Errorf("start = %d, want second occurrence at 25", got[0].Start)
		}
	})

	t.Run("DropsHallucinatedText", func(t *testing.T) {
		chunk := phi.Chunk{Content: "no identifiers here", StartOffset: 0}
		got := r.MergeChunk(chunk, []phi.Candidate{
			{Text: "John Smith", Type: phi.TypeName, Start: 0, End: 10, Confidence: 0.9, Source: "llm"},
		})
		if len(got) != 0 {
			t.Errorf("hallucinated candidate should be dropped, got %+v", got)
		}
	})

	t.Run("UnionKeepsEverySourcesFindings", func(t *testing.T) {
		chunk := phi.Chunk{Content: "王大明 0912-345-678", StartOffset: 0}
		regex := []phi.Candidate{
			{Text: "0912-345-678", Type: phi.TypePhone, Start: 10, End: 22, Confidence: 0.95, Source: "regex"},
		}
		llm := []phi.Candidate{
			{Text: "王大明", Type: phi.TypeName, Start: 0, End: 9, Confidence: 0.9, Source: "llm"},
		}
		got := r.MergeChunk(chunk, regex, llm)
		if len(got) != 2 {
			t.Fatalf("union must keep both findings, got %d", len(got))
		}
	})
}

func TestMergeDocument(t *testing.T) {
	r := newReconciler()

	t.Run("DuplicateSpansCollapse", func(t *testing.T) {
		doc := "病患王大明，電話 0912-345-678"
		dup := []phi.Entity{
			{Text: "王大明", Type: phi.TypeName, Start: 6, End: 15, Confidence: 0.85, Source: "ner"},
			{Text: "王大明", Type: phi.TypeName, Start: 6, End: 15, Confidence: 0.95, Source: "llm"},
		}
		got, err := r.MergeDocument(doc, dup)
		if err != nil {
			t.Fatalf("MergeDocument: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("got %d entities, want 1", len(got))
		}
		if got[0].Confidence != 0.95 || got[0].Source != "llm" {
			t.Errorf("winner = %+v, want the higher-confidence llm finding", got[0])
		}
	})

	t.Run("EqualConfidenceTieGoesToLLM", func(t *testing.T) {
		doc := "王大明"
		got, err := r.MergeDocument(doc, []phi.Entity{
			{Text: "王大明", Type: phi.TypeName, Start: 0, End: 9, Confidence: 0.9, Source: "regex"},
			{Text: "王大明", Type: phi.TypeName, Start: 0, End: 9, Confidence: 0.9, Source: "llm"},
		})
		if err != nil {
			t.Fatalf("MergeDocument: %v", err)
		}
		if got[0].Source != "llm" {
			t.Errorf("source = %s, want llm on tie", got[0].Source)
		}
	})

	t.Run("StitchesEntitySplitAcrossChunks", func(t *testing.T) {
		doc := "referred to Chang Gung Memorial Hospital for surgery"
		// First chunk saw the head of the name, second chunk (shifted back
		// by the overlap) saw the whole name.
		chunkA := []phi.Entity{
			{Text: "Chang Gung", Type: phi.TypeFacility, Start: 12, End: 22, Confidence: 0.7, Source: "ner"},
		}
		chunkB := []phi.Entity{
			{Text: "Chang Gung Memorial Hospital", Type: phi.TypeFacility, Start: 12, End: 40, Confidence: 0.9, Source: "llm"},
		}
		got, err := r.MergeDocument(doc, chunkA, chunkB)
		if err != nil {
			t.Fatalf("MergeDocument: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("got %d entities, want 1 stitched", len(got))
		}
		if got[0].Start != 12 || got[0].End != 40 {
			t.Errorf("span = [%d,%d), want [12,40)", got[0].Start, got[0].End)
		}
		if got[0].Text != "Chang Gung Memorial Hospital" {
			t.Errorf("text = %q", got[0].Text)
		}
	})

	t.Run("DifferentTypeOverlapKeptAndFlagged", func(t *testing.T) {
		doc := "transferred to Taipei General on Monday"
		got, err := r.MergeDocument(doc, []phi.Entity{
			{Text: "Taipei General", Type: phi.TypeFacility, Start: 15, End: 29, Confidence: 0.8, Source: "ner"},
			{Text: "Taipei", Type: phi.TypeLocation, Start: 15, End: 21, Confidence: 0.75, Source: "llm"},
		})
		if err != nil {
			t.Fatalf("MergeDocument: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("cross-type overlap must keep both, got %d", len(got))
		}
		for _, e := range got {
			if !e.Ambiguous {
				t.Errorf("entity %q must be flagged ambiguous", e.Text)
			}
		}
	})

	t.Run("CustomTypesWithDifferentNamesStayApart", func(t *testing.T) {
		doc := "device AB-1234 lot AB-1234"
		got, err := r.MergeDocument(doc, []phi.Entity{
			{Text: "AB-1234", Type: phi.TypeCustom, CustomTypeName: "device_serial", Start: 7, End: 14, Confidence: 0.7, Source: "llm"},
			{Text: "AB-1234", Type: phi.TypeCustom, CustomTypeName: "lot_number", Start: 7, End: 14, Confidence: 0.6, Source: "llm"},
		})
		if err != nil {
			t.Fatalf("MergeDocument: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("distinct custom types must not collapse, got %d", len(got))
		}
	})

	t.Run("OutputSortedAndDeterministic", func(t *testing.T) {
		doc := "A at 0, B at 20, C at 40 ................."
		scrambled := []phi.Entity{
			{Text: "C", Type: phi.TypeName, Start: 17, End: 18, Confidence: 0.9, Source: "llm"},
			{Text: "A", Type: phi.TypeName, Start: 0, End: 1, Confidence: 0.9, Source: "llm"},
			{Text: "B", Type: phi.TypeName, Start: 8, End: 9, Confidence: 0.9, Source: "llm"},
		}
		first, err := r.MergeDocument(doc, scrambled)
		if err != nil {
			t.Fatalf("MergeDocument: %v", err)
		}
		reversed := []phi.Entity{scrambled[2], scrambled[0], scrambled[1]}
		second, err := r.MergeDocument(doc, reversed)
		if err != nil {
			t.Fatalf("MergeDocument: %v", err)
		}
		if !reflect.DeepEqual(first, second) {
			t.Errorf("result depends on input order:\n%+v\n%+v", first, second)
		}
		for i := 1; i < len(first); i++ {
			if first[i].Start < first[i-1].Start {
				t.Errorf("output not sorted at %d", i)
			}
		}
	})

	// Feeding the merge output back through the merge must be a no-op:
	// same-type duplicates, a cross-type overlap, and repeated values all
	// settle in one pass.
	t.Run("MergeIsIdempotent", func(t *testing.T) {
		doc := "病患王大明，電話 0912-345-678，轉診 Taipei General，回診 2023-04-17，覆核 2023-04-17"
		mixed := []phi.Entity{
			{Text: "王大明", Type: phi.TypeName, Start: 6, End: 15, Confidence: 0.85, Source: "ner"},
			{Text: "王大明", Type: phi.TypeName, Start: 6, End: 15, Confidence: 0.95, Source: "llm"},
			{Text: "0912-345-678", Type: phi.TypePhone, Start: 25, End: 37, Confidence: 0.95, Source: "regex"},
			{Text: "Taipei General", Type: phi.TypeFacility, Start: 47, End: 61, Confidence: 0.8, Source: "ner"},
			{Text: "Taipei", Type: phi.TypeLocation, Start: 47, End: 53, Confidence: 0.75, Source: "llm"},
			{Text: "2023-04-17", Type: phi.TypeDate, Start: 71, End: 81, Confidence: 0.9, Source: "regex"},
			{Text: "2023-04-17", Type: phi.TypeDate, Start: 91, End: 101, Confidence: 0.9, Source: "regex"},
		}
		once, err := r.MergeDocument(doc, mixed)
		if err != nil {
			t.Fatalf("MergeDocument: %v", err)
		}
		twice, err := r.MergeDocument(doc, once)
		if err != nil {
			t.Fatalf("MergeDocument on own output: %v", err)
		}
		if !reflect.DeepEqual(once, twice) {
			t.Errorf("merge is not idempotent:\n%+v\n%+v", once, twice)
		}
	})

	t.Run("OutOfBoundsSpanFails", func(t *testing.T) {
		_, err := r.MergeDocument("short", []phi.Entity{
			{Text: "xxxxx", Type: phi.TypeName, Start: 3, End: 99, Confidence: 0.9, Source: "llm"},
		})
		if !errors.Is(err, phi.ErrReconciliation) {
			t.Errorf("error = %v, want ErrReconciliation", err)
		}
	})

	t.Run("EmptyInputEmptyOutput", func(t *testing.T) {
		got, err := r.MergeDocument("clean text", nil)
		if err != nil || got != nil {
			t.Errorf("got %v, %v; want nil, nil", got, err)
		}
	})
}
