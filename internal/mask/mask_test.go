package mask

import (
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/medredact/deid/internal/phi"
)

func newTestEngine(rules map[string]phi.Rule) *Engine {
	return NewEngine(rules, zap.NewNop())
}

func defaultRules() map[string]phi.Rule {
	return map[string]phi.Rule{
		string(phi.TypeName):      {Strategy: phi.StrategyPseudonymize},
		string(phi.TypePhone):     {Strategy: phi.StrategyMask},
		string(phi.TypeDate):      {Strategy: phi.StrategyGeneralize, Granularity: "year"},
		string(phi.TypeAgeOver89): {Strategy: phi.StrategyGeneralize},
		string(phi.TypeIDNumber):  {Strategy: phi.StrategyRedact},
	}
}

func TestApply(t *testing.T) {
	t.Run("RedactUsesTypePlaceholder", func(t *testing.T) {
		e := newTestEngine(defaultRules())
		doc := "ID A123456789 on file"
		res, err := e.Apply("doc-1", doc, []phi.Entity{
			{Text: "A123456789", Type: phi.TypeIDNumber, Start: 3, End: 13},
		})
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if res.Text != "ID [ID_NUMBER] on file" {
			t.Errorf("text = %q", res.Text)
		}
	})

	t.Run("MaskPreservesShape", func(t *testing.T) {
		e := newTestEngine(defaultRules())
		doc := "電話 0912-345-678"
		res, err := e.Apply("doc-1", doc, []phi.Entity{
			{Text: "0912-345-678", Type: phi.TypePhone, Start: 7, End: 19},
		})
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if !strings.HasSuffix(res.Text, "****-***-***") {
			t.Errorf("text = %q", res.Text)
		}
	})

	t.Run("GeneralizeDateToYear", func(t *testing.T) {
		e := newTestEngine(defaultRules())
		doc := "admitted 2023-04-17"
		res, err := e.Apply("doc-1", doc, []phi.Entity{
			{Text: "2023-04-17", Type: phi.TypeDate, Start: 9, End: 19},
		})
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if res.Text != "admitted 2023" {
			t.Errorf("text = %q", res.Text)
		}
	})

	t.Run("GeneralizeAgeBucket", func(t *testing.T) {
		e := newTestEngine(defaultRules())
		doc := "patient is 94歲"
		res, err := e.Apply("doc-1", doc, []phi.Entity{
			{Text: "94歲", Type: phi.TypeAgeOver89, Start: 11, End: 16},
		})
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if res.Text != "patient is 90+" {
			t.Errorf("text = %q", res.Text)
		}
	})

	t.Run("PseudonymStablePerDocument", func(t *testing.T) {
		e := newTestEngine(defaultRules())
		doc := "王大明 came back. 王大明 left."
		res, err := e.Apply("doc-1", doc, []phi.Entity{
			{Text: "王大明", Type: phi.TypeName, Start: 0, End: 9},
			{Text: "王大明", Type: phi.TypeName, Start: 21, End: 30},
		})
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if res.Manifest[0].Replacement != res.Manifest[1].Replacement {
			t.Errorf("same name must map to the same token: %q vs %q",
				res.Manifest[0].Replacement, res.Manifest[1].Replacement)
		}
		if strings.Contains(res.Text, "王大明") {
			t.Errorf("name survived masking: %q", res.Text)
		}
	})

	t.Run("PseudonymDiffersAcrossDocuments", func(t *testing.T) {
		e := newTestEngine(defaultRules())
		ent := []phi.Entity{{Text: "王大明", Type: phi.TypeName, Start: 0, End: 9}}
		a, err := e.Apply("doc-1", "王大明", ent)
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		b, err := e.Apply("doc-2", "王大明", ent)
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if a.Text == b.Text {
			t.Errorf("tokens must not be joinable across documents: %q", a.Text)
		}
	})

	t.Run("DateShiftPreservesLayout", func(t *testing.T) {
		rules := map[string]phi.Rule{
			string(phi.TypeDate): {Strategy: phi.StrategyDateShift, ShiftDays: 10},
		}
		e := newTestEngine(rules)
		cases := []struct{ in, want string }{
			{"2023-04-17", "2023-04-27"},
			{"2023年04月17日", "2023年04月27日"},
		}
		for _, tc := range cases {
			res, err := e.Apply("doc-1", tc.in, []phi.Entity{
				{Text: tc.in, Type: phi.TypeDate, Start: 0, End: len(tc.in)},
			})
			if err != nil {
				t.Fatalf("Apply(%q): %v", tc.in, err)
			}
			if res.Text != tc.want {
				t.Errorf("shift(%q) = %q, want %q", tc.in, res.Text, tc.want)
			}
		}
	})

	t.Run("UnparseableDateShiftRedacts", func(t *testing.T) {
		rules := map[string]phi.Rule{
			string(phi.TypeDate): {Strategy: phi.StrategyDateShift, ShiftDays: 10},
		}
		e := newTestEngine(rules)
		res, err := e.Apply("doc-1", "sometime last spring", []phi.Entity{
			{Text: "sometime last spring", Type: phi.TypeDate, Start: 0, End: 20},
		})
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if res.Text != "[DATE]" {
			t.Errorf("text = %q, want fail-closed redaction", res.Text)
		}
	})

	t.Run("SuppressRemovesSpanAndSeparator", func(t *testing.T) {
		rules := map[string]phi.Rule{
			string(phi.TypeName): {Strategy: phi.StrategySuppress},
		}
		e := newTestEngine(rules)
		res, err := e.Apply("doc-1", "seen by Wang, then discharged", []phi.Entity{
			{Text: "Wang", Type: phi.TypeName, Start: 8, End: 12},
		})
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if res.Text != "seen by then discharged" {
			t.Errorf("text = %q", res.Text)
		}
	})

	t.Run("KeepLeavesTextUntouched", func(t *testing.T) {
		rules := map[string]phi.Rule{
			string(phi.TypeDate): {Strategy: phi.StrategyKeep},
		}
		e := newTestEngine(rules)
		res, err := e.Apply("doc-1", "on 2023-04-17", []phi.Entity{
			{Text: "2023-04-17", Type: phi.TypeDate, Start: 3, End: 13},
		})
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if res.Text != "on 2023-04-17" {
			t.Errorf("text = %q", res.Text)
		}
	})

	t.Run("MissingRuleFailsClosed", func(t *testing.T) {
		e := newTestEngine(map[string]phi.Rule{})
		res, err := e.Apply("doc-1", "罕見疾病法布瑞氏症", []phi.Entity{
			{Text: "法布瑞氏症", Type: phi.TypeRareDisease, Start: 12, End: 27},
		})
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if !strings.Contains(res.Text, "[RARE_DISEASE]") {
			t.Errorf("unconfigured type must redact, got %q", res.Text)
		}
	})

	t.Run("CustomTypeRedactNamesTheType", func(t *testing.T) {
		e := newTestEngine(map[string]phi.Rule{})
		res, err := e.Apply("doc-1", "serial AB-1234", []phi.Entity{
			{Text: "AB-1234", Type: phi.TypeCustom, CustomTypeName: "device_serial", Start: 7, End: 14},
		})
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if res.Text != "serial [CUSTOM:DEVICE_SERIAL]" {
			t.Errorf("text = %q", res.Text)
		}
	})

	t.Run("MultipleEntitiesRewriteRightToLeft", func(t *testing.T) {
		e := newTestEngine(defaultRules())
		doc := "病患王大明，電話 0912-345-678，於 2023-04-17 就診"
		res, err := e.Apply("doc-1", doc, []phi.Entity{
			{Text: "王大明", Type: phi.TypeName, Start: 6, End: 15},
			{Text: "0912-345-678", Type: phi.TypePhone, Start: 25, End: 37},
			{Text: "2023-04-17", Type: phi.TypeDate, Start: 44, End: 54},
		})
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		for _, leak := range []string{"王大明", "0912-345-678", "2023-04-17"} {
			if strings.Contains(res.Text, leak) {
				t.Errorf("%q leaked into %q", leak, res.Text)
			}
		}
		if !strings.Contains(res.Text, "****-***-***") || !strings.Contains(res.Text, "2023") {
			t.Errorf("text = %q", res.Text)
		}
		if res.Counts[phi.TypeName] != 1 || res.Counts[phi.TypePhone] != 1 || res.Counts[phi.TypeDate] != 1 {
			t.Errorf("counts = %+v", res.Counts)
		}
	})

	t.Run("ManifestOffsetsPointIntoMaskedText", func(t *testing.T) {
		e := newTestEngine(defaultRules())
		doc := "病患王大明，電話 0912-345-678，於 2023-04-17 就診"
		res, err := e.Apply("doc-1", doc, []phi.Entity{
			{Text: "王大明", Type: phi.TypeName, Start: 6, End: 15},
			{Text: "0912-345-678", Type: phi.TypePhone, Start: 25, End: 37},
			{Text: "2023-04-17", Type: phi.TypeDate, Start: 44, End: 54},
		})
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		for _, m := range res.Manifest {
			if got := res.Text[m.NewStart:m.NewEnd]; got != m.Replacement {
				t.Errorf("manifest span selects %q, want %q", got, m.Replacement)
			}
		}
	})

	t.Run("ContainedOverlapAuditedNotDoubleMasked", func(t *testing.T) {
		e := newTestEngine(map[string]phi.Rule{
			string(phi.TypeFacility): {Strategy: phi.StrategyRedact},
			string(phi.TypeLocation): {Strategy: phi.StrategyRedact},
		})
		doc := "at Taipei General today"
		res, err := e.Apply("doc-1", doc, []phi.Entity{
			{Text: "Taipei General", Type: phi.TypeFacility, Start: 3, End: 17},
			{Text: "Taipei", Type: phi.TypeLocation, Start: 3, End: 9},
		})
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if res.Text != "at [FACILITY] today" {
			t.Errorf("text = %q", res.Text)
		}
		var covered int
		for _, m := range res.Manifest {
			if m.Covered {
				covered++
			}
		}
		if covered != 1 {
			t.Errorf("covered entries = %d, want 1", covered)
		}
	})

	t.Run("OutOfBoundsEntityFails", func(t *testing.T) {
		e := newTestEngine(defaultRules())
		_, err := e.Apply("doc-1", "short", []phi.Entity{
			{Text: "xxxxx", Type: phi.TypeName, Start: 2, End: 50},
		})
		if !errors.Is(err, phi.ErrMasking) {
			t.Errorf("error = %v, want ErrMasking", err)
		}
	})

	t.Run("NoEntitiesNoChange", func(t *testing.T) {
		e := newTestEngine(defaultRules())
		res, err := e.Apply("doc-1", "nothing sensitive here", nil)
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if res.Text != "nothing sensitive here" || len(res.Manifest) != 0 {
			t.Errorf("result = %+v", res)
		}
	})
}
