package checkpoint

import (
	"path/filepath"
	"testing"
)

func TestBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.db")

	t.Run("RoundTrip", func(t *testing.T) {
		store, err := NewBoltStore(path)
		if err != nil {
			t.Fatalf("NewBoltStore: %v", err)
		}
		defer store.Close()

		done, err := store.Completed("doc-1")
		if err != nil || done {
			t.Fatalf("fresh store reports doc-1 completed (%v, %v)", done, err)
		}

		if err := store.Mark(Record{DocID: "doc-1", EntityCount: 4}); err != nil {
			t.Fatalf("Mark: %v", err)
		}
		if err := store.Mark(Record{DocID: "doc-2", Failed: true}); err != nil {
			t.Fatalf("Mark: %v", err)
		}

		done, err = store.Completed("doc-1")
		if err != nil || !done {
			t.Errorf("doc-1 completed = (%v, %v), want true", done, err)
		}
		total, failed, err := store.Stats()
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if total != 2 || failed != 1 {
			t.Errorf("stats = (%d, %d), want (2, 1)", total, failed)
		}
	})

	t.Run("SurvivesReopen", func(t *testing.T) {
		store, err := NewBoltStore(path)
		if err != nil {
			t.Fatalf("reopen: %v", err)
		}
		defer store.Close()

		done, err := store.Completed("doc-1")
		if err != nil || !done {
			t.Errorf("doc-1 lost across reopen (%v, %v)", done, err)
		}
		done, _ = store.Completed("doc-2")
		if !done {
			t.Error("failed documents must still count as completed")
		}
	})
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	if err := store.Mark(Record{DocID: "a"}); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	if err := store.Mark(Record{DocID: "b", Failed: true}); err != nil {
		t.Fatalf("Mark: %v", err)
	}

	done, err := store.Completed("a")
	if err != nil || !done {
		t.Errorf("a completed = (%v, %v)", done, err)
	}
	done, _ = store.Completed("missing")
	if done {
		t.Error("unknown doc reported completed")
	}
	total, failed, _ := store.Stats()
	if total != 2 || failed != 1 {
		t.Errorf("stats = (%d, %d), want (2, 1)", total, failed)
	}
}
