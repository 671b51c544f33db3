package registry

import "testing"

func TestRegisterAndGet(t *testing.T) {
	r := New()
	r.Register(101, Entry{ModelID: "qwen-7b", Port: 8081})

	e, ok := r.Get(101)
	if !ok {
		t.Fatal("expected entry for pid 101")
	}
	if e.ModelID != "qwen-7b" || e.Port != 8081 {
		t.Fatalf("unexpected entry: %+v", e)
	}

	if _, ok := r.Get(999); ok {
		t.Fatal("expected no entry for unknown pid")
	}
}

func TestAllIsSnapshot(t *testing.T) {
	r := New()
	r.Register(1, Entry{ModelID: "a"})
	r.Register(2, Entry{ModelID: "b"})

	snap := r.All()
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap))
	}

	r.Register(3, Entry{ModelID: "c"})
	if len(snap) != 2 {
		t.Fatal("snapshot must not observe later mutations")
	}
}

func TestUpdateCategoryForModel(t *testing.T) {
	r := New()
	r.Register(1, Entry{ModelID: "vision-lols-router"})
	r.Register(2, Entry{ModelID: "qwen-7b"})

	r.UpdateCategoryForModel("lols-router", "classifier")

	e1, _ := r.Get(1)
	if e1.Category != "classifier" {
		t.Fatalf("expected substring match to update category, got %q", e1.Category)
	}

	e2, _ := r.Get(2)
	if e2.Category != "" {
		t.Fatalf("expected unrelated entry untouched, got %q", e2.Category)
	}
}
