package session

import "testing"

func TestCreateRotateMatches(t *testing.T) {
	r := NewRegistry()

	p := r.Create(1)
	if p.Version != 0 {
		t.Fatalf("create version=%d, want 0", p.Version)
	}
	if !r.Matches(1, p.ID, 0) {
		t.Fatal("fresh pair must match")
	}

	p2 := r.Rotate(1)
	if p2.Version != 1 {
		t.Errorf("rotate version=%d, want 1", p2.Version)
	}
	if p2.ID == p.ID {
		t.Error("rotate must issue a new id")
	}
	if r.Matches(1, p.ID, p.Version) {
		t.Error("old pair must not match after rotate")
	}
	if !r.Matches(1, p2.ID, p2.Version) {
		t.Error("new pair must match")
	}
}

func TestMatchesRequiresBothHalves(t *testing.T) {
	r := NewRegistry()
	p := r.Create(7)
	r.Rotate(7)
	cur, _ := r.Current(7)

	if r.Matches(7, p.ID, cur.Version) {
		t.Error("stale id with fresh version must not match")
	}
	if r.Matches(7, cur.ID, p.Version) {
		t.Error("fresh id with stale version must not match")
	}
}

func TestInvalidateAndRestore(t *testing.T) {
	r := NewRegistry()
	p := r.Create(3)

	r.Invalidate(3)
	if r.Matches(3, p.ID, p.Version) {
		t.Error("invalidated box must match nothing")
	}
	if _, ok := r.Current(3); ok {
		t.Error("current after invalidate")
	}

	r.Restore(3, Pair{ID: "recovered", Version: 5})
	if !r.Matches(3, "recovered", 5) {
		t.Error("restored pair must match")
	}
}

func TestIDsAreUnique(t *testing.T) {
	r := NewRegistry()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		p := r.Rotate(1)
		if seen[p.ID] {
			t.Fatalf("duplicate id at rotation %d", i)
		}
		seen[p.ID] = true
	}
}
