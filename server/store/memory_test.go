package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBoxLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := &BoxRecord{
		BoxID:          1,
		Categorie:      "U16",
		RoutesCount:    2,
		HoldsCounts:    []int{30, 25},
		TimerPresetSec: 300,
		Competitors:    []RosterEntry{{Name: "Ana", Club: "North"}},
		CreatedAt:      time.Now(),
	}
	if err := s.SaveBox(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	boxes, err := s.ListBoxes(ctx)
	if err != nil || len(boxes) != 1 {
		t.Fatalf("list: %v, n=%d", err, len(boxes))
	}
	if boxes[0].Categorie != "U16" || len(boxes[0].Competitors) != 1 {
		t.Errorf("record mangled: %+v", boxes[0])
	}

	// Returned records are copies.
	boxes[0].Categorie = "mutated"
	boxes, _ = s.ListBoxes(ctx)
	if boxes[0].Categorie != "U16" {
		t.Error("list must return copies")
	}

	if err := s.DeleteBox(ctx, 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	boxes, _ = s.ListBoxes(ctx)
	if len(boxes) != 0 {
		t.Errorf("after delete n=%d", len(boxes))
	}
}

func TestMemorySnapshotLastWriteWins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if data, err := s.GetBoxSnapshot(ctx, 1); err != nil || data != nil {
		t.Fatalf("missing snapshot: %v, %v", data, err)
	}

	s.SaveBoxSnapshot(ctx, 1, []byte(`{"v":1}`))
	s.SaveBoxSnapshot(ctx, 1, []byte(`{"v":2}`))
	data, err := s.GetBoxSnapshot(ctx, 1)
	if err != nil || string(data) != `{"v":2}` {
		t.Fatalf("got %s, %v", data, err)
	}

	s.DeleteBox(ctx, 1)
	if data, _ := s.GetBoxSnapshot(ctx, 1); data != nil {
		t.Error("delete must drop the snapshot")
	}
}

func TestMemorySpectatorTokenTTL(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if ok, _ := s.CheckSpectatorToken(ctx, "nope"); ok {
		t.Error("unknown token accepted")
	}

	s.PutSpectatorToken(ctx, "tok", time.Hour)
	if ok, _ := s.CheckSpectatorToken(ctx, "tok"); !ok {
		t.Error("fresh token rejected")
	}

	s.PutSpectatorToken(ctx, "expired", -time.Second)
	if ok, _ := s.CheckSpectatorToken(ctx, "expired"); ok {
		t.Error("expired token accepted")
	}
}

func TestMemoryIdempotency(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetIdempotencyRecord(ctx, "k"); err == nil {
		t.Error("missing key must error")
	}

	s.SetIdempotencyRecord(ctx, "k", "v", time.Hour)
	v, err := s.GetIdempotencyRecord(ctx, "k")
	if err != nil || v != "v" {
		t.Fatalf("got %q, %v", v, err)
	}

	s.SetIdempotencyRecord(ctx, "old", "v", -time.Second)
	if _, err := s.GetIdempotencyRecord(ctx, "old"); err == nil {
		t.Error("expired record returned")
	}
}

func TestMemoryRankings(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	score := 12.5
	rec := &RankingRecord{
		Categorie:  "U16",
		RouteCount: 1,
		Scores:     map[string][]*float64{"Ana": {&score}},
		Times:      map[string][]*float64{},
		SavedAt:    time.Now(),
	}
	if err := s.SaveRanking(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Same category overwrites.
	s.SaveRanking(ctx, &RankingRecord{Categorie: "U16", RouteCount: 2})
	list, err := s.ListRankings(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v, n=%d", err, len(list))
	}
	if list[0].RouteCount != 2 {
		t.Errorf("overwrite failed: %+v", list[0])
	}
}
