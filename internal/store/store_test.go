package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "lessonsync.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPragmasApplied(t *testing.T) {
	s := openTestStore(t)
	db := s.DB()

	tests := []struct {
		pragma string
		want   string
	}{
		{"journal_mode", "wal"},
		{"foreign_keys", "1"},
		{"synchronous", "1"}, // NORMAL = 1
	}

	for _, tt := range tests {
		var got string
		err := db.QueryRow("PRAGMA " + tt.pragma).Scan(&got)
		if err != nil {
			t.Errorf("PRAGMA %s: %v", tt.pragma, err)
			continue
		}
		if got != tt.want {
			t.Errorf("PRAGMA %s = %q, want %q", tt.pragma, got, tt.want)
		}
	}
}

func TestKVSetGetDelete(t *testing.T) {
	s := openTestStore(t)
	repo := s.KVRepo()
	ctx := context.Background()

	if _, ok, err := repo.Get(ctx, "accessToken"); err != nil || ok {
		t.Fatalf("get missing: ok=%v err=%v", ok, err)
	}

	if err := repo.Set(ctx, "accessToken", "a1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := repo.Set(ctx, "accessToken", "a2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if err := repo.Set(ctx, "userEmail", "kid@example.com"); err != nil {
		t.Fatalf("set email: %v", err)
	}

	v, ok, err := repo.Get(ctx, "accessToken")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if v != "a2" {
		t.Errorf("value = %q, want a2", v)
	}

	if err := repo.Delete(ctx, "accessToken", "userEmail", "neverSet"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	for _, k := range []string{"accessToken", "userEmail"} {
		if _, ok, _ := repo.Get(ctx, k); ok {
			t.Errorf("%s still present after delete", k)
		}
	}
}

func TestKVSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lessonsync.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.KVRepo().Set(ctx, "refreshToken", "r1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	v, ok, err := s.KVRepo().Get(ctx, "refreshToken")
	if err != nil || !ok || v != "r1" {
		t.Fatalf("after reopen: v=%q ok=%v err=%v", v, ok, err)
	}
}

const owner = "kid@example.com"

func TestQueueSetSemantics(t *testing.T) {
	s := openTestStore(t)
	repo := s.QueueRepo()
	ctx := context.Background()

	for _, id := range []int{12, 10, 12, 11, 10} {
		if _, err := repo.Add(ctx, owner, id); err != nil {
			t.Fatalf("add %d: %v", id, err)
		}
	}

	added, err := repo.Add(ctx, owner, 11)
	if err != nil {
		t.Fatalf("add dup: %v", err)
	}
	if added {
		t.Error("duplicate add reported as new")
	}

	entries, err := repo.List(ctx, owner)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := make([]int, len(entries))
	for i, e := range entries {
		got[i] = e.TaskID
	}
	want := []int{12, 10, 11}
	if len(got) != len(want) {
		t.Fatalf("entries = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entries = %v, want %v (first-enqueued order)", got, want)
		}
	}
}

func TestQueueRemoveAndClear(t *testing.T) {
	s := openTestStore(t)
	repo := s.QueueRepo()
	ctx := context.Background()

	for _, id := range []int{1, 2, 3} {
		if _, err := repo.Add(ctx, owner, id); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if err := repo.Remove(ctx, owner, 1, 3); err != nil {
		t.Fatalf("remove: %v", err)
	}
	entries, _ := repo.List(ctx, owner)
	if len(entries) != 1 || entries[0].TaskID != 2 {
		t.Fatalf("after remove = %+v, want [2]", entries)
	}

	if err := repo.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	entries, _ = repo.List(ctx, owner)
	if len(entries) != 0 {
		t.Fatalf("after clear = %+v, want empty", entries)
	}
}

func TestQueueIsScopedToOwner(t *testing.T) {
	s := openTestStore(t)
	repo := s.QueueRepo()
	ctx := context.Background()

	adds := []struct {
		owner string
		id    int
	}{
		{owner, 1},
		{"other@example.com", 2},
		{"", 3},
		{"other@example.com", 1},
	}
	for _, a := range adds {
		if _, err := repo.Add(ctx, a.owner, a.id); err != nil {
			t.Fatalf("add %d for %q: %v", a.id, a.owner, err)
		}
	}

	ids := func(who string) []int {
		t.Helper()
		entries, err := repo.List(ctx, who)
		if err != nil {
			t.Fatalf("list %q: %v", who, err)
		}
		var got []int
		for _, e := range entries {
			got = append(got, e.TaskID)
		}
		return got
	}

	if got := ids(owner); len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("owner entries = %v, want [1 3]", got)
	}
	if got := ids(""); len(got) != 1 || got[0] != 3 {
		t.Fatalf("unowned entries = %v, want [3]", got)
	}

	if err := repo.Remove(ctx, owner, 1, 2, 3); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := ids("other@example.com"); len(got) != 2 || got[0] != 2 || got[1] != 1 {
		t.Fatalf("other entries after remove = %v, want [2 1]", got)
	}

	if err := repo.Discard(ctx, "other@example.com"); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if got := ids("other@example.com"); len(got) != 0 {
		t.Fatalf("other entries after discard = %v, want empty", got)
	}
}

func TestSnapshotSaveAndLatest(t *testing.T) {
	s := openTestStore(t)
	repo := s.SnapshotRepo()
	ctx := context.Background()

	// No snapshot yet.
	snap, err := repo.Latest(ctx)
	if err != nil {
		t.Fatalf("latest (empty): %v", err)
	}
	if snap != nil {
		t.Fatal("expected nil snapshot when none exist")
	}

	err = repo.Save(ctx, &Snapshot{
		Timestamp: time.Now(),
		Data: SnapshotData{
			Version: 1,
			Lessons: []SnapshotLesson{{ID: 2, Title: "Vowels", NumTasks: 3}},
		},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	snap, err = repo.Latest(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if snap == nil {
		t.Fatal("expected non-nil snapshot")
	}
	if len(snap.Data.Lessons) != 1 || snap.Data.Lessons[0].NumTasks != 3 {
		t.Errorf("lessons = %+v", snap.Data.Lessons)
	}
}

func TestSnapshotPrune(t *testing.T) {
	s := openTestStore(t)
	repo := s.SnapshotRepo()
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		if err := repo.Save(ctx, &Snapshot{Data: SnapshotData{Version: i + 1}}); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	if err := repo.Prune(ctx, 5); err != nil {
		t.Fatalf("prune: %v", err)
	}

	var count int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM snapshots").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 5 {
		t.Errorf("count = %d, want 5", count)
	}

	latest, _ := repo.Latest(ctx)
	if latest.Data.Version != 7 {
		t.Errorf("latest version = %d, want 7", latest.Data.Version)
	}

	if err := repo.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if latest, _ := repo.Latest(ctx); latest != nil {
		t.Error("expected no snapshot after clear")
	}
}

func TestRequestEventsAndStats(t *testing.T) {
	s := openTestStore(t)
	repo := s.EventRepo()
	ctx := context.Background()

	events := []RequestEventData{
		{Operation: "login", Status: 200, LatencyMs: 10, Success: true},
		{Operation: "free_lessons", Status: 200, LatencyMs: 20, Success: true},
		{Operation: "free_lessons", Status: 0, LatencyMs: 40, Success: false, ErrorMessage: "connection refused"},
	}
	for _, e := range events {
		if err := repo.AppendRequest(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	all, err := repo.QueryRequests(ctx, QueryOpts{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Sequence <= all[i-1].Sequence {
			t.Errorf("sequence not increasing: %d then %d", all[i-1].Sequence, all[i].Sequence)
		}
	}

	filtered, err := repo.QueryRequests(ctx, QueryOpts{Operation: "free_lessons", After: all[1].Sequence})
	if err != nil {
		t.Fatalf("filtered query: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ErrorMessage != "connection refused" {
		t.Fatalf("filtered = %+v", filtered)
	}

	stats, err := repo.RequestStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	lessons := stats[0]
	if lessons.Operation != "free_lessons" || lessons.Total != 2 || lessons.Failures != 1 || lessons.AvgLatencyMs != 30 {
		t.Errorf("free_lessons stats = %+v", lessons)
	}
}

func TestQueueOrderSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lessonsync.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, id := range []int{30, 10} {
		if _, err := s.QueueRepo().Add(ctx, owner, id); err != nil {
			t.Fatalf("add %d: %v", id, err)
		}
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.QueueRepo().Add(ctx, owner, 20); err != nil {
		t.Fatalf("add 20: %v", err)
	}

	entries, err := s.QueueRepo().List(ctx, owner)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var got []int
	for _, e := range entries {
		got = append(got, e.TaskID)
	}
	want := []int{30, 10, 20}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestSequencesAreIndependent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := s.seq.Next(ctx, "a")
		if err != nil {
			t.Fatalf("next a: %v", err)
		}
		if got != want {
			t.Errorf("a: got %d, want %d", got, want)
		}
	}
	got, err := s.seq.Next(ctx, "b")
	if err != nil {
		t.Fatalf("next b: %v", err)
	}
	if got != 1 {
		t.Errorf("b: got %d, want 1", got)
	}
}
