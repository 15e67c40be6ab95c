package dupsuppress

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestTable(t *testing.T) *Table {
	t.Helper()
	tbl, err := Open(filepath.Join(t.TempDir(), "dupsuppress.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { tbl.Close() })
	return tbl
}

func TestCheckUnmarkedIsFalse(t *testing.T) {
	tbl := openTestTable(t)
	ok, err := tbl.Check("msg-1@example.com", "user.alice", time.Now())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if ok {
		t.Fatalf("expected no suppression record for an unmarked message-id")
	}
}

func TestMarkThenCheck(t *testing.T) {
	tbl := openTestTable(t)
	now := time.Now()

	if err := tbl.Mark("msg-2@example.com", "user.alice", now.Add(time.Hour)); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	ok, err := tbl.Check("msg-2@example.com", "user.alice", now)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !ok {
		t.Fatalf("expected suppression to hit after Mark")
	}
}

func TestExpiredRecordDoesNotSuppress(t *testing.T) {
	tbl := openTestTable(t)
	now := time.Now()

	if err := tbl.Mark("msg-3@example.com", "user.alice", now.Add(-time.Minute)); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	ok, err := tbl.Check("msg-3@example.com", "user.alice", now)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if ok {
		t.Fatalf("expected an already-expired record to not suppress")
	}
}

func TestScopeIsolation(t *testing.T) {
	tbl := openTestTable(t)
	now := time.Now()

	if err := tbl.Mark("msg-4@example.com", "user.alice", now.Add(time.Hour)); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	ok, err := tbl.Check("msg-4@example.com", VacationScope("alice"), now)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if ok {
		t.Fatalf("expected a record in one scope not to suppress a check in another scope")
	}
}

func TestPruneRemovesOnlyExpired(t *testing.T) {
	tbl := openTestTable(t)
	now := time.Now()

	if err := tbl.Mark("live@example.com", "user.bob", now.Add(time.Hour)); err != nil {
		t.Fatalf("Mark live: %v", err)
	}
	if err := tbl.Mark("dead@example.com", "user.bob", now.Add(-time.Hour)); err != nil {
		t.Fatalf("Mark dead: %v", err)
	}

	removed, err := tbl.Prune(now)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 record pruned, got %d", removed)
	}

	ok, err := tbl.Check("live@example.com", "user.bob", now)
	if err != nil {
		t.Fatalf("Check live: %v", err)
	}
	if !ok {
		t.Fatalf("expected the live record to survive pruning")
	}

	ok, err = tbl.Check("dead@example.com", "user.bob", now)
	if err != nil {
		t.Fatalf("Check dead: %v", err)
	}
	if ok {
		t.Fatalf("expected the dead record to be gone after pruning")
	}
}

func TestVacationScope(t *testing.T) {
	if got, want := VacationScope("alice"), ".alice.sieve."; got != want {
		t.Fatalf("VacationScope(%q) = %q, want %q", "alice", got, want)
	}
}
