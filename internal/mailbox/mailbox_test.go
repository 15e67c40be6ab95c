package mailbox

import (
	"os"
	"testing"
	"time"
)

func TestCreateOpenAppendExpunge(t *testing.T) {
	root := t.TempDir()

	m, err := Create(root, "user.alice", "user.alice", "uid-alice-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	m, err = Open(root, "user.alice")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()

	uid1, err := m.Append(AppendRequest{
		Body:         []byte("From: a@b\r\n\r\nhello\r\n"),
		Size:         21,
		HeaderSize:   12,
		InternalDate: time.Unix(1000, 0),
		Cache:        CacheRecord{Envelope: "env1", BodyStructure: "bs1", Headers: map[string][]string{"from": {"a@b"}}},
	})
	if err != nil {
		t.Fatalf("Append 1: %v", err)
	}
	if uid1 != 1 {
		t.Fatalf("expected uid 1, got %d", uid1)
	}

	uid2, err := m.Append(AppendRequest{
		Body:         []byte("From: c@d\r\n\r\nworld\r\n"),
		Size:         21,
		HeaderSize:   12,
		InternalDate: time.Unix(2000, 0),
		Cache:        CacheRecord{Envelope: "env2", BodyStructure: "bs2"},
	})
	if err != nil {
		t.Fatalf("Append 2: %v", err)
	}
	if uid2 != 2 {
		t.Fatalf("expected uid 2, got %d", uid2)
	}

	sum, err := m.Summarize("alice")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if sum.Exists != 2 {
		t.Fatalf("expected 2 existing, got %d", sum.Exists)
	}
	if sum.Unseen != 2 {
		t.Fatalf("expected 2 unseen, got %d", sum.Unseen)
	}

	if err := m.MarkSeen("alice", uid1); err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}
	sum, err = m.Summarize("alice")
	if err != nil {
		t.Fatalf("Summarize after seen: %v", err)
	}
	if sum.Unseen != 1 {
		t.Fatalf("expected 1 unseen after marking uid %d seen, got %d", uid1, sum.Unseen)
	}

	recs, err := m.index.records()
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	for i := range recs {
		if recs[i].UID == uid1 {
			recs[i].SystemFlags |= FlagDeleted
		}
	}
	h, err := m.index.header()
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if err := m.index.rewrite(h, recs); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	expunged, err := m.Expunge(nil)
	if err != nil {
		t.Fatalf("Expunge: %v", err)
	}
	if len(expunged) != 1 || expunged[0] != uid1 {
		t.Fatalf("expected uid %d expunged, got %v", uid1, expunged)
	}

	sum, err = m.Summarize("alice")
	if err != nil {
		t.Fatalf("Summarize after expunge: %v", err)
	}
	if sum.Exists != 1 {
		t.Fatalf("expected 1 remaining after expunge, got %d", sum.Exists)
	}

	if _, err := os.Stat(messagePath(m.Dir, uid1)); !os.IsNotExist(err) {
		t.Fatalf("expected message file for uid %d to be removed, stat err = %v", uid1, err)
	}
	if _, err := os.Stat(messagePath(m.Dir, uid2)); err != nil {
		t.Fatalf("expected message file for uid %d to survive: %v", uid2, err)
	}
}

func TestCreateDuplicateFails(t *testing.T) {
	root := t.TempDir()
	m, err := Create(root, "user.bob", "user.bob", "uid-bob-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	m.Close()

	if _, err := Create(root, "user.bob", "user.bob", "uid-bob-2"); err == nil {
		t.Fatalf("expected second Create of the same mailbox to fail")
	}
}

func TestOpenNonexistentFails(t *testing.T) {
	root := t.TempDir()
	if _, err := Open(root, "user.nobody"); err == nil {
		t.Fatalf("expected Open of a nonexistent mailbox to fail")
	}
}

func TestAppendRespectsQuota(t *testing.T) {
	root := t.TempDir()
	m, err := Create(root, "user.carol", "user.carol", "uid-carol-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer m.Close()

	if err := writeQuota(quotaPath(root, "user.carol"), Quota{Used: 100, Limit: 100}); err != nil {
		t.Fatalf("writeQuota: %v", err)
	}

	_, err = m.Append(AppendRequest{
		Body:         []byte("x"),
		Size:         1,
		InternalDate: time.Unix(1, 0),
	})
	if err == nil {
		t.Fatalf("expected quota-exceeded append to fail")
	}
}

func TestDeleteRemovesMailbox(t *testing.T) {
	root := t.TempDir()
	m, err := Create(root, "user.dave", "user.dave", "uid-dave-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	dir := m.Dir
	m.Close()

	if err := Delete(root, "user.dave"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected mailbox dir to be gone, stat err = %v", err)
	}
	if _, err := Open(root, "user.dave"); err == nil {
		t.Fatalf("expected Open after Delete to fail")
	}
}

func TestNewUIDValidityMonotonic(t *testing.T) {
	a := NewUIDValidity()
	b := NewUIDValidity()
	if b <= a {
		t.Fatalf("expected strictly increasing uidvalidity, got %d then %d", a, b)
	}
}

func TestCopyAssignsFreshUIDsAndChargesDestQuota(t *testing.T) {
	root := t.TempDir()

	src, err := Create(root, "user.eve", "user.eve", "uid-eve-1")
	if err != nil {
		t.Fatalf("Create src: %v", err)
	}
	defer src.Close()
	dest, err := Create(root, "user.eve.Archive", "user.eve", "uid-eve-2")
	if err != nil {
		t.Fatalf("Create dest: %v", err)
	}
	defer dest.Close()

	uid, err := src.Append(AppendRequest{
		Body:         []byte("From: a@b\r\n\r\nhello\r\n"),
		Size:         21,
		HeaderSize:   12,
		InternalDate: time.Unix(1000, 0),
		Cache:        CacheRecord{Envelope: "env1"},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	results, err := Copy(src, dest, []uint32{uid}, true)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if len(results) != 1 || results[0].SrcUID != uid || results[0].DestUID != 1 {
		t.Fatalf("unexpected copy results: %+v", results)
	}

	destRecs, err := dest.index.records()
	if err != nil {
		t.Fatalf("dest records: %v", err)
	}
	if len(destRecs) != 1 || destRecs[0].UID != 1 {
		t.Fatalf("expected dest to hold one record at UID 1, got %+v", destRecs)
	}
	if _, err := os.Stat(messagePath(dest.Dir, 1)); err != nil {
		t.Fatalf("expected copied message file to exist: %v", err)
	}

	srcRecs, err := src.index.records()
	if err != nil {
		t.Fatalf("src records: %v", err)
	}
	if len(srcRecs) != 1 || srcRecs[0].UID != uid {
		t.Fatalf("expected src to be untouched by Copy, got %+v", srcRecs)
	}

	q, err := readQuota(quotaPath(root, "user.eve"))
	if err != nil {
		t.Fatalf("readQuota: %v", err)
	}
	if q.Used != 42 {
		t.Fatalf("expected quota root user.eve to hold 42 bytes (21 from the source append, 21 from the copy), got %d", q.Used)
	}
}

func TestRenameMovesMessagesAndDeletesSource(t *testing.T) {
	root := t.TempDir()

	src, err := Create(root, "user.frank", "user.frank", "uid-frank-1")
	if err != nil {
		t.Fatalf("Create src: %v", err)
	}
	if _, err := src.Append(AppendRequest{
		Body:         []byte("From: a@b\r\n\r\nhello\r\n"),
		Size:         21,
		HeaderSize:   12,
		InternalDate: time.Unix(1000, 0),
		Cache:        CacheRecord{Envelope: "env1"},
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	srcDir := src.Dir
	if err := src.Close(); err != nil {
		t.Fatalf("Close src: %v", err)
	}

	dest, err := Rename(root, root, "user.frank", "user.frankie", "user.frankie", false, true)
	if err != nil {
		t.Fatalf("Rename: %v", err)
	}
	defer dest.Close()

	sum, err := dest.Summarize("frank")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if sum.Exists != 1 {
		t.Fatalf("expected 1 message in the renamed mailbox, got %d", sum.Exists)
	}

	if _, err := os.Stat(srcDir); !os.IsNotExist(err) {
		t.Fatalf("expected source mailbox dir to be gone after rename, stat err = %v", err)
	}
	if _, err := Open(root, "user.frank"); err == nil {
		t.Fatalf("expected Open of the old name to fail after rename")
	}
}

func TestRenameSameNameAndRootIsNoOp(t *testing.T) {
	root := t.TempDir()
	m, err := Create(root, "user.grace", "user.grace", "uid-grace-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	wantHeader, err := m.index.header()
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	again, err := Rename(root, root, "user.grace", "user.grace", "user.grace", false, true)
	if err != nil {
		t.Fatalf("Rename no-op: %v", err)
	}
	defer again.Close()
	gotHeader, err := again.index.header()
	if err != nil {
		t.Fatalf("header after no-op rename: %v", err)
	}
	if gotHeader.uidValidity != wantHeader.uidValidity {
		t.Fatalf("expected uidvalidity unchanged by a same-name, same-root rename, got %d want %d", gotHeader.uidValidity, wantHeader.uidValidity)
	}
}
