package fileutil

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestRetryWrite(t *testing.T) {
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "f"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	buf := make([]byte, 1<<20)
	for i := range buf {
		buf[i] = byte(i)
	}
	n, err := RetryWrite(f, buf)
	if err != nil {
		t.Fatalf("RetryWrite: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("wrote %d, want %d", n, len(buf))
	}
}

func TestMappedFileRefreshOnGrowth(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mapped")
	if err := os.WriteFile(path, []byte("hello"), 0o640); err != nil {
		t.Fatal(err)
	}

	mf, err := OpenMapped(path, false)
	if err != nil {
		t.Fatal(err)
	}
	defer mf.Close()

	if got := string(mf.Bytes()); got != "hello" {
		t.Fatalf("Bytes() = %q, want %q", got, "hello")
	}

	if _, err := mf.File().WriteAt([]byte(" world"), 5); err != nil {
		t.Fatal(err)
	}
	if err := mf.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := string(mf.Bytes()); got != "hello world" {
		t.Fatalf("Bytes() after refresh = %q, want %q", got, "hello world")
	}
}

func TestLockReopenDetectsReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "locked")
	if err := os.WriteFile(path, []byte("v1"), 0o640); err != nil {
		t.Fatal(err)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o640)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	blocker, err := os.OpenFile(path, os.O_RDWR, 0o640)
	if err != nil {
		t.Fatal(err)
	}
	if nf, refreshed, err := LockReopen(blocker, path, LockExclusive); err != nil {
		t.Fatal(err)
	} else if refreshed {
		t.Fatal("unexpected refresh on first lock")
	} else {
		blocker = nf
	}

	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		tmp := path + ".new"
		os.WriteFile(tmp, []byte("v2"), 0o640)
		os.Rename(tmp, path)
		Unlock(blocker)
		blocker.Close()
	}()

	nf, refreshed, err := LockReopen(f, path, LockExclusive)
	if err != nil {
		t.Fatalf("LockReopen: %v", err)
	}
	wg.Wait()
	if !refreshed {
		t.Fatal("expected refresh after concurrent rename-over")
	}
	defer Unlock(nf)
	defer nf.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "v2" {
		t.Fatalf("data = %q, want v2", data)
	}
}
