package singleinstance

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStageWritesFsyncedFile(t *testing.T) {
	root := t.TempDir()
	s, err := Stage(root, "mx1", []byte("hello world"))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	defer s.Release()

	data, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("staged content = %q, want %q", data, "hello world")
	}
}

func TestLinkIntoAllDestinations(t *testing.T) {
	root := t.TempDir()
	s, err := Stage(root, "mx1", []byte("body"))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}

	destDir := t.TempDir()
	dests := []string{
		filepath.Join(destDir, "1."),
		filepath.Join(destDir, "2."),
		filepath.Join(destDir, "3."),
	}
	if err := s.LinkInto(dests); err != nil {
		t.Fatalf("LinkInto: %v", err)
	}
	for _, d := range dests {
		if _, err := os.Stat(d); err != nil {
			t.Fatalf("expected %s to exist: %v", d, err)
		}
	}

	if err := s.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	// Hard links survive staging-file removal.
	for _, d := range dests {
		if _, err := os.Stat(d); err != nil {
			t.Fatalf("expected %s to survive Release: %v", d, err)
		}
	}
}

func TestLinkIntoRollsBackOnFailure(t *testing.T) {
	root := t.TempDir()
	s, err := Stage(root, "mx1", []byte("body"))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	defer s.Release()

	destDir := t.TempDir()
	good := filepath.Join(destDir, "1.")
	// A destination under a nonexistent directory component always fails
	// the link, forcing the rollback path.
	bad := filepath.Join(destDir, "nosuchdir", "2.")

	if err := s.LinkInto([]string{good, bad}); err == nil {
		t.Fatalf("expected LinkInto to fail when one destination can't be linked")
	}
	if _, err := os.Stat(good); !os.IsNotExist(err) {
		t.Fatalf("expected the first successful link to be rolled back, stat err = %v", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	root := t.TempDir()
	s, err := Stage(root, "mx1", []byte("body"))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if err := s.Release(); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := s.Release(); err != nil {
		t.Fatalf("second Release should be a no-op, got: %v", err)
	}
}
