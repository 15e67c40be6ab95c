// Package singleinstance implements the single-instance delivery stage of
// spec §4.E: a message is staged once, fsynced, then hard-linked into every
// destination mailbox so that a delivery with N recipients costs one disk
// write instead of N.
package singleinstance

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Staged is one staged message awaiting link-out to its destinations.
type Staged struct {
	path     string
	released bool
}

// stageDir returns the hostname-tagged staging directory of spec §4.E
// ("staged in a hostname-tagged spool directory").
func stageDir(spoolRoot, hostname string) string {
	return filepath.Join(spoolRoot, "stage", hostname)
}

// Stage writes body to a fresh staging file under spoolRoot, fsyncs it,
// and returns a handle used to link it into destination mailboxes.
func Stage(spoolRoot, hostname string, body []byte) (*Staged, error) {
	dir := stageDir(spoolRoot, hostname)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}

	path := filepath.Join(dir, uuid.NewString())
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, err
	}

	return &Staged{path: path}, nil
}

// Path returns the staged file's location on disk. This is what a caller
// composing an IndexRecord/CacheRecord needs to stat for size/header
// offsets before calling LinkInto.
func (s *Staged) Path() string { return s.path }

// LinkInto hard-links the staged message into every path in dests, keyed
// by the destination's UID-derived filename. If any link fails, every
// link already made is removed and an error is returned — so either every
// destination has the message or none does (spec §4.E).
func (s *Staged) LinkInto(dests []string) error {
	linked := make([]string, 0, len(dests))
	for _, dest := range dests {
		if err := os.Link(s.path, dest); err != nil {
			for _, d := range linked {
				os.Remove(d)
			}
			return fmt.Errorf("singleinstance: link %s: %w", dest, err)
		}
		linked = append(linked, dest)
	}
	return nil
}

// Release unlinks the staging file once the delivery pipeline has
// dispatched every recipient (spec §4.E: "released by the delivery
// pipeline once all recipients have been dispatched"). Idempotent.
func (s *Staged) Release() error {
	if s.released {
		return nil
	}
	s.released = true
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
