// Package fileutil implements the file I/O primitives of spec §4.A: a
// scoped memory mapping with re-map-on-growth, a retrying bounded writer,
// and the lock_reopen protocol used by every higher layer (skiplist
// database, mailbox header/index/cache) to detect that a file was
// replaced out from under a blocked lock waiter.
package fileutil

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MappedFile owns an *os.File and its current mmap region. Callers must
// call Close to unmap and close the file on every exit path.
type MappedFile struct {
	f    *os.File
	data []byte
}

// OpenMapped opens path read-write (creating it if create is true) and
// maps its current contents. A zero-length file is mapped as a nil slice;
// callers append via retry_write and call Refresh before reading back.
func OpenMapped(path string, create bool) (*MappedFile, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o640)
	if err != nil {
		return nil, err
	}
	mf := &MappedFile{f: f}
	if err := mf.mapCurrent(); err != nil {
		f.Close()
		return nil, err
	}
	return mf, nil
}

func (m *MappedFile) mapCurrent() error {
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			return err
		}
		m.data = nil
	}
	fi, err := m.f.Stat()
	if err != nil {
		return err
	}
	size := fi.Size()
	if size == 0 {
		return nil
	}
	data, err := unix.Mmap(int(m.f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("fileutil: mmap: %w", err)
	}
	m.data = data
	return nil
}

// Refresh re-maps the file when it has grown (or shrunk) since the last
// map, implementing map_refresh(fd, offset, len) from spec §4.A. Callers
// that hold a stale []byte slice from Bytes() must call Refresh and
// re-fetch Bytes() before trusting offsets beyond the old length.
func (m *MappedFile) Refresh() error {
	return m.mapCurrent()
}

// Bytes returns the current mapped region. It is invalidated by the next
// call to Refresh; callers must not retain it across a Refresh.
func (m *MappedFile) Bytes() []byte { return m.data }

// File returns the underlying *os.File for Stat/Seek/retry_write use.
func (m *MappedFile) File() *os.File { return m.f }

// SwapFile replaces the underlying file with f (already locked by the
// caller) and re-maps its current contents. Used after LockReopen
// reports that the path was replaced while the caller was blocked.
func (m *MappedFile) SwapFile(f *os.File) error {
	if m.data != nil {
		unix.Munmap(m.data)
		m.data = nil
	}
	m.f.Close()
	m.f = f
	return m.mapCurrent()
}

// Close unmaps and closes the file. Safe to call once; further use of
// the MappedFile after Close is undefined, matching the C original's
// "scoped acquisition... guaranteed release on all exit paths" contract.
func (m *MappedFile) Close() error {
	var err error
	if m.data != nil {
		err = unix.Munmap(m.data)
		m.data = nil
	}
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	return err
}
