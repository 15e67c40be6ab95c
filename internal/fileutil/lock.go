package fileutil

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// ErrNeedsRefresh names the condition LockReopen reports through its bool
// result when the file's inode changed while the caller was blocked
// acquiring the lock; LockReopen itself never returns this error. On that
// report the caller MUST drop any cached metadata (header fields, index
// length, ...) before continuing, per spec §4.A's contract.
var ErrNeedsRefresh = errors.New("fileutil: lock acquired after file was replaced, refresh required")

// LockKind selects shared (reader) or exclusive (writer) advisory locking.
type LockKind int

const (
	LockShared LockKind = iota
	LockExclusive
)

// LockReopen acquires an advisory lock on f (opened from path) and detects
// whether path was replaced (e.g. by a checkpoint's rename-over, or a
// mailbox rewrite via temp+rename) while the caller was blocked. It
// returns the (possibly reopened) *os.File, whether a refresh is needed,
// and an error.
//
// Implements lock_reopen from spec §4.A: "acquires an exclusive file lock
// and, if the file's inode changed while we blocked, closes and reopens
// the path and reports a refresh outcome to the caller".
func LockReopen(f *os.File, path string, kind LockKind) (*os.File, bool, error) {
	before, err := f.Stat()
	if err != nil {
		return f, false, err
	}

	how := unix.LOCK_EX
	if kind == LockShared {
		how = unix.LOCK_SH
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		return f, false, err
	}

	after, err := os.Stat(path)
	if err != nil {
		// The path vanished entirely (e.g. mailbox deleted mid-lock);
		// surface that as a plain error rather than a refresh,
		// since there is nothing to reopen.
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		return f, false, err
	}

	sameInode := os.SameFile(before, after)
	if sameInode {
		return f, false, nil
	}

	// The inode changed: someone replaced path while we were blocked.
	// Drop our lock on the stale fd, reopen, and re-acquire.
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	f.Close()

	flags := os.O_RDWR
	nf, err := os.OpenFile(path, flags, 0o640)
	if err != nil {
		return nil, false, err
	}
	if err := unix.Flock(int(nf.Fd()), how); err != nil {
		nf.Close()
		return nil, false, err
	}
	return nf, true, nil
}

// Unlock releases the advisory lock acquired by LockReopen.
func Unlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
