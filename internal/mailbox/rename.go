package mailbox

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cyrusgo/cyrusgo/internal/fileutil"
	"github.com/cyrusgo/cyrusgo/internal/mailerr"
)

// CopyResult pairs a source UID with the UID it was assigned in the
// destination mailbox (spec §4.D "Copy").
type CopyResult struct {
	SrcUID  uint32
	DestUID uint32
}

// Copy copies the messages identified by srcUIDs from src into dest,
// allocating fresh destination UIDs — the colocated path of spec §4.D:
// "index/cache records are copied and new UIDs are allocated in the
// destination; the underlying message files are linked if
// single-instance is enabled, otherwise the bytes are streamed through a
// temp file." The non-colocated case ("delegated to the delivery
// pipeline to fetch and re-append") is deliberately not this function's
// job: internal/proxy.CrossServerCopy expresses that path against
// caller-supplied Fetcher/Appender closures instead.
//
// Locks both mailboxes' index files, in a fixed order by directory path
// so two concurrent copies running in opposite directions can't
// deadlock. All-or-nothing: the destination index is rewritten exactly
// once, at the end, so a failure partway through only has to unlink the
// destination message files already written, never touch an
// already-committed index.
func Copy(src, dest *Mailbox, srcUIDs []uint32, singleInstance bool) ([]CopyResult, error) {
	first, second := src, dest
	if dest.Dir < src.Dir {
		first, second = dest, src
	}
	f1, _, err := first.index.lock()
	if err != nil {
		return nil, mailerr.New(mailerr.Io, err)
	}
	defer fileutil.Unlock(f1)
	if second != first {
		f2, _, err := second.index.lock()
		if err != nil {
			return nil, mailerr.New(mailerr.Io, err)
		}
		defer fileutil.Unlock(f2)
	}

	srcRecs, err := src.index.records()
	if err != nil {
		return nil, mailerr.New(mailerr.MailboxBadFormat, err)
	}
	byUID := make(map[uint32]IndexRecord, len(srcRecs))
	for _, r := range srcRecs {
		byUID[r.UID] = r
	}

	destH, err := dest.index.header()
	if err != nil {
		return nil, mailerr.New(mailerr.MailboxBadFormat, err)
	}
	destRecs, err := dest.index.records()
	if err != nil {
		return nil, mailerr.New(mailerr.MailboxBadFormat, err)
	}

	var totalSize int64
	for _, uid := range srcUIDs {
		r, ok := byUID[uid]
		if !ok {
			return nil, mailerr.New(mailerr.MailboxBadFormat, ErrUIDNotFound)
		}
		totalSize += int64(r.Size)
	}
	if exceed, err := wouldExceed(dest.SpoolRoot, dest.hdr.QuotaRoot, totalSize); err != nil {
		return nil, mailerr.New(mailerr.Io, err)
	} else if exceed {
		return nil, mailerr.New(mailerr.QuotaExceeded, ErrQuotaExceeded)
	}

	var results []CopyResult
	var written []string
	rollback := func() {
		for _, p := range written {
			os.Remove(p)
		}
	}

	nextUID := destH.lastUID
	for _, uid := range srcUIDs {
		r := byUID[uid]
		cr, err := src.cache.readAt(r.CacheOffset)
		if err != nil {
			rollback()
			return nil, mailerr.New(mailerr.MailboxBadFormat, err)
		}
		newOffset, err := dest.cache.append(cr)
		if err != nil {
			rollback()
			return nil, mailerr.New(mailerr.Io, err)
		}

		nextUID++
		srcPath := messagePath(src.Dir, r.UID)
		destPath := messagePath(dest.Dir, nextUID)
		if err := copyMessageFile(srcPath, destPath, singleInstance); err != nil {
			rollback()
			return nil, mailerr.New(mailerr.Io, err)
		}
		written = append(written, destPath)

		nr := r
		nr.UID = nextUID
		nr.CacheOffset = newOffset
		nr.LastUpdated = time.Now().Unix()
		destRecs = append(destRecs, nr)
		results = append(results, CopyResult{SrcUID: uid, DestUID: nextUID})
	}

	destH.lastUID = nextUID
	destH.quotaUsed += uint64(totalSize)
	destH.generation++
	if err := dest.index.rewrite(destH, destRecs); err != nil {
		rollback()
		return nil, mailerr.New(mailerr.Io, err)
	}

	if totalSize > 0 {
		if _, err := chargeQuota(dest.SpoolRoot, dest.hdr.QuotaRoot, totalSize); err != nil {
			dest.Log.Error("quota charge failed after copy", err)
		}
	}
	return results, nil
}

// copyMessageFile reproduces mailbox_copyfile's link-then-copy fallback
// (original_source/imap/mailbox.c): try a hard link first when
// single-instance storage is enabled, then fall back to a streamed
// temp-file copy (e.g. because the link crosses a filesystem boundary).
func copyMessageFile(srcPath, destPath string, singleInstance bool) error {
	os.Remove(destPath) // makes the link attempt possible if it already exists
	if singleInstance {
		if err := os.Link(srcPath, destPath); err == nil {
			return nil
		}
	}

	data, err := os.ReadFile(srcPath)
	if err != nil {
		return err
	}
	tmp := destPath + ".NEW"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := fileutil.RetryWrite(f, data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, destPath)
}

// Rename implements spec §4.D's "Rename": create the destination
// mailbox (reserving its name), replicate header flags and ACL, copy
// every index/cache record and message file via Copy, copy the per-user
// seen state, charge quota against the destination, and on success
// either expunge the source (INBOX) or delete it outright. Any failure
// before that commit point unwinds everything written into the
// destination and leaves the source untouched.
//
// destSpoolRoot lets a rename move a mailbox across partitions (spool
// roots) without renaming it — spec §8's boundary case, "a rename where
// source == destination is a no-op that still bumps uidvalidity only if
// the partition changes," models "partition" as spoolRoot in this
// layout, since hash_mbox's bucket is otherwise a pure function of the
// name and can't itself change under an unchanged name.
func Rename(srcSpoolRoot, destSpoolRoot, srcInternal, destInternal, destQuotaRoot string, isInbox, singleInstance bool) (*Mailbox, error) {
	if srcInternal == destInternal && srcSpoolRoot == destSpoolRoot {
		return Open(srcSpoolRoot, srcInternal)
	}

	src, err := Open(srcSpoolRoot, srcInternal)
	if err != nil {
		return nil, err
	}

	dest, err := Create(destSpoolRoot, destInternal, destQuotaRoot, src.hdr.UniqueID)
	if err != nil {
		src.Close()
		return nil, err
	}

	destHdr := dest.hdr
	destHdr.UserFlags = append([]string(nil), src.hdr.UserFlags...)
	destHdr.ACL = make(map[string]string, len(src.hdr.ACL))
	for k, v := range src.hdr.ACL {
		destHdr.ACL[k] = v
	}
	if err := writeHeaderFile(headerPath(dest.Dir), destHdr); err != nil {
		src.Close()
		rollbackRename(dest)
		return nil, mailerr.New(mailerr.Io, err)
	}
	dest.hdr = destHdr

	srcRecs, err := src.index.records()
	if err != nil {
		src.Close()
		rollbackRename(dest)
		return nil, mailerr.New(mailerr.MailboxBadFormat, err)
	}
	uids := make([]uint32, len(srcRecs))
	for i, r := range srcRecs {
		uids[i] = r.UID
	}

	if _, err := Copy(src, dest, uids, singleInstance); err != nil {
		src.Close()
		rollbackRename(dest)
		return nil, err
	}

	if err := copySeenFiles(src.Dir, dest.Dir); err != nil {
		src.Close()
		rollbackRename(dest)
		return nil, mailerr.New(mailerr.Io, err)
	}

	// Commit point crossed: the destination now holds everything. From
	// here on, failures are logged, not unwound — the rename has already
	// succeeded from the caller's point of view.
	if isInbox {
		if _, err := src.Expunge(func(IndexRecord) bool { return true }); err != nil {
			dest.Log.Error("failed to expunge source inbox after rename", err)
		}
		src.Close()
	} else {
		src.Close()
		if err := Delete(srcSpoolRoot, srcInternal); err != nil {
			dest.Log.Error("failed to delete source mailbox after rename", err)
		}
	}

	return dest, nil
}

// rollbackRename closes and removes every file Rename wrote into a
// freshly created destination mailbox, per spec §4.D: "If any step
// fails, unlink everything written into the destination and leave the
// source untouched."
func rollbackRename(dest *Mailbox) {
	dir := dest.Dir
	dest.Close()
	os.RemoveAll(dir)
}

// copySeenFiles duplicates every per-user seen state file from srcDir
// into destDir (spec §4.D Rename: "copy the per-user seen state").
func copySeenFiles(srcDir, destDir string) error {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "seen.") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(srcDir, name))
		if err != nil {
			return err
		}
		if err := rewriteViaTemp(filepath.Join(destDir, name), data); err != nil {
			return err
		}
	}
	return nil
}
