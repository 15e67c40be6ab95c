package mailbox

import (
	"os"

	"github.com/cyrusgo/cyrusgo/internal/fileutil"
)

// indexFile wraps the mapped index file: a fixed header block followed by
// one fixed-width record per live message, in UID order (spec §3's
// "UIDs are strictly increasing along index order").
type indexFile struct {
	mf   *fileutil.MappedFile
	path string
}

func openIndex(path string, create bool) (*indexFile, error) {
	mf, err := fileutil.OpenMapped(path, create)
	if err != nil {
		return nil, err
	}
	return &indexFile{mf: mf, path: path}, nil
}

func (ix *indexFile) close() error { return ix.mf.Close() }

func (ix *indexFile) header() (indexHeader, error) {
	data := ix.mf.Bytes()
	if len(data) == 0 {
		return indexHeader{format: 1, recordSize: indexRecordSize, startOffset: indexHeaderSize}, nil
	}
	return decodeIndexHeader(data)
}

// records returns every live record in UID order.
func (ix *indexFile) records() ([]IndexRecord, error) {
	data := ix.mf.Bytes()
	if len(data) == 0 {
		return nil, nil
	}
	h, err := decodeIndexHeader(data)
	if err != nil {
		return nil, err
	}
	n := int(h.exists)
	recs := make([]IndexRecord, 0, n)
	pos := int(h.startOffset)
	for i := 0; i < n; i++ {
		if pos+indexRecordSize > len(data) {
			return nil, ErrCorrupt
		}
		r, err := decodeIndexRecord(data[pos : pos+indexRecordSize])
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
		pos += indexRecordSize
	}
	return recs, nil
}

// rewrite replaces the entire index file (header + every record) via
// temp+rename+fsync, used by both append (adds one record) and expunge
// (drops matched records). Writers must hold the index lock.
func (ix *indexFile) rewrite(h indexHeader, recs []IndexRecord) error {
	h.startOffset = indexHeaderSize
	h.recordSize = indexRecordSize
	h.exists = uint64(len(recs))

	buf := encodeIndexHeader(h)
	for _, r := range recs {
		buf = append(buf, encodeIndexRecord(r)...)
	}

	tmp := ix.path + ".NEW"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := fileutil.RetryWrite(f, buf); err != nil {
		f.Close()
		return err
	}
	// The commit point of spec §4.D's append/expunge: "the fsync of the
	// index file followed by its atomic rename."
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, ix.path); err != nil {
		return err
	}
	return ix.reopen()
}

// reopen re-maps the index after an external rename (e.g. by this same
// process's rewrite, or lock_reopen detecting a concurrent one).
func (ix *indexFile) reopen() error {
	f, err := os.OpenFile(ix.path, os.O_RDWR, 0o640)
	if err != nil {
		return err
	}
	return ix.mf.SwapFile(f)
}

// lockIndex acquires the index lock (second in the header → index → pop →
// quota → seen order), re-mapping if lock_reopen detects the file was
// replaced by a concurrent rewrite.
func (ix *indexFile) lock() (*os.File, bool, error) {
	f, refreshed, err := fileutil.LockReopen(ix.mf.File(), ix.path, fileutil.LockExclusive)
	if err != nil {
		return nil, false, err
	}
	if refreshed {
		if err := ix.mf.SwapFile(f); err != nil {
			return nil, false, err
		}
	}
	return f, refreshed, nil
}
