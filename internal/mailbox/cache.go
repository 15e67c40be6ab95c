package mailbox

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/cyrusgo/cyrusgo/internal/fileutil"
)

// CacheRecord is one variable-width cache block (spec §3: "variable-width
// cache of envelope/bodystructure/headers"). IndexRecord.CacheOffset
// addresses the start of the block this message owns.
type CacheRecord struct {
	Envelope      string
	BodyStructure string
	Headers       map[string][]string // keyed by lowercased header name
}

type cacheFile struct {
	f    *os.File
	path string
}

func openCache(path string) (*cacheFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return nil, err
	}
	return &cacheFile{f: f, path: path}, nil
}

func (c *cacheFile) close() error { return c.f.Close() }

// append writes rec at the file's current end and returns its offset.
func (c *cacheFile) append(rec CacheRecord) (uint64, error) {
	fi, err := c.f.Stat()
	if err != nil {
		return 0, err
	}
	offset := uint64(fi.Size())

	buf := appendLenPrefixed(nil, rec.Envelope)
	buf = appendLenPrefixed(buf, rec.BodyStructure)

	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(rec.Headers)))
	buf = append(buf, tmp[:]...)
	for name, values := range rec.Headers {
		buf = appendLenPrefixed(buf, name)
		binary.BigEndian.PutUint32(tmp[:], uint32(len(values)))
		buf = append(buf, tmp[:]...)
		for _, v := range values {
			buf = appendLenPrefixed(buf, v)
		}
	}

	if _, err := c.f.Seek(0, io.SeekEnd); err != nil {
		return 0, err
	}
	if _, err := fileutil.RetryWrite(c.f, buf); err != nil {
		return 0, err
	}
	return offset, c.f.Sync()
}

// readAt decodes the cache record beginning at offset.
func (c *cacheFile) readAt(offset uint64) (CacheRecord, error) {
	fi, err := c.f.Stat()
	if err != nil {
		return CacheRecord{}, err
	}
	if offset >= uint64(fi.Size()) {
		return CacheRecord{}, ErrCorrupt
	}
	// Cache blocks have no fixed upper bound; read the remainder of the
	// file from offset and decode forward, ignoring trailing bytes that
	// belong to subsequent records.
	data := make([]byte, uint64(fi.Size())-offset)
	if _, err := c.f.ReadAt(data, int64(offset)); err != nil {
		return CacheRecord{}, err
	}

	pos := 0
	rec := CacheRecord{Headers: map[string][]string{}}
	rec.Envelope, pos, err = readLenPrefixed(data, pos)
	if err != nil {
		return CacheRecord{}, err
	}
	rec.BodyStructure, pos, err = readLenPrefixed(data, pos)
	if err != nil {
		return CacheRecord{}, err
	}
	if pos+4 > len(data) {
		return CacheRecord{}, ErrCorrupt
	}
	nHeaders := int(binary.BigEndian.Uint32(data[pos:]))
	pos += 4
	for i := 0; i < nHeaders; i++ {
		var name string
		name, pos, err = readLenPrefixed(data, pos)
		if err != nil {
			return CacheRecord{}, err
		}
		if pos+4 > len(data) {
			return CacheRecord{}, ErrCorrupt
		}
		nValues := int(binary.BigEndian.Uint32(data[pos:]))
		pos += 4
		values := make([]string, 0, nValues)
		for j := 0; j < nValues; j++ {
			var v string
			v, pos, err = readLenPrefixed(data, pos)
			if err != nil {
				return CacheRecord{}, err
			}
			values = append(values, v)
		}
		rec.Headers[name] = values
	}
	return rec, nil
}

// rewriteGeneration truncates and rewrites the whole cache file in the
// given record order, used by expunge to elide deleted messages' blocks
// and keep the index's cache-offsets referring to a compacted file (spec
// §3: "expunge compacts both index and cache, preserving monotonicity").
// It returns the new offset of each input record, in the same order.
func (c *cacheFile) rewriteGeneration(recs []CacheRecord) ([]uint64, error) {
	tmp := c.path + ".NEW"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, err
	}

	offsets := make([]uint64, len(recs))
	var pos uint64
	for i, rec := range recs {
		offsets[i] = pos
		buf := appendLenPrefixed(nil, rec.Envelope)
		buf = appendLenPrefixed(buf, rec.BodyStructure)
		var tmp4 [4]byte
		binary.BigEndian.PutUint32(tmp4[:], uint32(len(rec.Headers)))
		buf = append(buf, tmp4[:]...)
		for name, values := range rec.Headers {
			buf = appendLenPrefixed(buf, name)
			binary.BigEndian.PutUint32(tmp4[:], uint32(len(values)))
			buf = append(buf, tmp4[:]...)
			for _, v := range values {
				buf = appendLenPrefixed(buf, v)
			}
		}
		if _, err := fileutil.RetryWrite(f, buf); err != nil {
			f.Close()
			return nil, err
		}
		pos += uint64(len(buf))
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return nil, err
	}

	nf, err := os.OpenFile(c.path, os.O_RDWR, 0o640)
	if err != nil {
		return nil, err
	}
	c.f.Close()
	c.f = nf
	return offsets, nil
}
