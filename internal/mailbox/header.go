package mailbox

import (
	"encoding/binary"
	"os"

	"github.com/cyrusgo/cyrusgo/internal/fileutil"
)

// Header is the mutable, rewrite-via-temp+rename metadata block of spec §3
// (quota root, unique-id, user-flag names, ACL).
type Header struct {
	QuotaRoot string
	UniqueID  string
	UserFlags []string          // index i names bit i of IndexRecord.UserFlags
	ACL       map[string]string // identifier -> rights string
}

// readHeader decodes a Header from a fully-buffered header file.
func readHeader(data []byte) (Header, error) {
	if len(data) < headerFixedSize || string(data[:8]) != string(headerMagic[:]) {
		return Header{}, ErrCorrupt
	}
	pos := headerFixedSize

	h := Header{ACL: map[string]string{}}
	var err error
	h.QuotaRoot, pos, err = readLenPrefixed(data, pos)
	if err != nil {
		return Header{}, err
	}
	h.UniqueID, pos, err = readLenPrefixed(data, pos)
	if err != nil {
		return Header{}, err
	}

	if pos+4 > len(data) {
		return Header{}, ErrCorrupt
	}
	nFlags := int(binary.BigEndian.Uint32(data[pos:]))
	pos += 4
	for i := 0; i < nFlags; i++ {
		var flag string
		flag, pos, err = readLenPrefixed(data, pos)
		if err != nil {
			return Header{}, err
		}
		h.UserFlags = append(h.UserFlags, flag)
	}

	if pos+4 > len(data) {
		return Header{}, ErrCorrupt
	}
	nACL := int(binary.BigEndian.Uint32(data[pos:]))
	pos += 4
	for i := 0; i < nACL; i++ {
		var id, rights string
		id, pos, err = readLenPrefixed(data, pos)
		if err != nil {
			return Header{}, err
		}
		rights, pos, err = readLenPrefixed(data, pos)
		if err != nil {
			return Header{}, err
		}
		h.ACL[id] = rights
	}
	return h, nil
}

func readLenPrefixed(data []byte, pos int) (string, int, error) {
	if pos+4 > len(data) {
		return "", 0, ErrCorrupt
	}
	n := int(binary.BigEndian.Uint32(data[pos:]))
	pos += 4
	if n < 0 || pos+n > len(data) {
		return "", 0, ErrCorrupt
	}
	s := string(data[pos : pos+n])
	return s, pos + n, nil
}

func appendLenPrefixed(buf []byte, s string) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(s)))
	buf = append(buf, tmp[:]...)
	return append(buf, s...)
}

func encodeHeader(h Header) []byte {
	buf := append([]byte{}, headerMagic[:]...)
	buf = appendLenPrefixed(buf, h.QuotaRoot)
	buf = appendLenPrefixed(buf, h.UniqueID)

	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(h.UserFlags)))
	buf = append(buf, tmp[:]...)
	for _, f := range h.UserFlags {
		buf = appendLenPrefixed(buf, f)
	}

	binary.BigEndian.PutUint32(tmp[:], uint32(len(h.ACL)))
	buf = append(buf, tmp[:]...)
	for id, rights := range h.ACL {
		buf = appendLenPrefixed(buf, id)
		buf = appendLenPrefixed(buf, rights)
	}
	return buf
}

// writeHeaderFile rewrites path atomically via temp+rename, per spec §3's
// "no (rewrite via temp+rename)" contract for the header file.
func writeHeaderFile(path string, h Header) error {
	return rewriteViaTemp(path, encodeHeader(h))
}

// rewriteViaTemp is the temp+rename primitive shared by header, quota, and
// seen files (spec §3: all three are "rewrite" rather than append-only).
func rewriteViaTemp(path string, data []byte) error {
	tmp := path + ".NEW"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := fileutil.RetryWrite(f, data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
