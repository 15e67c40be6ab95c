package mailbox

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"

	"github.com/cyrusgo/cyrusgo/internal/fileutil"
)

// SeenState is one user's per-mailbox read state: which UIDs have been
// seen, and when the state was last touched (spec §3: "per-user read
// state (UID-set + timestamps)").
type SeenState struct {
	UIDs      map[uint32]bool
	LastRead  int64
	LastUID   uint32
	LastChange int64
}

func seenPath(mailboxDir, userid string) string {
	return filepath.Join(mailboxDir, "seen."+userid)
}

func readSeen(path string) (SeenState, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return SeenState{UIDs: map[uint32]bool{}}, nil
	}
	if err != nil {
		return SeenState{}, err
	}
	if len(data) == 0 {
		// lockSeen creates the file empty ahead of its first write.
		return SeenState{UIDs: map[uint32]bool{}}, nil
	}
	if len(data) < 24 {
		return SeenState{}, ErrCorrupt
	}
	s := SeenState{UIDs: map[uint32]bool{}}
	s.LastRead = int64(binary.BigEndian.Uint64(data[0:8]))
	s.LastUID = binary.BigEndian.Uint32(data[8:12])
	s.LastChange = int64(binary.BigEndian.Uint64(data[16:24]))
	n := int(binary.BigEndian.Uint32(data[12:16]))
	pos := 24
	for i := 0; i < n; i++ {
		if pos+4 > len(data) {
			return SeenState{}, ErrCorrupt
		}
		s.UIDs[binary.BigEndian.Uint32(data[pos:])] = true
		pos += 4
	}
	return s, nil
}

func writeSeen(path string, s SeenState) error {
	uids := make([]uint32, 0, len(s.UIDs))
	for u := range s.UIDs {
		uids = append(uids, u)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	buf := make([]byte, 24+4*len(uids))
	binary.BigEndian.PutUint64(buf[0:8], uint64(s.LastRead))
	binary.BigEndian.PutUint32(buf[8:12], s.LastUID)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(uids)))
	binary.BigEndian.PutUint64(buf[16:24], uint64(s.LastChange))
	for i, u := range uids {
		binary.BigEndian.PutUint32(buf[24+4*i:], u)
	}
	return rewriteViaTemp(path, buf)
}

// lockSeen acquires the seen-file lock, the last in the header → index →
// pop → quota → seen ordering of spec §4.D.
func lockSeen(path string) (*os.File, func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return nil, nil, err
	}
	locked, _, err := fileutil.LockReopen(f, path, fileutil.LockExclusive)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return locked, func() { fileutil.Unlock(locked); locked.Close() }, nil
}
