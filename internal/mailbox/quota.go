package mailbox

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/cyrusgo/cyrusgo/internal/fileutil"
)

// Quota is the per-quota-root used/limit pair of spec §3. limit < 0 means
// unlimited.
type Quota struct {
	Used  int64
	Limit int64
}

func quotaPath(spoolRoot, root string) string {
	return filepath.Join(spoolRoot, "quota", root+".quota")
}

func readQuota(path string) (Quota, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Quota{Limit: -1}, nil
	}
	if err != nil {
		return Quota{}, err
	}
	if len(data) == 0 {
		return Quota{Limit: -1}, nil
	}
	if len(data) < 16 {
		return Quota{}, ErrCorrupt
	}
	return Quota{
		Used:  int64(binary.BigEndian.Uint64(data[0:8])),
		Limit: int64(binary.BigEndian.Uint64(data[8:16])),
	}, nil
}

func writeQuota(path string, q Quota) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], uint64(q.Used))
	binary.BigEndian.PutUint64(buf[8:16], uint64(q.Limit))
	return rewriteViaTemp(path, buf)
}

// chargeQuota loads, adjusts by delta (clamped at zero), and rewrites the
// quota file under its own lock; it does not check the limit — spec §4.D: "the accumulated delta is charged
// against the new root and the old one is decremented" and §4.H's
// one-message-over tolerance is enforced by the caller, not here: this
// helper only persists the counter.
func chargeQuota(spoolRoot, root string, delta int64) (Quota, error) {
	path := quotaPath(spoolRoot, root)
	lf, err := openLockFile(path)
	if err != nil {
		return Quota{}, err
	}

	f, _, err := fileutil.LockReopen(lf, path, fileutil.LockExclusive)
	if err != nil {
		lf.Close()
		return Quota{}, err
	}
	defer func() { fileutil.Unlock(f); f.Close() }()

	q, err := readQuota(path)
	if err != nil {
		return Quota{}, err
	}
	q.Used += delta
	if q.Used < 0 {
		q.Used = 0
	}
	if err := writeQuota(path, q); err != nil {
		return Quota{}, err
	}
	return q, nil
}

// wouldExceed reports whether charging delta bytes against root's quota
// should be refused outright. Per spec §4.H: "Quota excess on a single
// message is tolerated (one-over allowed); hard rejection only when
// quota_used >= limit before the message arrives."
func wouldExceed(spoolRoot, root string, _ int64) (bool, error) {
	q, err := readQuota(quotaPath(spoolRoot, root))
	if err != nil {
		return false, err
	}
	if q.Limit < 0 {
		return false, nil
	}
	return q.Used >= q.Limit, nil
}

func openLockFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
}
