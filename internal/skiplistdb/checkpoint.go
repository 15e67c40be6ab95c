package skiplistdb

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"

	"github.com/cyrusgo/cyrusgo/internal/fileutil"
)

// Checkpoint rewrites the database in key order into a fresh file, dropping
// every DELETE'd node and the accumulated log of superseded records, then
// renames the new file over the old one (spec §4.B, "Checkpoint"). No
// generation number is written. The exclusive lock is
// released immediately after the rename so blocked writers resume without
// waiting for Checkpoint's caller to finish.
func (db *DB) Checkpoint() error {
	db.mu.Lock()
	if db.txn != nil {
		db.mu.Unlock()
		return ErrTxnActive
	}
	db.rw.Lock()

	f, refreshed, err := fileutil.LockReopen(db.mf.File(), db.path, fileutil.LockExclusive)
	if err != nil {
		db.rw.Unlock()
		db.mu.Unlock()
		return err
	}
	if refreshed {
		if err := db.mf.SwapFile(f); err != nil {
			db.rw.Unlock()
			db.mu.Unlock()
			return err
		}
		if err := db.readHeader(); err != nil {
			fileutil.Unlock(f)
			db.rw.Unlock()
			db.mu.Unlock()
			return err
		}
	}

	keys, vals, err := db.collectLiveLevelZero()
	if err != nil {
		fileutil.Unlock(f)
		db.rw.Unlock()
		db.mu.Unlock()
		return err
	}

	tmpPath := fmt.Sprintf("%s.NEW", db.path)
	if err := writeCheckpointFile(tmpPath, db.maxLevel, keys, vals); err != nil {
		fileutil.Unlock(f)
		db.rw.Unlock()
		db.mu.Unlock()
		return err
	}

	if err := os.Rename(tmpPath, db.path); err != nil {
		fileutil.Unlock(f)
		db.rw.Unlock()
		db.mu.Unlock()
		return err
	}

	// The rename means f now refers to an unlinked inode; reopen so this
	// handle (and the next Fetch/Begin) sees the checkpointed file.
	fileutil.Unlock(f)
	f.Close()

	nf, err := os.OpenFile(db.path, os.O_RDWR, 0o640)
	if err != nil {
		db.rw.Unlock()
		db.mu.Unlock()
		return err
	}
	if err := db.mf.SwapFile(nf); err != nil {
		db.rw.Unlock()
		db.mu.Unlock()
		return err
	}
	err = db.readHeader()

	db.rw.Unlock()
	db.mu.Unlock()
	return err
}

// collectLiveLevelZero walks the level-0 chain, which by construction
// never contains a node that has been logically deleted (Delete's patches
// splice deleted nodes out of every level at Commit time).
func (db *DB) collectLiveLevelZero() (keys, vals [][]byte, err error) {
	data := db.mf.Bytes()
	dummy, err := db.dummy()
	if err != nil {
		return nil, nil, err
	}

	cur := dummy
	for {
		if cur.level == 0 {
			break
		}
		nextOff := cur.forwardAt(data, 0)
		if nextOff == nilOffset {
			break
		}
		next, err := parseNode(data, nextOff)
		if err != nil {
			return nil, nil, err
		}
		k := make([]byte, len(next.key))
		copy(k, next.key)
		v := make([]byte, len(next.val))
		copy(v, next.val)
		keys = append(keys, k)
		vals = append(vals, v)
		cur = next
	}
	return keys, vals, nil
}

// writeCheckpointFile builds a fresh skiplist file containing exactly the
// given keys/values, choosing a fresh random level for every node the same
// way a normal insert would.
func writeCheckpointFile(path string, maxLevel int, keys, vals [][]byte) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	defer f.Close()

	var buf []byte
	buf = append(buf, HeaderMagic[:]...)
	buf = growHeader(buf)

	dummyOffset := uint32(len(buf))
	buf = encodeNode(buf, typeDummy, nil, nil, make([]uint32, maxLevel))

	// update[i] holds the file offset of the forward-pointer slot at level
	// i that the next node at that level must patch once its own offset is
	// known — the same bookkeeping Begin/insert does incrementally, done
	// here in one pass since every key is already known and sorted.
	dn, err := parseNode(buf, dummyOffset)
	if err != nil {
		return err
	}
	update := make([]uint32, maxLevel)
	for i := 0; i < maxLevel; i++ {
		update[i] = dn.forwardOff + uint32(4*i)
	}

	curLevel := 1
	for idx, key := range keys {
		lvl := checkpointLevel(maxLevel)
		if lvl > curLevel {
			curLevel = lvl
		}
		offset := uint32(len(buf))
		buf = encodeNode(buf, typeAdd, key, vals[idx], make([]uint32, lvl))

		n, err := parseNode(buf, offset)
		if err != nil {
			return err
		}
		for i := 0; i < lvl; i++ {
			binary.BigEndian.PutUint32(buf[update[i]:], offset)
			update[i] = n.forwardOff + uint32(4*i)
		}
	}

	buf = encodeCommit(buf)
	logStart := uint32(len(buf))

	if _, err := fileutil.RetryWrite(f, buf); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}

	var hdr [HeaderSize]byte
	copy(hdr[:20], HeaderMagic[:])
	binary.BigEndian.PutUint32(hdr[offsetVersion:], formatVersion)
	binary.BigEndian.PutUint32(hdr[offsetVersionMinor:], formatVersionMinor)
	binary.BigEndian.PutUint32(hdr[offsetMaxLevel:], uint32(maxLevel))
	binary.BigEndian.PutUint32(hdr[offsetCurLevel:], uint32(curLevel))
	binary.BigEndian.PutUint32(hdr[offsetListSize:], uint32(len(keys)))
	binary.BigEndian.PutUint32(hdr[offsetLogStart:], logStart)
	binary.BigEndian.PutUint32(hdr[offsetLastRecovery:], uint32(RecoveryEpoch))
	if _, err := f.WriteAt(hdr[:], 0); err != nil {
		return err
	}
	return f.Sync()
}

// checkpointLevel mirrors DB.randomLevel without requiring a *DB receiver.
func checkpointLevel(maxLevel int) int {
	lvl := 1
	for lvl < maxLevel && rand.Int31()&1 == 0 {
		lvl++
	}
	return lvl
}
