package skiplistdb

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/cyrusgo/cyrusgo/internal/fileutil"
)

// patch is a deferred in-place 4-byte overwrite, applied only at Commit
// time. Keeping patches in process memory until commit means a killed
// process (spec §8 scenario 6) never writes a partial pointer splice to
// disk — the only on-disk effect of an aborted/crashed transaction is
// inert appended bytes, which recovery truncates away.
type patch struct {
	offset uint32
	value  uint32
}

// Txn is the opaque per-database transaction handle of spec §4.B,
// carrying the pre-transaction curlevel and log end offset so Abort can
// restore both.
type Txn struct {
	db *DB

	lockedFile *os.File

	preCurLevel int
	preLogStart uint32 // db.logStart at Begin; Abort truncates back here

	appendStart uint32 // file length when the txn began

	patches       []patch
	pendingLevel  int // new curLevel if bumped during this txn, else preCurLevel
}

// Begin opens a write transaction, acquiring the database's exclusive
// lock (spec §4.B: "exclusive, represented by an opaque handle carrying
// the pre-transaction curlevel and log end offset").
func (db *DB) Begin() (*Txn, error) {
	db.mu.Lock()
	if db.txn != nil {
		db.mu.Unlock()
		return nil, ErrTxnActive
	}

	db.rw.Lock()

	f, refreshed, err := fileutil.LockReopen(db.mf.File(), db.path, fileutil.LockExclusive)
	if err != nil {
		db.rw.Unlock()
		db.mu.Unlock()
		return nil, err
	}
	if refreshed {
		if err := db.mf.SwapFile(f); err != nil {
			db.rw.Unlock()
			db.mu.Unlock()
			return nil, err
		}
		if err := db.readHeader(); err != nil {
			fileutil.Unlock(f)
			db.rw.Unlock()
			db.mu.Unlock()
			return nil, err
		}
	}

	fi, err := f.Stat()
	if err != nil {
		fileutil.Unlock(f)
		db.rw.Unlock()
		db.mu.Unlock()
		return nil, err
	}

	txn := &Txn{
		db:           db,
		lockedFile:   f,
		preCurLevel:  db.curLevel,
		preLogStart:  db.logStart,
		appendStart:  uint32(fi.Size()),
		pendingLevel: db.curLevel,
	}
	db.txn = txn
	return txn, nil
}

// Create inserts key/value, failing with ErrExists if key is already
// present (spec §4.B's "create").
func (t *Txn) Create(key, val []byte) error {
	return t.insert(key, val, false)
}

// Store upserts key/value (spec §4.B's "store").
func (t *Txn) Store(key, val []byte) error {
	return t.insert(key, val, true)
}

func (t *Txn) insert(key, val []byte, overwrite bool) error {
	db := t.db
	res, err := db.lookup(key)
	if err != nil {
		return err
	}
	if res.found {
		if !overwrite {
			return ErrExists
		}
		t.appendBuf(encodeDelete(nil, res.match.offset))
	} else {
		db.listSize++
	}

	lvl := db.randomLevel()
	data := db.mf.Bytes()

	forward := make([]uint32, lvl)
	for i := 0; i < lvl; i++ {
		if res.found && i < res.match.level {
			forward[i] = res.match.forwardAt(data, i)
		} else if i < db.curLevel {
			forward[i] = binary.BigEndian.Uint32(data[res.updateOffsets[i]:])
		} else {
			forward[i] = nilOffset
		}
	}

	newOffset := t.currentEnd()
	t.appendBuf(encodeNode(nil, typeAdd, key, val, forward))

	if lvl > t.pendingLevel {
		t.pendingLevel = lvl
	}
	for i := 0; i < lvl; i++ {
		var slot uint32
		if i < db.curLevel {
			slot = res.updateOffsets[i]
		} else {
			// Beyond the current level the only possible predecessor is
			// the DUMMY node, which always reserves maxLevel slots.
			dummy, err := db.dummy()
			if err != nil {
				return err
			}
			slot = dummy.forwardOff + uint32(4*i)
		}
		t.patches = append(t.patches, patch{offset: slot, value: newOffset})
	}
	if res.found {
		// Levels the superseded node occupies above the new node's height
		// still point at it; splice it out of those too.
		for i := lvl; i < res.match.level; i++ {
			t.patches = append(t.patches, patch{offset: res.updateOffsets[i], value: res.match.forwardAt(data, i)})
		}
	}
	return nil
}

// Delete removes key, appending a DELETE log record naming the unlinked
// node (spec §4.B's "deletion"); the node's bytes remain in the file
// until the next checkpoint.
func (t *Txn) Delete(key []byte) error {
	db := t.db
	res, err := db.lookup(key)
	if err != nil {
		return err
	}
	if !res.found {
		return ErrNotFound
	}

	data := db.mf.Bytes()
	for i := 0; i < db.curLevel; i++ {
		if i >= res.match.level {
			continue
		}
		next := res.match.forwardAt(data, i)
		t.patches = append(t.patches, patch{offset: res.updateOffsets[i], value: next})
	}
	t.appendBuf(encodeDelete(nil, res.match.offset))
	db.listSize--
	return nil
}

func (t *Txn) currentEnd() uint32 {
	fi, err := t.lockedFile.Stat()
	if err != nil {
		return t.appendStart
	}
	return uint32(fi.Size())
}

func (t *Txn) appendBuf(buf []byte) {
	if _, err := t.lockedFile.Seek(0, io.SeekEnd); err != nil {
		return
	}
	fileutil.RetryWrite(t.lockedFile, buf)
}

// Commit applies pending pointer patches, fsyncs, appends a COMMIT
// record, fsyncs again, then releases the write lock — the two-fsync
// protocol of spec §4.B ("Transaction boundaries").
func (t *Txn) Commit() error {
	db := t.db
	defer func() {
		db.txn = nil
		fileutil.Unlock(t.lockedFile)
		db.rw.Unlock()
		db.mu.Unlock()
	}()

	if db.curLevel != t.pendingLevel {
		db.curLevel = t.pendingLevel
		if err := db.writeHeader(); err != nil {
			return err
		}
	}

	for _, p := range t.patches {
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], p.value)
		if _, err := t.lockedFile.WriteAt(tmp[:], int64(p.offset)); err != nil {
			return err
		}
	}

	if err := t.lockedFile.Sync(); err != nil {
		return err
	}

	commitBuf := encodeCommit(nil)
	if _, err := fileutil.RetryWrite(t.lockedFile, commitBuf); err != nil {
		return err
	}
	if err := t.lockedFile.Sync(); err != nil {
		return err
	}

	fi, err := t.lockedFile.Stat()
	if err != nil {
		return err
	}
	db.logStart = uint32(fi.Size())
	if err := db.writeHeader(); err != nil {
		return err
	}
	return db.mf.Refresh()
}

// Abort discards all pending patches and truncates the file back to the
// transaction's start, restoring curlevel — since patches were never
// written to disk, truncation alone fully reverts the transaction.
func (t *Txn) Abort() error {
	db := t.db
	defer func() {
		db.txn = nil
		fileutil.Unlock(t.lockedFile)
		db.rw.Unlock()
		db.mu.Unlock()
	}()

	if err := t.lockedFile.Truncate(int64(t.appendStart)); err != nil {
		return err
	}
	db.curLevel = t.preCurLevel
	db.logStart = t.preLogStart
	return db.mf.Refresh()
}

// forceKill simulates the "kill the process" step of spec §8 scenario 6
// for tests: it discards the Txn without touching the file at all,
// leaving the lock held until the test reopens the database (mirroring
// how an OS releases file locks when a process dies).
func (t *Txn) forceKill() {
	fileutil.Unlock(t.lockedFile)
}
