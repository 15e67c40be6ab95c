package skiplistdb

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/cyrusgo/cyrusgo/internal/fileutil"
	"github.com/cyrusgo/cyrusgo/internal/logctx"
)

// RecoveryEpoch is the process-wide constant set once during
// initialization (DESIGN NOTES §9: "not mutated during normal
// operation"). A database whose header last-recovery timestamp predates
// it is scanned for recovery on Open.
var RecoveryEpoch = processStartUnix()

// DB is a single named skiplist table (spec §3, §4.B). Exactly one
// writer may hold a transaction at a time; readers take a shared lock
// for the duration of a Fetch/ForEach call.
type DB struct {
	path string
	mf   *fileutil.MappedFile

	// mu serializes transaction bookkeeping within this process; the
	// cross-process exclusivity comes from the flock taken via
	// fileutil.LockReopen around each write.
	mu sync.Mutex

	// rw coordinates readers against an in-process writer. flock is
	// per-open-file-description: two calls from the same process sharing
	// db.mf.File() don't block each other, so Begin takes rw for writing
	// (held until Commit/Abort) while Fetch/ForEach take it for reading.
	rw sync.RWMutex

	maxLevel int
	curLevel int
	logStart uint32
	listSize uint32

	txn *Txn

	Log logctx.Logger

	// Degraded is set if crash recovery's level-0 ordering check found a
	// mismatch (spec §4.B: "mismatches fail open"). The database keeps
	// serving; this flag exists only so a caller that wants to notice
	// (health check, admin command) can.
	Degraded bool
}

func processStartUnix() int64 {
	return time.Now().Unix()
}

// Open opens (creating if necessary) the named skiplist file at path and
// runs crash recovery if the header's last-recovery timestamp predates
// RecoveryEpoch.
func Open(path string) (*DB, error) {
	_, statErr := os.Stat(path)
	create := os.IsNotExist(statErr)

	mf, err := fileutil.OpenMapped(path, true)
	if err != nil {
		return nil, err
	}

	db := &DB{
		path: path,
		mf:   mf,
		Log:  logctx.Logger{Name: "skiplistdb"},
	}

	if create {
		if err := db.initEmpty(); err != nil {
			mf.Close()
			return nil, err
		}
		return db, nil
	}

	if err := db.readHeader(); err != nil {
		mf.Close()
		return nil, err
	}

	if err := db.maybeRecover(); err != nil {
		mf.Close()
		return nil, err
	}

	return db, nil
}

// Close unmaps and closes the underlying file. A DB with an open
// transaction must be committed or aborted first.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.txn != nil {
		return ErrTxnActive
	}
	return db.mf.Close()
}

func (db *DB) initEmpty() error {
	db.maxLevel = DefaultMaxLevel
	db.curLevel = 1
	db.logStart = DummyOffset
	db.listSize = 0

	var buf []byte
	buf = append(buf, HeaderMagic[:]...)
	buf = growHeader(buf)

	// DUMMY node: no key/value, maxLevel forward pointers all nil.
	forward := make([]uint32, db.maxLevel)
	buf = encodeNode(buf, typeDummy, nil, nil, forward)
	db.logStart = uint32(len(buf))

	if _, err := fileutil.RetryWrite(db.mf.File(), buf); err != nil {
		return err
	}
	if err := db.mf.File().Sync(); err != nil {
		return err
	}
	if err := db.mf.Refresh(); err != nil {
		return err
	}
	return db.writeHeader()
}

func growHeader(buf []byte) []byte {
	for len(buf) < HeaderSize {
		buf = append(buf, 0)
	}
	return buf
}

func (db *DB) readHeader() error {
	data := db.mf.Bytes()
	if len(data) < HeaderSize {
		return ErrCorrupt
	}
	if !bytes.Equal(data[:20], HeaderMagic[:]) {
		return ErrCorrupt
	}
	db.maxLevel = int(binary.BigEndian.Uint32(data[offsetMaxLevel:]))
	db.curLevel = int(binary.BigEndian.Uint32(data[offsetCurLevel:]))
	db.listSize = binary.BigEndian.Uint32(data[offsetListSize:])
	db.logStart = binary.BigEndian.Uint32(data[offsetLogStart:])
	return nil
}

func (db *DB) writeHeader() error {
	var hdr [HeaderSize]byte
	copy(hdr[:20], HeaderMagic[:])
	binary.BigEndian.PutUint32(hdr[offsetVersion:], formatVersion)
	binary.BigEndian.PutUint32(hdr[offsetVersionMinor:], formatVersionMinor)
	binary.BigEndian.PutUint32(hdr[offsetMaxLevel:], uint32(db.maxLevel))
	binary.BigEndian.PutUint32(hdr[offsetCurLevel:], uint32(db.curLevel))
	binary.BigEndian.PutUint32(hdr[offsetListSize:], db.listSize)
	binary.BigEndian.PutUint32(hdr[offsetLogStart:], db.logStart)
	binary.BigEndian.PutUint32(hdr[offsetLastRecovery:], uint32(RecoveryEpoch))

	if _, err := db.mf.File().WriteAt(hdr[:], 0); err != nil {
		return err
	}
	return db.mf.Refresh()
}

// randomLevel picks a level with probability 0.5^i, capped at maxLevel,
// per spec §4.B's insertion algorithm.
func (db *DB) randomLevel() int {
	lvl := 1
	for lvl < db.maxLevel && rand.Int31()&1 == 0 {
		lvl++
	}
	return lvl
}

// dummy returns the parsed DUMMY node at DummyOffset.
func (db *DB) dummy() (node, error) {
	return parseNode(db.mf.Bytes(), DummyOffset)
}

// lookupResult is the outcome of walking the skiplist for a key.
type lookupResult struct {
	found bool
	match node
	// updateOffsets[i] is the file offset of the forward-pointer slot
	// (within the predecessor node at level i) that an insert/delete at
	// this key must patch.
	updateOffsets []uint32
}

// lookup performs the top-to-bottom skiplist walk of spec §4.B,
// recording the predecessor pointer-slot offsets at each level.
func (db *DB) lookup(key []byte) (lookupResult, error) {
	data := db.mf.Bytes()
	dummy, err := db.dummy()
	if err != nil {
		return lookupResult{}, err
	}

	update := make([]uint32, db.maxLevel)
	cur := dummy

	for lvl := db.curLevel - 1; lvl >= 0; lvl-- {
		for {
			if lvl >= cur.level {
				break
			}
			nextOff := cur.forwardAt(data, lvl)
			if nextOff == nilOffset {
				break
			}
			next, err := parseNode(data, nextOff)
			if err != nil {
				return lookupResult{}, err
			}
			if bytes.Compare(next.key, key) < 0 {
				cur = next
				continue
			}
			break
		}
		// cur always occupies lvl here: it is either the DUMMY node
		// (which reserves maxLevel slots at creation) or a node reached
		// via a forward pointer recorded at this exact level.
		update[lvl] = cur.forwardOff + uint32(4*lvl)
	}

	res := lookupResult{updateOffsets: update}
	if db.curLevel > 0 {
		candidateOff := update[0]
		ptr := binary.BigEndian.Uint32(data[candidateOff:])
		if ptr != nilOffset {
			cand, err := parseNode(data, ptr)
			if err != nil {
				return lookupResult{}, err
			}
			if bytes.Equal(cand.key, key) {
				res.found = true
				res.match = cand
			}
		}
	}
	return res, nil
}

// Fetch reads the value stored for key under a shared lock, implementing
// the read half of spec §4.B's public contract.
func (db *DB) Fetch(key []byte) ([]byte, error) {
	db.rw.RLock()
	defer db.rw.RUnlock()

	f, _, err := fileutil.LockReopen(db.mf.File(), db.path, fileutil.LockShared)
	if err != nil {
		return nil, err
	}
	defer fileutil.Unlock(f)

	res, err := db.lookup(key)
	if err != nil {
		return nil, err
	}
	if !res.found {
		return nil, ErrNotFound
	}
	val := make([]byte, len(res.match.val))
	copy(val, res.match.val)
	return val, nil
}

// ForEach calls pred then cb for every key with the given prefix, in
// ascending key order, while holding the read lock (spec §4.B).
func (db *DB) ForEach(prefix []byte, pred func(key, val []byte) bool, cb func(key, val []byte) error) error {
	db.rw.RLock()
	defer db.rw.RUnlock()

	f, _, err := fileutil.LockReopen(db.mf.File(), db.path, fileutil.LockShared)
	if err != nil {
		return err
	}
	defer fileutil.Unlock(f)

	data := db.mf.Bytes()
	dummy, err := db.dummy()
	if err != nil {
		return err
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
			return err
		}
		if len(prefix) > 0 && !bytes.HasPrefix(next.key, prefix) {
			if bytes.Compare(next.key, prefix) > 0 {
				break
			}
			cur = next
			continue
		}
		if pred == nil || pred(next.key, next.val) {
			if err := cb(next.key, next.val); err != nil {
				return err
			}
		}
		cur = next
	}
	return nil
}
