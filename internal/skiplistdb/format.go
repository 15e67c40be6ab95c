// Package skiplistdb implements the crash-recoverable, memory-mapped
// probabilistic skiplist of spec §4.B: a single-writer/multi-reader
// ordered byte-string-to-byte-string map, used in this repository by
// duplicate suppression (§4.F, internal/dupsuppress). The on-disk layout is taken verbatim from
// original_source/lib/cyrusdb_skiplist.c so the format in spec §6 is
// testable byte-for-byte.
package skiplistdb

import (
	"encoding/binary"
	"errors"
)

// HeaderMagic is the 20-byte literal cyrusdb_skiplist.c writes at offset 0:
// "\241\002\213\015skiplist file\0\0\0".
var HeaderMagic = [20]byte{
	0241, 0002, 0213, 0015, 's', 'k', 'i', 'p', 'l', 'i', 's', 't', ' ', 'f', 'i', 'l', 'e', 0, 0, 0,
}

// Header field byte offsets, matching cyrusdb_skiplist.c's OFFSET_* macros.
const (
	offsetVersion      = 20
	offsetVersionMinor = 24
	offsetMaxLevel     = 28
	offsetCurLevel     = 32
	offsetListSize     = 36
	offsetLogStart     = 40
	offsetLastRecovery = 44
	// HeaderSize is OFFSET_LASTRECOVERY+4 in the original, 48 bytes.
	HeaderSize = offsetLastRecovery + 4

	// DummyOffset is where the DUMMY node record begins, immediately
	// after the header.
	DummyOffset = HeaderSize

	formatVersion      = 1
	formatVersionMinor = 0

	// DefaultMaxLevel bounds node height; cyrusdb_skiplist.c uses a
	// smaller constant but any value that makes 2^-maxLevel negligible
	// for the expected listsize works. 20 levels supports >1M entries
	// with a vanishing chance of ever needing more.
	DefaultMaxLevel = 20
)

// Record type tags, taken from cyrusdb_skiplist.c's enum:
// INORDER=1, ADD=2, DELETE=4, COMMIT=255, DUMMY=257.
const (
	typeInorder uint32 = 1
	typeAdd     uint32 = 2
	typeDelete  uint32 = 4
	typeCommit  uint32 = 255
	typeDummy   uint32 = 257
)

// forwardSentinel terminates a node's forward-pointer array on disk, per
// spec §3 ("an array of forward-pointer file offsets ... and a -1
// sentinel").
const forwardSentinel uint32 = 0xFFFFFFFF

// nilOffset is the forward-pointer value meaning "end of this level's
// chain". Offset 0 falls inside the header and is never a valid node
// offset, so it safely doubles as the null pointer.
const nilOffset uint32 = 0

var (
	// ErrExists is returned by Create when the key is already present.
	ErrExists = errors.New("skiplistdb: key exists")
	// ErrNotFound is returned by Fetch/Delete for an absent key.
	ErrNotFound = errors.New("skiplistdb: key not found")
	// ErrCorrupt is returned when the header or a record cannot be
	// parsed. Recovery's level-0 ordering check does not return it: a
	// mismatch fails open and sets DB.Degraded (spec §4.B).
	ErrCorrupt = errors.New("skiplistdb: corrupt skiplist")
	// ErrTxnActive is returned by any write call made without holding
	// the caller's own transaction, when one is already open.
	ErrTxnActive = errors.New("skiplistdb: another transaction is open")
)

func align4(n uint32) uint32 {
	return (n + 3) &^ 3
}

// node is the decoded in-memory view of a node record (INORDER/ADD/DUMMY).
type node struct {
	typ    uint32
	offset uint32 // file offset of the record's type tag
	key    []byte
	val    []byte
	// forwardOff is the file offset of the first forward-pointer slot;
	// forwardOff + 4*i addresses the i'th pointer.
	forwardOff uint32
	level      int
	// nextRecordOffset is the offset immediately following this record,
	// i.e. where the next record in the log begins.
	nextRecordOffset uint32
}

func (n *node) forwardAt(data []byte, i int) uint32 {
	return binary.BigEndian.Uint32(data[n.forwardOff+uint32(4*i):])
}

// parseNode decodes the node record at offset. Callers must already know
// offset addresses a node (INORDER/ADD/DUMMY), not a DELETE/COMMIT record.
func parseNode(data []byte, offset uint32) (node, error) {
	if offset+4 > uint32(len(data)) {
		return node{}, ErrCorrupt
	}
	typ := binary.BigEndian.Uint32(data[offset:])
	pos := offset + 4

	if pos+4 > uint32(len(data)) {
		return node{}, ErrCorrupt
	}
	keylen := binary.BigEndian.Uint32(data[pos:])
	pos += 4
	if pos+keylen > uint32(len(data)) {
		return node{}, ErrCorrupt
	}
	key := data[pos : pos+keylen]
	pos = align4(pos + keylen)

	if pos+4 > uint32(len(data)) {
		return node{}, ErrCorrupt
	}
	vallen := binary.BigEndian.Uint32(data[pos:])
	pos += 4
	if pos+vallen > uint32(len(data)) {
		return node{}, ErrCorrupt
	}
	val := data[pos : pos+vallen]
	pos = align4(pos + vallen)

	forwardOff := pos
	level := 0
	for {
		if pos+4 > uint32(len(data)) {
			return node{}, ErrCorrupt
		}
		ptr := binary.BigEndian.Uint32(data[pos:])
		pos += 4
		if ptr == forwardSentinel {
			break
		}
		level++
	}

	return node{
		typ:              typ,
		offset:           offset,
		key:              key,
		val:              val,
		forwardOff:       forwardOff,
		level:            level,
		nextRecordOffset: pos,
	}, nil
}

// encodeNode appends a node record (key, val, forward pointers) to buf and
// returns the extended slice.
func encodeNode(buf []byte, typ uint32, key, val []byte, forward []uint32) []byte {
	var tmp [4]byte

	binary.BigEndian.PutUint32(tmp[:], typ)
	buf = append(buf, tmp[:]...)

	binary.BigEndian.PutUint32(tmp[:], uint32(len(key)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, key...)
	for uint32(len(buf))%4 != 0 {
		buf = append(buf, 0)
	}

	binary.BigEndian.PutUint32(tmp[:], uint32(len(val)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, val...)
	for uint32(len(buf))%4 != 0 {
		buf = append(buf, 0)
	}

	for _, fp := range forward {
		binary.BigEndian.PutUint32(tmp[:], fp)
		buf = append(buf, tmp[:]...)
	}
	binary.BigEndian.PutUint32(tmp[:], forwardSentinel)
	buf = append(buf, tmp[:]...)

	return buf
}

// encodeDelete appends a DELETE log record naming the unlinked node.
func encodeDelete(buf []byte, target uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], typeDelete)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint32(tmp[:], target)
	buf = append(buf, tmp[:]...)
	return buf
}

// encodeCommit appends a COMMIT log record.
func encodeCommit(buf []byte) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], typeCommit)
	return append(buf, tmp[:]...)
}

// recordKind classifies the record at offset without fully decoding a node,
// used by the sequential scans in recovery.go and checkpoint.go.
type recordKind int

const (
	kindNode recordKind = iota
	kindDelete
	kindCommit
)

func classify(typ uint32) recordKind {
	switch typ {
	case typeDelete:
		return kindDelete
	case typeCommit:
		return kindCommit
	default:
		return kindNode
	}
}
