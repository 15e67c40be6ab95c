// Package mailbox implements the mailbox file set of spec §4.D: the
// header/index/cache/quota/seen files that make up one mailbox directory,
// their strict lock ordering, and the operations (open, append, copy,
// expunge, rename, delete) that mutate them. The on-disk layouts are
// simplified binary encodings in the spirit of original_source/imap's
// mailbox.h/index.h record layouts: fixed-width records, network byte
// order, generation numbers used to detect a torn index/cache pair.
package mailbox

import (
	"encoding/binary"
	"errors"
)

// UserFlagBits is the minimum user-flag bitmask width named by spec §3
// ("user-flag bitmask (N ≥ 128 bits)").
const UserFlagBits = 128
const userFlagWords = UserFlagBits / 64

var (
	ErrCorrupt           = errors.New("mailbox: corrupt file")
	ErrGenerationMismatch = errors.New("mailbox: index/cache generation mismatch")
	ErrNotFound          = errors.New("mailbox: mailbox does not exist")
	ErrExists            = errors.New("mailbox: mailbox already exists")
	ErrQuotaExceeded     = errors.New("mailbox: quota exceeded")
	ErrUIDNotFound       = errors.New("mailbox: no such UID")
)

// headerMagic is this format's fixed magic + version tag (spec §3: "header
// begins with a fixed magic and version tag").
var headerMagic = [8]byte{'C', 'Y', 'R', 'G', 'O', 'H', 'D', 1}

const headerFixedSize = 8 // magic+version only; everything else is TLV-coded

// indexHeaderSize is the fixed-width index header block of spec §3:
// generation, format, minor version, start-offset, record-size, exists,
// last_appenddate, last_uid, quota_mailbox_used, pop3_last_login,
// uidvalidity, deleted/answered/flagged counts — fourteen uint32/uint64
// mixed fields, laid out as all-uint64 for simplicity and alignment.
const (
	ixOffGeneration      = 0
	ixOffFormat          = 8
	ixOffMinorVersion    = 16
	ixOffStartOffset     = 24
	ixOffRecordSize      = 32
	ixOffExists          = 40
	ixOffLastAppendDate  = 48
	ixOffLastUID         = 56
	ixOffQuotaUsed       = 64
	ixOffPop3LastLogin   = 72
	ixOffUidValidity     = 80
	ixOffDeletedCount    = 88
	ixOffAnsweredCount   = 96
	ixOffFlaggedCount    = 104
	indexHeaderSize      = 112
)

// Each index record: UID, internaldate, sentdate, size, headersize,
// contentoffset, cacheoffset, lastupdated, system flags, user flags
// (userFlagWords x uint64) — all network byte order per spec §3.
const (
	recOffUID            = 0
	recOffInternalDate   = 8
	recOffSentDate       = 16
	recOffSize           = 24
	recOffHeaderSize     = 32
	recOffContentOffset  = 40
	recOffCacheOffset    = 48
	recOffLastUpdated    = 56
	recOffSystemFlags    = 64
	recOffUserFlags      = 72
	indexRecordSize      = recOffUserFlags + userFlagWords*8
)

// System flag bits (fixed, unlike user flags which are named per-mailbox).
const (
	FlagDeleted uint32 = 1 << iota
	FlagAnswered
	FlagFlagged
	FlagSeen
	FlagDraft
)

// IndexRecord is the decoded in-memory view of one live message.
type IndexRecord struct {
	UID           uint32
	InternalDate  int64
	SentDate      int64
	Size          uint32
	HeaderSize    uint32
	ContentOffset uint64
	CacheOffset   uint64
	LastUpdated   int64
	SystemFlags   uint32
	UserFlags     [userFlagWords]uint64
}

func encodeIndexRecord(r IndexRecord) []byte {
	buf := make([]byte, indexRecordSize)
	binary.BigEndian.PutUint32(buf[recOffUID:], r.UID)
	binary.BigEndian.PutUint64(buf[recOffInternalDate:], uint64(r.InternalDate))
	binary.BigEndian.PutUint64(buf[recOffSentDate:], uint64(r.SentDate))
	binary.BigEndian.PutUint32(buf[recOffSize:], r.Size)
	binary.BigEndian.PutUint32(buf[recOffHeaderSize:], r.HeaderSize)
	binary.BigEndian.PutUint64(buf[recOffContentOffset:], r.ContentOffset)
	binary.BigEndian.PutUint64(buf[recOffCacheOffset:], r.CacheOffset)
	binary.BigEndian.PutUint64(buf[recOffLastUpdated:], uint64(r.LastUpdated))
	binary.BigEndian.PutUint32(buf[recOffSystemFlags:], r.SystemFlags)
	for i, w := range r.UserFlags {
		binary.BigEndian.PutUint64(buf[recOffUserFlags+i*8:], w)
	}
	return buf
}

func decodeIndexRecord(buf []byte) (IndexRecord, error) {
	if len(buf) < indexRecordSize {
		return IndexRecord{}, ErrCorrupt
	}
	var r IndexRecord
	r.UID = binary.BigEndian.Uint32(buf[recOffUID:])
	r.InternalDate = int64(binary.BigEndian.Uint64(buf[recOffInternalDate:]))
	r.SentDate = int64(binary.BigEndian.Uint64(buf[recOffSentDate:]))
	r.Size = binary.BigEndian.Uint32(buf[recOffSize:])
	r.HeaderSize = binary.BigEndian.Uint32(buf[recOffHeaderSize:])
	r.ContentOffset = binary.BigEndian.Uint64(buf[recOffContentOffset:])
	r.CacheOffset = binary.BigEndian.Uint64(buf[recOffCacheOffset:])
	r.LastUpdated = int64(binary.BigEndian.Uint64(buf[recOffLastUpdated:]))
	r.SystemFlags = binary.BigEndian.Uint32(buf[recOffSystemFlags:])
	for i := range r.UserFlags {
		r.UserFlags[i] = binary.BigEndian.Uint64(buf[recOffUserFlags+i*8:])
	}
	return r, nil
}

// indexHeader is the decoded fixed-width index header block.
type indexHeader struct {
	generation     uint64
	format         uint64
	minorVersion   uint64
	startOffset    uint64
	recordSize     uint64
	exists         uint64
	lastAppendDate uint64
	lastUID        uint32
	quotaUsed      uint64
	pop3LastLogin  uint64
	uidValidity    uint32
	deletedCount   uint64
	answeredCount  uint64
	flaggedCount   uint64
}

func encodeIndexHeader(h indexHeader) []byte {
	buf := make([]byte, indexHeaderSize)
	binary.BigEndian.PutUint64(buf[ixOffGeneration:], h.generation)
	binary.BigEndian.PutUint64(buf[ixOffFormat:], h.format)
	binary.BigEndian.PutUint64(buf[ixOffMinorVersion:], h.minorVersion)
	binary.BigEndian.PutUint64(buf[ixOffStartOffset:], h.startOffset)
	binary.BigEndian.PutUint64(buf[ixOffRecordSize:], h.recordSize)
	binary.BigEndian.PutUint64(buf[ixOffExists:], h.exists)
	binary.BigEndian.PutUint64(buf[ixOffLastAppendDate:], h.lastAppendDate)
	binary.BigEndian.PutUint64(buf[ixOffLastUID:], uint64(h.lastUID))
	binary.BigEndian.PutUint64(buf[ixOffQuotaUsed:], h.quotaUsed)
	binary.BigEndian.PutUint64(buf[ixOffPop3LastLogin:], h.pop3LastLogin)
	binary.BigEndian.PutUint64(buf[ixOffUidValidity:], uint64(h.uidValidity))
	binary.BigEndian.PutUint64(buf[ixOffDeletedCount:], h.deletedCount)
	binary.BigEndian.PutUint64(buf[ixOffAnsweredCount:], h.answeredCount)
	binary.BigEndian.PutUint64(buf[ixOffFlaggedCount:], h.flaggedCount)
	return buf
}

func decodeIndexHeader(buf []byte) (indexHeader, error) {
	if len(buf) < indexHeaderSize {
		return indexHeader{}, ErrCorrupt
	}
	var h indexHeader
	h.generation = binary.BigEndian.Uint64(buf[ixOffGeneration:])
	h.format = binary.BigEndian.Uint64(buf[ixOffFormat:])
	h.minorVersion = binary.BigEndian.Uint64(buf[ixOffMinorVersion:])
	h.startOffset = binary.BigEndian.Uint64(buf[ixOffStartOffset:])
	h.recordSize = binary.BigEndian.Uint64(buf[ixOffRecordSize:])
	h.exists = binary.BigEndian.Uint64(buf[ixOffExists:])
	h.lastAppendDate = binary.BigEndian.Uint64(buf[ixOffLastAppendDate:])
	h.lastUID = uint32(binary.BigEndian.Uint64(buf[ixOffLastUID:]))
	h.quotaUsed = binary.BigEndian.Uint64(buf[ixOffQuotaUsed:])
	h.pop3LastLogin = binary.BigEndian.Uint64(buf[ixOffPop3LastLogin:])
	h.uidValidity = uint32(binary.BigEndian.Uint64(buf[ixOffUidValidity:]))
	h.deletedCount = binary.BigEndian.Uint64(buf[ixOffDeletedCount:])
	h.answeredCount = binary.BigEndian.Uint64(buf[ixOffAnsweredCount:])
	h.flaggedCount = binary.BigEndian.Uint64(buf[ixOffFlaggedCount:])
	return h, nil
}
