package mailbox

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cyrusgo/cyrusgo/internal/fileutil"
	"github.com/cyrusgo/cyrusgo/internal/logctx"
	"github.com/cyrusgo/cyrusgo/internal/mailerr"
	"github.com/cyrusgo/cyrusgo/internal/mboxname"
)

// Mailbox is one open mailbox directory: header, index, cache, plus the
// spool/quota-root bookkeeping needed to locate the shared quota file and
// per-user seen files (spec §4.D).
type Mailbox struct {
	SpoolRoot string
	Internal  string // internal dotted name
	Dir       string

	hdr   Header
	index *indexFile
	cache *cacheFile

	Log logctx.Logger
}

// Dir computes the on-disk directory for an internal mailbox name, laid
// out under a hash bucket (spec §4.C's hash_mbox) to spread the spool.
func Dir(spoolRoot, internal string) string {
	bucket := mboxname.HashMbox(spoolRoot, internal)
	return filepath.Join(spoolRoot, "spool", bucket, filepath.FromSlash(dotsToPath(internal)))
}

func dotsToPath(internal string) string {
	out := make([]byte, 0, len(internal))
	for i := 0; i < len(internal); i++ {
		if internal[i] == '.' {
			out = append(out, '/')
		} else {
			out = append(out, internal[i])
		}
	}
	return string(out)
}

// Create makes a new, empty mailbox directory and its header/index/cache
// files, assigning uidvalidity from the wall clock (spec §4.D:
// "UID-validity assignment... from a monotonically non-decreasing wall
// clock").
func Create(spoolRoot, internal, quotaRoot, uniqueID string) (*Mailbox, error) {
	dir := Dir(spoolRoot, internal)
	if _, err := os.Stat(dir); err == nil {
		return nil, mailerr.New(mailerr.MailboxExists, ErrExists)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, mailerr.New(mailerr.Io, err)
	}

	hdr := Header{QuotaRoot: quotaRoot, UniqueID: uniqueID, ACL: map[string]string{}}
	if err := writeHeaderFile(headerPath(dir), hdr); err != nil {
		return nil, mailerr.New(mailerr.Io, err)
	}

	ix, err := openIndex(indexPath(dir), true)
	if err != nil {
		return nil, mailerr.New(mailerr.Io, err)
	}
	h := indexHeader{
		generation:  1,
		format:      1,
		recordSize:  indexRecordSize,
		startOffset: indexHeaderSize,
		uidValidity: NewUIDValidity(),
	}
	if err := ix.rewrite(h, nil); err != nil {
		return nil, mailerr.New(mailerr.Io, err)
	}

	cc, err := openCache(cachePath(dir))
	if err != nil {
		return nil, mailerr.New(mailerr.Io, err)
	}

	return &Mailbox{
		SpoolRoot: spoolRoot,
		Internal:  internal,
		Dir:       dir,
		hdr:       hdr,
		index:     ix,
		cache:     cc,
		Log:       logctx.Logger{Name: "mailbox"},
	}, nil
}

// Open opens an existing mailbox: acquires the header read-only, loads
// quota root/unique-id/flags/ACL, opens index and cache, and checks the
// index's cache offsets against the cache file (spec §4.D "Open").
func Open(spoolRoot, internal string) (*Mailbox, error) {
	dir := Dir(spoolRoot, internal)
	hdrData, err := os.ReadFile(headerPath(dir))
	if os.IsNotExist(err) {
		return nil, mailerr.New(mailerr.MailboxNonexistent, ErrNotFound)
	}
	if err != nil {
		return nil, mailerr.New(mailerr.Io, err)
	}
	hdr, err := readHeader(hdrData)
	if err != nil {
		return nil, mailerr.New(mailerr.MailboxBadFormat, err)
	}

	ix, err := openIndex(indexPath(dir), false)
	if err != nil {
		return nil, mailerr.New(mailerr.Io, err)
	}
	cc, err := openCache(cachePath(dir))
	if err != nil {
		ix.close()
		return nil, mailerr.New(mailerr.Io, err)
	}

	if err := verifyGenerations(ix, cc); err != nil {
		ix.close()
		cc.close()
		return nil, mailerr.New(mailerr.MailboxBadFormat, err)
	}

	return &Mailbox{
		SpoolRoot: spoolRoot,
		Internal:  internal,
		Dir:       dir,
		hdr:       hdr,
		index:     ix,
		cache:     cc,
		Log:       logctx.Logger{Name: "mailbox"},
	}, nil
}

// verifyGenerations checks that the cache file is larger than every
// offset the index currently references. The generation number lives only
// in the index header, so no generation numbers are compared — a cheap
// structural check rather than a duplicated counter.
func verifyGenerations(ix *indexFile, cc *cacheFile) error {
	recs, err := ix.records()
	if err != nil {
		return err
	}
	fi, err := cc.f.Stat()
	if err != nil {
		return err
	}
	for _, r := range recs {
		if r.CacheOffset >= uint64(fi.Size()) {
			return mailerr.New(mailerr.MailboxBadFormat, ErrGenerationMismatch)
		}
	}
	return nil
}

// WouldExceedQuota reports whether the mailbox's quota root is already at
// or over its limit, without writing anything. size is not added: a
// single message may take the root one message over its limit. Used by
// the LMTP RCPT TO precheck (spec §4.H) ahead of DATA.
func (m *Mailbox) WouldExceedQuota(size int64) (bool, error) {
	return wouldExceed(m.SpoolRoot, m.hdr.QuotaRoot, size)
}

func (m *Mailbox) Close() error {
	err1 := m.index.close()
	err2 := m.cache.close()
	if err1 != nil {
		return err1
	}
	return err2
}

func headerPath(dir string) string { return filepath.Join(dir, "cyrus.header") }
func indexPath(dir string) string  { return filepath.Join(dir, "cyrus.index") }
func cachePath(dir string) string  { return filepath.Join(dir, "cyrus.cache") }
func messagePath(dir string, uid uint32) string {
	return filepath.Join(dir, strconv.FormatUint(uint64(uid), 10)+".")
}

// uidValiditySeq guarantees NewUIDValidity is monotonically non-decreasing
// even if called twice within the same wall-clock second (spec §4.D).
var uidValiditySeq uint32

// NewUIDValidity returns a fresh uidvalidity value (spec §4.D: "assigned
// once at create time from a monotonically non-decreasing wall clock").
func NewUIDValidity() uint32 {
	now := uint32(time.Now().Unix())
	if now <= uidValiditySeq {
		uidValiditySeq++
		return uidValiditySeq
	}
	uidValiditySeq = now
	return now
}

// AppendRequest carries everything the caller supplies for a single
// message append (spec §4.D "Append").
type AppendRequest struct {
	Body        []byte
	Size        uint32
	HeaderSize  uint32
	UserFlags   []string
	Cache       CacheRecord
	InternalDate time.Time
	IgnoreQuota bool
}

// Append writes one message into the mailbox, allocating the next UID and
// charging quota. Lock order: header is read-only by this point, so
// Append only needs index then quota (spec §4.D's header → index → pop →
// quota → seen; this path never touches pop or seen).
func (m *Mailbox) Append(req AppendRequest) (uid uint32, err error) {
	f, refreshed, err := m.index.lock()
	if err != nil {
		return 0, mailerr.New(mailerr.Io, err)
	}
	defer fileutil.Unlock(f)
	if refreshed {
		m.Log.DebugMsg("index file replaced under lock, re-read")
	}

	h, err := m.index.header()
	if err != nil {
		return 0, mailerr.New(mailerr.MailboxBadFormat, err)
	}
	recs, err := m.index.records()
	if err != nil {
		return 0, mailerr.New(mailerr.MailboxBadFormat, err)
	}

	if !req.IgnoreQuota {
		exceed, err := wouldExceed(m.SpoolRoot, m.hdr.QuotaRoot, int64(req.Size))
		if err != nil {
			return 0, mailerr.New(mailerr.Io, err)
		}
		if exceed {
			return 0, mailerr.New(mailerr.QuotaExceeded, ErrQuotaExceeded)
		}
	}

	newUID := h.lastUID + 1
	cacheOffset, err := m.cache.append(req.Cache)
	if err != nil {
		return 0, mailerr.New(mailerr.Io, err)
	}

	msgPath := messagePath(m.Dir, newUID)
	if err := os.WriteFile(msgPath, req.Body, 0o640); err != nil {
		return 0, mailerr.New(mailerr.Io, err)
	}

	rec := IndexRecord{
		UID:           newUID,
		InternalDate:  req.InternalDate.Unix(),
		SentDate:      req.InternalDate.Unix(),
		Size:          req.Size,
		HeaderSize:    req.HeaderSize,
		ContentOffset: uint64(req.HeaderSize),
		CacheOffset:   cacheOffset,
		LastUpdated:   time.Now().Unix(),
	}
	setUserFlagBits(&rec, m.hdr.UserFlags, req.UserFlags)

	recs = append(recs, rec)
	h.lastUID = newUID
	h.lastAppendDate = uint64(time.Now().Unix())
	h.quotaUsed += uint64(req.Size)
	h.generation++

	if err := m.index.rewrite(h, recs); err != nil {
		os.Remove(msgPath)
		return 0, mailerr.New(mailerr.Io, err)
	}

	if _, err := chargeQuota(m.SpoolRoot, m.hdr.QuotaRoot, int64(req.Size)); err != nil {
		m.Log.Error("quota charge failed after append", err)
	}

	return newUID, nil
}

func setUserFlagBits(rec *IndexRecord, known []string, set []string) {
	for _, name := range set {
		for i, k := range known {
			if k == name {
				rec.UserFlags[i/64] |= 1 << uint(i%64)
			}
		}
	}
}

// Summary is the derived read of spec's supplemental note (SPEC_FULL.md
// §4.D): exists/recent/unseen counts computed from the index and the
// caller's seen state, without a dedicated statuscache database.
type Summary struct {
	Exists      int
	Recent      int
	Unseen      int
	UIDValidity uint32
	LastUID     uint32
	// LastArrived is the wall-clock time of the most recent append (spec
	// §4.I's discovery response), 0 if the mailbox has never received a
	// message.
	LastArrived int64
	// LastRead is userid's own seen-state timestamp (spec §4.I).
	LastRead int64
}

// Summarize computes a Summary for userid without mutating anything.
func (m *Mailbox) Summarize(userid string) (Summary, error) {
	h, err := m.index.header()
	if err != nil {
		return Summary{}, mailerr.New(mailerr.MailboxBadFormat, err)
	}
	recs, err := m.index.records()
	if err != nil {
		return Summary{}, mailerr.New(mailerr.MailboxBadFormat, err)
	}

	seen, err := readSeen(seenPath(m.Dir, userid))
	if err != nil {
		return Summary{}, mailerr.New(mailerr.Io, err)
	}

	s := Summary{
		Exists:      len(recs),
		UIDValidity: h.uidValidity,
		LastUID:     h.lastUID,
		LastArrived: int64(h.lastAppendDate),
		LastRead:    seen.LastRead,
	}
	for _, r := range recs {
		if r.UID > seen.LastUID {
			s.Recent++
		}
		if !seen.UIDs[r.UID] {
			s.Unseen++
		}
	}
	return s, nil
}

// MarkSeen records uid as read for userid (rewrites the seen file under
// its own lock, last in the lock-ordering chain).
func (m *Mailbox) MarkSeen(userid string, uid uint32) error {
	path := seenPath(m.Dir, userid)
	f, unlock, err := lockSeen(path)
	if err != nil {
		return mailerr.New(mailerr.Io, err)
	}
	defer unlock()
	_ = f

	s, err := readSeen(path)
	if err != nil {
		return mailerr.New(mailerr.Io, err)
	}
	if s.UIDs == nil {
		s.UIDs = map[uint32]bool{}
	}
	s.UIDs[uid] = true
	if uid > s.LastUID {
		s.LastUID = uid
	}
	s.LastRead = time.Now().Unix()
	s.LastChange = s.LastRead
	return writeSeen(path, s)
}

// Expunge removes every record matching pred (default: \Deleted set),
// compacting index and cache, then unlinks the underlying message files
// (spec §4.D "Expunge").
func (m *Mailbox) Expunge(pred func(IndexRecord) bool) (expunged []uint32, err error) {
	if pred == nil {
		pred = func(r IndexRecord) bool { return r.SystemFlags&FlagDeleted != 0 }
	}

	f, _, err := m.index.lock()
	if err != nil {
		return nil, mailerr.New(mailerr.Io, err)
	}
	defer fileutil.Unlock(f)

	h, err := m.index.header()
	if err != nil {
		return nil, mailerr.New(mailerr.MailboxBadFormat, err)
	}
	recs, err := m.index.records()
	if err != nil {
		return nil, mailerr.New(mailerr.MailboxBadFormat, err)
	}

	var kept []IndexRecord
	var keptCache []CacheRecord
	var quotaDeleted int64
	for _, r := range recs {
		if pred(r) {
			expunged = append(expunged, r.UID)
			quotaDeleted += int64(r.Size)
			if r.SystemFlags&FlagAnswered != 0 {
				h.answeredCount--
			}
			if r.SystemFlags&FlagFlagged != 0 {
				h.flaggedCount--
			}
			h.deletedCount--
			continue
		}
		cr, err := m.cache.readAt(r.CacheOffset)
		if err != nil {
			return nil, mailerr.New(mailerr.MailboxBadFormat, err)
		}
		kept = append(kept, r)
		keptCache = append(keptCache, cr)
	}

	newOffsets, err := m.cache.rewriteGeneration(keptCache)
	if err != nil {
		return nil, mailerr.New(mailerr.Io, err)
	}
	for i := range kept {
		kept[i].CacheOffset = newOffsets[i]
	}

	if quotaDeleted >= int64(h.quotaUsed) {
		h.quotaUsed = 0
	} else {
		h.quotaUsed -= uint64(quotaDeleted)
	}
	h.generation++
	if err := m.index.rewrite(h, kept); err != nil {
		return nil, mailerr.New(mailerr.Io, err)
	}

	if quotaDeleted > 0 {
		if _, err := chargeQuota(m.SpoolRoot, m.hdr.QuotaRoot, -quotaDeleted); err != nil {
			m.Log.Error("quota release failed after expunge", err)
		}
	}

	for _, uid := range expunged {
		os.Remove(messagePath(m.Dir, uid))
	}
	return expunged, nil
}

// Delete frees quota, removes per-user seen files, and unlinks the
// mailbox directory tree bottom-up, skipping "." and ".." explicitly
// (spec §4.D "Delete").
func Delete(spoolRoot, internal string) error {
	m, err := Open(spoolRoot, internal)
	if err != nil {
		return err
	}
	h, err := m.index.header()
	if err != nil {
		m.Close()
		return mailerr.New(mailerr.MailboxBadFormat, err)
	}
	quotaRoot := m.hdr.QuotaRoot
	dir := m.Dir
	m.Close()

	if quotaRoot != "" {
		if _, err := chargeQuota(spoolRoot, quotaRoot, -int64(h.quotaUsed)); err != nil {
			return mailerr.New(mailerr.Io, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return mailerr.New(mailerr.Io, err)
	}
	for _, e := range entries {
		name := e.Name()
		if name == "." || name == ".." {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return mailerr.New(mailerr.Io, err)
		}
	}
	if err := os.Remove(dir); err != nil {
		return mailerr.New(mailerr.Io, err)
	}

	// rmdir up the tree as long as each component is empty.
	for parent := filepath.Dir(dir); parent != spoolRoot && parent != "." && parent != string(filepath.Separator); parent = filepath.Dir(parent) {
		if err := os.Remove(parent); err != nil {
			break
		}
	}
	return nil
}
