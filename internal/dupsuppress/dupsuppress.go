// Package dupsuppress implements the duplicate-delivery suppression table
// of spec §4.F: a skiplist-backed map keyed by (message-id, scope) holding
// a 32-bit expiry, used both for plain re-delivery suppression and for
// rate-limiting Sieve vacation replies.
package dupsuppress

import (
	"encoding/binary"
	"time"

	"github.com/cyrusgo/cyrusgo/internal/skiplistdb"
)

// VacationScope builds the scope string spec §4.F assigns to
// Sieve-generated auxiliary records: the concatenation
// ".<user>.sieve." distinguishing a vacation/forward trail from a plain
// delivery, which scopes on the destination mailbox name instead.
func VacationScope(user string) string {
	return "." + user + ".sieve."
}

// Table wraps a skiplistdb.DB dedicated to duplicate suppression.
type Table struct {
	db *skiplistdb.DB
}

// Open opens (or creates) the duplicate-suppression database at path.
func Open(path string) (*Table, error) {
	db, err := skiplistdb.Open(path)
	if err != nil {
		return nil, err
	}
	return &Table{db: db}, nil
}

func (t *Table) Close() error { return t.db.Close() }

func key(messageID, scope string) []byte {
	buf := make([]byte, 0, len(messageID)+1+len(scope))
	buf = append(buf, messageID...)
	buf = append(buf, 0)
	buf = append(buf, scope...)
	return buf
}

// Check reports whether a matching, unexpired record exists for
// (messageID, scope) (spec §4.F: "check returns true iff a matching
// unexpired record exists").
func (t *Table) Check(messageID, scope string, now time.Time) (bool, error) {
	val, err := t.db.Fetch(key(messageID, scope))
	if err == skiplistdb.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	expiry := decodeExpiry(val)
	return int64(expiry) > now.Unix(), nil
}

// Mark upserts a record for (messageID, scope) with the given expiry
// (spec §4.F: "mark upserts with a caller-supplied expiry").
func (t *Table) Mark(messageID, scope string, expiry time.Time) error {
	txn, err := t.db.Begin()
	if err != nil {
		return err
	}
	if err := txn.Store(key(messageID, scope), encodeExpiry(uint32(expiry.Unix()))); err != nil {
		txn.Abort()
		return err
	}
	return txn.Commit()
}

// Prune removes every record whose expiry has already passed as of now,
// implementing spec §4.F's lazy "prune(age)" cleanup. It walks the whole
// table since entries are keyed by message-id/scope, not by expiry, so
// there is no ordered range to restrict the scan to.
func (t *Table) Prune(now time.Time) (removed int, err error) {
	var stale [][]byte
	err = t.db.ForEach(nil, nil, func(k, v []byte) error {
		if int64(decodeExpiry(v)) < now.Unix() {
			stale = append(stale, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	txn, err := t.db.Begin()
	if err != nil {
		return 0, err
	}
	for _, k := range stale {
		if err := txn.Delete(k); err != nil && err != skiplistdb.ErrNotFound {
			txn.Abort()
			return 0, err
		}
	}
	if err := txn.Commit(); err != nil {
		return 0, err
	}
	return len(stale), nil
}

func encodeExpiry(expiry uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, expiry)
	return buf
}

func decodeExpiry(buf []byte) uint32 {
	if len(buf) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(buf)
}
