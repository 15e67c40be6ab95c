package proxy

import "time"

// CopyResult reports the destination identifiers a cross-server COPY
// needs to translate APPENDUID into COPYUID for the client (spec §4.J).
type CopyResult struct {
	UIDValidity uint32
	DestUID     uint32
}

// Fetcher retrieves one message's flags, internal date, and literal body
// from the source mailbox. Appender stores it into the destination
// mailbox and reports the APPENDUID response code's fields.
type (
	Fetcher  func() (flags []string, internalDate time.Time, literal []byte, err error)
	Appender func(flags []string, internalDate time.Time, literal []byte) (uidvalidity, uid uint32, err error)
)

// CrossServerCopy implements spec §4.J's cross-server COPY as a
// FETCH-on-source followed by an APPEND-on-destination, since IMAP has
// no native cross-server COPY. If appendMsg fails, the copy is simply
// not performed on the destination; there is nothing to roll back since
// the source was never modified.
func CrossServerCopy(fetch Fetcher, appendMsg Appender) (CopyResult, error) {
	flags, date, literal, err := fetch()
	if err != nil {
		return CopyResult{}, err
	}

	uidvalidity, uid, err := appendMsg(flags, date, literal)
	if err != nil {
		return CopyResult{}, err
	}

	return CopyResult{UIDValidity: uidvalidity, DestUID: uid}, nil
}
