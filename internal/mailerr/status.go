package mailerr

// LMTPStatus maps a Code onto the RFC 2033 reply the pipeline (§4.H) emits
// per recipient, per the taxonomy table in spec §7.
func (c Code) LMTPStatus() (code int, enhanced string) {
	switch c {
	case OkCompleted:
		return 250, "2.1.5"
	case Io:
		return 451, "4.3.0"
	case PermissionDenied:
		return 550, "5.7.1"
	case QuotaExceeded:
		return 452, "4.2.2"
	case MailboxBadFormat, MailboxNotSupported:
		return 451, "4.2.0"
	case MessageContainsNul, MessageContainsBareNewline, MessageContains8bit,
		MessageBadHeader, MessageNoBlankLine:
		return 554, "5.6.0"
	case MailboxNonexistent, InvalidIdentifier:
		return 550, "5.1.1"
	case MailboxExists:
		return 550, "5.1.1"
	case ServerUnavailable:
		return 451, "4.3.0"
	case UserFlagExhausted:
		return 451, "4.2.0"
	default:
		return 451, "4.0.0"
	}
}

// sysexits-style process exit codes, per spec §6.
const (
	ExitOK        = 0
	ExitTempFail  = 75
	ExitNoUser    = 67
	ExitDataErr   = 65
	ExitNoPerm    = 77
	ExitIOErr     = 74
	ExitSoftware  = 70
)

// ExitCode maps a Code onto the CLI exit status for cmd/deliver (spec §6),
// distinguishing EC_TEMPFAIL / EC_DATAERR / EC_NOUSER / EC_IOERR / EC_NOPERM.
func (c Code) ExitCode() int {
	switch c {
	case OkCompleted:
		return ExitOK
	case QuotaExceeded, MailboxBadFormat, MailboxNotSupported, ServerUnavailable, MailboxExists:
		return ExitTempFail
	case MailboxNonexistent, InvalidIdentifier:
		return ExitNoUser
	case MessageContainsNul, MessageContainsBareNewline, MessageContains8bit,
		MessageBadHeader, MessageNoBlankLine:
		return ExitDataErr
	case PermissionDenied:
		return ExitNoPerm
	case Io:
		return ExitIOErr
	case UserFlagExhausted:
		return ExitTempFail
	default:
		return ExitSoftware
	}
}

// EDQUOTOrENOSPC reports whether a disk-full condition should be treated
// as a transient (quota-like) failure rather than a permanent format
// failure, per spec §7 ("ambiguously caused by disk-full").
func EDQUOTOrENOSPC(errno error) bool {
	return isENOSPC(errno) || isEDQUOT(errno)
}
