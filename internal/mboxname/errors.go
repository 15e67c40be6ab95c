package mboxname

import "errors"

var (
	errNameEmpty          = errors.New("mboxname: name is empty")
	errNoUser             = errors.New("mboxname: INBOX requires a userid")
	errDenylisted         = errors.New("mboxname: name is on the denylist")
	errControlChar        = errors.New("mboxname: name contains a control character")
	errRawSlash           = errors.New("mboxname: internal name contains a raw '/'")
	errLeadingTrailingDot = errors.New("mboxname: name has a leading or trailing '.'")
	errDoubleDot          = errors.New("mboxname: name contains '..'")
	errLeadingTilde       = errors.New("mboxname: name has a leading '~'")
	errBadChar            = errors.New("mboxname: name contains a disallowed character")
	errNotCanonical       = errors.New("mboxname: name is not in canonical Modified-UTF-7 form")
)
