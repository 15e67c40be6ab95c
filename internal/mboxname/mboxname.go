// Package mboxname implements the name resolver of spec §4.C: translation
// between a namespace's external mailbox name and the always-dotted
// internal representation, ownership checks, and the spool-directory
// hashing used to lay mailboxes out under internal/mailbox.
//
// Internal names are always separated by '.'. When a namespace's external
// separator is '/' (the "unixhierarchysep" convention of
// original_source/imap/mboxname.c), literal '.' characters in a name are
// escaped to dotChar on the way in and restored on the way out, so a
// literal dot never collides with the hierarchy separator.
package mboxname

import (
	"strings"

	"github.com/cyrusgo/cyrusgo/internal/mailerr"
	"github.com/cyrusgo/cyrusgo/internal/mutf7"
)

// dotChar is the sentinel byte substituted for a literal '.' in a name
// when the namespace's external separator is '/', so translation back and
// forth is unambiguous. It never appears in a name entered by a user (it's
// outside the printable-ASCII range accepted by Policy) and is never
// written anywhere except inside the internal representation held in
// memory and in the header's stored name.
const dotChar = '\x01'

// goodChars is the restricted ASCII set original_source/imap/mboxname.c
// calls GOODCHARS, plus dotChar when the namespace uses '/'.
const goodChars = " +,-.0123456789:=@ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz~"

// Namespace describes how external names map to internal ones.
type Namespace struct {
	// Separator is '.' or '/'.
	Separator byte
	// SharedPrefix names the shared-namespace top level, e.g. "shared".
	SharedPrefix string
}

func (ns Namespace) unixHierSep() bool { return ns.Separator == '/' }

// ToInternal converts an external name in the given namespace, as typed or
// displayed for userid, to its internal dotted representation. userid may
// be empty for operations on the shared namespace.
func (ns Namespace) ToInternal(name, userid string) (string, error) {
	if name == "" {
		return "", mailerr.New(mailerr.InvalidIdentifier, errNameEmpty)
	}

	var internal string
	if rest, ok := stripInboxPrefix(name, ns.Separator); ok {
		if userid == "" {
			return "", mailerr.New(mailerr.InvalidIdentifier, errNoUser)
		}
		internal = "user." + userid
		if rest != "" {
			if ns.unixHierSep() {
				rest = translate(rest, '/', '.', '.', dotChar)
			}
			internal += "." + rest
		}
	} else {
		internal = name
		if ns.unixHierSep() {
			internal = translate(internal, '/', '.', '.', dotChar)
		}
	}

	if err := ns.Policy(internal); err != nil {
		return "", err
	}
	return internal, nil
}

// stripInboxPrefix reports whether name is "INBOX" or "INBOX<sep>...", and
// if so returns whatever follows the separator (possibly empty).
func stripInboxPrefix(name string, sep byte) (string, bool) {
	const inbox = "INBOX"
	if len(name) < len(inbox) || !strings.EqualFold(name[:len(inbox)], inbox) {
		return "", false
	}
	rest := name[len(inbox):]
	if rest == "" {
		return "", true
	}
	if rest[0] != sep {
		return "", false
	}
	return rest[1:], true
}

// ToExternal converts an internal dotted name back to the namespace's
// external representation for userid.
func (ns Namespace) ToExternal(internal, userid string) (string, error) {
	if userid != "" {
		prefix := "user." + userid
		if internal == prefix {
			return "INBOX", nil
		}
		if rest, ok := strings.CutPrefix(internal, prefix+"."); ok {
			if ns.unixHierSep() {
				rest = translate(rest, '.', '/', dotChar, '.')
			}
			return "INBOX" + string(ns.Separator) + rest, nil
		}
	}

	external := internal
	if ns.unixHierSep() {
		external = translate(external, '.', '/', dotChar, '.')
	}
	return external, nil
}

// translate rewrites every occurrence of fromSep to toSep and every
// occurrence of fromDot to toDot, scanning left to right exactly once so a
// byte produced by one substitution is never reinterpreted by the other.
func translate(s string, fromSep, toSep, fromDot, toDot byte) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case fromSep:
			b.WriteByte(toSep)
		case fromDot:
			b.WriteByte(toDot)
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// UserOwnsMailbox reports whether internal names a mailbox under userid's
// personal namespace: it must equal "user.<userid>" or begin with
// "user.<userid>." (spec §4.C).
func UserOwnsMailbox(userid, internal string) bool {
	prefix := "user." + userid
	if internal == prefix {
		return true
	}
	return strings.HasPrefix(internal, prefix+".")
}

// SameUserid reports whether two internal names belong to the same user's
// personal namespace (original_source's mboxname_same_userid neighbor to
// mboxname_userownsmailbox, used by the delivery pipeline's fileinto ACL
// check in spec §4.H/§4.G).
func SameUserid(a, b string) bool {
	ua, ok1 := personalUserid(a)
	ub, ok2 := personalUserid(b)
	return ok1 && ok2 && ua == ub
}

func personalUserid(internal string) (string, bool) {
	if !strings.HasPrefix(internal, "user.") {
		return "", false
	}
	rest := internal[len("user."):]
	if i := strings.IndexByte(rest, '.'); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return "", false
	}
	return rest, true
}

// HashMbox deterministically picks a single lower-case letter or digit
// bucket from the first hierarchy component after an optional prefix,
// spreading mailboxes for different users across subdirectories of root
// (spec §4.C: "hash_mbox ... to spread the spool across subdirectories").
// original_source's hashimapspool equivalent wasn't present in the
// retrieval pack; this follows the prose contract directly.
func HashMbox(root, internal string) string {
	name := strings.TrimPrefix(internal, "user.")
	if idx := strings.IndexByte(name, '.'); idx >= 0 {
		name = name[:idx]
	}
	if name == "" {
		return "q"
	}
	var sum uint32
	for i := 0; i < len(name); i++ {
		sum = sum*31 + uint32(name[i])
	}
	const buckets = "abcdefghijklmnopqrstuvwxyz0123456789"
	return string(buckets[sum%uint32(len(buckets))])
}

// Policy validates an internal name against the denylist and character
// set of spec §4.C, before any filesystem operation touches it.
func (ns Namespace) Policy(internal string) error {
	if internal == "" {
		return mailerr.New(mailerr.InvalidIdentifier, errNameEmpty)
	}
	if internal == "user" {
		return mailerr.New(mailerr.InvalidIdentifier, errDenylisted)
	}
	if strings.Contains(internal, "\t") || strings.Contains(internal, "\n") {
		return mailerr.New(mailerr.InvalidIdentifier, errControlChar)
	}
	if strings.Contains(internal, "/") {
		return mailerr.New(mailerr.InvalidIdentifier, errRawSlash)
	}
	if strings.HasPrefix(internal, ".") || strings.HasSuffix(internal, ".") {
		return mailerr.New(mailerr.InvalidIdentifier, errLeadingTrailingDot)
	}
	if strings.Contains(internal, "..") {
		return mailerr.New(mailerr.InvalidIdentifier, errDoubleDot)
	}
	if strings.HasPrefix(internal, "~") {
		return mailerr.New(mailerr.InvalidIdentifier, errLeadingTilde)
	}

	allowed := goodChars
	if ns.unixHierSep() {
		allowed += string(dotChar)
	}
	for i := 0; i < len(internal); i++ {
		c := internal[i]
		if c == '&' {
			// Modified UTF-7 escape (original_source/imap/mboxname.c's
			// mboxname_policycheck special-cases "&...-" the same way):
			// everything up to the matching unescaped '-' is exempt from
			// the plain GOODCHARS membership test. Rather than re-deriving
			// the base64-triplet validation the C version does inline,
			// decode the run through mutf7.Decode and reject the name if
			// it isn't a well-formed escape.
			j := strings.IndexByte(internal[i+1:], '-')
			if j < 0 {
				return mailerr.New(mailerr.InvalidIdentifier, errBadChar)
			}
			run := internal[i : i+1+j+1]
			if _, err := mutf7.Decode(run); err != nil {
				return mailerr.New(mailerr.InvalidIdentifier, errBadChar)
			}
			i += len(run) - 1
			continue
		}
		if strings.IndexByte(allowed, c) < 0 {
			return mailerr.New(mailerr.InvalidIdentifier, errBadChar)
		}
	}
	return nil
}

// Canonicalize decodes any Modified-UTF-7 escapes in an external name,
// re-encodes them, and confirms the result is byte-identical to the input
// — the round-trip law of spec §8 ("toExternal(toInternal(name,u),u) ==
// name for every valid name").
func Canonicalize(external string) (string, error) {
	decoded, err := mutf7.Decode(external)
	if err != nil {
		return "", mailerr.New(mailerr.InvalidIdentifier, err)
	}
	if mutf7.Encode(decoded) != external {
		return "", mailerr.New(mailerr.InvalidIdentifier, errNotCanonical)
	}
	return external, nil
}
