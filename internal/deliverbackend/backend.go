// Package deliverbackend wires internal/mailbox, internal/mboxname,
// internal/sieve, and internal/dupsuppress together into a concrete
// lmtp.Backend, shared by cmd/deliver's direct-delivery path and
// cmd/lmtpd's network path so the two entrypoints agree on exactly one
// local-delivery pipeline (spec §4.H).
package deliverbackend

import (
	"fmt"
	"strings"
	"time"

	"github.com/cyrusgo/cyrusgo/internal/config"
	"github.com/cyrusgo/cyrusgo/internal/delivmsg"
	"github.com/cyrusgo/cyrusgo/internal/dupsuppress"
	"github.com/cyrusgo/cyrusgo/internal/logctx"
	"github.com/cyrusgo/cyrusgo/internal/mailbox"
	"github.com/cyrusgo/cyrusgo/internal/mailerr"
	"github.com/cyrusgo/cyrusgo/internal/mboxname"
	"github.com/cyrusgo/cyrusgo/internal/sieve"
)

// ProgramLoader resolves a user's compiled Sieve program, if any. Sieve
// grammar parsing is out of scope (spec §1); a real loader deserializes
// an already-compiled program from SieveScriptRoot. ok=false means
// "deliver straight to INBOX", the same as an explicit empty script.
type ProgramLoader func(userid string) (prog sieve.Program, ok bool, err error)

// Backend is the concrete lmtp.Backend for this repository's delivery
// pipeline.
type Backend struct {
	Cfg       *config.Config
	Namespace mboxname.Namespace
	Dup       *dupsuppress.Table // nil disables duplicate suppression
	Programs  ProgramLoader      // nil disables Sieve entirely
	ExtraFlags []string
	Log       logctx.Logger
}

// Resolve maps an RCPT TO address onto the recipient's INBOX, spec §4.C's
// "local-part is the userid" convention; a "+detail" extension after the
// userid is accepted and ignored (it does not change the target mailbox,
// matching the teacher's plus-addressing convention).
func (b *Backend) Resolve(address string) (string, bool) {
	user := addressUser(address)
	if user == "" {
		return "", false
	}
	internal, err := b.Namespace.ToInternal("INBOX", user)
	if err != nil {
		return "", false
	}
	return internal, true
}

func addressUser(address string) string {
	local := address
	if at := strings.IndexByte(address, '@'); at >= 0 {
		local = address[:at]
	}
	if plus := strings.IndexByte(local, '+'); plus >= 0 {
		local = local[:plus]
	}
	return strings.ToLower(local)
}

// Precheck opens the mailbox (creating the user's INBOX on first
// delivery is out of scope here — provisioning is an administrative
// action) and reports whether it is already over quota, without writing
// anything, matching append_setup's precheck-before-DATA contract (spec
// §4.H). The real message size isn't known until DATA, so this uses a
// zero-size probe: it only catches a mailbox that was already over quota
// before this message, which is exactly the tolerance spec §4.H allows
// ("a single message may push quota over its limit").
func (b *Backend) Precheck(mailboxName string) error {
	mbx, err := mailbox.Open(b.Cfg.SpoolRoot, mailboxName)
	if err != nil {
		return err
	}
	defer mbx.Close()

	exceed, err := mbx.WouldExceedQuota(0)
	if err != nil {
		return err
	}
	if exceed {
		return mailerr.New(mailerr.QuotaExceeded, fmt.Errorf("mailbox %s is over quota", mailboxName))
	}
	return nil
}

// Deliver evaluates the recipient's Sieve program (if any) against msg
// and performs the resulting actions: fileinto/keep append duplicate-
// suppression-checked copies into the named mailbox, discard drops the
// message, redirect/reject/vacation spawn sendmail per spec §4.G, and
// setflag/addflag/removeflag/mark/unmark accumulate the flag state that a
// later keep/fileinto in the same action list applies to its delivered
// copy.
func (b *Backend) Deliver(mailboxName string, msg *delivmsg.Message) error {
	env := &messageEnv{msg: msg, recipient: mailboxName}

	actions := []sieve.Action{sieve.Keep{}}
	if b.Programs != nil {
		prog, ok, err := b.Programs(recipientUser(mailboxName))
		if err != nil {
			b.Log.Error("sieve program load failed, falling back to keep", err, "mailbox", mailboxName)
		} else if ok {
			evaluated, err := sieve.Evaluate(prog, env, sieve.LoggingErrorHandler(b.Log))
			if err != nil {
				b.Log.Error("sieve action conflict, falling back to keep", err, "mailbox", mailboxName)
			} else {
				actions = evaluated
			}
		}
	}

	state := &flagState{}
	for _, action := range actions {
		if err := b.applyAction(mailboxName, msg, action, state); err != nil {
			return err
		}
	}
	return nil
}

// flagState is the imap4flags ":setflag"/":addflag"/":removeflag"
// variable Sieve threads through an action list: it starts empty, is
// mutated in place by SetFlag/AddFlag/RemoveFlag/Mark/Unmark, and is
// read by whichever Keep/FileInto executes next unless that action
// carries its own explicit flag list.
type flagState struct {
	flags []string
}

func (s *flagState) effective(explicit []string) []string {
	if len(explicit) > 0 {
		return explicit
	}
	return s.flags
}

func (s *flagState) set(flags []string) {
	s.flags = append([]string(nil), flags...)
}

func (s *flagState) add(flags []string) {
	s.flags = append(s.flags, flags...)
}

func (s *flagState) remove(flags []string) {
	drop := make(map[string]bool, len(flags))
	for _, f := range flags {
		drop[f] = true
	}
	var kept []string
	for _, f := range s.flags {
		if !drop[f] {
			kept = append(kept, f)
		}
	}
	s.flags = kept
}

func recipientUser(internalMailbox string) string {
	const prefix = "user."
	if !strings.HasPrefix(internalMailbox, prefix) {
		return ""
	}
	rest := internalMailbox[len(prefix):]
	if dot := strings.IndexByte(rest, '.'); dot >= 0 {
		return rest[:dot]
	}
	return rest
}

func (b *Backend) applyAction(defaultMailbox string, msg *delivmsg.Message, action sieve.Action, state *flagState) error {
	switch a := action.(type) {
	case sieve.Discard:
		return nil
	case sieve.Keep:
		return b.appendMessage(defaultMailbox, msg, state.effective(a.Flags))
	case sieve.FileInto:
		internal, err := b.Namespace.ToInternal(a.Mailbox, recipientUser(defaultMailbox))
		if err != nil {
			internal = defaultMailbox
		}
		return b.appendMessage(internal, msg, state.effective(a.Flags))
	case sieve.SetFlag:
		state.set(a.Flags)
		return nil
	case sieve.AddFlag:
		state.add(a.Flags)
		return nil
	case sieve.RemoveFlag:
		state.remove(a.Flags)
		return nil
	case sieve.Mark:
		state.add([]string{`\Flagged`})
		return nil
	case sieve.Unmark:
		state.remove([]string{`\Flagged`})
		return nil
	case sieve.Redirect:
		return b.redirect(a, msg)
	case sieve.Reject:
		return b.reject(defaultMailbox, a, msg)
	case sieve.Vacation:
		return b.vacation(recipientUser(defaultMailbox), a, msg)
	case sieve.Notify, sieve.Denotify:
		// Out-of-band notification delivery (a "mailto:"/"xmpp:" sink
		// outside the mailbox store and outside sendmail) is a channel
		// this backend doesn't own; the action is still representable
		// and compatibility-checked, it's just a no-op here.
		return nil
	default:
		return fmt.Errorf("deliverbackend: unhandled sieve action %T", action)
	}
}

func (b *Backend) appendMessage(mailboxName string, msg *delivmsg.Message, flags []string) error {
	if b.Dup != nil {
		scope := mailboxName
		messageID := firstHeader(msg, "message-id")
		if messageID != "" {
			dup, err := b.Dup.Check(messageID, scope, time.Now())
			if err != nil {
				return err
			}
			if dup {
				return nil
			}
		}
	}

	mbx, err := mailbox.Open(b.Cfg.SpoolRoot, mailboxName)
	if err != nil {
		return err
	}
	defer mbx.Close()

	userFlags := flags
	if len(b.ExtraFlags) > 0 {
		userFlags = append(append([]string(nil), b.ExtraFlags...), flags...)
	}
	req := mailbox.AppendRequest{
		Body:         msg.Raw,
		Size:         uint32(len(msg.Raw)),
		HeaderSize:   uint32(msg.HeaderSize),
		UserFlags:    userFlags,
		InternalDate: time.Now(),
		Cache: mailbox.CacheRecord{
			Envelope: firstHeader(msg, "subject"),
			Headers:  msg.HeaderIndex,
		},
	}
	if _, err := mbx.Append(req); err != nil {
		return err
	}

	if b.Dup != nil {
		messageID := firstHeader(msg, "message-id")
		if messageID != "" {
			_ = b.Dup.Mark(messageID, mailboxName, time.Now().Add(b.Cfg.DuplicateExpiry))
		}
	}
	return nil
}

func firstHeader(msg *delivmsg.Message, name string) string {
	vals := msg.HeaderIndex[name]
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// messageEnv adapts a parsed delivmsg.Message into a sieve.Environment.
type messageEnv struct {
	msg       *delivmsg.Message
	recipient string
}

func (e *messageEnv) Header(name string) []string {
	return e.msg.HeaderIndex[strings.ToLower(name)]
}

func (e *messageEnv) Size() int { return len(e.msg.Raw) }

func (e *messageEnv) EnvelopeFrom() string {
	return firstHeader(e.msg, "return-path")
}

func (e *messageEnv) EnvelopeTo() string { return e.recipient }

func (e *messageEnv) RecipientIndex() int { return 0 }

func (e *messageEnv) Capabilities() []string {
	return []string{"fileinto", "reject", "envelope", "vacation", "imap4flags"}
}
