package sieve

import "errors"

// ErrActionConflict is returned by Evaluate when the accumulated action
// list violates spec §4.G's pairwise compatibility rules.
var ErrActionConflict = errors.New("sieve: incompatible actions")

// vacationMinDays and vacationMaxDays clamp the Vacation ":days" argument,
// taken from original_source/sieve/sieve.c's VACATION_MIN_RESPONSE /
// VACATION_MAX_RESPONSE constants (SPEC_FULL.md §4.G).
const (
	vacationMinDays = 1
	vacationMaxDays = 90
)

// Keep delivers the message to the recipient's default mailbox (INBOX),
// with Flags applied to the delivered copy (spec §3's "Keep(flags,
// copy?)"). Copy is carried on the action but read by neither
// checkCompatibility nor the delivery backend.
type Keep struct {
	Flags []string
	Copy  bool
}

func (Keep) isAction() {}

// Discard silently drops the message.
type Discard struct{}

func (Discard) isAction() {}

// FileInto delivers into a specific mailbox with Flags applied (spec §3's
// "FileInto(mailbox, flags, copy?)"). Copy is carried on the action but
// read by neither checkCompatibility nor the delivery backend.
type FileInto struct {
	Mailbox string
	Flags   []string
	Copy    bool
}

func (FileInto) isAction() {}

// Redirect forwards the message to Address via a spawned sendmail process
// (spec §4.G: "spawns a sendmail process with the recipient substituted").
// Copy is carried on the action (spec §3's "Redirect(addr, copy?)") but
// read by neither checkCompatibility nor the delivery backend.
type Redirect struct {
	Address string
	Copy    bool
}

func (Redirect) isAction() {}

// Reject refuses delivery with Message as the bounce text. Incompatible
// with any action that delivers, forwards, or rewrites the message.
type Reject struct {
	Message string
}

func (Reject) isAction() {}

// Vacation composes and sends an auto-reply, clamped to [1,90] days
// between replies to the same sender (spec §4.G, SPEC_FULL.md §4.G).
// The delivery backend's dupsuppress key is Handle plus the sender's
// address, so multiple ":vacation" rules in the same script can be told
// apart; with an empty Handle the key is the sender alone (spec §3's
// "Vacation(addr, from, subject, body, days, mime, handle)").
type Vacation struct {
	Address string
	From    string
	Subject string
	Message string
	Days    int
	MIME    bool
	Handle  string
}

func (Vacation) isAction() {}

// ClampDays returns v.Days clamped to the [vacationMinDays, vacationMaxDays]
// window the original implementation enforces.
func (v Vacation) ClampDays() int {
	switch {
	case v.Days < vacationMinDays:
		return vacationMinDays
	case v.Days > vacationMaxDays:
		return vacationMaxDays
	default:
		return v.Days
	}
}

// SetFlag, AddFlag, RemoveFlag set/add/remove IMAP flags on the delivered
// message.
type SetFlag struct{ Flags []string }
type AddFlag struct{ Flags []string }
type RemoveFlag struct{ Flags []string }

func (SetFlag) isAction()    {}
func (AddFlag) isAction()    {}
func (RemoveFlag) isAction() {}

// Mark and Unmark set/clear the implementation-defined \Flagged-style
// marker some Sieve dialects expose as a dedicated action pair distinct
// from imap4flags.
type Mark struct{}
type Unmark struct{}

func (Mark) isAction()   {}
func (Unmark) isAction() {}

// Notify sends an out-of-band notification through Method (e.g. a
// "mailto:" or "xmpp:" URI), distinguished from any other concurrent
// Notify by ID, carrying Options (method-specific parameters), Priority,
// and Message text (spec §3's "Notify(method, id, options, priority,
// message)"). It does not deliver, forward, or rewrite the message
// itself, so it isn't part of Reject's conflict set.
type Notify struct {
	Method   string
	ID       string
	Options  []string
	Priority string
	Message  string
}

func (Notify) isAction() {}

// Denotify cancels a pending Notify whose ID matches Match (an exact id
// or, per the notify draft, a ":any" wildcard), optionally restricted to
// a given Priority (spec §3's "Denotify(match, priority)").
type Denotify struct {
	Match    string
	Priority string
}

func (Denotify) isAction() {}

// deliversForwardsOrRewrites reports whether a lives in the set of actions
// spec §4.G says Reject cannot coexist with.
func deliversForwardsOrRewrites(a Action) bool {
	switch a.(type) {
	case FileInto, Keep, Redirect, Vacation, SetFlag, AddFlag, RemoveFlag, Mark, Unmark:
		return true
	default:
		return false
	}
}

// checkCompatibility applies spec §4.G's pairwise rules and collapses
// idempotent duplicates (Keep, Discard), returning the conflict error the
// pipeline uses to trigger its fallback Keep-into-INBOX.
func checkCompatibility(actions []Action) ([]Action, error) {
	var (
		out          []Action
		haveReject   bool
		haveVacation bool
		haveKeep     bool
		haveDiscard  bool
	)

	for _, a := range actions {
		switch a.(type) {
		case Keep:
			if haveKeep {
				continue // idempotent
			}
			haveKeep = true
		case Discard:
			if haveDiscard {
				continue // idempotent
			}
			haveDiscard = true
		case Vacation:
			if haveVacation {
				return nil, ErrActionConflict
			}
			haveVacation = true
		case Reject:
			haveReject = true
		}

		if haveReject && deliversForwardsOrRewrites(a) {
			return nil, ErrActionConflict
		}
		if _, isReject := a.(Reject); isReject {
			for _, prev := range out {
				if deliversForwardsOrRewrites(prev) {
					return nil, ErrActionConflict
				}
			}
		}

		out = append(out, a)
	}
	return out, nil
}
