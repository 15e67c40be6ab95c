package deliverbackend

import (
	"strings"
	"testing"

	"github.com/cyrusgo/cyrusgo/internal/config"
	"github.com/cyrusgo/cyrusgo/internal/delivmsg"
	"github.com/cyrusgo/cyrusgo/internal/dupsuppress"
	"github.com/cyrusgo/cyrusgo/internal/logctx"
	"github.com/cyrusgo/cyrusgo/internal/mailbox"
	"github.com/cyrusgo/cyrusgo/internal/mboxname"
	"github.com/cyrusgo/cyrusgo/internal/sieve"
)

func newTestBackend(t *testing.T) (*Backend, string) {
	t.Helper()
	root := t.TempDir()

	m, err := mailbox.Create(root, "user.bob", "user.bob", "uid-bob-1")
	if err != nil {
		t.Fatalf("Create inbox: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close inbox: %v", err)
	}

	b := &Backend{
		Cfg: &config.Config{
			SpoolRoot:    root,
			Hostname:     "mail.example.com",
			SendmailPath: "/nonexistent/sendmail",
			Postmaster:   "postmaster",
		},
		Namespace: mboxname.Namespace{Separator: '.', SharedPrefix: "shared"},
		Log:       logctx.Logger{Name: "deliverbackend-test"},
	}
	return b, root
}

func parseMessage(t *testing.T, returnPath, headers, body string) *delivmsg.Message {
	t.Helper()
	raw := delivmsg.Canonicalize([]byte(strings.ReplaceAll(headers+"\r\n"+body, "\n", "\r\n")))
	msg, err := delivmsg.Parse(returnPath, raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return msg
}

func TestDeliverKeepAppendsToInbox(t *testing.T) {
	b, root := newTestBackend(t)
	msg := parseMessage(t, "sender@example.com", "Subject: hi\nMessage-Id: <1@example.com>", "hello\n")

	if err := b.Deliver("user.bob", msg); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	mbx, err := mailbox.Open(root, "user.bob")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer mbx.Close()
	sum, err := mbx.Summarize("bob")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if sum.Exists != 1 {
		t.Fatalf("expected 1 message delivered, got %d", sum.Exists)
	}
}

// TestApplyActionSetFlagThreadsIntoAppend confirms a SetFlag fills the
// flag state that a following Keep takes its flags from, and that the
// Keep then appends without error.
func TestApplyActionSetFlagThreadsIntoAppend(t *testing.T) {
	b, _ := newTestBackend(t)
	msg := parseMessage(t, "sender@example.com", "Subject: hi\nMessage-Id: <2@example.com>", "hello\n")

	state := &flagState{}
	if err := b.applyAction("user.bob", msg, sieve.SetFlag{Flags: []string{"custom1"}}, state); err != nil {
		t.Fatalf("applyAction SetFlag: %v", err)
	}
	if got := state.effective(nil); len(got) != 1 || got[0] != "custom1" {
		t.Fatalf("expected SetFlag to populate flag state with [custom1], got %v", got)
	}

	if err := b.applyAction("user.bob", msg, sieve.Keep{}, state); err != nil {
		t.Fatalf("applyAction Keep: %v", err)
	}
}

func TestFlagStateAddAndRemove(t *testing.T) {
	s := &flagState{}
	s.add([]string{"a", "b"})
	s.add([]string{"c"})
	if got := s.effective(nil); len(got) != 3 {
		t.Fatalf("expected 3 flags after two adds, got %v", got)
	}
	s.remove([]string{"b"})
	got := s.effective(nil)
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Fatalf("expected [a c] after removing b, got %v", got)
	}
	s.set([]string{"only"})
	if got := s.effective(nil); len(got) != 1 || got[0] != "only" {
		t.Fatalf("expected SetFlag to replace prior state, got %v", got)
	}
	if got := s.effective([]string{"explicit"}); len(got) != 1 || got[0] != "explicit" {
		t.Fatalf("expected an action's own Flags to override running state, got %v", got)
	}
}

func TestApplyActionRejectInvokesSendmail(t *testing.T) {
	b, _ := newTestBackend(t)
	msg := parseMessage(t, "someone@elsewhere.com", "Subject: spam\nMessage-Id: <3@example.com>", "junk\n")

	var gotFrom string
	var gotTo []string
	orig := sendmail
	sendmail = func(path, envelopeFrom string, recipients []string, body []byte) error {
		gotFrom = envelopeFrom
		gotTo = recipients
		return nil
	}
	defer func() { sendmail = orig }()

	state := &flagState{}
	if err := b.applyAction("user.bob", msg, sieve.Reject{Message: "no thanks"}, state); err != nil {
		t.Fatalf("applyAction Reject: %v", err)
	}
	if gotFrom != "<>" {
		t.Fatalf("expected bounce envelope sender <>, got %q", gotFrom)
	}
	if len(gotTo) != 1 || gotTo[0] != "someone@elsewhere.com" {
		t.Fatalf("expected bounce recipient someone@elsewhere.com, got %v", gotTo)
	}
}

func TestApplyActionVacationSuppressesRepeat(t *testing.T) {
	b, _ := newTestBackend(t)
	table := dupsuppressTableForTest(t)
	b.Dup = table
	defer table.Close()

	msg := parseMessage(t, "someone@elsewhere.com", "Subject: hi\nMessage-Id: <4@example.com>", "hello\n")

	calls := 0
	orig := sendmail
	sendmail = func(path, envelopeFrom string, recipients []string, body []byte) error {
		calls++
		return nil
	}
	defer func() { sendmail = orig }()

	action := sieve.Vacation{Message: "I'm out", Days: 5}
	state := &flagState{}
	if err := b.applyAction("user.bob", msg, action, state); err != nil {
		t.Fatalf("applyAction Vacation (first): %v", err)
	}
	if err := b.applyAction("user.bob", msg, action, state); err != nil {
		t.Fatalf("applyAction Vacation (second): %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected vacation to fire once within the dupsuppress window, got %d calls", calls)
	}
}

func dupsuppressTableForTest(t *testing.T) *dupsuppress.Table {
	t.Helper()
	table, err := dupsuppress.Open(t.TempDir() + "/dupsuppress.db")
	if err != nil {
		t.Fatalf("dupsuppress.Open: %v", err)
	}
	return table
}
