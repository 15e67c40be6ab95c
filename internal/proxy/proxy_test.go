package proxy

import (
	"errors"
	"net"
	"testing"
	"time"
)

func TestDetectCapabilities(t *testing.T) {
	caps := DetectCapabilities([]byte("CAPABILITY IMAP4rev1 IDLE LITERAL+ NAMESPACE"))
	if !caps.IDLE {
		t.Fatalf("expected IDLE detected")
	}
	if !caps.LiteralPlus {
		t.Fatalf("expected LITERAL+ detected")
	}
	if caps.ACAP {
		t.Fatalf("did not expect ACAP")
	}
}

func TestToNonSyncLiteral(t *testing.T) {
	got := ToNonSyncLiteral([]byte("a APPEND INBOX {120}\r\n"))
	want := "a APPEND INBOX {120+}\r\n"
	if string(got) != want {
		t.Fatalf("ToNonSyncLiteral = %q, want %q", got, want)
	}
}

func TestToSyncLiteral(t *testing.T) {
	got := ToSyncLiteral([]byte("a APPEND INBOX {120+}\r\n"))
	want := "a APPEND INBOX {120}\r\n"
	if string(got) != want {
		t.Fatalf("ToSyncLiteral = %q, want %q", got, want)
	}
}

func TestTranslateLiteralNoopWhenAlreadyInTargetForm(t *testing.T) {
	line := []byte("a APPEND INBOX {120+}\r\n")
	if got := ToNonSyncLiteral(line); string(got) != string(line) {
		t.Fatalf("expected no change, got %q", got)
	}
}

func TestTranslateLiteralIgnoresLinesWithoutLiteral(t *testing.T) {
	line := []byte("a NOOP\r\n")
	if got := ToNonSyncLiteral(line); string(got) != string(line) {
		t.Fatalf("expected no change, got %q", got)
	}
}

func TestTranslateLiteralIgnoresNonNumericBraces(t *testing.T) {
	line := []byte("a LOGIN {user}\r\n")
	if got := ToNonSyncLiteral(line); string(got) != string(line) {
		t.Fatalf("expected no change for non-numeric braces, got %q", got)
	}
}

func TestReferralResponse(t *testing.T) {
	got := ReferralResponse("a1", "imap2.example.com", "user.bob")
	want := "a1 NO [REFERRAL imap://imap2.example.com/user.bob] mailbox located on another server\r\n"
	if got != want {
		t.Fatalf("ReferralResponse = %q, want %q", got, want)
	}
}

type fakeLocator struct {
	hosts map[string]string
	local map[string]bool
}

func (f *fakeLocator) Locate(mailbox string) (string, bool, error) {
	if f.local[mailbox] {
		return "", true, nil
	}
	host, ok := f.hosts[mailbox]
	if !ok {
		return "", false, errors.New("no such mailbox")
	}
	return host, false, nil
}

func TestRouteLocal(t *testing.T) {
	loc := &fakeLocator{local: map[string]bool{"user.alice": true}}
	d, err := Route(loc, "user.alice")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !d.Local {
		t.Fatalf("expected local decision")
	}
}

func TestRouteRemote(t *testing.T) {
	loc := &fakeLocator{hosts: map[string]string{"user.bob": "imap2.example.com"}}
	d, err := Route(loc, "user.bob")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Local || d.Host != "imap2.example.com" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestCrossServerCopySuccess(t *testing.T) {
	fetch := func() ([]string, time.Time, []byte, error) {
		return []string{"\\Seen"}, time.Unix(1000, 0), []byte("msg body"), nil
	}
	appendMsg := func(flags []string, date time.Time, lit []byte) (uint32, uint32, error) {
		if len(flags) != 1 || flags[0] != "\\Seen" {
			t.Fatalf("unexpected flags passed to append: %v", flags)
		}
		if string(lit) != "msg body" {
			t.Fatalf("unexpected literal passed to append: %q", lit)
		}
		return 42, 7, nil
	}
	res, err := CrossServerCopy(fetch, appendMsg)
	if err != nil {
		t.Fatalf("CrossServerCopy: %v", err)
	}
	if res.UIDValidity != 42 || res.DestUID != 7 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestCrossServerCopyFetchFailure(t *testing.T) {
	fetch := func() ([]string, time.Time, []byte, error) {
		return nil, time.Time{}, nil, errors.New("source gone")
	}
	appendMsg := func(flags []string, date time.Time, lit []byte) (uint32, uint32, error) {
		t.Fatalf("append should not be called when fetch fails")
		return 0, 0, nil
	}
	if _, err := CrossServerCopy(fetch, appendMsg); err == nil {
		t.Fatalf("expected CrossServerCopy to propagate the fetch error")
	}
}

func TestCrossServerCopyAppendFailure(t *testing.T) {
	fetch := func() ([]string, time.Time, []byte, error) {
		return nil, time.Time{}, []byte("x"), nil
	}
	appendMsg := func(flags []string, date time.Time, lit []byte) (uint32, uint32, error) {
		return 0, 0, errors.New("destination over quota")
	}
	if _, err := CrossServerCopy(fetch, appendMsg); err == nil {
		t.Fatalf("expected CrossServerCopy to propagate the append error")
	}
}

func TestPoolGetDialsWhenEmptyAndReusesAfterPut(t *testing.T) {
	dialCount := 0
	c1, c2 := net.Pipe()
	_ = c2
	dial := func(host string) (net.Conn, error) {
		dialCount++
		return c1, nil
	}
	p := NewPool(dial, time.Minute)

	conn, err := p.Get("imap2.example.com")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	conn.Caps = Capabilities{IDLE: true}
	p.Put("imap2.example.com", conn)

	second, err := p.Get("imap2.example.com")
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if !second.Caps.IDLE {
		t.Fatalf("expected capabilities set on first Get to survive the round trip through the pool")
	}
	if dialCount != 1 {
		t.Fatalf("expected exactly one dial (second Get should reuse pooled conn), got %d", dialCount)
	}
}

func TestPoolReapClosesIdleConnsPastTimeout(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()

	dial := func(host string) (net.Conn, error) {
		return clientSide, nil
	}
	p := NewPool(dial, time.Minute)
	c, _ := p.Get("imap2.example.com")
	p.Put("imap2.example.com", c)

	closed := p.Reap(time.Now().Add(2 * time.Minute))
	if closed != 1 {
		t.Fatalf("expected Reap to close 1 idle conn, closed %d", closed)
	}
}
