package delivmsg

import (
	"bytes"
	"testing"
)

func TestCanonicalizeUnstuffsLeadingDot(t *testing.T) {
	in := []byte("..leading dot\r\nplain\r\n")
	want := []byte(".leading dot\r\nplain\r\n")
	if got := Canonicalize(in); !bytes.Equal(got, want) {
		t.Fatalf("Canonicalize(%q) = %q, want %q", in, got, want)
	}
}

func TestCanonicalizeFixesBareLF(t *testing.T) {
	in := []byte("line one\nline two\r\n")
	want := []byte("line one\r\nline two\r\n")
	if got := Canonicalize(in); !bytes.Equal(got, want) {
		t.Fatalf("Canonicalize(%q) = %q, want %q", in, got, want)
	}
}

func TestParseBuildsLowercasedHeaderIndex(t *testing.T) {
	body := Canonicalize([]byte("Subject: hello\r\nFROM: a@b.com\r\n\r\nbody text\r\n"))
	msg, err := Parse("sender@example.com", body)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := msg.HeaderIndex["subject"]; len(got) != 1 || got[0] != "hello" {
		t.Fatalf("HeaderIndex[subject] = %v", got)
	}
	if got := msg.HeaderIndex["from"]; len(got) != 1 || got[0] != "a@b.com" {
		t.Fatalf("HeaderIndex[from] = %v", got)
	}
	if got := msg.HeaderIndex["return-path"]; len(got) != 1 || got[0] != "<sender@example.com>" {
		t.Fatalf("HeaderIndex[return-path] = %v", got)
	}
	if string(msg.Body()) != "body text\r\n" {
		t.Fatalf("Body() = %q", msg.Body())
	}
}

func TestParseNoBlankLineFails(t *testing.T) {
	if _, err := Parse("a@b.com", []byte("Subject: hello\r\n")); err == nil {
		t.Fatalf("expected Parse to fail without a header/body blank line")
	}
}

func TestCheckContentRejectsNul(t *testing.T) {
	if err := CheckContent([]byte("hello\x00world"), true); err == nil {
		t.Fatalf("expected CheckContent to reject a NUL byte")
	}
}

func TestCheckContentRejects8BitWhenNotAllowed(t *testing.T) {
	if err := CheckContent([]byte("caf\xe9"), false); err == nil {
		t.Fatalf("expected CheckContent to reject 8-bit data when not allowed")
	}
	if err := CheckContent([]byte("caf\xe9"), true); err != nil {
		t.Fatalf("expected CheckContent to allow 8-bit data when negotiated: %v", err)
	}
}
