package lmtp

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func TestServeTextHappyPath(t *testing.T) {
	backend := newFakeBackend()
	backend.known["alice@example.com"] = "user.alice"
	session := NewSession(backend, "mx.example.com")

	input := strings.Join([]string{
		"LHLO client.example.com",
		"MAIL FROM:<bob@example.com>",
		"RCPT TO:<alice@example.com>",
		"DATA",
		"Subject: hi",
		"",
		"hello there",
		".",
		"QUIT",
		"",
	}, "\r\n")

	var out bytes.Buffer
	err := ServeText(session, bufio.NewReader(strings.NewReader(input)), bufio.NewWriter(&out), "mx.example.com")
	if err != nil {
		t.Fatalf("ServeText: %v", err)
	}

	reply := out.String()
	if !strings.Contains(reply, "220 mx.example.com LMTP ready") {
		t.Fatalf("missing greeting: %q", reply)
	}
	if !strings.Contains(reply, "250 2.1.0 sender ok") {
		t.Fatalf("missing MAIL FROM ack: %q", reply)
	}
	if !strings.Contains(reply, "2.1.5") {
		t.Fatalf("missing RCPT TO ack: %q", reply)
	}
	if !strings.Contains(reply, "221 2.0.0 bye") {
		t.Fatalf("missing QUIT reply: %q", reply)
	}
	if backend.delivered["user.alice"] == nil {
		t.Fatalf("expected message delivered to user.alice")
	}
}

func TestServeTextUnknownRecipientGets550(t *testing.T) {
	backend := newFakeBackend()
	session := NewSession(backend, "mx.example.com")

	input := "LHLO x\r\nMAIL FROM:<a@example.com>\r\nRCPT TO:<nobody@example.com>\r\nQUIT\r\n"
	var out bytes.Buffer
	if err := ServeText(session, bufio.NewReader(strings.NewReader(input)), bufio.NewWriter(&out), "mx"); err != nil {
		t.Fatalf("ServeText: %v", err)
	}
	if !strings.Contains(out.String(), "550") {
		t.Fatalf("expected 550 for unknown recipient: %q", out.String())
	}
}

func TestServeTextDotUnstuffing(t *testing.T) {
	backend := newFakeBackend()
	backend.known["a@example.com"] = "user.a"
	session := NewSession(backend, "mx")

	input := strings.Join([]string{
		"LHLO x",
		"MAIL FROM:<z@example.com>",
		"RCPT TO:<a@example.com>",
		"DATA",
		"Subject: s",
		"",
		"..this line had a leading dot",
		".",
		"QUIT",
		"",
	}, "\r\n")

	var out bytes.Buffer
	if err := ServeText(session, bufio.NewReader(strings.NewReader(input)), bufio.NewWriter(&out), "mx"); err != nil {
		t.Fatalf("ServeText: %v", err)
	}
	msg := backend.delivered["user.a"]
	if msg == nil {
		t.Fatalf("expected delivery")
	}
	if !strings.Contains(string(msg.Body()), ".this line had a leading dot") {
		t.Fatalf("dot-unstuffing not applied: %q", msg.Body())
	}
}
