package discovery

import (
	"context"
	"net"
	"testing"
	"time"
)

type fakeBackend struct {
	results map[string]struct {
		status  Status
		summary Summary
		host    string
	}
}

func (b *fakeBackend) Lookup(user, mailbox string) (Status, Summary, string) {
	r, ok := b.results[user+"|"+mailbox]
	if !ok {
		return StatusUnknown, Summary{}, ""
	}
	return r.status, r.summary, r.host
}

func TestHandleRequestSuccess(t *testing.T) {
	b := &fakeBackend{results: map[string]struct {
		status  Status
		summary Summary
		host    string
	}{
		"alice|INBOX": {status: StatusOK, summary: Summary{Recent: 3, LastRead: 100, LastArrived: 200}},
	}}
	s := NewServer(b)
	got := s.HandleRequest("alice|INBOX")
	want := "alice|INBOX|3|100|200"
	if got != want {
		t.Fatalf("HandleRequest = %q, want %q", got, want)
	}
}

func TestHandleRequestUnknown(t *testing.T) {
	s := NewServer(&fakeBackend{results: map[string]struct {
		status  Status
		summary Summary
		host    string
	}{}})
	if got := s.HandleRequest("nobody|INBOX"); got != "UNKNOWN" {
		t.Fatalf("HandleRequest = %q, want UNKNOWN", got)
	}
}

func TestHandleRequestPermissionDenied(t *testing.T) {
	b := &fakeBackend{results: map[string]struct {
		status  Status
		summary Summary
		host    string
	}{
		"alice|Shared/secret": {status: StatusPermissionDenied},
	}}
	s := NewServer(b)
	if got := s.HandleRequest("alice|Shared/secret"); got != "PERMDENY" {
		t.Fatalf("HandleRequest = %q, want PERMDENY", got)
	}
}

func TestHandleRequestMalformedIsUnknown(t *testing.T) {
	s := NewServer(&fakeBackend{results: map[string]struct {
		status  Status
		summary Summary
		host    string
	}{}})
	if got := s.HandleRequest("no-pipe-here"); got != "UNKNOWN" {
		t.Fatalf("HandleRequest = %q, want UNKNOWN", got)
	}
}

func TestHandleRequestRemoteForwardsVerbatim(t *testing.T) {
	remoteConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer remoteConn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 512)
		n, addr, err := remoteConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if string(buf[:n]) != "bob|INBOX" {
			return
		}
		remoteConn.WriteToUDP([]byte("bob|INBOX|1|2|3"), addr)
	}()

	b := &fakeBackend{results: map[string]struct {
		status  Status
		summary Summary
		host    string
	}{
		"bob|INBOX": {status: StatusRemote, host: remoteConn.LocalAddr().String()},
	}}
	s := NewServer(b)

	got := s.HandleRequest("bob|INBOX")
	<-done
	if got != "bob|INBOX|1|2|3" {
		t.Fatalf("HandleRequest = %q, want forwarded reply", got)
	}
}

func TestHandleRequestRemoteUnreachableYieldsUnknown(t *testing.T) {
	b := &fakeBackend{results: map[string]struct {
		status  Status
		summary Summary
		host    string
	}{
		"carol|INBOX": {status: StatusRemote, host: "127.0.0.1:1"},
	}}
	s := NewServer(b)
	s.dialUDP = func(addr string, timeout time.Duration) (net.Conn, error) {
		return nil, errDialRefused
	}
	if got := s.HandleRequest("carol|INBOX"); got != "UNKNOWN" {
		t.Fatalf("HandleRequest = %q, want UNKNOWN", got)
	}
}

var errDialRefused = &net.OpError{Op: "dial", Err: errDummy{}}

type errDummy struct{}

func (errDummy) Error() string { return "refused" }

func TestServeStopsOnContextCancel(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer conn.Close()

	s := NewServer(&fakeBackend{results: map[string]struct {
		status  Status
		summary Summary
		host    string
	}{}})

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- s.Serve(ctx, conn) }()

	cancel()

	select {
	case err := <-serveDone:
		if err != nil {
			t.Fatalf("Serve returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not stop after context cancellation")
	}
}

func TestServeRespondsToRequest(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer conn.Close()

	b := &fakeBackend{results: map[string]struct {
		status  Status
		summary Summary
		host    string
	}{
		"dave|INBOX": {status: StatusOK, summary: Summary{Recent: 1, LastRead: 2, LastArrived: 3}},
	}}
	s := NewServer(b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx, conn)

	client, err := net.DialUDP("udp", nil, conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()

	client.Write([]byte("dave|INBOX"))
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if got := string(buf[:n]); got != "dave|INBOX|1|2|3" {
		t.Fatalf("reply = %q", got)
	}
}
