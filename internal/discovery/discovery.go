// Package discovery implements the mailbox discovery (fud) service of
// spec §4.I: a single-threaded UDP responder for
// "<user>|<mailbox>" lookups, forwarding to a remote host's own fud
// instance when the mailbox lives elsewhere.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cyrusgo/cyrusgo/internal/logctx"
)

// Status is the outcome of a Backend lookup.
type Status int

const (
	StatusOK Status = iota
	StatusUnknown
	StatusPermissionDenied
	StatusRemote
)

// Summary is the recent/lastread/lastarrived triple spec §4.I's success
// response carries.
type Summary struct {
	Recent      int64
	LastRead    int64
	LastArrived int64
}

// Backend answers one discovery lookup.
type Backend interface {
	// Lookup resolves (user, mailbox). remoteHost is only meaningful when
	// status is StatusRemote.
	Lookup(user, mailbox string) (status Status, summary Summary, remoteHost string)
}

// HopTimeout is the bounded per-hop wait spec §4.I names explicitly
// ("bounded timeout (1 second)"), applied to both the dial and the reply
// wait of the proxied remote query.
const HopTimeout = 1 * time.Second

// Server answers discovery requests against a Backend.
type Server struct {
	Backend Backend
	Log     logctx.Logger

	// dialUDP is overridable in tests; defaults to net.DialTimeout("udp", ...).
	dialUDP func(addr string, timeout time.Duration) (net.Conn, error)
}

// NewServer builds a Server ready to handle requests.
func NewServer(backend Backend) *Server {
	return &Server{
		Backend: backend,
		Log:     logctx.Logger{Name: "discovery"},
		dialUDP: func(addr string, timeout time.Duration) (net.Conn, error) {
			return net.DialTimeout("udp", addr, timeout)
		},
	}
}

// HandleRequest computes the response for one raw request line (spec
// §4.I: "Request is <user>|<mailbox> (no newline)"). It never returns an
// error — a malformed request yields "UNKNOWN", matching the protocol's
// single-line reply contract.
func (s *Server) HandleRequest(req string) string {
	user, mailbox, ok := strings.Cut(req, "|")
	if !ok {
		return "UNKNOWN"
	}

	status, summary, remoteHost := s.Backend.Lookup(user, mailbox)
	switch status {
	case StatusPermissionDenied:
		return "PERMDENY"
	case StatusUnknown:
		return "UNKNOWN"
	case StatusRemote:
		return s.forward(remoteHost, req)
	default:
		return fmt.Sprintf("%s|%s|%d|%d|%d", user, mailbox, summary.Recent, summary.LastRead, summary.LastArrived)
	}
}

// forward resends req to host's own fud service and relays the reply
// verbatim (spec §4.I), bounded by HopTimeout for both the dial and the
// response wait.
func (s *Server) forward(host, req string) string {
	conn, err := s.dialUDP(host, HopTimeout)
	if err != nil {
		s.Log.DebugMsg("fud forward dial failed", "host", host, "error", err)
		return "UNKNOWN"
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(HopTimeout))
	if _, err := conn.Write([]byte(req)); err != nil {
		return "UNKNOWN"
	}

	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	if err != nil {
		return "UNKNOWN"
	}
	return string(buf[:n])
}

// Serve runs the single-threaded request loop over conn until ctx is
// canceled, polling for cancellation between requests via a short read
// deadline (spec §4.I: "single-threaded, polls signals between
// requests"). A supervisor is expected to restart the process on any
// fatal error this returns (spec §4.I).
func (s *Server) Serve(ctx context.Context, conn *net.UDPConn) error {
	buf := make([]byte, 512)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			return err
		}
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}

		resp := s.HandleRequest(string(buf[:n]))
		if _, err := conn.WriteToUDP([]byte(resp), addr); err != nil {
			s.Log.Error("fud reply failed", err, "peer", addr.String())
		}
	}
}
