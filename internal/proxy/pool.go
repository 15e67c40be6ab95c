// Package proxy implements the IMAP/LMTP "murder" front-end of spec
// §4.J: routing commands to the backend that authoritatively holds a
// mailbox, pooling backend connections by hostname, and
// translating literal-continuation syntax between client and backend.
//
// This package forwards bytes; it does not decode full IMAP command
// grammar (spec's non-goals exclude a wire-protocol parser). Anything
// that needs the content of a FETCH or APPEND — the cross-server COPY
// path — is expressed against small Fetcher/Appender function values the
// caller supplies, not against a parsed IMAP AST.
package proxy

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cyrusgo/cyrusgo/internal/logctx"
)

// Capabilities records the subset of a backend's CAPABILITY response the
// proxy cares about, detected by substring search over the raw response
// line rather than full grammar parsing.
type Capabilities struct {
	IDLE        bool
	ACAP        bool
	LiteralPlus bool
}

// DetectCapabilities scans a raw CAPABILITY response line for the tokens
// this proxy acts on.
func DetectCapabilities(line []byte) Capabilities {
	s := " " + string(line) + " "
	return Capabilities{
		IDLE:        strings.Contains(s, " IDLE "),
		ACAP:        strings.Contains(s, " ACAP "),
		LiteralPlus: strings.Contains(s, "LITERAL+"),
	}
}

// Dialer opens a new connection to a backend host. cmd/imapproxyd
// supplies a plain TCP dial that performs no authentication; tests
// supply a fake. Capability detection
// happens on the Reader the caller gets back from Get, not inside Dial,
// so no byte read while probing capabilities is ever lost.
type Dialer func(host string) (net.Conn, error)

// Conn is one pooled backend connection, paired
// with the single buffered Reader every caller must read replies
// through — wrapping the same net.Conn in more than one bufio.Reader
// silently drops whatever the first one had already buffered.
type Conn struct {
	net.Conn
	Reader *bufio.Reader
	Caps   Capabilities
}

// conn is the pool's internal bookkeeping record.
type conn struct {
	Conn
	host     string
	lastUsed time.Time
}

// Pool caches backend connections by hostname, reaping
// ones idle past IdleTimeout. Grounded on the teacher's
// internal/target/remote pool field (themadorg-madmail's smtpconn/pool),
// adapted from an SMTP delivery pool to an IMAP backend-connection pool.
type Pool struct {
	mu          sync.Mutex
	idle        map[string][]*conn
	Dial        Dialer
	IdleTimeout time.Duration
	Log         logctx.Logger
}

// NewPool builds a Pool. idleTimeout <= 0 disables reaping.
func NewPool(dial Dialer, idleTimeout time.Duration) *Pool {
	return &Pool{
		idle:        make(map[string][]*conn),
		Dial:        dial,
		IdleTimeout: idleTimeout,
		Log:         logctx.Logger{Name: "proxy.pool"},
	}
}

// Get returns a pooled idle connection to host, dialing and wrapping a
// fresh one if none is cached.
func (p *Pool) Get(host string) (Conn, error) {
	p.mu.Lock()
	if conns := p.idle[host]; len(conns) > 0 {
		c := conns[len(conns)-1]
		p.idle[host] = conns[:len(conns)-1]
		p.mu.Unlock()
		return c.Conn, nil
	}
	p.mu.Unlock()

	rawConn, err := p.Dial(host)
	if err != nil {
		return Conn{}, err
	}
	return Conn{Conn: rawConn, Reader: bufio.NewReader(rawConn)}, nil
}

// Put returns a connection to the pool for reuse.
func (p *Pool) Put(host string, c Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idle[host] = append(p.idle[host], &conn{Conn: c, host: host, lastUsed: time.Now()})
}

// Discard closes a connection instead of returning it to the pool,
// used after a backend error that makes the connection unsafe to reuse.
func (p *Pool) Discard(c Conn) {
	_ = c.Close()
}

// Reap closes and drops every pooled connection idle longer than
// IdleTimeout. Intended to be called periodically by a background
// goroutine (cmd/imapproxyd owns the ticker).
func (p *Pool) Reap(now time.Time) (closed int) {
	if p.IdleTimeout <= 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for host, conns := range p.idle {
		kept := conns[:0]
		for _, c := range conns {
			if now.Sub(c.lastUsed) > p.IdleTimeout {
				_ = c.Close()
				closed++
				continue
			}
			kept = append(kept, c)
		}
		if len(kept) == 0 {
			delete(p.idle, host)
		} else {
			p.idle[host] = kept
		}
	}
	return closed
}

// CloseAll closes every pooled connection, for shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for host, conns := range p.idle {
		for _, c := range conns {
			_ = c.Close()
		}
		delete(p.idle, host)
	}
}
