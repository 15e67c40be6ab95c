// Command imapproxyd is the IMAP/LMTP "murder" front-end of spec §4.J:
// it accepts client connections, routes each mailbox-targeting command to
// its authoritative backend, and either refers the client directly or
// pipes the command through a pooled backend connection. Backend
// connections are plain TCP dials; no authentication to the backend is
// performed.
//
// Full IMAP wire-grammar decoding is out of scope (spec's non-goals);
// this loop extracts just the mailbox argument off the small set of
// commands that name one, enough to route correctly, and otherwise
// forwards bytes untouched.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cyrusgo/cyrusgo/internal/config"
	"github.com/cyrusgo/cyrusgo/internal/logctx"
	"github.com/cyrusgo/cyrusgo/internal/mboxname"
	"github.com/cyrusgo/cyrusgo/internal/proxy"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "imapproxyd",
		Usage: "route IMAP/LMTP commands to their authoritative backend",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "address to accept client connections on"},
			&cli.BoolFlag{Name: "D", Usage: "enable debug logging"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "imapproxyd:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if os.Geteuid() == 0 {
		return cli.Exit("imapproxyd: refusing to run as root", 1)
	}

	log := logctx.Logger{Name: "imapproxyd", Debug: c.Bool("D")}

	cfgPath := os.Getenv("CYRUS_CONFIG")
	var cfg *config.Config
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	locator := &staticLocator{cfg: cfg}

	dial := func(host string) (net.Conn, error) {
		return net.DialTimeout("tcp", host, 10*time.Second)
	}
	pool := proxy.NewPool(dial, cfg.BackendIdleTimeout)
	pool.Log = log

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go reapLoop(ctx, pool)

	addr := c.String("listen")
	if addr == "" {
		addr = cfg.ProxyListenAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Msg("listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				pool.CloseAll()
				return nil
			default:
			}
			log.Error("accept failed", err)
			continue
		}
		go handleConn(conn, locator, pool, log)
	}
}

func reapLoop(ctx context.Context, pool *proxy.Pool) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			pool.Reap(now)
		}
	}
}

// staticLocator resolves a mailbox's authoritative backend via the
// configured bucket→host map (spec §4.J, §4.C's hashing).
type staticLocator struct {
	cfg *config.Config
}

func (l *staticLocator) Locate(mailboxName string) (string, bool, error) {
	bucket := mboxname.HashMbox(l.cfg.SpoolRoot, mailboxName)
	host, ok := l.cfg.Backends[bucket]
	if !ok || host == l.cfg.Hostname {
		return l.cfg.LocalIMAPAddr, true, nil
	}
	return host, false, nil
}

// mailboxArgCommands names the IMAP verbs this proxy inspects for a
// mailbox argument to route on (spec §4.J). Anything else is forwarded
// on whatever backend the connection is currently piped to.
var mailboxArgCommands = map[string]bool{
	"SELECT": true, "EXAMINE": true, "STATUS": true, "APPEND": true,
	"CREATE": true, "DELETE": true, "SUBSCRIBE": true, "UNSUBSCRIBE": true,
}

func handleConn(client net.Conn, locator proxy.Locator, pool *proxy.Pool, log logctx.Logger) {
	defer client.Close()

	clientR := bufio.NewReader(client)
	clientW := bufio.NewWriter(client)

	var backend proxy.Conn
	var backendHost string
	haveBackend := false
	defer func() {
		if haveBackend {
			pool.Put(backendHost, backend)
		}
	}()

	for {
		line, err := clientR.ReadString('\n')
		if err != nil {
			return
		}

		tag, verb, mailbox, hasMailbox := parseCommandLine(line)
		if hasMailbox && mailboxArgCommands[strings.ToUpper(verb)] {
			decision, err := proxy.Route(locator, mailbox)
			if err != nil {
				writeLine(clientW, fmt.Sprintf("%s NO mailbox lookup failed", tag))
				continue
			}
			if !decision.Local {
				writeLine(clientW, proxy.ReferralResponse(tag, decision.Host, mailbox))
				continue
			}

			if !haveBackend || backendHost != decision.Host {
				if haveBackend {
					pool.Put(backendHost, backend)
				}
				conn, err := pool.Get(decision.Host)
				if err != nil {
					haveBackend = false
					writeLine(clientW, fmt.Sprintf("%s NO backend unavailable", tag))
					continue
				}
				backend, backendHost, haveBackend = conn, decision.Host, true
			}
		}

		if !haveBackend {
			writeLine(clientW, fmt.Sprintf("%s NO no backend selected", tag))
			continue
		}

		out := []byte(line)
		if backend.Caps.LiteralPlus {
			out = proxy.ToNonSyncLiteral(out)
		}
		if _, err := backend.Write(out); err != nil {
			log.Error("backend write failed", err, "host", backendHost)
			pool.Discard(backend)
			haveBackend = false
			writeLine(clientW, fmt.Sprintf("%s NO backend connection lost", tag))
			continue
		}

		if err := relayOneReply(&backend, clientW); err != nil {
			log.Error("backend relay failed", err, "host", backendHost)
			pool.Discard(backend)
			haveBackend = false
		}
	}
}

// relayOneReply copies exactly one line of backend response to the
// client, reading through the connection's single persistent Reader so
// no buffered byte from a prior read is ever dropped. The first reply
// read from a freshly dialed connection doubles as capability
// detection, priming Caps without a dedicated CAPABILITY round-trip.
func relayOneReply(backend *proxy.Conn, clientW *bufio.Writer) error {
	line, err := backend.Reader.ReadString('\n')
	if err != nil {
		return err
	}
	if !backend.Caps.IDLE && !backend.Caps.ACAP && !backend.Caps.LiteralPlus {
		backend.Caps = proxy.DetectCapabilities([]byte(line))
	}
	if _, err := clientW.WriteString(line); err != nil {
		return err
	}
	return clientW.Flush()
}

func writeLine(w *bufio.Writer, s string) {
	w.WriteString(s)
	if !strings.HasSuffix(s, "\r\n") {
		w.WriteString("\r\n")
	}
	w.Flush()
}

// parseCommandLine extracts (tag, verb, mailbox-argument) from a raw
// client line, tolerating a quoted mailbox name.
func parseCommandLine(line string) (tag, verb, mailbox string, hasMailbox bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", "", "", false
	}
	tag, verb = fields[0], fields[1]
	if len(fields) < 3 {
		return tag, verb, "", false
	}
	mailbox = strings.Trim(fields[2], `"`)
	return tag, verb, mailbox, true
}
