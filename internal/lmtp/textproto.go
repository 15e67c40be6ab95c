package lmtp

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
)

// ServeText drives a Session over a line-oriented LMTP transport (spec
// §4.H, §6), reading commands from r and writing replies to w. It is
// shared by cmd/deliver's "-l" mode (stdin/stdout) and cmd/lmtpd's
// per-connection handler (a net.Conn's Reader/Writer). It returns nil on
// a client-initiated QUIT or a clean EOF, and a non-nil error only for an
// I/O failure on the transport itself — protocol-level rejections are
// always written to the client as a reply line, never surfaced as a Go
// error.
func ServeText(session *Session, r *bufio.Reader, w *bufio.Writer, hostname string) error {
	if err := writeLine(w, fmt.Sprintf("220 %s LMTP ready", hostname)); err != nil {
		return err
	}

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		verb, rest := splitVerb(line)

		switch strings.ToUpper(verb) {
		case "LHLO", "EHLO":
			caps := session.Lhlo(rest)
			if err := writeGreetBlock(w, hostname, caps); err != nil {
				return err
			}

		case "AUTH":
			if err := session.Auth(); err != nil {
				if err := writeProtoErr(w, err); err != nil {
					return err
				}
				continue
			}
			if err := writeLine(w, "235 2.7.0 authentication successful"); err != nil {
				return err
			}

		case "MAIL":
			if err := session.MailFrom(extractAddr(rest)); err != nil {
				if err := writeProtoErr(w, err); err != nil {
					return err
				}
				continue
			}
			if err := writeLine(w, "250 2.1.0 sender ok"); err != nil {
				return err
			}

		case "RCPT":
			res, err := session.RcptTo(extractAddr(rest))
			if err != nil {
				if err := writeProtoErr(w, err); err != nil {
					return err
				}
				continue
			}
			if err := writeLine(w, fmt.Sprintf("%d %s %s", res.Code, res.Enhanced, res.Message)); err != nil {
				return err
			}

		case "DATA":
			if err := writeLine(w, "354 go ahead"); err != nil {
				return err
			}
			raw, err := readDotTerminated(r)
			if err != nil {
				return err
			}
			results, err := session.Data(raw, true)
			if err != nil {
				if err := writeProtoErr(w, err); err != nil {
					return err
				}
				continue
			}
			for _, res := range results {
				if err := writeLine(w, fmt.Sprintf("%d %s %s", res.Code, res.Enhanced, res.Message)); err != nil {
					return err
				}
			}

		case "RSET":
			session.Reset()
			if err := writeLine(w, "250 2.0.0 ok"); err != nil {
				return err
			}

		case "NOOP":
			if err := writeLine(w, "250 2.0.0 ok"); err != nil {
				return err
			}

		case "QUIT":
			_ = writeLine(w, "221 2.0.0 bye")
			return nil

		default:
			if err := writeLine(w, "500 5.5.1 unrecognized command"); err != nil {
				return err
			}
		}
	}
}

func writeLine(w *bufio.Writer, s string) error {
	if _, err := w.WriteString(s); err != nil {
		return err
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeGreetBlock(w *bufio.Writer, hostname string, caps []string) error {
	if len(caps) == 0 {
		return writeLine(w, fmt.Sprintf("250 %s", hostname))
	}
	if err := writeLine(w, fmt.Sprintf("250-%s", hostname)); err != nil {
		return err
	}
	for i, capability := range caps {
		prefix := "250-"
		if i == len(caps)-1 {
			prefix = "250 "
		}
		if err := writeLine(w, prefix+capability); err != nil {
			return err
		}
	}
	return nil
}

func writeProtoErr(w *bufio.Writer, err error) error {
	if pe, ok := err.(*protoErr); ok {
		return writeLine(w, fmt.Sprintf("%d %s %s", pe.Code, pe.Enhanced, pe.Message))
	}
	return writeLine(w, "451 4.3.0 "+err.Error())
}

// splitVerb separates a command line's leading verb token from the rest.
func splitVerb(line string) (verb, rest string) {
	i := strings.IndexByte(line, ' ')
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimSpace(line[i+1:])
}

// extractAddr pulls the address out of "FROM:<addr> ..." / "TO:<addr> ...",
// tolerating the bare "addr" form some simple clients send.
func extractAddr(rest string) string {
	open := strings.IndexByte(rest, '<')
	shut := strings.IndexByte(rest, '>')
	if open >= 0 && shut > open {
		return rest[open+1 : shut]
	}
	if colon := strings.IndexByte(rest, ':'); colon >= 0 {
		return strings.TrimSpace(rest[colon+1:])
	}
	return strings.TrimSpace(rest)
}

// readDotTerminated reads lines until a lone "." terminator (RFC 2033
// DATA framing), reassembling the dot-stuffed body for
// delivmsg.Canonicalize to unstuff uniformly.
func readDotTerminated(r *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}
		buf.WriteString(trimmed)
		buf.WriteString("\r\n")
	}
	return buf.Bytes(), nil
}
