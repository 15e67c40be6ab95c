package deliverbackend

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cyrusgo/cyrusgo/internal/delivmsg"
	"github.com/cyrusgo/cyrusgo/internal/dupsuppress"
	"github.com/cyrusgo/cyrusgo/internal/sieve"
)

// outgoingSeq disambiguates Message-IDs minted within the same
// nanosecond, mirroring lmtpd.c's static global_outgoing_count.
var outgoingSeq atomic.Uint64

// sendmail is swapped out in tests so Redirect/Reject/Vacation can be
// exercised without actually spawning a process.
var sendmail = spawnSendmail

// spawnSendmail pipes body to path's stdin, the Go equivalent of
// original_source/imap/lmtpd.c's open_sendmail: "-i" (ignore lone dots,
// the message is already canonical so this is just sendmail's own
// convention), "-f" the envelope sender, "--" to stop option parsing
// before the recipient list.
func spawnSendmail(path, envelopeFrom string, recipients []string, body []byte) error {
	if envelopeFrom == "" {
		envelopeFrom = "<>"
	}
	args := append([]string{"-i", "-f", envelopeFrom, "--"}, recipients...)
	cmd := exec.Command(path, args...)
	cmd.Stdin = bytes.NewReader(body)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("deliverbackend: sendmail: %w: %s", err, stderr.String())
	}
	return nil
}

// messageID mints a locally-unique Message-ID for a Sieve-generated
// message (rejection notice, vacation reply), the same shape
// send_rejection/send_response build in original_source/imap/lmtpd.c.
func (b *Backend) messageID() string {
	return fmt.Sprintf("<cyrusgo-sieve-%d-%d@%s>", time.Now().UnixNano(), outgoingSeq.Add(1), b.Cfg.Hostname)
}

// redirect forwards msg to a.Address, spec §4.G: "spawns a sendmail
// process with the recipient substituted in the envelope."
func (b *Backend) redirect(a sieve.Redirect, msg *delivmsg.Message) error {
	returnPath := trimAngles(firstHeader(msg, "return-path"))
	return sendmail(b.Cfg.SendmailPath, returnPath, []string{a.Address}, msg.Raw)
}

// reject refuses delivery, bouncing a disposition-notification back to
// the envelope sender with a.Message as the human-readable reason
// (original_source/imap/lmtpd.c's send_rejection).
func (b *Backend) reject(mailboxName string, a sieve.Reject, msg *delivmsg.Message) error {
	returnPath := trimAngles(firstHeader(msg, "return-path"))
	if returnPath == "" || returnPath == "<>" {
		return fmt.Errorf("deliverbackend: reject: no return-path to reply to")
	}

	var buf bytes.Buffer
	boundary := fmt.Sprintf("%d/%s", time.Now().UnixNano(), b.Cfg.Hostname)

	fmt.Fprintf(&buf, "Message-ID: %s\r\n", b.messageID())
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "From: Mail Sieve Subsystem <%s>\r\n", b.Cfg.Postmaster)
	fmt.Fprintf(&buf, "To: <%s>\r\n", returnPath)
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/report; report-type=disposition-notification;\r\n\tboundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&buf, "Subject: Automatically rejected mail\r\n")
	fmt.Fprintf(&buf, "Auto-Submitted: auto-replied (rejected)\r\n\r\n")
	fmt.Fprintf(&buf, "This is a MIME-encapsulated message\r\n\r\n")

	fmt.Fprintf(&buf, "--%s\r\n\r\n", boundary)
	fmt.Fprintf(&buf, "Your message was automatically rejected by Sieve, a mail\r\nfiltering language.\r\n\r\n")
	fmt.Fprintf(&buf, "The following reason was given:\r\n%s\r\n\r\n", a.Message)

	fmt.Fprintf(&buf, "--%s\r\nContent-Type: message/disposition-notification\r\n\r\n", boundary)
	fmt.Fprintf(&buf, "Final-Recipient: rfc822; %s\r\n", recipientUser(mailboxName))
	fmt.Fprintf(&buf, "Original-Message-ID: %s\r\n", firstHeader(msg, "message-id"))
	fmt.Fprintf(&buf, "Disposition: automatic-action/MDN-sent-automatically; deleted\r\n\r\n")

	fmt.Fprintf(&buf, "--%s\r\nContent-Type: message/rfc822\r\n\r\n", boundary)
	buf.Write(msg.Raw)
	fmt.Fprintf(&buf, "\r\n\r\n--%s--\r\n", boundary)

	return sendmail(b.Cfg.SendmailPath, "<>", []string{returnPath}, buf.Bytes())
}

// vacation composes and sends an auto-reply, gated on dupsuppress so the
// same sender doesn't get one more than once per a.ClampDays() (spec
// §4.F + §4.G). user is the recipient's userid, used both to key the
// dupsuppress scope and as the default From address.
func (b *Backend) vacation(user string, a sieve.Vacation, msg *delivmsg.Message) error {
	returnPath := trimAngles(firstHeader(msg, "return-path"))
	if returnPath == "" {
		// No one to reply to (spec §4.G's MAIL FROM:<> convention for
		// bounces) — vacation never replies to a bounce.
		return nil
	}

	messageID := firstHeader(msg, "message-id")
	dupKey := a.Handle + "\x00" + returnPath

	if b.Dup != nil {
		scope := dupsuppress.VacationScope(user)
		already, err := b.Dup.Check(dupKey, scope, time.Now())
		if err != nil {
			return err
		}
		if already {
			return nil
		}
	}

	from := a.From
	if from == "" {
		from = user + "@" + b.Cfg.Hostname
	}
	subject := a.Subject
	if subject == "" {
		subject = "Re: " + firstHeader(msg, "subject")
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Message-ID: %s\r\n", b.messageID())
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "From: <%s>\r\n", from)
	fmt.Fprintf(&buf, "To: <%s>\r\n", returnPath)
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	fmt.Fprintf(&buf, "Auto-Submitted: auto-replied (vacation)\r\n")
	fmt.Fprintf(&buf, "In-Reply-To: %s\r\n", messageID)
	if a.MIME {
		fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	}
	fmt.Fprintf(&buf, "\r\n%s\r\n", a.Message)

	if err := sendmail(b.Cfg.SendmailPath, "<>", []string{returnPath}, buf.Bytes()); err != nil {
		return err
	}

	if b.Dup != nil {
		scope := dupsuppress.VacationScope(user)
		days := a.ClampDays()
		if err := b.Dup.Mark(dupKey, scope, time.Now().Add(time.Duration(days)*24*time.Hour)); err != nil {
			return err
		}
	}
	return nil
}

func trimAngles(s string) string {
	return strings.Trim(s, "<>")
}
