package proxy

import "fmt"

// Locator answers where a mailbox's authoritative backend lives. The
// concrete implementation (cmd/imapproxyd) hashes the name with
// mboxname.HashMbox and looks the bucket up in config.Backends; this
// package only needs the host it gets back.
type Locator interface {
	Locate(mailboxName string) (host string, local bool, err error)
}

// Decision is the outcome of routing one command against a mailbox name.
type Decision struct {
	Local bool
	Host  string
}

// Route decides whether mailboxName is served locally or by a remote
// backend (spec §4.J).
func Route(loc Locator, mailboxName string) (Decision, error) {
	host, local, err := loc.Locate(mailboxName)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Local: local, Host: host}, nil
}

// ReferralResponse formats the NO [REFERRAL ...] reply spec §4.J uses
// when the proxy hands the client off to the authoritative server
// directly rather than piping the command through a pooled connection.
func ReferralResponse(tag, host, mailbox string) string {
	return fmt.Sprintf("%s NO [REFERRAL imap://%s/%s] mailbox located on another server\r\n", tag, host, mailbox)
}
