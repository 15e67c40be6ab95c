// Command deliver is the local-delivery agent of spec §6: invoked by an
// MTA per message, it reads a message on stdin and files it into one or
// more local mailboxes, or — in LMTP mode — speaks LMTP on stdin/stdout
// for an MTA that prefers a protocol handshake over argv-based delivery.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cyrusgo/cyrusgo/internal/config"
	"github.com/cyrusgo/cyrusgo/internal/deliverbackend"
	"github.com/cyrusgo/cyrusgo/internal/delivmsg"
	"github.com/cyrusgo/cyrusgo/internal/dupsuppress"
	"github.com/cyrusgo/cyrusgo/internal/lmtp"
	"github.com/cyrusgo/cyrusgo/internal/logctx"
	"github.com/cyrusgo/cyrusgo/internal/mailerr"
	"github.com/cyrusgo/cyrusgo/internal/mboxname"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "deliver",
		Usage: "deliver a message into one or more local mailboxes",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "f", Usage: "envelope sender"},
			&cli.StringFlag{Name: "m", Usage: "deliver into this mailbox instead of INBOX"},
			&cli.StringFlag{Name: "a", Usage: "authorized (authenticated) identity"},
			&cli.StringSliceFlag{Name: "F", Usage: "user flag to set on the delivered message (repeatable)"},
			&cli.BoolFlag{Name: "e", Usage: "enable duplicate-delivery suppression"},
			&cli.DurationFlag{Name: "E", Usage: "prune duplicate-suppression records older than this and exit"},
			&cli.BoolFlag{Name: "l", Usage: "speak LMTP on stdin/stdout instead of one-shot delivery"},
			&cli.Int64Flag{Name: "q", Usage: "quota override in bytes; parsed but not applied: delivery always enforces the mailbox's own quota root"},
			&cli.BoolFlag{Name: "D", Usage: "enable debug logging"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		if exitErr, ok := err.(cli.ExitCoder); ok {
			os.Exit(exitErr.ExitCode())
		}
		fmt.Fprintln(os.Stderr, "deliver:", err)
		os.Exit(mailerr.ExitSoftware)
	}
}

func run(c *cli.Context) error {
	if os.Geteuid() == 0 {
		return cli.Exit("deliver: refusing to run as root", mailerr.ExitNoPerm)
	}

	cfgPath := os.Getenv("CYRUS_CONFIG")
	var cfg *config.Config
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return cli.Exit(fmt.Sprintf("deliver: loading config: %v", err), mailerr.ExitIOErr)
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	log := logctx.Logger{Name: "deliver", Debug: c.Bool("D")}

	var dup *dupsuppress.Table
	if c.Bool("e") || cfg.DuplicateSuppression {
		var err error
		dup, err = dupsuppress.Open(cfg.SpoolRoot + "/db/dupsuppress")
		if err != nil {
			return cli.Exit(fmt.Sprintf("deliver: opening duplicate-suppression table: %v", err), mailerr.ExitIOErr)
		}
		defer dup.Close()
	}

	if d := c.Duration("E"); d > 0 {
		if dup == nil {
			return cli.Exit("deliver: -E requires duplicate suppression to be enabled", mailerr.ExitSoftware)
		}
		removed, err := dup.Prune(time.Now().Add(-d))
		if err != nil {
			return cli.Exit(fmt.Sprintf("deliver: pruning duplicate-suppression table: %v", err), mailerr.ExitIOErr)
		}
		log.Msg("pruned duplicate-suppression records", "removed", removed)
		return nil
	}

	backend := &deliverbackend.Backend{
		Cfg:        cfg,
		Namespace:  toMboxNamespace(cfg),
		Dup:        dup,
		ExtraFlags: c.StringSlice("F"),
		Log:        log,
	}

	if c.Bool("l") {
		return runLMTP(c, backend, log)
	}
	return runOneShot(c, backend, log)
}

// toMboxNamespace adapts config's YAML-friendly Namespace (a string
// separator) to mboxname's byte-keyed Namespace.
func toMboxNamespace(cfg *config.Config) mboxname.Namespace {
	sep := byte('.')
	if len(cfg.Namespace.Separator) > 0 {
		sep = cfg.Namespace.Separator[0]
	}
	return mboxname.Namespace{Separator: sep, SharedPrefix: cfg.Namespace.SharedPrefix}
}

// runOneShot implements the classic argv-driven "deliver" invocation: one
// message on stdin, recipients named on the command line (spec §6).
func runOneShot(c *cli.Context, backend *deliverbackend.Backend, log logctx.Logger) error {
	recipients := c.Args().Slice()
	if len(recipients) == 0 {
		return cli.Exit("deliver: no recipients given", mailerr.ExitSoftware)
	}

	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return cli.Exit(fmt.Sprintf("deliver: reading message: %v", err), mailerr.ExitIOErr)
	}
	canon := delivmsg.Canonicalize(raw)
	if err := delivmsg.CheckContent(canon, true); err != nil {
		return cli.Exit(fmt.Sprintf("deliver: %v", err), mailerr.CodeOf(err).ExitCode())
	}

	returnPath := c.String("f")
	msg, err := delivmsg.Parse(returnPath, canon)
	if err != nil {
		return cli.Exit(fmt.Sprintf("deliver: parsing message: %v", err), mailerr.CodeOf(err).ExitCode())
	}

	worstExit := mailerr.ExitOK
	for _, recipient := range recipients {
		mailboxName := c.String("m")
		ok := true
		if mailboxName == "" {
			mailboxName, ok = backend.Resolve(recipient)
		}
		if !ok {
			log.Error("unknown recipient", mailerr.New(mailerr.MailboxNonexistent, nil), "recipient", recipient)
			worstExit = mailerr.ExitNoUser
			continue
		}
		if err := backend.Precheck(mailboxName); err != nil {
			log.Error("precheck failed", err, "mailbox", mailboxName)
			worstExit = mailerr.CodeOf(err).ExitCode()
			continue
		}
		if err := backend.Deliver(mailboxName, msg); err != nil {
			log.Error("delivery failed", err, "mailbox", mailboxName)
			worstExit = mailerr.CodeOf(err).ExitCode()
			continue
		}
		log.Msg("delivered", "mailbox", mailboxName, "recipient", recipient)
	}

	if worstExit != mailerr.ExitOK {
		return cli.Exit("deliver: one or more recipients failed", worstExit)
	}
	return nil
}

// runLMTP drives an lmtp.Session over stdin/stdout using a minimal
// line-oriented adapter, for an MTA configured to speak LMTP to deliver
// rather than invoke argv-based delivery (spec §6's "-l" flag).
func runLMTP(c *cli.Context, backend *deliverbackend.Backend, log logctx.Logger) error {
	hostname, _ := os.Hostname()
	session := lmtp.NewSession(backend, hostname)
	reader := bufio.NewReader(os.Stdin)
	writer := bufio.NewWriter(os.Stdout)
	if err := lmtp.ServeText(session, reader, writer, hostname); err != nil {
		return cli.Exit(fmt.Sprintf("deliver: LMTP session: %v", err), mailerr.ExitSoftware)
	}
	return nil
}
