// Command lmtpd is the network-facing LMTP daemon of spec §4.H: it
// accepts connections on a TCP socket and drives one
// lmtp.Session per connection against the shared delivery backend.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"

	"github.com/cyrusgo/cyrusgo/internal/config"
	"github.com/cyrusgo/cyrusgo/internal/deliverbackend"
	"github.com/cyrusgo/cyrusgo/internal/dupsuppress"
	"github.com/cyrusgo/cyrusgo/internal/lmtp"
	"github.com/cyrusgo/cyrusgo/internal/logctx"
	"github.com/cyrusgo/cyrusgo/internal/mboxname"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "lmtpd",
		Usage: "accept LMTP deliveries over the network",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Value: "127.0.0.1:2400", Usage: "address to listen on"},
			&cli.BoolFlag{Name: "D", Usage: "enable debug logging"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "lmtpd:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if os.Geteuid() == 0 {
		return cli.Exit("lmtpd: refusing to run as root", 1)
	}

	log := logctx.Logger{Name: "lmtpd", Debug: c.Bool("D")}

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

	var dup *dupsuppress.Table
	if cfg.DuplicateSuppression {
		var err error
		dup, err = dupsuppress.Open(cfg.SpoolRoot + "/db/dupsuppress")
		if err != nil {
			return err
		}
		defer dup.Close()
	}

	sep := byte('.')
	if len(cfg.Namespace.Separator) > 0 {
		sep = cfg.Namespace.Separator[0]
	}
	backend := &deliverbackend.Backend{
		Cfg:       cfg,
		Namespace: mboxname.Namespace{Separator: sep, SharedPrefix: cfg.Namespace.SharedPrefix},
		Dup:       dup,
		Log:       log,
	}

	ln, err := net.Listen("tcp", c.String("listen"))
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Msg("listening", "addr", ln.Addr().String())

	hostname := cfg.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Error("accept failed", err)
			continue
		}
		go handleConn(conn, backend, hostname, log)
	}
}

func handleConn(conn net.Conn, backend lmtp.Backend, hostname string, log logctx.Logger) {
	defer conn.Close()
	session := lmtp.NewSession(backend, hostname)
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	if err := lmtp.ServeText(session, r, w, hostname); err != nil {
		log.Error("session ended with error", err, "peer", conn.RemoteAddr().String())
	}
}
