// Command fud is the mailbox discovery daemon of spec §4.I: a UDP
// responder for "<user>|<mailbox>" status queries, forwarding to a peer
// server when the mailbox is hosted elsewhere.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/cyrusgo/cyrusgo/internal/config"
	"github.com/cyrusgo/cyrusgo/internal/discovery"
	"github.com/cyrusgo/cyrusgo/internal/logctx"
	"github.com/cyrusgo/cyrusgo/internal/mailbox"
	"github.com/cyrusgo/cyrusgo/internal/mboxname"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "fud",
		Usage: "answer mailbox status queries over UDP",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Value: ":4201", Usage: "UDP address to listen on"},
			&cli.BoolFlag{Name: "D", Usage: "enable debug logging"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fud:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if os.Geteuid() == 0 {
		return cli.Exit("fud: refusing to run as root", 1)
	}

	log := logctx.Logger{Name: "fud", Debug: c.Bool("D")}

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

	sep := byte('.')
	if len(cfg.Namespace.Separator) > 0 {
		sep = cfg.Namespace.Separator[0]
	}
	backend := &fudBackend{
		cfg:       cfg,
		namespace: mboxname.Namespace{Separator: sep, SharedPrefix: cfg.Namespace.SharedPrefix},
	}

	server := discovery.NewServer(backend)
	server.Log = log

	addr := c.String("listen")
	if addr == "" {
		addr = cfg.DiscoveryAddr
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Msg("listening", "addr", conn.LocalAddr().String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.Serve(ctx, conn)
}

// fudBackend implements discovery.Backend over internal/mailbox and the
// static backend map configured for this deployment (spec §4.I's "the
// mailbox is on another host" branch).
type fudBackend struct {
	cfg       *config.Config
	namespace mboxname.Namespace
}

func (b *fudBackend) Lookup(user, mbox string) (discovery.Status, discovery.Summary, string) {
	internal, err := b.namespace.ToInternal(mbox, user)
	if err != nil {
		return discovery.StatusUnknown, discovery.Summary{}, ""
	}

	if host, ok := b.remoteHost(internal); ok {
		return discovery.StatusRemote, discovery.Summary{}, host
	}

	mbx, err := mailbox.Open(b.cfg.SpoolRoot, internal)
	if err != nil {
		return discovery.StatusUnknown, discovery.Summary{}, ""
	}
	defer mbx.Close()

	summary, err := mbx.Summarize(user)
	if err != nil {
		return discovery.StatusUnknown, discovery.Summary{}, ""
	}

	return discovery.StatusOK, discovery.Summary{
		Recent:      int64(summary.Recent),
		LastRead:    summary.LastRead,
		LastArrived: summary.LastArrived,
	}, ""
}

// remoteHost consults the configured static bucket→host map (spec §4.J's
// fallback mapping) to decide whether internal is hosted elsewhere.
func (b *fudBackend) remoteHost(internal string) (string, bool) {
	bucket := mboxname.HashMbox(b.cfg.SpoolRoot, internal)
	host, ok := b.cfg.Backends[bucket]
	if !ok || host == b.cfg.Hostname {
		return "", false
	}
	return host, true
}
