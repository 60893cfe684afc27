// Package main provides the linkcable command: run a host, join one, check
// GUIDs, browse public hosts or run the rendezvous server.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/linkcable/rendezvous"
	"github.com/opd-ai/linkcable/session"
	"github.com/opd-ai/linkcable/transport"
	"github.com/opd-ai/linkcable/wire"
)

const usage = `linkcable connects two peers across NATs.

Usage:
  linkcable host       [options]
  linkcable join       --guid <host> --key <key> [options]
  linkcable check      [options] <guid>...
  linkcable browse     [options]
  linkcable rendezvous [options]

Options:
`

// cliConfig holds every flag; each command reads the ones it needs.
type cliConfig struct {
	command string
	args    []string

	rendezvous  string
	relay       string
	port        uint16
	hostPort    uint16
	name        string
	key         string
	phrase      string
	guid        string
	lanHint     string
	public      bool
	portMapping bool
	discovery   bool
	timeout     time.Duration

	relayIP     string
	logLevel    string
	metricsAddr string
}

func newFlagSet(cfg *cliConfig, out io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet("linkcable", pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() {
		fmt.Fprint(out, usage)
		fs.PrintDefaults()
	}

	fs.StringVar(&cfg.rendezvous, "rendezvous", "", "rendezvous server host:port, empty for LAN only")
	fs.StringVar(&cfg.relay, "relay", "", "relay coordinator host:port")
	fs.Uint16Var(&cfg.port, "port", 0, "local port (host default 61000, rendezvous default 61111)")
	fs.Uint16Var(&cfg.hostPort, "host-port", session.DefaultPort, "port hosts listen on, for LAN broadcast")
	fs.StringVar(&cfg.name, "name", "", "name shown in the public listing")
	fs.StringVar(&cfg.key, "key", "", "invitation key, decimal or 0x hex")
	fs.StringVar(&cfg.phrase, "phrase", "", "derive the invitation key from a phrase")
	fs.StringVar(&cfg.guid, "guid", "", "GUID of the host to join")
	fs.StringVar(&cfg.lanHint, "lan-hint", "", "direct ip:port of the host")
	fs.BoolVar(&cfg.public, "public", false, "publish the host on the rendezvous server")
	fs.BoolVar(&cfg.portMapping, "upnp", true, "map the port with UPnP, NAT-PMP or PCP")
	fs.BoolVar(&cfg.discovery, "discovery", true, "LAN multicast discovery")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "how long check and browse wait for replies")
	fs.StringVar(&cfg.relayIP, "relay-ip", "", "routable IP the rendezvous server binds forwarders to")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return fs
}

// parseCLI splits the command from its flags.
func parseCLI(argv []string, out io.Writer) (*cliConfig, error) {
	cfg := &cliConfig{}
	fs := newFlagSet(cfg, out)
	if len(argv) == 0 {
		fs.Usage()
		return nil, errors.New("missing command")
	}
	cfg.command = argv[0]
	if err := fs.Parse(argv[1:]); err != nil {
		return nil, err
	}
	cfg.args = fs.Args()
	return cfg, validateCLIConfig(cfg)
}

func validateCLIConfig(cfg *cliConfig) error {
	switch cfg.command {
	case "host", "browse":
	case "join":
		if cfg.guid == "" && cfg.lanHint == "" && !cfg.discovery {
			return errors.New("join needs --guid, --lan-hint or discovery")
		}
		if cfg.key == "" && cfg.phrase == "" {
			return errors.New("join needs --key or --phrase")
		}
	case "check":
		if len(cfg.args) == 0 {
			return errors.New("check needs at least one GUID")
		}
	case "rendezvous":
		if cfg.relayIP != "" {
			if _, err := netip.ParseAddr(cfg.relayIP); err != nil {
				return fmt.Errorf("invalid --relay-ip: %w", err)
			}
		}
	default:
		return fmt.Errorf("unknown command %q", cfg.command)
	}
	if cfg.key != "" {
		if _, err := strconv.ParseUint(cfg.key, 0, 64); err != nil {
			return fmt.Errorf("invalid --key: %w", err)
		}
	}
	if cfg.guid != "" {
		if _, err := transport.ParseGUID(cfg.guid); err != nil {
			return fmt.Errorf("invalid --guid: %w", err)
		}
	}
	if cfg.timeout <= 0 {
		return errors.New("--timeout must be positive")
	}
	if (cfg.command == "check" || cfg.command == "browse") && cfg.rendezvous == "" {
		return fmt.Errorf("%s needs --rendezvous", cfg.command)
	}
	return nil
}

// sessionOptions converts the flags to session options.
func sessionOptions(cfg *cliConfig, reg prometheus.Registerer) *session.Options {
	opts := session.NewOptions()
	opts.RendezvousAddress = cfg.rendezvous
	opts.RelayAddress = cfg.relay
	opts.HostPort = cfg.hostPort
	opts.Port = cfg.port
	if cfg.command == "host" && cfg.port == 0 {
		opts.Port = cfg.hostPort
	}
	opts.Name = cfg.name
	opts.PublicListing = cfg.public
	opts.InvitationPhrase = cfg.phrase
	if cfg.key != "" {
		opts.InvitationKey, _ = strconv.ParseUint(cfg.key, 0, 64)
	}
	if cfg.guid != "" {
		opts.HostGUID, _ = transport.ParseGUID(cfg.guid)
	}
	opts.LANHint = cfg.lanHint
	opts.EnablePortMapping = cfg.portMapping
	opts.EnableDiscovery = cfg.discovery
	opts.Registerer = reg
	return opts
}

func logObserver(stdout io.Writer) *session.Observer {
	return &session.Observer{
		OnStateChange: func(from, to session.State) {
			logrus.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Info("State changed")
		},
		OnRendezvousFailed: func(reason string) {
			logrus.WithField("reason", reason).Warn("Rendezvous server unavailable")
		},
		OnPeerConnected: func(guid transport.GUID, addr netip.AddrPort) {
			logrus.WithFields(logrus.Fields{"guid": guid.String(), "addr": addr.String()}).Info("Peer connected")
		},
		OnPeerDisconnected: func(guid transport.GUID) {
			logrus.WithField("guid", guid.String()).Info("Peer disconnected")
		},
		OnPortForwarded: func(port uint16) {
			logrus.WithField("port", port).Info("Port forwarded")
		},
		OnInternalError: func(reason string) {
			logrus.WithField("reason", reason).Error("Session error")
		},
		OnInvitation: func(key uint64) {
			fmt.Fprintf(stdout, "invitation key: %d\n", key)
		},
	}
}

// peer is the part of a host or client session the stdin bridge uses.
type peer interface {
	Start() bool
	Stop()
	MyGUID() transport.GUID
	Connected() bool
	SendReliable(data []byte) int
	FlushReliable()
	ReadReliable(p []byte) int
}

// bridge copies stdin lines to the peer and peer data to stdout until ctx
// ends. The stdin reader is left blocked on exit.
func bridge(ctx context.Context, p peer, stdin io.Reader, stdout io.Writer) error {
	lines := make(chan []byte)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(stdin)
		for sc.Scan() {
			line := append(append([]byte(nil), sc.Bytes()...), '\n')
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if !p.Connected() {
				logrus.Warn("No peer yet, input dropped")
				continue
			}
			p.SendReliable(line)
			p.FlushReliable()
		case <-tick.C:
			for n := p.ReadReliable(buf); n > 0; n = p.ReadReliable(buf) {
				if _, err := stdout.Write(buf[:n]); err != nil {
					return err
				}
			}
		}
	}
}

// serveMetrics serves reg on addr until ctx ends.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()
	logrus.WithField("addr", addr).Info("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func runPeer(ctx context.Context, cfg *cliConfig, reg *prometheus.Registry, stdin io.Reader, stdout io.Writer) error {
	opts := sessionOptions(cfg, reg)
	opts.Observer = logObserver(stdout)

	var p peer
	if cfg.command == "host" {
		h, err := session.NewHost(opts)
		if err != nil {
			return err
		}
		p = h
	} else {
		c, err := session.NewClient(opts)
		if err != nil {
			return err
		}
		p = c
	}

	if !p.Start() {
		return errors.New("session failed to start")
	}
	defer p.Stop()
	fmt.Fprintf(stdout, "guid: %s\n", p.MyGUID())

	return bridge(ctx, p, stdin, stdout)
}

func runCheck(ctx context.Context, cfg *cliConfig, reg *prometheus.Registry, stdout io.Writer) error {
	var guids []transport.GUID
	for _, a := range cfg.args {
		g, err := transport.ParseGUID(a)
		if err != nil {
			return fmt.Errorf("invalid GUID %q: %w", a, err)
		}
		guids = append(guids, g)
	}

	invalid := make(chan []transport.GUID, 16)
	listings := make(chan []*wire.Listing, 1)
	opts := sessionOptions(cfg, reg)
	opts.Observer = &session.Observer{
		OnInvalidGUIDs: func(g []transport.GUID) { invalid <- g },
		OnListings:     func(l []*wire.Listing) { listings <- l },
		OnRendezvousFailed: func(reason string) {
			logrus.WithField("reason", reason).Error("Rendezvous server unavailable")
		},
	}
	c, err := session.NewGUIDChecker(opts)
	if err != nil {
		return err
	}
	if !c.Start() {
		return errors.New("session failed to start")
	}
	defer c.Stop()

	if cfg.command == "browse" {
		c.Browse()
	} else {
		c.Query(guids...)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()
	gone := make(map[transport.GUID]bool)
	for {
		select {
		case g := <-invalid:
			for _, id := range g {
				gone[id] = true
			}
		case l := <-listings:
			for _, entry := range l {
				fmt.Fprintf(stdout, "%s\t%s\t%s\t%s\n", entry.ID, entry.GUID, entry.Name, strings.Join(entry.Hints, ","))
			}
			return nil
		case <-ctx.Done():
			if cfg.command == "browse" {
				return errors.New("no listing reply")
			}
			for _, g := range guids {
				status := "connected"
				if gone[g] {
					status = "gone"
				}
				fmt.Fprintf(stdout, "%s\t%s\n", g, status)
			}
			return nil
		}
	}
}

func runRendezvous(ctx context.Context, cfg *cliConfig, reg *prometheus.Registry) error {
	tr, err := transport.NewQUICTransport(nil)
	if err != nil {
		return err
	}
	rc := rendezvous.NewConfig()
	if cfg.port != 0 {
		rc.Port = cfg.port
	}
	if cfg.relayIP != "" {
		rc.RelayIP = netip.MustParseAddr(cfg.relayIP)
	}
	rc.Registerer = reg

	srv := rendezvous.NewServer(tr, rc)
	defer srv.Close()
	return srv.Serve(ctx)
}

func run(ctx context.Context, argv []string, stdin io.Reader, stdout, stderr io.Writer) error {
	cfg, err := parseCLI(argv, stderr)
	if err != nil {
		return err
	}
	level, err := logrus.ParseLevel(cfg.logLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	logrus.SetOutput(stderr)

	reg := prometheus.NewRegistry()
	g, ctx := errgroup.WithContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	if cfg.metricsAddr != "" {
		g.Go(func() error { return serveMetrics(ctx, cfg.metricsAddr, reg) })
	}
	g.Go(func() error {
		defer cancel()
		switch cfg.command {
		case "host", "join":
			return runPeer(ctx, cfg, reg, stdin, stdout)
		case "check", "browse":
			return runCheck(ctx, cfg, reg, stdout)
		default:
			return runRendezvous(ctx, cfg, reg)
		}
	})
	return g.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "linkcable: %v\n", err)
		os.Exit(1)
	}
}
