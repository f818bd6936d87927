// Package main provides the entry point for the VPN orchestrator.
//
// The same binary runs the connection engine as a daemon (--daemon) and
// acts as its command-line client. The daemon owns the tunnel backends,
// the certificate lifecycle and the local control API; every other
// command talks to that API.
//
// Usage:
//
//	vpn-orchestrator [options]
//
// Environment:
//
//	The daemon drives wg-quick and openvpn, which must be installed and
//	runnable with CAP_NET_ADMIN or through the configured elevate prefix.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/yllada/vpn-orchestrator/account"
	"github.com/yllada/vpn-orchestrator/backend"
	"github.com/yllada/vpn-orchestrator/catalog"
	"github.com/yllada/vpn-orchestrator/cert"
	"github.com/yllada/vpn-orchestrator/cli"
	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/config"
	"github.com/yllada/vpn-orchestrator/control"
	"github.com/yllada/vpn-orchestrator/keyring"
	"github.com/yllada/vpn-orchestrator/ping"
	"github.com/yllada/vpn-orchestrator/platform"
	"github.com/yllada/vpn-orchestrator/store"
	"github.com/yllada/vpn-orchestrator/ui"
	"github.com/yllada/vpn-orchestrator/vpn"
)

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
var (
	appVersion = "dev"
	buildTime  = "unknown"
	commitSHA  = "unknown"
)

var (
	configPath  = flag.String("config", "", "Configuration file (default ~/.config/vpn-orchestrator/config.yaml)")
	showVersion = flag.Bool("version", false, "Show version and exit")
	verbose     = flag.Bool("verbose", false, "Enable verbose logging")
	showHelp    = flag.Bool("help", false, "Show help message")

	daemon        = flag.Bool("daemon", false, "Run the connection engine and control API")
	listServers   = flag.Bool("servers", false, "List known servers")
	connectTarget = flag.String("connect", "", "Connect to fastest, CC, CC/City, server:ID or gateway:NAME")
	protocolName  = flag.String("protocol", "", "Protocol for --connect, e.g. wireguard/udp")
	disconnectVPN = flag.Bool("disconnect", false, "Disconnect the active connection")
	reconnectVPN  = flag.Bool("reconnect", false, "Reconnect with the current parameters")
	showStatus    = flag.Bool("status", false, "Show current connection status")
	watchStatus   = flag.Bool("watch", false, "Follow connection state changes")
)

func main() {
	flag.Parse()

	if *showHelp {
		cli.PrintHelp()
		os.Exit(0)
	}

	if *showVersion {
		fmt.Printf("%s v%s\n", common.AppName, appVersion)
		if buildTime != "unknown" {
			fmt.Printf("  Build:  %s\n", buildTime)
			fmt.Printf("  Commit: %s\n", commitSHA)
		}
		os.Exit(0)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logLevel := common.LevelInfo
	if *verbose {
		logLevel = common.LevelDebug
	}
	if err := common.InitLogger(common.LogConfig{
		Level:       logLevel,
		EnableFile:  *daemon,
		Dir:         cfg.Paths.LogDir,
		MaxFileSize: 5 * 1024 * 1024,
		MaxBackups:  5,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}
	defer common.CloseLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *daemon {
		err = runDaemon(ctx, cfg)
	} else {
		err = runCLI(ctx, cfg)
	}
	if err != nil {
		common.LogError("%v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if *configPath != "" {
		return config.LoadFile(*configPath)
	}
	return config.Load()
}

// runCLI handles the client commands.
func runCLI(ctx context.Context, cfg *config.Config) error {
	var cat *catalog.Catalog
	if *listServers {
		path, err := cfg.ServersPath()
		if err != nil {
			return err
		}
		tier := cfg.Account.Tier
		if cat, err = catalog.Load(path, func() int { return tier }); err != nil {
			return err
		}
	}

	app := cli.New(control.NewClient(cfg.Control.Listen), cat)
	switch {
	case *listServers:
		return app.ListServers(flag.Arg(0))
	case *connectTarget != "":
		return app.Connect(ctx, cli.ParseTarget(*connectTarget, *protocolName))
	case *disconnectVPN:
		return app.Disconnect(ctx)
	case *reconnectVPN:
		return app.Reconnect(ctx)
	case *watchStatus:
		return app.Watch(ctx)
	case *showStatus:
		return app.Status(ctx)
	default:
		cli.PrintHelp()
		return nil
	}
}

// runDaemon wires the engine and serves until ctx is done.
func runDaemon(ctx context.Context, cfg *config.Config) error {
	common.LogInfo("Starting %s v%s", common.AppName, appVersion)
	checkEngines(cfg.Engines)

	dbPath, err := cfg.DatabasePath()
	if err != nil {
		return err
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	acct := account.NewStatic(cfg.Account)

	serversPath, err := cfg.ServersPath()
	if err != nil {
		return err
	}
	servers, err := catalog.Load(serversPath, func() int { return acct.UserData().Tier })
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	// Certificates.
	storage := cert.NewStorage(st, keyring.NewSystem(), acct.Privileged)
	certs := cert.NewRepository(ctx, storage, cert.NewHTTPIssuer(cfg.Certificate.APIBaseURL), acct.SessionID)
	scheduler := cert.NewTimerScheduler(ctx, nil)
	certs.Scheduler = scheduler
	certs.RetryDelay = cfg.Certificate.RetryDelay
	refresh := cert.NewRefreshTask(certs, scheduler, cfg.Certificate.RetryDelay)
	scheduler.SetTask(refresh.Run)
	keys := func(ctx context.Context) (*cert.Info, error) {
		return certs.CertificateWithoutRefresh(ctx, acct.SessionID())
	}

	// Backends.
	checker := ping.NewAvailabilityCheck(ping.NewPinger(cfg.SocketMark))
	checker.PriorityWait = cfg.Connection.PriorityWait
	checker.Timeout = cfg.Connection.PingTimeout
	prepare := vpn.NewPrepareForConnection(checker, cfg)
	tracker := func() *vpn.UnreachableTracker {
		return vpn.NewUnreachableTracker(cfg.Unreachable, common.SystemClock{})
	}
	provider := vpn.NewBackendProvider(
		backend.NewWireGuard(backend.NewWireGuardQuick(cfg.Engines), prepare, tracker(), keys),
		backend.NewOpenVPN(backend.NewOpenVPNProcess(cfg.Engines, cfg.SocketMark), prepare, tracker(), keys),
	)

	// Orchestration.
	errs := vpn.NewErrorHandler(acct, servers, provider)
	manager := vpn.NewManager(cfg, provider, servers, acct, errs, certs)
	manager.Permission = platform.NewTunnelPermission(cfg.Engines.Elevate)
	manager.Params = &vpn.StoredParams{Store: st, Key: acct.SessionID(), Log: common.ComponentLogger("params")}
	if network, err := platform.NewNetworkMonitor(); err == nil {
		manager.Network = network
	} else {
		common.LogWarn("Network monitoring unavailable: %v", err)
		manager.Network = platform.StaticNetwork{}
	}
	if inhibitor, err := platform.NewSleepInhibitor(); err == nil {
		manager.WakeLock = inhibitor
	} else {
		common.LogWarn("Sleep inhibition unavailable: %v", err)
		manager.WakeLock = platform.NoWakeLock{}
	}

	g.Go(func() error { return manager.Run(ctx) })
	g.Go(func() error { return errs.Run(ctx) })
	g.Go(func() error {
		return control.NewServer(control.FromManager(manager)).ListenAndServe(ctx, cfg.Control.Listen)
	})
	g.Go(func() error {
		certs.Run(ctx, acct.Events(ctx))
		return nil
	})
	g.Go(func() error {
		refresh.Run(ctx)
		return nil
	})
	if cfg.Notifications {
		if notifier, err := ui.NewNotifier(); err == nil {
			g.Go(func() error {
				notifier.Run(ctx, statusUpdates(ctx, manager.Monitor()))
				return nil
			})
		} else {
			common.LogWarn("Desktop notifications unavailable: %v", err)
		}
	}

	restored, err := manager.RestoreInterrupted(ctx)
	if err != nil {
		common.LogWarn("Cannot restore interrupted connection: %v", err)
	} else if restored {
		common.LogInfo("Restoring interrupted connection")
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*cfg.Connection.DisconnectTimeout)
	defer cancel()
	manager.Disconnect(shutdownCtx)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	common.LogInfo("Shutdown complete")
	return nil
}

// statusUpdates converts engine status into the wire form the ui consumes.
func statusUpdates(ctx context.Context, monitor *vpn.StateMonitor) <-chan control.StatusResponse {
	out := make(chan control.StatusResponse)
	go func() {
		defer close(out)
		for s := range monitor.Watch(ctx) {
			select {
			case out <- control.NewStatusResponse(s):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// checkEngines warns about tunnel programs missing from PATH.
func checkEngines(cfg config.EnginesConfig) {
	for _, bin := range []string{cfg.WGQuick, cfg.WG, cfg.OpenVPN} {
		if _, err := exec.LookPath(bin); err != nil {
			common.LogWarn("%s not found, backends using it will fail", bin)
		}
	}
}
