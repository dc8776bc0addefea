package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

func printVersion() {
	fmt.Printf("mbrouter v%s\n", version)
	fmt.Println("Media button router for MPRIS players")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  mbrouter [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Receives media keys (as its own MPRIS player, from evdev devices or over IPC),")
	fmt.Println("  decides which player should get each press, and keeps the shared media button")
	fmt.Println("  receiver registration pinned to itself. When the target is ambiguous it opens")
	fmt.Println("  a chooser over the state WebSocket.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Printf("        YAML config file (default %q, used if present)\n", DefaultConfigPath())
	fmt.Println()
	fmt.Println("  -input-devices string")
	fmt.Println("        Comma-separated evdev devices to read (default none)")
	fmt.Println()
	fmt.Println("  -mpris-name string")
	fmt.Printf("        Own MPRIS player name suffix (default %q)\n", appName)
	fmt.Println()
	fmt.Println("  -serve-mpris")
	fmt.Println("        Register the router's own MPRIS player (default true)")
	fmt.Println()
	fmt.Println("  -slot string")
	fmt.Println("        Receiver slot file")
	fmt.Println()
	fmt.Println("  -prefs string")
	fmt.Println("        Preferences file")
	fmt.Println()
	fmt.Println("  -validate-last-handler")
	fmt.Println("        Check the last receiver is still installed before forwarding to it (default true)")
	fmt.Println()
	fmt.Println("  -decision-budget-ms int")
	fmt.Printf("        Upper bound for one routing decision in ms (default %d)\n", defaultDecisionBudget/time.Millisecond)
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Printf("        Unix domain socket path for IPC (default %q)\n", defaultSocketPath)
	fmt.Println()
	fmt.Println("  -http-port int")
	fmt.Printf("        State WebSocket / status port (default %d)\n", defaultHTTPPort)
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Start with defaults (own MPRIS player, chooser on ws://127.0.0.1:3011/ws)")
	fmt.Println("  mbrouter")
	fmt.Println()
	fmt.Println("  # Also read a USB remote directly")
	fmt.Println("  mbrouter -input-devices /dev/input/by-id/usb-remote-event-kbd")
	fmt.Println()
	fmt.Println("NOTES:")
	fmt.Println("  - Reading evdev devices requires membership in the 'input' group")
	fmt.Println("  - Answer choosers with mbrouter-chooser or mbrouter-ctl choose")
	fmt.Println()
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			printVersion()
			return
		}
		if arg == "-help" || arg == "--help" || arg == "-h" {
			printUsage()
			return
		}
	}

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	level, _ := parseLogLevel(cfg.Logging.Level) // checked by Validate
	logger := setupLogger(os.Stdout, level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("mbrouter stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("shut down")
}

// loadConfig builds the effective config: defaults, then the config file,
// then flags that were explicitly set.
func loadConfig(args []string) (Config, error) {
	flags := flag.NewFlagSet("mbrouter", flag.ContinueOnError)
	flags.Usage = printUsage

	var (
		configPath          = flags.String("config", "", "YAML config file")
		inputDevices        = flags.String("input-devices", "", "Comma-separated evdev devices")
		mprisName           = flags.String("mpris-name", appName, "Own MPRIS player name suffix")
		serveMPRIS          = flags.Bool("serve-mpris", true, "Register the router's own MPRIS player")
		slotPath            = flags.String("slot", "", "Receiver slot file")
		prefsPath           = flags.String("prefs", "", "Preferences file")
		validateLastHandler = flags.Bool("validate-last-handler", true, "Validate the last receiver before forwarding")
		decisionBudgetMS    = flags.Int("decision-budget-ms", int(defaultDecisionBudget/time.Millisecond), "Routing decision budget in ms")
		ipcSocketPath       = flags.String("ipc-socket", defaultSocketPath, "Unix domain socket path for IPC")
		httpPort            = flags.Int("http-port", defaultHTTPPort, "State WebSocket / status port")
		logLevelStr         = flags.String("log-level", "info", "Log level: error, warn, info, debug")
	)
	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}

	cfg, err := loadConfigFileOrDefault(*configPath)
	if err != nil {
		return Config{}, err
	}

	set := map[string]bool{}
	flags.Visit(func(f *flag.Flag) { set[f.Name] = true })

	var o FlagOverrides
	if set["input-devices"] {
		o.InputDevices = inputDevices
	}
	if set["mpris-name"] {
		o.MPRISName = mprisName
	}
	if set["serve-mpris"] {
		o.Serve = serveMPRIS
	}
	if set["slot"] {
		o.SlotPath = slotPath
	}
	if set["prefs"] {
		o.PrefsPath = prefsPath
	}
	if set["validate-last-handler"] {
		o.ValidateLastHandler = validateLastHandler
	}
	if set["decision-budget-ms"] {
		o.DecisionBudgetMS = decisionBudgetMS
	}
	if set["ipc-socket"] {
		o.IPCSocketPath = ipcSocketPath
	}
	if set["http-port"] {
		o.HTTPPort = httpPort
	}
	if set["log-level"] {
		o.LogLevel = logLevelStr
	}
	o.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// loadConfigFileOrDefault loads path, or the default config file if it exists.
func loadConfigFileOrDefault(path string) (Config, error) {
	if path != "" {
		return LoadConfigFile(path)
	}
	if _, err := os.Stat(DefaultConfigPath()); err == nil {
		return LoadConfigFile(DefaultConfigPath())
	} else if !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("stat default config: %w", err)
	}
	return DefaultConfig(), nil
}

// run wires every component and blocks until ctx is canceled or a component fails.
func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	self := cfg.Self()
	marker := cfg.ChooserMarker()

	logger.Info("starting mbrouter", "version", version, "self", self.Flatten())
	logger.Debug("configuration",
		"input_devices", cfg.Input.Devices,
		"serve_mpris", cfg.Receiver.Serve,
		"ignore", cfg.Receiver.Ignore,
		"slot", cfg.Registration.SlotPath,
		"prefs", cfg.Preferences.Path,
		"validate_last_handler", cfg.Routing.ValidateLastHandler,
		"decision_budget_ms", cfg.Routing.DecisionBudgetMS,
		"chooser_wake_ms", cfg.Routing.ChooserWakeMS,
		"ipc_socket", cfg.IPC.SocketPath,
		"http_enabled", cfg.HTTP.Enabled,
		"http_addr", cfg.HTTPAddr())

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("connect session bus: %w", err)
	}
	defer conn.Close()

	events := make(chan Event, 64)
	broadcasts := make(chan StateBroadcast, 128)
	publish := func(StateBroadcast) {}
	if cfg.HTTP.Enabled {
		publish = newPublisher(broadcasts, componentLogger(logger, "ws"))
	} else {
		logger.Warn("http disabled: chooser sessions have no front-end")
	}

	prefs, err := OpenPrefsStore(ExpandPath(cfg.Preferences.Path), cfg.DefaultPreferences(), componentLogger(logger, "prefs"))
	if err != nil {
		return err
	}
	prefs.OnChange(func(p Preferences) {
		publish(BroadcastPreferencesChanged{Prefs: p, At: time.Now()})
	})

	slotLogger := componentLogger(logger, "registration")
	slot, err := newFileSlot(ExpandPath(cfg.Registration.SlotPath), time.Duration(cfg.Registration.PollIntervalMS)*time.Millisecond, slotLogger)
	if err != nil {
		return err
	}
	reg, err := AcquireRegistration(slot, self)
	if err != nil {
		return fmt.Errorf("acquire receiver registration: %w", err)
	}
	defer func() {
		if err := reg.Release(); err != nil {
			slotLogger.Warn("failed to release receiver registration", "error", err)
		}
	}()

	bus := newMPRISBus(conn, cfg.Receiver.Ignore, componentLogger(logger, "mpris"))
	saver := &screenSaver{conn: conn, logger: componentLogger(logger, "screensaver")}

	routerLogger := componentLogger(logger, "router")
	fwd := NewForwarder(bus, time.Duration(cfg.Routing.ForwardTimeoutMS)*time.Millisecond, routerLogger)

	chooser := newChooserService(publish, fwd, prefs, reg, marker,
		time.Duration(cfg.Routing.ChooserTimeoutMS)*time.Millisecond, componentLogger(logger, "chooser"))
	defer chooser.Close()

	engine := NewEngine(self, bus, bus, routerLogger)
	engine.ValidateLastHandler = cfg.Routing.ValidateLastHandler

	router := NewRouter(RouterDeps{
		Engine:    engine,
		Prefs:     prefs,
		Audio:     alsaMonitor{root: cfg.Audio.ALSARoot},
		Lock:      saver,
		Wake:      timedWake{acquire: saver.acquire},
		Chooser:   chooser,
		Forwarder: fwd,
	}, cfg.RouterConfig(), routerLogger)

	pinner := NewPinner(reg, prefs, marker, slotLogger)
	pinner.OnChange(func(prev Component) {
		slotLogger.Info("receiver registration taken back", "previous", prev.Flatten())
		publish(BroadcastReceiverChanged{Previous: prev, At: time.Now()})
	})

	g, gctx := errgroup.WithContext(ctx)

	changes, err := slot.Watch(gctx)
	if err != nil {
		return fmt.Errorf("watch receiver slot: %w", err)
	}

	if cfg.Receiver.Serve {
		recv := newMPRISReceiver(cfg.Receiver.MPRISName, events, componentLogger(logger, "mpris-receiver"))
		if err := recv.Start(); err != nil {
			return fmt.Errorf("register mpris receiver: %w", err)
		}
		defer recv.Shutdown()
	}

	g.Go(func() error {
		runDaemon(gctx, events, DaemonDeps{
			Self:    self,
			Router:  router,
			Chooser: chooser,
			Prefs:   prefs,
			Publish: publish,
		}, componentLogger(logger, "daemon"))
		return nil
	})

	g.Go(func() error {
		pinner.Run(gctx, changes)
		return nil
	})

	g.Go(func() error {
		return prefs.Watch(gctx)
	})

	g.Go(func() error {
		return runIPCServer(gctx, ExpandPath(cfg.IPC.SocketPath), events,
			time.Duration(cfg.IPC.ReplyTimeoutMS)*time.Millisecond, componentLogger(logger, "ipc"))
	})

	if cfg.HTTP.Enabled {
		wsLogger := componentLogger(logger, "ws")
		srv := NewServer(wsLogger, events, ServerConfig{})
		mux := http.NewServeMux()
		srv.Register(mux, "/ws", "/status")

		g.Go(func() error {
			srv.Hub().Run(gctx)
			return nil
		})
		g.Go(func() error {
			RunBroadcaster(gctx, srv.Hub(), broadcasts, wsLogger)
			return nil
		})
		g.Go(func() error {
			return runHTTPServer(gctx, cfg.HTTPAddr(), mux, componentLogger(logger, "http"))
		})
	}

	if len(cfg.Input.Devices) > 0 {
		g.Go(func() error {
			return runInputReader(gctx, cfg.Input.Devices, events, componentLogger(logger, "input"))
		})
	}

	logger.Info("listening", "ipc", cfg.IPC.SocketPath, "http", cfg.HTTPAddr(), "mpris", cfg.Receiver.Serve)

	return g.Wait()
}
