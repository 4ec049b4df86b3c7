package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SimplyPrint/mifare-agent/internal/api"
	"github.com/SimplyPrint/mifare-agent/internal/config"
	"github.com/SimplyPrint/mifare-agent/internal/core"
	"github.com/SimplyPrint/mifare-agent/internal/logging"
	"github.com/SimplyPrint/mifare-agent/internal/settings"
	"github.com/SimplyPrint/mifare-agent/internal/updater"
)

// options are the command-line overrides applied on top of the config file.
type options struct {
	configPath string
	reader     string
	capacity   string
	key        string
	keyType    string
	promptKey  bool
	clearFirst bool
	policy     string
	timeout    time.Duration
	wait       bool
	verbose    bool
}

func main() {
	defer logging.RecoverAndLog("main", true)

	var opts options
	versionFlag := flag.Bool("version", false, "Print version information and exit")
	flag.StringVar(&opts.configPath, "config", "", "YAML config file (overrides "+config.EnvConfig+")")
	flag.StringVar(&opts.reader, "reader", "", "Reader index or name (default: first contactless reader)")
	flag.StringVar(&opts.capacity, "capacity", "", "Card capacity: 2k or 4k (default: detect from ATR)")
	flag.StringVar(&opts.key, "key", "", "Sector key as 12 hex characters (default: FFFFFFFFFFFF)")
	flag.StringVar(&opts.keyType, "key-type", "", "Key type: A or B")
	flag.BoolVar(&opts.promptKey, "prompt-key", false, "Read the sector key from the terminal without echo")
	flag.BoolVar(&opts.clearFirst, "clear", false, "Zero every writable block before writing")
	flag.StringVar(&opts.policy, "policy", "", "Write policy: skip-sector or unchecked")
	flag.DurationVar(&opts.timeout, "timeout", 0, "Per-operation timeout (default from config, 30s)")
	flag.BoolVar(&opts.wait, "wait", false, "Wait for a card before card commands")
	flag.BoolVar(&opts.verbose, "v", false, "Echo log entries to stderr")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "MIFARE Agent - MIFARE Classic 2K/4K read/write service\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  mifare-agent [flags]\n")
		fmt.Fprintf(os.Stderr, "  mifare-agent [flags] <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  serve           Run the HTTP/WebSocket API (default)\n")
		fmt.Fprintf(os.Stderr, "  readers         List connected readers\n")
		fmt.Fprintf(os.Stderr, "  uid             Print the UID, ATR and capacity of the card\n")
		fmt.Fprintf(os.Stderr, "  read [file]     Read all writable blocks (hex dump, or raw bytes to file)\n")
		fmt.Fprintf(os.Stderr, "  write <file|->  Write a file (or stdin) across the writable blocks\n")
		fmt.Fprintf(os.Stderr, "  dump <file>     Save the card contents to a dump file\n")
		fmt.Fprintf(os.Stderr, "  restore <file>  Clear the card and write a dump file back\n")
		fmt.Fprintf(os.Stderr, "  check-update    Check GitHub for a newer release\n")
		fmt.Fprintf(os.Stderr, "  version         Print version information\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables:\n")
		fmt.Fprintf(os.Stderr, "  %s    Port to listen on (default: %d)\n", config.EnvPort, config.DefaultPort)
		fmt.Fprintf(os.Stderr, "  %s    Host to bind to (default: %s)\n", config.EnvHost, config.DefaultHost)
		fmt.Fprintf(os.Stderr, "  %s  YAML config file\n", config.EnvConfig)
	}

	flag.Parse()

	if *versionFlag {
		printVersion()
		return
	}

	args := flag.Args()
	command := "serve"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}
	switch command {
	case "version":
		printVersion()
		return
	case "check-update":
		exit(checkUpdate())
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fatalf("Failed to load configuration: %v", err)
	}

	initLogging(cfg, opts.verbose || command != "serve")
	if logging.InitSentry(api.Version, settings.IsCrashReportingEnabled(), "") {
		defer logging.FlushSentry(2 * time.Second)
	}

	svcCfg, err := cfg.ServiceConfig()
	if err != nil {
		fatalf("Invalid configuration: %v", err)
	}
	svc := core.NewService(nil, svcCfg)

	if command == "serve" {
		if len(args) > 0 {
			fatalUsage("serve takes no arguments")
		}
		if err := serve(cfg, svc); err != nil {
			fatalf("server error: %v", err)
		}
		return
	}

	runner := &cli{cfg: cfg, svc: svc, opts: opts}
	code, err := runner.run(command, args)
	if err != nil {
		if errors.Is(err, errUsage) {
			fatalUsage(err.Error())
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exit(1)
	}
	exit(code)
}

func printVersion() {
	fmt.Printf("mifare-agent %s\n", api.Version)
	fmt.Printf("Build time: %s\n", api.BuildTime)
	fmt.Printf("Git commit: %s\n", api.GitCommit)
}

func checkUpdate() int {
	ctx, cancel := context.WithTimeout(context.Background(), updater.RequestTimeout)
	defer cancel()

	info := updater.NewChecker(api.Version).Check(ctx, true)
	if info.Error != "" {
		fmt.Fprintf(os.Stderr, "Update check failed: %s\n", info.Error)
		return 1
	}
	switch {
	case info.IsDev:
		fmt.Printf("Development build %s; latest release is %s\n", info.CurrentVersion, info.LatestVersion)
	case info.Available:
		fmt.Printf("Update available: %s -> %s\n", info.CurrentVersion, info.LatestVersion)
		fmt.Printf("Release: %s\n", info.ReleaseURL)
		if info.DownloadURL != "" {
			fmt.Printf("Download: %s\n", info.DownloadURL)
		}
	default:
		fmt.Printf("mifare-agent %s is up to date\n", info.CurrentVersion)
	}
	return 0
}

func fatalUsage(msg string) {
	fmt.Fprintf(os.Stderr, "%s\n\n", msg)
	flag.Usage()
	exit(2)
}

// Replaced in tests.
var (
	osExit      = os.Exit
	flushSentry = logging.FlushSentry
)

// exit flushes queued error reports and ends the process with code.
// Deferred calls do not run.
func exit(code int) {
	flushSentry(2 * time.Second)
	osExit(code)
}

func fatalf(format string, args ...any) {
	log.Printf(format, args...)
	exit(1)
}

// loadConfig reads the config file and environment, then applies flags.
func loadConfig(opts options) (*config.Config, error) {
	if opts.configPath != "" {
		if err := os.Setenv(config.EnvConfig, opts.configPath); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if opts.capacity != "" {
		cfg.Card.Capacity = opts.capacity
		detect := false
		cfg.Card.Detect = &detect
	}
	if opts.key != "" {
		cfg.Card.Key = opts.key
	}
	if opts.keyType != "" {
		cfg.Card.KeyType = opts.keyType
	}
	if opts.promptKey {
		key, err := promptKey()
		if err != nil {
			return nil, err
		}
		cfg.Card.Key = key
	}
	if opts.policy != "" {
		cfg.Write.Policy = opts.policy
	}
	if opts.clearFirst {
		cfg.Write.ClearFirst = true
	}
	if opts.timeout > 0 {
		cfg.Timeout = opts.timeout.String()
	}
	return cfg, cfg.Validate()
}

// initLogging sizes the log buffer from config. A log level saved through
// the settings API wins over the config file.
func initLogging(cfg *config.Config, echo bool) {
	level := cfg.LogLevel()
	if s, err := settings.Load(); err == nil && s.LogLevel != "" && s.LogLevel != "info" {
		if l, ok := logging.ParseLevel(s.LogLevel); ok {
			level = l
		}
	}
	logging.Init(cfg.Log.Buffer, level)
	if echo {
		logging.Get().SetEcho(os.Stderr)
	}
}

func serve(cfg *config.Config, svc *core.Service) error {
	logging.Info(logging.CatSystem, "MIFARE Agent starting", map[string]any{
		"version":  api.Version,
		"capacity": cfg.Card.Capacity,
		"policy":   cfg.Write.Policy,
	})

	creds, err := cfg.Credentials()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := api.NewServer(svc, creds, cfg.TimeoutDuration())
	server.SetShutdownHandler(stop)

	addr := cfg.Address()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.NewMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		defer logging.RecoverAndLog("HTTP server", true)
		log.Printf("mifare-agent %s listening on http://%s\n", api.Version, addr)
		log.Printf("WebSocket available at ws://%s/v1/ws\n", addr)
		logging.Info(logging.CatSystem, "Server started", map[string]any{
			"address": addr,
		})
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Println("Shutting down...")
	logging.Info(logging.CatSystem, "Server stopping", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
