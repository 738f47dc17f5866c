// Command dirwatcher polls a directory, tracks the files whose names end in
// the configured extension, and logs every line that newly contains the magic
// text. It runs until SIGINT or SIGTERM and then logs its total uptime.
//
// Usage:
//
//	dirwatcher [flags] <directory> <magic_text>
//
// Both positional arguments may instead come from the YAML file given with
// -config. Flags set on the command line override the file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dirwatcher/dirwatcher/internal/agent"
	"github.com/dirwatcher/dirwatcher/internal/config"
	"github.com/dirwatcher/dirwatcher/internal/metrics"
	"github.com/dirwatcher/dirwatcher/internal/notify"
	"github.com/dirwatcher/dirwatcher/internal/queue"
	"github.com/dirwatcher/dirwatcher/internal/server/rest"
	"github.com/dirwatcher/dirwatcher/internal/server/storage"
	"github.com/dirwatcher/dirwatcher/internal/server/websocket"
)

// Version is set at build time via -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "dirwatcher: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := loadConfig(args, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	logger, closeLog, err := newLogger(cfg.Logging, os.Stderr)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	start := time.Now()
	logger.Info("dirwatcher started",
		slog.String("version", Version),
		slog.Time("started_at", start),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", slog.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	opts := []agent.Option{}

	var journal *queue.SQLiteQueue
	if cfg.Journal.Path != "" {
		journal, err = queue.New(cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer journal.Close()
		opts = append(opts, agent.WithJournal(journal))
		logger.Info("event journal opened",
			slog.String("path", cfg.Journal.Path),
			slog.Int("pending", journal.Depth()),
		)
	}

	var store *storage.Store
	if cfg.Postgres.DSN != "" {
		host, _ := os.Hostname()
		store, err = storage.New(ctx, cfg.Postgres.DSN, host, cfg.Postgres.BatchSize)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer store.Close(context.Background())
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		opts = append(opts, agent.WithSink(store))
		logger.Info("postgres event store ready", slog.String("host", host))
	}

	m := metrics.New(prometheus.NewRegistry())
	opts = append(opts, agent.WithMetrics(m))

	if cfg.Notify.Enabled {
		n, err := notify.New(cfg.Directory, cfg.Notify.MinGap, logger)
		if err != nil {
			logger.Warn("change notification unavailable, polling on interval only", slog.Any("error", err))
		} else {
			defer n.Close()
			opts = append(opts, agent.WithWakeup(n.C()))
		}
	}

	var bc *websocket.Broadcaster
	if cfg.API.Enabled {
		bc = websocket.NewBroadcaster(logger, websocket.DefaultBufferSize)
		opts = append(opts, agent.WithPublisher(bc))
	}

	ag, err := agent.New(cfg, logger, opts...)
	if err != nil {
		return err
	}

	if cfg.API.Enabled {
		apiServer, err := newAPIServer(cfg.API, ag, journal, store, m, bc)
		if err != nil {
			return err
		}
		go func() {
			logger.Info("api server listening", slog.String("addr", cfg.API.Address))
			if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("api server error", slog.Any("error", err))
			}
		}()
		defer func() {
			bc.Close()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := apiServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("api server shutdown error", slog.Any("error", err))
			}
		}()
	}

	runErr := ag.Run(ctx)

	logger.Info("dirwatcher shut down", slog.Duration("uptime", time.Since(start)))
	return runErr
}

// loadConfig merges, in increasing precedence, the defaults, the optional
// -config file, the flags set on the command line and the positional
// arguments, then validates the result. Flags may appear before or after the
// positional arguments. It returns flag.ErrHelp when -h was given.
func loadConfig(args []string, output io.Writer) (*config.Config, error) {
	fs := flag.NewFlagSet("dirwatcher", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: dirwatcher [flags] <directory> <magic_text>\n\nflags:\n")
		fs.PrintDefaults()
	}

	def := config.Default()
	var (
		configPath string
		interval   float64
		extension  string
		logLevel   string
	)
	fs.StringVar(&configPath, "config", "", "path to an optional YAML configuration file")
	fs.Float64Var(&interval, "i", def.Interval.Seconds(), "polling interval in seconds (shorthand)")
	fs.Float64Var(&interval, "interval", def.Interval.Seconds(), "polling interval in seconds")
	fs.StringVar(&extension, "ext", def.Extension, "extension of the files to watch (shorthand)")
	fs.StringVar(&extension, "extension", def.Extension, "extension of the files to watch")
	fs.StringVar(&logLevel, "log-level", string(def.Logging.Level), "minimum log level: debug, info, warn or error")

	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		rest := fs.Args()
		if len(rest) == 0 {
			break
		}
		// Everything after "--" is positional.
		if consumed := len(args) - len(rest); consumed > 0 && args[consumed-1] == "--" {
			positional = append(positional, rest...)
			break
		}
		positional = append(positional, rest[0])
		args = rest[1:]
	}

	cfg := def
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "i", "interval":
			cfg.Interval = time.Duration(interval * float64(time.Second))
		case "ext", "extension":
			cfg.Extension = extension
		case "log-level":
			cfg.Logging.Level = config.LogLevel(logLevel)
		}
	})

	switch len(positional) {
	case 0:
	case 2:
		cfg.Directory, cfg.MagicText = positional[0], positional[1]
	default:
		return nil, fmt.Errorf("expected <directory> <magic_text>, got %d positional argument(s)", len(positional))
	}

	if cfg.Directory != "" {
		abs, err := filepath.Abs(cfg.Directory)
		if err != nil {
			return nil, fmt.Errorf("resolve directory %q: %w", cfg.Directory, err)
		}
		cfg.Directory = abs
	}

	if err := config.Check(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger constructs a *slog.Logger writing to stderr, and additionally to
// cfg.FilePath when set. The returned func closes the log file.
func newLogger(cfg config.LoggingConfig, stderr io.Writer) (*slog.Logger, func(), error) {
	var l slog.Level
	switch cfg.Level {
	case config.LogLevelDebug:
		l = slog.LevelDebug
	case config.LogLevelWarn:
		l = slog.LevelWarn
	case config.LogLevelError:
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	w := stderr
	closeFn := func() {}
	if cfg.FilePath != "" {
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(stderr, f)
		closeFn = func() { _ = f.Close() }
	}

	opts := &slog.HandlerOptions{Level: l}
	var h slog.Handler
	if cfg.Format == config.LogFormatText {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h), closeFn, nil
}

// newAPIServer builds the status API server. journal and store may be nil.
func newAPIServer(cfg config.APIConfig, ag *agent.Agent, journal *queue.SQLiteQueue, store *storage.Store, m *metrics.Metrics, bc *websocket.Broadcaster) (*http.Server, error) {
	var events rest.EventLog
	if journal != nil {
		events = journal
	}
	var history rest.History
	if store != nil {
		history = store
	}

	rc := rest.RouterConfig{
		RateLimit: cfg.RateLimit,
		Burst:     cfg.Burst,
		Metrics:   m.Handler(),
		Stream:    websocket.NewHandler(bc, slog.Default(), 0),
	}
	if cfg.JWTPublicKey != "" {
		pemData, err := os.ReadFile(cfg.JWTPublicKey)
		if err != nil {
			return nil, fmt.Errorf("read jwt public key: %w", err)
		}
		if rc.PublicKey, err = rest.ParseRSAPublicKey(pemData); err != nil {
			return nil, err
		}
	}

	return &http.Server{
		Addr:         cfg.Address,
		Handler:      rest.NewRouter(rest.NewServer(ag, events, history, slog.Default()), rc),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}, nil
}
