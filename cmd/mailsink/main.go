// Package main is the entry point for the mailsink server.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mailsink/mailsink/internal/config"
	"github.com/mailsink/mailsink/internal/metrics"
	"github.com/mailsink/mailsink/internal/sink"
	"github.com/mailsink/mailsink/internal/smtp"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	host := flag.String("host", "", "host to listen on")
	port := flag.Int("port", 0, "port to listen on")
	mailDir := flag.String("mail-dir", "", "directory to write logs and emails to")
	fileExtension := flag.String("file-extension", "", "file extension for saved emails")
	foreground := flag.Bool("foreground", false, "stay in the foreground, logging and echoing messages to the console")
	metricsListen := flag.String("metrics-listen", "", "optional host:port for the prometheus /metrics endpoint")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailsink %s\n", version)
		return
	}

	// Load configuration: defaults -> YAML -> env, then flag overrides.
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	applyFlags(cfg, *host, *port, *mailDir, *fileExtension, *foreground, *metricsListen, *logLevel)
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// The mail directory must exist before anything listens; it also
	// holds the log file.
	if err := cfg.EnsureMailDir(); err != nil {
		slog.Error("failed to prepare mail directory", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg)

	slog.Info("starting mailsink",
		"version", version,
		"listen", cfg.Addr(),
		"mail_dir", cfg.Mail.Dir,
		"file_extension", cfg.Mail.Extension,
		"foreground", cfg.Foreground,
	)

	// Build the persistence engine; foreground mode mirrors every
	// stored body to stdout.
	fsSink := sink.NewFS(cfg.Mail.Dir, cfg.Mail.Extension)
	if cfg.Foreground {
		fsSink = fsSink.WithEcho(os.Stdout)
	}

	m := metrics.New()

	server := smtp.New(smtp.ServerConfig{
		ListenAddr: cfg.Addr(),
		Hostname:   cfg.SMTP.Host,
		Sink:       fsSink,
		Metrics:    m,
	})

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	if cfg.Metrics.Listen != "" {
		go func() {
			slog.Info("metrics endpoint listening", "addr", cfg.Metrics.Listen)
			if err := m.Serve(ctx, cfg.Metrics.Listen); err != nil {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	// Start the server (blocks until context is cancelled)
	if err := server.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("mailsink stopped")
}

// loadConfig loads configuration from the specified path (YAML + env
// override) or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// applyFlags overrides configuration with non-zero command-line values.
// Flags are the last layer, above the config file and the environment.
func applyFlags(cfg *config.Config, host string, port int, mailDir, ext string, foreground bool, metricsListen, logLevel string) {
	if host != "" {
		cfg.SMTP.Host = host
	}
	if port != 0 {
		cfg.SMTP.Port = port
	}
	if mailDir != "" {
		cfg.Mail.Dir = mailDir
	}
	if ext != "" {
		cfg.Mail.Extension = ext
	}
	if foreground {
		cfg.Foreground = true
	}
	if metricsListen != "" {
		cfg.Metrics.Listen = metricsListen
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}

// setupLogger configures the global slog logger with JSON output into a
// rotating log file inside the mail directory; foreground mode tees the
// same stream to stdout.
func setupLogger(cfg *config.Config) {
	var logLevel slog.Level

	switch cfg.Logging.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var out io.Writer = &lumberjack.Logger{
		Filename:   cfg.LogFile(),
		MaxSize:    50, // MB
		MaxBackups: 3,
		MaxAge:     30, // days
	}
	if cfg.Foreground {
		out = io.MultiWriter(out, os.Stdout)
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
