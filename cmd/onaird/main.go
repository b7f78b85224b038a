package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"github.com/modoterra/onair/internal/buildinfo"
	"github.com/modoterra/onair/pkg/daemon"
	"github.com/modoterra/onair/pkg/manifest"
	"github.com/modoterra/onair/pkg/providers/logs/filetail"
	"github.com/modoterra/onair/pkg/transport/ws"
)

const defaultSocket = "/tmp/onair.sock"

var (
	socketPath   string
	manifestPath string
	httpAddr     string
	debug        bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "onaird",
	Short:        "Status and log daemon for streaming worker channels",
	SilenceUsage: true,
	RunE:         run,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("onaird %s (%s) built %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.Date)
	},
}

func init() {
	rootCmd.Flags().StringVar(&socketPath, "socket", defaultSocket, "socket path")
	rootCmd.Flags().StringVar(&manifestPath, "manifest", manifest.DefaultFile, "manifest path")
	rootCmd.Flags().StringVar(&httpAddr, "http", "", "serve /ws/logs on this address (disabled when empty)")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(versionCmd)
}

func run(_ *cobra.Command, _ []string) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	m, err := manifest.Load(manifestPath)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}
	if errs := manifest.Validate(m); len(errs) > 0 {
		for _, e := range errs {
			logger.Error("manifest validation", "err", e)
		}
		return errors.Join(errs...)
	}
	logger.Info("manifest loaded", "path", m.FilePath, "root", m.Root, "channels", len(m.Channels))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := filetail.NewRegistry(ctx, m.Paths.Logs, filetail.Config{
		Interval: m.Tail.Interval,
		Backlog:  m.Tail.Backlog,
		Buffer:   m.Tail.Buffer,
	}, logger)
	defer registry.Close()

	d := daemon.New(socketPath, m, logger)
	d.SetLogProvider(registry)
	defer d.Shutdown()

	pollLoop := daemon.NewPollLoop(d, m.Poll.Interval, logger)
	go pollLoop.Run(ctx)

	if httpAddr != "" {
		srv := &http.Server{
			Addr:              httpAddr,
			Handler:           ws.NewLogsHandler(registry, logger).Mux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("http listening", "addr", httpAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server", "err", err)
				cancel()
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			srv.Shutdown(shutdownCtx)
		}()
	}

	go notifySystemd(ctx, logger)

	logger.Info("starting onaird", "version", buildinfo.Version, "socket", socketPath)
	err = d.Run(ctx)
	sddaemon.SdNotify(false, sddaemon.SdNotifyStopping)
	logger.Info("shutting down")
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	return nil
}

// notifySystemd reports readiness and keeps the watchdog fed when the unit
// runs with Type=notify. Outside systemd every call is a no-op.
func notifySystemd(ctx context.Context, logger *slog.Logger) {
	if ok, err := sddaemon.SdNotify(false, sddaemon.SdNotifyReady); err != nil {
		logger.Warn("sd_notify ready", "err", err)
	} else if ok {
		logger.Debug("notified systemd")
	}

	interval, err := sddaemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sddaemon.SdNotify(false, sddaemon.SdNotifyWatchdog)
		}
	}
}
