package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/tgmux/internal/config"
	"github.com/user/tgmux/internal/delivery"
	"github.com/user/tgmux/internal/download"
	"github.com/user/tgmux/internal/httpapi"
	"github.com/user/tgmux/internal/session"
	"github.com/user/tgmux/internal/telegram"
	"github.com/user/tgmux/internal/types"
	"github.com/user/tgmux/internal/worker"
)

const pidFile = "tgmux.pid"

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Int("port", 0, "API port (overrides http.listen)")
	serveCmd.Flags().Int("workers", 0, "number of workers (overrides workers)")
	serveCmd.Flags().Int("stats-port", 0, "stats port (overrides stats.listen)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, pidFile)
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

// applyServeFlags lets command-line flags override the loaded config.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("port") {
		port, _ := flags.GetInt("port")
		if port < 1 || port > 0xFFFF {
			return fmt.Errorf("invalid port %d", port)
		}
		cfg.HTTP.Listen = net.JoinHostPort("", strconv.Itoa(port))
	}
	if flags.Changed("stats-port") {
		port, _ := flags.GetInt("stats-port")
		if port < 1 || port > 0xFFFF {
			return fmt.Errorf("invalid stats port %d", port)
		}
		cfg.Stats.Listen = net.JoinHostPort("", strconv.Itoa(port))
	}
	if flags.Changed("workers") {
		cfg.Workers, _ = flags.GetInt("workers")
	}
	return cfg.Validate()
}

func newPool(cfg *config.Config) (*worker.Pool, []*session.Cache) {
	dialer := telegram.NewDialer(telegram.Config{
		APIEndpoint:  cfg.Telegram.APIEndpoint,
		FileEndpoint: cfg.Telegram.FileEndpoint,
		ChunkSize:    cfg.Downloads.ChunkSize,
	})
	retry := session.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.Sessions.ConnectAttempts

	opts := session.Options{
		DataDir: cfg.DataDir,
		Delivery: delivery.Options{
			MaxBatch:       cfg.Delivery.MaxBatch,
			WebhookTimeout: time.Duration(cfg.Delivery.WebhookTimeout),
			WebhookSecret:  cfg.Delivery.WebhookSecret,
		},
		Downloads:    download.Options{MaxConcurrent: cfg.Downloads.MaxConcurrent},
		Retry:        retry,
		IdleWindow:   time.Duration(cfg.Sessions.IdleWindow),
		ReapSchedule: cfg.Sessions.ReapSchedule,
	}

	caches := make([]*session.Cache, cfg.Workers)
	pool := worker.NewPool(cfg.Workers, cfg.DataDir, func(i int) *session.Cache {
		dialers := session.NewDialers()
		dialers.Register(types.RoleBot, dialer)
		caches[i] = session.NewCache(dialers, opts)
		return caches[i]
	})
	return pool, caches
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	if err := applyServeFlags(cmd, cfg); err != nil {
		return err
	}
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Write PID file
	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	slog.Info("starting tgmux", "workers", cfg.Workers, "data_dir", cfg.DataDir, "pid_file", pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, caches := newPool(cfg)
	pool.Start(ctx)
	defer pool.Stop()
	for _, c := range caches {
		if err := c.StartReaper(); err != nil {
			return fmt.Errorf("start reaper: %w", err)
		}
	}

	started, err := pool.RestoreWebhooks(ctx)
	if err != nil {
		slog.Error("failed to restore webhook loops", "error", err)
	}
	if started > 0 {
		slog.Info("restored webhook loops", "count", started)
	}

	apiServer := &http.Server{
		Addr:    cfg.HTTP.Listen,
		Handler: httpapi.NewServer(pool),
	}
	go func() {
		slog.Info("listening for connections", "listen", cfg.HTTP.Listen)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server error", "error", err)
			cancel()
		}
	}()

	var statsServer *http.Server
	if cfg.Stats.Enabled {
		statsServer = &http.Server{
			Addr:    cfg.Stats.Listen,
			Handler: httpapi.NewStatsServer(pool),
		}
		go func() {
			slog.Info("stats server started", "listen", cfg.Stats.Listen)
			if err := statsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("stats server error", "error", err)
			}
		}()
	}

	shutdown := func() {
		shutdownGateway(apiServer, statsServer, pool, shutdownTimeout)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		var sig os.Signal
		select {
		case sig = <-sigChan:
		case <-ctx.Done():
			shutdown()
			return fmt.Errorf("api server stopped")
		}

		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			shutdown()
			// Clean up PID file before re-exec
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				return fmt.Errorf("re-exec: %w", err)
			}
		}
		// SIGINT or SIGTERM
		slog.Info("shutting down", "signal", sig)
		shutdown()
		return nil
	}
}

const shutdownTimeout = 10 * time.Second

// shutdownGateway unloads the workers before draining the API server:
// unloading resolves outstanding long polls, which lets the drain finish.
// Each phase gets its own timeout.
func shutdownGateway(apiServer, statsServer *http.Server, pool *worker.Pool, timeout time.Duration) {
	unloadCtx, cancelUnload := context.WithTimeout(context.Background(), timeout)
	defer cancelUnload()
	if err := pool.Unload(unloadCtx); err != nil {
		slog.Error("failed to unload workers", "error", err)
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), timeout)
	defer cancelDrain()
	if err := apiServer.Shutdown(drainCtx); err != nil {
		apiServer.Close()
	}
	if statsServer != nil {
		statsServer.Close()
	}
}
