package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/nmoreau/vanitylock/config"
	"github.com/nmoreau/vanitylock/discord"
	"github.com/nmoreau/vanitylock/guard"
	"github.com/nmoreau/vanitylock/journal"
	"github.com/nmoreau/vanitylock/locker"
	"github.com/nmoreau/vanitylock/notify"
	"github.com/nmoreau/vanitylock/otpgen"
	"github.com/nmoreau/vanitylock/session"
	"github.com/nmoreau/vanitylock/stepup"
	"github.com/nmoreau/vanitylock/timesync"
	"github.com/nmoreau/vanitylock/transport"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the hold loop and the health endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
		slog.SetDefault(logger)

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
		jnl, err := journal.Open(filepath.Join(cfg.DataDir, "cycles.db"))
		if err != nil {
			return fmt.Errorf("opening cycle journal: %w", err)
		}
		defer jnl.Close()

		creds := session.New(cfg.UserToken, cfg.BotToken, cfg.Proof)
		defer creds.Destroy()

		var trOpts []transport.Option
		if cfg.ProxyURL != "" {
			trOpts = append(trOpts, transport.WithProxy(cfg.ProxyURL))
		}
		tr, err := transport.New(trOpts...)
		if err != nil {
			return fmt.Errorf("building transport: %w", err)
		}

		schema, err := discord.SchemaByName(cfg.ChallengeSchema)
		if err != nil {
			return err
		}
		client := discord.NewClient(tr, creds,
			discord.WithBaseURL(cfg.APIBaseURL),
			discord.WithChallengeSchema(schema))

		elevated, err := discord.ParsePermissionNames(cfg.ElevatedPerms)
		if err != nil {
			return err
		}
		g := guard.New(client, cfg.GuildID, elevated,
			guard.WithPace(cfg.RolePace()),
			guard.WithLogger(logger))

		notifier := notify.New(cfg.WebhookURL,
			notify.WithIdentity(cfg.NotifyUsername, cfg.NotifyAvatar),
			notify.WithLogger(logger))
		defer notifier.Close()

		sync := timesync.New(nil, logger)
		offsetFor := func(ctx context.Context) int64 {
			return sync.Estimate(ctx, timesync.DefaultSources(cfg.APIBaseURL))
		}
		resolverFor := func(method discord.Method, offsetSeconds int64) locker.ChallengeResolver {
			var codes stepup.CodeGenerator
			if method == discord.MethodTOTP {
				secret, err := creds.Proof()
				if err == nil && secret != "" {
					codes = otpgen.New(secret, offsetSeconds)
				}
			}
			return stepup.New(client, method, creds, codes, logger)
		}

		lk := locker.New(client, g, notifier, jnl, resolverFor, offsetFor, locker.Config{
			GuildID:        cfg.GuildID,
			VanityCode:     cfg.VanityCode,
			MaxAttempts:    cfg.MaxAttempts,
			AttemptTimeout: cfg.AttemptTimeout(),
			SuccessDelay:   cfg.SuccessDelay(),
			FailureDelay:   cfg.FailureDelay(),
			NotifyFooter:   cfg.NotifyFooter,
		}, logger)

		runCtx, stopLocker := context.WithCancel(context.Background())
		defer stopLocker()
		lockerDone := make(chan struct{})
		go func() {
			defer close(lockerDone)
			if err := lk.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("lock loop exited", "error", err)
			}
		}()

		r := chi.NewRouter()
		r.Use(middleware.Recoverer)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, map[string]string{
				"status":    "OK",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
		})
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			recent, _ := jnl.Recent(10)
			writeJSON(w, map[string]any{
				"service":   "vanitylock",
				"version":   Version,
				"status":    "active",
				"endpoints": []string{"/health"},
				"cycles":    recent,
			})
		})

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.ListenPort),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		logger.Info("service started", "port", cfg.ListenPort, "guild", cfg.GuildID)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("shutting down", "signal", sig.String())
			stopLocker()
			<-lockerDone
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			stopLocker()
			<-lockerDone
			return err
		}
	},
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "vanitylock.toml", "Path to configuration file")
}
