package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/speaker-gateway/internal/callcontrol"
	"github.com/lexiqai/speaker-gateway/internal/config"
	"github.com/lexiqai/speaker-gateway/internal/observability"
	"github.com/lexiqai/speaker-gateway/internal/pipeline"
	"github.com/lexiqai/speaker-gateway/internal/relay"
	"github.com/lexiqai/speaker-gateway/internal/stt"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var live bool

	cmd := &cobra.Command{
		Use:   "speaker-gateway [recording]",
		Short: "Resolve speaker names from self-introductions in diarized transcripts",
		Long: `With no arguments speaker-gateway serves the relay listener and the HTTP API.
--live also transcribes the default microphone until interrupted.
Given a file it runs a single session and prints a summary: .jsonl/.ndjson
files are replayed as relay messages, anything else is sent to the speech
backend as audio.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if live && len(args) > 0 {
				return errors.New("--live cannot be combined with a recording")
			}

			cfg, err := config.Load()
			if err != nil {
				// Logger is not initialized yet
				fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
				return err
			}
			observability.InitLogger(cfg.LogLevel, cfg.LogPretty)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if len(args) == 1 {
				return runFile(ctx, cmd, cfg, args[0])
			}
			return runServer(ctx, cfg, live)
		},
	}
	cmd.Flags().BoolVar(&live, "live", false, "also transcribe the default microphone")
	return cmd
}

func runFile(ctx context.Context, cmd *cobra.Command, cfg *config.Config, path string) error {
	logger := observability.GetLogger()
	runner := pipeline.NewRunner(stt.NewDeepgramBackend(cfg), cfg, nil)

	summary, err := runner.RunFile(ctx, path, pipeline.NewConsoleTranscript(cmd.OutOrStdout()))
	if summary.SessionID != "" {
		printSummary(cmd.OutOrStdout(), summary)
	}
	if err != nil {
		logger.Error().Err(err).Str("file", path).Msg("Session failed")
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
		return err
	}
	return nil
}

func runServer(ctx context.Context, cfg *config.Config, live bool) error {
	logger := observability.GetLogger()

	calls, err := callcontrol.NewClient(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create call control client")
		return err
	}
	backend := stt.NewDeepgramBackend(cfg)
	hub := relay.NewHub(cfg.SessionEventBuffer)
	runner := pipeline.NewRunner(backend, cfg, hub)

	listener := relay.NewListener(ctx, hub, cfg.SessionEventBuffer, logSummary)

	router := newRouter(routerDeps{
		config:      cfg,
		listener:    listener,
		hub:         hub,
		transcriber: runner,
		calls:       calls,
		readiness: map[string]observability.HealthCheckFunc{
			"speech_backend": backend.HealthCheck,
			"call_control":   calls.HealthCheck,
		},
	})

	logger.Info().
		Str("port", cfg.Port).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Bool("live", live).
		Msg("Speaker gateway starting")

	// No WriteTimeout: websocket connections and transcriptions outlive it
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s%s", cfg.Port, relayPath)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if live {
		g.Go(func() error {
			summary, err := runner.RunLive(gctx)
			if summary.SessionID != "" {
				logSummary(summary)
			}
			return err
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Speaker gateway stopped with error")
		return err
	}
	logger.Info().Msg("Server exited gracefully")
	return nil
}
