package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	router "github.com/dkeye/Huddle/internal/adapters/http"
	"github.com/dkeye/Huddle/internal/adapters/rtc"
	sig "github.com/dkeye/Huddle/internal/adapters/signal"
	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/app/orch"
	"github.com/dkeye/Huddle/internal/config"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("huddle exited")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configEnv string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the signaling server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configEnv)
		},
	}

	root := &cobra.Command{
		Use:           "huddle",
		Short:         "Room signaling and media server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serveCmd.RunE,
	}
	root.PersistentFlags().StringVar(&configEnv, "config-env", "", "loads config/config.<env>.yaml (defaults to $CONFIG_ENV, then dev)")

	root.AddCommand(serveCmd, &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return root
}

// setupLogger configures the global zerolog logger. Console output always;
// a rotating file as well when one is configured.
func setupLogger(cfg config.LogConfig) zerolog.Level {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if cfg.File != "" {
		out = zerolog.MultiLevelWriter(out, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		})
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return level
}

func serve(ctx context.Context, configEnv string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(configEnv)
	if err != nil {
		return err
	}
	level := setupLogger(cfg.Log)

	worker, err := rtc.NewWorker(rtc.Config{
		MinPort:     cfg.Media.RTCMinPort,
		MaxPort:     cfg.Media.RTCMaxPort,
		ListenIP:    cfg.Media.ListenIP,
		AnnouncedIP: cfg.Media.AnnouncedIP,
		ICEServers:  cfg.Media.ICEServers,
		LogLevel:    level,
	})
	if err != nil {
		return fmt.Errorf("start media worker: %w", err)
	}
	defer worker.Close()

	o := orch.New(worker, domain.DefaultMediaCodecs(), core.AudioLevelObserverOptions{
		MaxEntries: cfg.Observer.MaxEntries,
		Threshold:  cfg.Observer.Threshold,
		Interval:   cfg.Observer.Interval,
	}, app.SimplePolicy{})

	ctl := sig.NewSignalWSController(o, sig.NewJoinRateLimiter(cfg.Admission.JoinLimit, cfg.Admission.JoinInterval), sig.Options{
		ReadLimit:    cfg.Server.ReadLimit,
		PingPeriod:   cfg.Server.PingPeriod,
		WriteTimeout: cfg.Server.WriteTimeout,
		SendBuffer:   cfg.Server.SendBuffer,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router.SetupRouter(ctx, cfg.Server, ctl),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("module", "main").Str("addr", addr).Str("version", version).Msg("huddle server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case err := <-worker.Died():
			log.Error().Str("module", "main").Err(err).Msg("media worker died")
			return err
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Str("module", "main").Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Str("module", "main").Err(err).Msg("server forced to shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Str("module", "main").Msg("server exited gracefully")
	return nil
}
