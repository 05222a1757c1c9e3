// Command server is the per-user call agent: it runs the call machine
// against the configured relay and store and serves the local UI API.
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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/voicecall/internal/adapters/rtc"
	"github.com/dkeye/voicecall/internal/app/call"
	"github.com/dkeye/voicecall/internal/config"
	"github.com/dkeye/voicecall/internal/domain"
	api "github.com/dkeye/voicecall/internal/transport/http"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg)

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("agent stopped")
	}
	log.Info().Msg("Agent exited gracefully")
}

func setupLogging(cfg *config.Config) {
	if cfg.Mode == "release" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	me, err := domain.NewUser(cfg.UserID, cfg.DisplayName)
	if err != nil {
		return fmt.Errorf("user_id: %w", err)
	}

	b, err := openBackends(ctx, cfg, me.ID)
	if err != nil {
		return err
	}
	defer b.Close()

	media, err := rtc.NewFactory(cfg.Media.ICEServers)
	if err != nil {
		return err
	}

	feed := api.NewFeed(32)
	machine, err := call.NewMachine(call.Options{
		Self:           me.ID,
		SelfName:       me.DisplayName,
		Transport:      b.transport,
		Store:          b.store,
		Media:          media,
		Businesses:     b.businesses,
		OnStateChange:  feed.Publish,
		RingTimeout:    cfg.Call.RingTimeout,
		RejectWhenBusy: cfg.Call.RejectWhenBusy,
		TombstoneSize:  cfg.Call.TombstoneSize,
		TombstoneTTL:   cfg.Call.TombstoneTTL,
	})
	if err != nil {
		return err
	}

	inbound, err := b.transport.Subscribe(ctx, me.ID)
	if err != nil {
		return fmt.Errorf("subscribe to relay: %w", err)
	}
	router := call.NewRouter(me.ID, machine)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.SetupRouter(cfg.Mode, api.NewHandlers(machine, b.store, feed)),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := router.Run(ctx, inbound)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("relay subscription closed")
		}
		return err
	})
	g.Go(func() error {
		log.Info().Str("addr", addr).Str("user", string(me.ID)).Msg("Voice agent started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		machine.Close(shutdownCtx)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})
	return g.Wait()
}
