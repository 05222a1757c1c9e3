package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicecall/internal/adapters/relay"
	"github.com/dkeye/voicecall/internal/adapters/store"
	"github.com/dkeye/voicecall/internal/config"
	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
)

type backends struct {
	transport  core.SignalTransport
	store      core.CallStore
	businesses core.BusinessResolver
	closers    []func()
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackends(ctx context.Context, cfg *config.Config, self domain.UserID) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	var pool *pgxpool.Pool
	postgres := func() (*pgxpool.Pool, error) {
		if pool != nil {
			return pool, nil
		}
		p, err := store.OpenPool(ctx, cfg.PostgresDSN())
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		pool = p
		b.closers = append(b.closers, p.Close)
		return p, nil
	}

	switch cfg.Store.Backend {
	case "memory":
		m := store.NewMemory()
		b.store, b.businesses = m, m
	case "sqlite":
		s, err := store.OpenSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		b.closers = append(b.closers, func() { _ = s.Close() })
		b.store, b.businesses = s, s
	case "postgres":
		p, err := postgres()
		if err != nil {
			return nil, err
		}
		s := store.NewPostgres(p)
		if err := s.Migrate(ctx); err != nil {
			return nil, err
		}
		b.store, b.businesses = s, s
	}

	switch cfg.Relay.Backend {
	case "memory":
		log.Warn().Str("module", "main").Msg("memory relay only reaches this process")
		b.transport = relay.NewMemory()
	case "redis":
		r, err := relay.OpenRedis(ctx, relay.RedisConfig{
			Addr:   cfg.Relay.RedisAddr,
			MaxLen: cfg.Relay.StreamMaxLen,
			Replay: cfg.Relay.ReplayWindow,
		})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = r.Close() })
		b.transport = r
	case "postgres":
		p, err := postgres()
		if err != nil {
			return nil, err
		}
		r := relay.NewPostgres(p).WithReplay(cfg.Relay.ReplayWindow)
		if err := r.Migrate(ctx); err != nil {
			return nil, err
		}
		b.transport = r
	case "ws":
		w := relay.NewWS(cfg.Relay.URL, self)
		b.closers = append(b.closers, func() { _ = w.Close() })
		b.transport = w
	}

	log.Info().Str("module", "main").
		Str("relay", cfg.Relay.Backend).
		Str("store", cfg.Store.Backend).
		Msg("backends ready")
	return b, nil
}
