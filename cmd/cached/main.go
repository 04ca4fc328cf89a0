// cmd/cached/main.go
package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/tuplecache/backing"
	"github.com/briangreenhill/tuplecache/cache"
	"github.com/briangreenhill/tuplecache/internal/config"
	"github.com/briangreenhill/tuplecache/internal/http/routes"
	"github.com/briangreenhill/tuplecache/store"
	"github.com/briangreenhill/tuplecache/store/memstore"
	"github.com/briangreenhill/tuplecache/store/pgstore"
	"github.com/briangreenhill/tuplecache/store/redistore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(lvl)
	}
	log.Printf("starting cached on :%s (store=%s mode=%s)", cfg.Port, cfg.Store, cfg.Mode)

	// Store adapter
	adapter, cleanup, err := buildAdapter(context.Background(), cfg)
	if err != nil {
		log.Fatalf("store error: %v", err)
	}
	defer cleanup()

	// Cache
	c, err := buildCache(cfg, adapter, logger)
	if err != nil {
		log.Fatalf("cache error: %v", err)
	}

	// Task queue client for sweep/load endpoints
	queue := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if closeErr := queue.Close(); closeErr != nil {
			log.Printf("Error closing asynq client: %v", closeErr)
		}
	}()

	// Router / server
	s := routes.New(routes.ServerOptions{
		Cache:    c,
		Queue:    queue,
		APIToken: cfg.APIToken,
	})
	h := hlog.NewHandler(logger)(s.Router)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: h}
	log.Fatal(srv.ListenAndServe())
}

// buildAdapter constructs the configured store backend. The returned cleanup
// closes whatever connection the backend holds.
func buildAdapter(ctx context.Context, cfg *config.Config) (store.Adapter, func(), error) {
	switch cfg.Store {
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		pg, err := pgstore.New(pool, cfg.PGTable)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return pg, pool.Close, nil
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return redistore.New(client, cfg.RedisPrefix), func() { _ = client.Close() }, nil
	default:
		return memstore.New(), func() {}, nil
	}
}

// buildCache assembles the facade from config: policy, mode, backing store
// and an event fanout that mirrors every mutation into the debug log.
func buildCache(cfg *config.Config, adapter store.Adapter, logger zerolog.Logger) (*cache.Cache, error) {
	fan := cache.NewFanout()
	fan.Subscribe(cache.SinkFunc(func(e cache.Event) {
		logger.Debug().Str("kind", e.Kind.String()).Str("key", e.Key).Msg("cache event")
	}))

	opts := []cache.Option{
		cache.WithPolicy(policyFor(cfg)),
		cache.WithMode(modeFor(cfg)),
		cache.WithPageSize(cfg.PageSize),
		cache.WithSink(fan),
		cache.WithLogger(logger),
	}

	if cfg.HasBacking() {
		var bopts []backing.Option
		if cfg.Backing.APIKey != "" {
			bopts = append(bopts, backing.WithAPIKey(cfg.Backing.APIKey))
		}
		if cfg.Backing.HasOAuth() {
			bopts = append(bopts, backing.WithClientCredentials(
				cfg.Backing.ClientID, cfg.Backing.ClientSecret, cfg.Backing.TokenURL))
		}
		sor, err := backing.NewHTTPStore(cfg.Backing.URL, bopts...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, cache.WithBacking(sor))
	}

	return cache.New(adapter, opts...), nil
}

func policyFor(cfg *config.Config) cache.Policy {
	switch cfg.Policy {
	case config.PolicyCreated:
		return cache.CreatedTTL{TTL: cfg.TTL}
	case config.PolicyAccessed:
		return cache.AccessedTTL{TTL: cfg.TTL}
	case config.PolicyModified:
		return cache.ModifiedTTL{TTL: cfg.TTL}
	case config.PolicyTouched:
		return cache.TouchedTTL{TTL: cfg.TTL}
	default:
		return cache.EternalPolicy{}
	}
}

func modeFor(cfg *config.Config) cache.Mode {
	if cfg.Mode == config.ModePessimistic {
		return cache.Pessimistic
	}
	return cache.Optimistic
}
