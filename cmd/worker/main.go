package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/tuplecache/backing"
	"github.com/briangreenhill/tuplecache/cache"
	"github.com/briangreenhill/tuplecache/internal/config"
	"github.com/briangreenhill/tuplecache/internal/jobs"
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

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(lvl)
	}

	adapter, cleanup, err := buildAdapter(context.Background(), cfg)
	if err != nil {
		log.Fatalf("store error: %v", err)
	}
	defer cleanup()

	c, err := buildCache(cfg, adapter, logger)
	if err != nil {
		log.Fatalf("cache error: %v", err)
	}

	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, asynq.Config{
		Concurrency:    8,
		StrictPriority: false,
		Queues: map[string]int{
			jobs.QueueMaintenance: 10, // sweeps outrank warms
			"default":             5,
		},
	})
	mux := asynq.NewServeMux()

	mux.HandleFunc(jobs.TaskSweep, func(ctx context.Context, t *asynq.Task) error {
		var p jobs.SweepPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			log.Printf("[asynq] bad sweep payload: %v", err)
			return err
		}
		start := time.Now()
		evicted, err := c.Sweep(ctx)
		if err != nil {
			log.Printf("[sweep] failed after %v: %v", time.Since(start), err)
			return err
		}
		log.Printf("[sweep] done evicted=%d duration=%v reason=%q", evicted, time.Since(start), p.Reason)
		return nil
	})

	mux.HandleFunc(jobs.TaskWarm, func(ctx context.Context, t *asynq.Task) error {
		var p jobs.WarmPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			log.Printf("[asynq] bad warm payload: %v", err)
			return err
		}
		start := time.Now()
		err := c.LoadAll(ctx, p.Keys, p.Replace)

		var bulk *cache.BulkError
		if errors.As(err, &bulk) {
			// The loader rejected these keys; retrying the whole batch will
			// not change its mind.
			log.Printf("[warm] request=%s partial: %d of %d keys failed (%v), duration=%v",
				p.RequestID, len(bulk.Failed), len(p.Keys), bulk.Failed, time.Since(start))
			return nil
		}
		if err != nil {
			log.Printf("[warm] request=%s failed duration=%v: %v", p.RequestID, time.Since(start), err)
			return err
		}
		log.Printf("[warm] request=%s done keys=%d duration=%v", p.RequestID, len(p.Keys), time.Since(start))
		return nil
	})

	if cfg.SweepInterval > 0 {
		go runScheduler(cfg)
	}

	log.Println("Worker running...")
	log.Fatal(srv.Run(mux))
}

// runScheduler re-enqueues the sweep task on the configured interval.
func runScheduler(cfg *config.Config) {
	scheduler := asynq.NewScheduler(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, nil)
	task, err := jobs.NewSweepTask("scheduled")
	if err != nil {
		log.Fatalf("scheduler: %v", err)
	}
	spec := fmt.Sprintf("@every %s", cfg.SweepInterval)
	if _, err := scheduler.Register(spec, task, asynq.Queue(jobs.QueueMaintenance)); err != nil {
		log.Fatalf("scheduler register: %v", err)
	}
	log.Printf("[scheduler] sweeping every %s", cfg.SweepInterval)
	log.Fatal(scheduler.Run())
}

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
		// A memory store in the worker evicts a region nobody else sees;
		// useful only for local smoke runs.
		return memstore.New(), func() {}, nil
	}
}

func buildCache(cfg *config.Config, adapter store.Adapter, logger zerolog.Logger) (*cache.Cache, error) {
	opts := []cache.Option{
		cache.WithPolicy(policyFor(cfg)),
		cache.WithMode(modeFor(cfg)),
		cache.WithPageSize(cfg.PageSize),
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
