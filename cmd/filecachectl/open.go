package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/unkn0wn-root/filecache"
	"github.com/unkn0wn-root/filecache/genstore"
	asynchook "github.com/unkn0wn-root/filecache/hooks/async"
	"github.com/unkn0wn-root/filecache/hot"
	"github.com/unkn0wn-root/filecache/internal/config"
	filelogrus "github.com/unkn0wn-root/filecache/log/logrus"
	"github.com/unkn0wn-root/filecache/provider"
	"github.com/unkn0wn-root/filecache/provider/bigcache"
	redisprovider "github.com/unkn0wn-root/filecache/provider/redis"
	"github.com/unkn0wn-root/filecache/provider/ristretto"
	"github.com/unkn0wn-root/filecache/sloghooks"
)

const hotCallTimeout = 2 * time.Second

// open builds the store. Long-running commands get the janitor and hooks
// delivered off the hot path; one-shot commands call hooks inline.
func (a *app) open(longRunning bool) error {
	logger := filelogrus.LogrusLogger{E: logrus.NewEntry(a.log).WithField("component", "filecache")}

	// hook events share the logrus output, as JSON
	rawHooks := sloghooks.New(
		slog.New(slog.NewJSONHandler(a.log.Out, &slog.HandlerOptions{Level: slogLevel(a.log.GetLevel())})),
		sloghooks.Options{CorruptEvery: 10},
	)

	opts := filecache.Options{
		Directory:    a.cfg.Directory,
		Namespace:    a.cfg.Namespace,
		Logger:       logger,
		Hooks:        rawHooks,
		MaxEntrySize: a.cfg.MaxEntrySize,
	}

	var async *asynchook.Hooks
	if longRunning {
		async = asynchook.New(rawHooks, 1, 1024)
		opts.Hooks = async
		opts.PruneInterval = a.cfg.PruneInterval
	}

	hc, err := newHotCache(a.cfg, logger)
	if err != nil {
		return err
	}
	if hc != nil {
		opts.Invalidator = hc
	}

	s, err := filecache.New(opts)
	if err != nil {
		if hc != nil {
			_ = hc.Close(context.Background())
		}
		return err
	}
	a.store = s
	a.close = func(ctx context.Context) error {
		err := s.Close(ctx) // closes hc as well
		if async != nil {
			async.Close()
		}
		return err
	}
	return nil
}

func newHotCache(cfg *config.Config, logger filecache.Logger) (*hot.Cache, error) {
	hc := cfg.Hot
	if hc.Provider == "" {
		return nil, nil
	}

	var (
		p   provider.Provider
		rdb goredis.UniversalClient
		err error
	)
	redisClient := func() goredis.UniversalClient {
		if rdb == nil {
			rdb = goredis.NewClient(&goredis.Options{Addr: hc.RedisAddr, DB: hc.RedisDB})
		}
		return rdb
	}

	maxCost := hc.MaxCostMB << 20
	switch hc.Provider {
	case "map":
		p = provider.NewMap()
	case "ristretto":
		p, err = ristretto.New(ristretto.Config{
			NumCounters: max(maxCost>>10, 1<<10), // ~1 KiB average entry, 10x counters per ristretto docs
			MaxCost:     maxCost,
			BufferItems: 64,
		})
	case "bigcache":
		p, err = bigcache.New(bigcache.Config{
			LifeWindow:         hc.TTL,
			HardMaxCacheSizeMB: int(hc.MaxCostMB),
		})
	case "redis":
		p, err = redisprovider.New(redisprovider.Config{Client: redisClient(), CloseClient: true})
	default:
		return nil, fmt.Errorf("unknown hot provider %q", hc.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("hot provider %s: %w", hc.Provider, err)
	}

	var gens genstore.GenStore
	if hc.SharedGens {
		gens = genstore.NewRedisGenStoreWithTTL(redisClient(), cfg.Namespace, hc.TTL)
	}

	c := hot.New(hot.Options{
		Provider: p,
		GenStore: gens,
		TTL:      hc.TTL,
		Timeout:  hotCallTimeout,
		Logger:   logger,
	})
	if rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), hotCallTimeout)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, errors.Join(fmt.Errorf("hot cache redis %s: %w", hc.RedisAddr, err), c.Close(context.Background()))
		}
	}
	return c, nil
}
