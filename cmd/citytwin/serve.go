package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/go-digitaltwin/citytwin"
	"github.com/go-digitaltwin/citytwin/api"
	"github.com/go-digitaltwin/citytwin/broadcast"
	"github.com/go-digitaltwin/citytwin/flush"
	"github.com/go-digitaltwin/citytwin/ingest"
	"github.com/go-digitaltwin/citytwin/internal/config"
	"github.com/go-digitaltwin/citytwin/neo4jgraph"
	"github.com/go-digitaltwin/citytwin/normalize"
	"github.com/go-digitaltwin/citytwin/redisstore"
	"github.com/go-digitaltwin/citytwin/snapshot"
	"github.com/go-digitaltwin/citytwin/statecache"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gocloud.dev/pubsub"
	"golang.org/x/sync/errgroup"

	// Drivers of the upstream log and the snapshot store.
	_ "gocloud.dev/docstore/memdocstore"
	_ "gocloud.dev/pubsub/kafkapubsub"
	_ "gocloud.dev/pubsub/mempubsub"
	_ "gocloud.dev/pubsub/natspubsub"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Consume telemetry and serve the city state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		ctx = component.InjectLogger(ctx, slog.Default().With(slog.String("city", cfg.City.ID)))
		return serve(ctx, cfg)
	},
}

// closers releases resources in reverse order of acquisition.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) close() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := component.Logger(ctx)
	var cleanup closers
	defer cleanup.close()

	cache := statecache.New(cfg.City.ID,
		citytwin.Metadata{Name: cfg.City.Name, Version: cfg.City.Version},
		statecache.WithDistrictNames(cfg.City.DistrictNames()),
	)

	store, err := snapshot.OpenStore(ctx, cfg.Snapshot.CollectionURL)
	if err != nil {
		return err
	}
	cleanup.add(func() { _ = store.Close() })

	sinks, loader, err := openSinks(ctx, cfg, &cleanup)
	if err != nil {
		return err
	}
	if loader == nil {
		loader = snapshotLoader{store}
	}
	if err := cache.Rehydrate(ctx, loader); err != nil {
		return fmt.Errorf("rehydrate state: %w", err)
	}

	snapshotOpts := []snapshot.Option{
		snapshot.WithThreshold(cfg.Snapshot.Threshold),
		snapshot.WithCheckInterval(cfg.Snapshot.CheckInterval),
		snapshot.WithMaxInterval(cfg.Snapshot.MaxInterval),
	}
	if cfg.Snapshot.NotifyURL != "" {
		topic, err := pubsub.OpenTopic(ctx, cfg.Snapshot.NotifyURL)
		if err != nil {
			return fmt.Errorf("open snapshot notification topic: %w", err)
		}
		cleanup.add(func() { _ = topic.Shutdown(context.Background()) })
		snapshotOpts = append(snapshotOpts, snapshot.WithNotifications(topic))
	}
	snapshots := snapshot.NewManager(cache, store, snapshotOpts...)

	flusher := flush.New(cache, cfg.Flush.Interval, sinks...)
	hub := broadcast.NewHub(cache,
		broadcast.WithInterval(cfg.Broadcast.Interval),
		broadcast.WithBufferSize(cfg.Broadcast.BufferSize),
	)

	sources, err := openSources(ctx, cfg.Ingest.Subscriptions, &cleanup)
	if err != nil {
		return err
	}
	normalizer := normalize.New(cfg.Ingest.Topics(),
		normalize.WithDefaultElevation(cfg.Ingest.DefaultElevation),
		normalize.WithLogger(component.Logger(ctx)),
	)
	loop := ingest.New(sources, normalizer, cache,
		ingest.WithBatching(cfg.Ingest.BatchWindow, cfg.Ingest.MaxBatch),
		ingest.WithLivenessInterval(cfg.Ingest.LivenessInterval),
		ingest.WithChangeRecorder(snapshots),
		ingest.WithAfterBatch(hub.NotifyDistricts),
	)

	server := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.New(cache,
			api.WithSnapshots(store),
			api.WithLiveness(loop.Health(), cfg.Ingest.MaxSilence),
			api.WithWebsocket(http.HandlerFunc(hub.ServeWS)),
			api.WithStats("cache", func() any { return cache.Stats() }),
			api.WithStats("ingest", func() any { return loop.Counters() }),
			api.WithStats("flush", func() any { return flusher.Stats() }),
			api.WithStats("snapshot", func() any { return snapshots.Stats() }),
			api.WithStats("broadcast", func() any { return hub.Stats() }),
		),
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Serving HTTP", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error { return flusher.Run(gctx) })
	g.Go(func() error { return snapshots.Run(gctx) })
	g.Go(func() error { return hub.Run(gctx) })
	if cfg.City.StateTTL > 0 {
		g.Go(func() error { return pruneStale(gctx, cache, cfg.City.StateTTL) })
	}
	g.Go(func() error {
		select {
		case err := <-serverErr:
			return fmt.Errorf("serve http: %w", err)
		case <-gctx.Done():
			return nil
		}
	})
	logger.Info("City twin started", slog.Int("subscriptions", len(sources)), slog.Int("sinks", len(sinks)))
	runErr := g.Wait()
	if runErr != nil {
		logger.Error("Shutting down after a failure", slog.Any("error", runErr))
	} else {
		logger.Info("Shutting down")
	}

	// Ingestion has stopped: the final flush stores every applied update.
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Flush.Timeout)
	defer cancel()
	if err := flusher.Flush(flushCtx); err != nil {
		logger.Error("Failed the final flush", slog.Any("error", err))
	}

	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down the HTTP server", slog.Any("error", err))
	}
	return runErr
}

// openSinks opens the configured flush sinks. The Redis sink doubles as the
// loader rehydrating the cache.
func openSinks(ctx context.Context, cfg *config.Config, cleanup *closers) ([]flush.Sink, statecache.Loader, error) {
	var sinks []flush.Sink
	var loader statecache.Loader

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		cleanup.add(func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		rs := redisstore.New(client, cfg.Redis.Prefix)
		sinks = append(sinks, rs)
		loader = rs
	}

	if cfg.Neo4j.URI != "" {
		driver, err := neo4j.NewDriverWithContext(cfg.Neo4j.URI, neo4j.BasicAuth(cfg.Neo4j.Username, cfg.Neo4j.Password, ""))
		if err != nil {
			return nil, nil, fmt.Errorf("create neo4j driver: %w", err)
		}
		cleanup.add(func() { _ = driver.Close(context.Background()) })
		if err := driver.VerifyConnectivity(ctx); err != nil {
			return nil, nil, fmt.Errorf("connect to neo4j: %w", err)
		}
		if err := neo4jgraph.BootstrapDatabase(ctx, driver, cfg.Neo4j.Database); err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, neo4jgraph.NewMirror(driver, cfg.Neo4j.Database))
	}
	return sinks, loader, nil
}

// openSources opens a subscription per configured topic. In-memory
// subscriptions need their topic opened in the same process first.
func openSources(ctx context.Context, subs []config.SubscriptionConfig, cleanup *closers) ([]ingest.Source, error) {
	var sources []ingest.Source
	for _, s := range subs {
		if strings.HasPrefix(s.URL, "mem://") {
			topic, err := pubsub.OpenTopic(ctx, s.URL)
			if err != nil {
				return nil, fmt.Errorf("open in-memory topic %s: %w", s.Topic, err)
			}
			cleanup.add(func() { _ = topic.Shutdown(context.Background()) })
		}
		sub, err := pubsub.OpenSubscription(ctx, s.URL)
		if err != nil {
			return nil, fmt.Errorf("open subscription to %s: %w", s.Topic, err)
		}
		cleanup.add(func() { _ = sub.Shutdown(context.Background()) })
		sources = append(sources, ingest.Source{Topic: s.Topic, Subscription: sub})
	}
	return sources, nil
}

// snapshotLoader rehydrates the cache from the latest snapshot when no Redis
// sink is configured.
type snapshotLoader struct {
	store *snapshot.Store
}

func (l snapshotLoader) Load(ctx context.Context) (*citytwin.City, error) {
	doc, err := l.store.Latest(ctx)
	if errors.Is(err, snapshot.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.City()
}

// pruneStale drops vehicles not heard from within ttl, checking every tenth
// of the ttl.
func pruneStale(ctx context.Context, cache *statecache.Cache, ttl time.Duration) error {
	logger := component.Logger(ctx).With(slog.Duration("ttl", ttl))
	ticker := time.NewTicker(max(ttl/10, time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if pruned := cache.PruneStale(now.Add(-ttl)); len(pruned) > 0 {
				logger.Info("Pruned stale vehicles", slog.Int("count", len(pruned)))
			}
		}
	}
}
