// cmd/web/main.go
//
// flexcache HTTP entry point.
//
// Boot sequence
// -------------
//
//  1. Load env vars (host-wide file, then .env fallback).
//
//  2. Load config (conf/global.yaml plus FLEX_ overrides) and start the
//     daily rotating logger (tees to console when running in a TTY).
//
//  3. Resolve vault: references in secret config fields.
//
//  4. Build the cron scheduler, then load element definitions so every
//     schedule spec gets its last-change marker.
//
//  5. Build the URI locator chain: YAML definitions first, then the SQL
//     table when database.dsn is set.
//
//  6. Build the template producer and the cache system.
//
//  7. Connect redis when configured and subscribe to publish events.
//
//  8. Serve HTTP, warm the preload list, and wait for SIGINT or SIGTERM.
//
//  9. Shut down in reverse order: HTTP, subscriber, scheduler, cache.
//
// Large comment blocks are framed by blank "//" lines; inline comments use
// a single "//".
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yanizio/flexcache/internal/config"
	"github.com/yanizio/flexcache/internal/core"
	"github.com/yanizio/flexcache/internal/database"
	"github.com/yanizio/flexcache/internal/definition"
	"github.com/yanizio/flexcache/internal/element"
	"github.com/yanizio/flexcache/internal/logger"
	"github.com/yanizio/flexcache/internal/producer"
	"github.com/yanizio/flexcache/internal/publish"
	"github.com/yanizio/flexcache/internal/requestinfo"
	"github.com/yanizio/flexcache/internal/schedule"
	"github.com/yanizio/flexcache/internal/server"
	"github.com/yanizio/flexcache/internal/vault"
)

const serverEnvPath = "/usr/local/etc/flexcache/global.env"

// loadEnv prefers the host-wide env file; on dev it falls back to .env.
func loadEnv() {
	if _, err := os.Stat(serverEnvPath); err == nil {
		_ = godotenv.Load(serverEnvPath)
		return
	}
	_ = godotenv.Load()
}

// runningInTTY returns true when stdout is a character device.
func runningInTTY() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func init() { loadEnv() }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		zap.S().Errorw("flexcache stopped", "err", err)
		_ = zap.L().Sync()
		log.Fatalf("flexcache: %v", err)
	}
}

func run(ctx context.Context) error {
	//
	// ── 1.  Config and logger ───────────────────────────────────────────
	//
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logOut, err := logger.New(cfg.Log.Dir, cfg.Log.Level, runningInTTY())
	if err != nil {
		return err
	}
	defer func() { _ = logOut.Sync() }()

	//
	// ── 2.  Vault secrets ───────────────────────────────────────────────
	//
	if vault.NeedsVault(cfg.Secrets()...) {
		vc, err := vault.New(ctx)
		if err != nil {
			return err
		}
		if err := vc.ResolveAll(ctx, cfg.Secrets()...); err != nil {
			return err
		}
		logOut.Infow("vault secrets resolved")
	}

	//
	// ── 3.  Scheduler and definitions ───────────────────────────────────
	//
	loc := time.Local
	if cfg.Templates.Timezone != "" {
		if loc, err = time.LoadLocation(cfg.Templates.Timezone); err != nil {
			return err
		}
	}
	sched := schedule.New(loc)

	registry := definition.NewRegistry(sched)
	if err := registry.LoadDir(cfg.Templates.Definitions); err != nil {
		return err
	}
	logOut.Infow("definitions loaded",
		"elements", registry.Len(),
		"uris", len(registry.URIs()),
		"schedules", len(sched.Markers()))

	//
	// ── 4.  URI locator chain ───────────────────────────────────────────
	//
	chain := definition.Chain{registry}
	if cfg.Database.DSN != "" {
		db, err := database.Open(ctx, database.DSN(cfg.Database.DSN, cfg.Database.Password))
		if err != nil {
			return err
		}
		defer db.Close()
		chain = append(chain, definition.NewSQLLocator(db))
		logOut.Infow("sql uri locator online")
	}

	//
	// ── 5.  Producer and cache system ───────────────────────────────────
	//
	prod := producer.New(cfg.Templates.Dir, registry, nil, cfg.Cache.ElementCapacity)
	sys := core.New(core.Options{
		URICapacity:     cfg.Cache.URICapacity,
		ElementCapacity: cfg.Cache.ElementCapacity,
		VariantCapacity: cfg.Cache.VariantCapacity,
		MaxDepth:        cfg.Cache.MaxDepth,
		Producer:        prod,
		Locator:         chain,
	})

	//
	// ── 6.  Publish events ──────────────────────────────────────────────
	//
	var (
		rdb       *redis.Client
		broadcast func(context.Context, publish.Event) error
		subDone   chan error // nil blocks forever when redis is off
	)
	if cfg.Redis.Addr != "" {
		rdb, err = publish.Dial(ctx, publish.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		})
		if err != nil {
			return err
		}
		defer rdb.Close()

		broadcast = func(ctx context.Context, ev publish.Event) error {
			return publish.Publish(ctx, rdb, cfg.Redis.Channel, ev)
		}
		sub := publish.NewSubscriber(rdb, cfg.Redis.Channel, sys)
		subDone = make(chan error, 1)
		go func() { subDone <- sub.Run(ctx) }()
	}

	//
	// ── 7.  HTTP front ──────────────────────────────────────────────────
	//
	extractor := &requestinfo.Extractor{Project: cfg.Project}
	if cfg.Geo.DBPath != "" {
		geo, err := requestinfo.OpenGeo(cfg.Geo.DBPath)
		if err != nil {
			return err
		}
		defer geo.Close()
		extractor.Geo = geo
	}

	srv := server.New(cfg.HTTP.ListenAddr, server.Routes(server.Options{
		Cache:      sys,
		Extractor:  extractor,
		ForceHTTPS: cfg.HTTP.ForceHTTPS,
		AdminToken: cfg.HTTP.AdminToken,
		Broadcast:  broadcast,
	}), server.Timeouts{
		Read:  cfg.HTTP.ReadTimeout,
		Write: cfg.HTTP.WriteTimeout,
		Idle:  cfg.HTTP.IdleTimeout,
	})

	sched.Start()

	srvErr := make(chan error, 1)
	go func() {
		logOut.Infow("listening", "addr", cfg.HTTP.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	//
	// ── 8.  Warm ────────────────────────────────────────────────────────
	//
	go func() {
		_, _ = sys.Warm(ctx, preloadList(cfg.Cache.Preload, registry), element.Params{Project: cfg.Project}, cfg.Cache.WarmConcurrency)
	}()

	//
	// ── 9.  Wait and shut down ──────────────────────────────────────────
	//
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-srvErr:
	case runErr = <-subDone:
	}
	logOut.Infow("shutting down")

	shCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		logOut.Warnw("http shutdown", "err", err)
	}
	if err := sched.Stop(shCtx); err != nil {
		logOut.Warnw("scheduler stop", "err", err)
	}
	if err := sys.Shutdown(shCtx); err != nil {
		logOut.Warnw("cache shutdown", "err", err)
	}
	return runErr
}

// preloadList expands "*" to every path the definitions declare.
func preloadList(preload []string, defs interface{ URIs() []string }) []string {
	if !slices.Contains(preload, "*") {
		return preload
	}
	out := slices.DeleteFunc(slices.Clone(preload), func(s string) bool { return s == "*" })
	out = append(out, defs.URIs()...)
	slices.Sort(out)
	return slices.Compact(out)
}
