package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/park285/meet-signaling/internal/acl"
	"github.com/park285/meet-signaling/internal/authclient"
	appcfg "github.com/park285/meet-signaling/internal/config"
	"github.com/park285/meet-signaling/internal/entities"
	"github.com/park285/meet-signaling/internal/exchange"
	"github.com/park285/meet-signaling/internal/lifecycle"
	"github.com/park285/meet-signaling/internal/lock"
	"github.com/park285/meet-signaling/internal/metrics"
	"github.com/park285/meet-signaling/internal/module"
	"github.com/park285/meet-signaling/internal/modules/chat"
	"github.com/park285/meet-signaling/internal/modules/media"
	"github.com/park285/meet-signaling/internal/modules/moderation"
	"github.com/park285/meet-signaling/internal/msgcat"
	"github.com/park285/meet-signaling/internal/obslog"
	"github.com/park285/meet-signaling/internal/redisx"
	"github.com/park285/meet-signaling/internal/roomstate"
	"github.com/park285/meet-signaling/internal/runner"
	"github.com/park285/meet-signaling/internal/transport/ws"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.Init(cfg.LogOptions()); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.L()
	defer func() { _ = logger.Sync() }()

	if err := run(cfg); err != nil {
		logger.Fatal("signaling_exit", zap.Error(err))
	}
}

func run(cfg *appcfg.AppConfig) error {
	logger := obslog.L()
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := metrics.Setup(sigCtx, cfg.MetricsOptions())
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(sctx); err != nil {
			logger.Warn("metrics_shutdown_failed", zap.Error(err))
		}
	}()
	m, err := metrics.New(nil)
	if err != nil {
		return err
	}
	catalog, err := msgcat.New(cfg.MessageDir)
	if err != nil {
		return err
	}

	rdb, err := redisx.Connect(sigCtx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer rdb.Close()

	var (
		rooms   roomstate.Source
		aclRepo acl.Repository
	)
	if cfg.DatabaseURL != "" {
		pg, err := entities.OpenPostgres(sigCtx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		repo, err := acl.NewPostgresRepository(sigCtx, pg.DB())
		if err != nil {
			return err
		}
		rooms, aclRepo = pg, repo
	} else {
		logger.Warn("database_url_empty_using_memory")
		rooms, aclRepo = entities.NewMemoryRepository(), acl.NewMemoryRepository()
	}

	aclSync := acl.NewSync(rdb, aclRepo, acl.NewCache(), acl.SyncOptions{
		ReloadInterval: cfg.ACLReloadInterval,
		Node:           cfg.NodeName,
		Metrics:        m,
	})
	if err := aclSync.Init(sigCtx); err != nil {
		return err
	}

	store := roomstate.NewStore(rdb, m)
	locker := lock.New(rdb, lock.WithAttempts(cfg.LockRetries), lock.WithMetrics(m))
	ex := exchange.New(rdb)
	registry, err := module.NewRegistry(
		moderation.New(aclSync),
		chat.New(),
		media.New(store),
	)
	if err != nil {
		return err
	}

	sup := lifecycle.New(locker, store, registry, ex, lifecycle.Options{
		Grace:   cfg.GracePeriod,
		LockTTL: cfg.LockTTL,
		Metrics: m,
	})

	// runners outlive the signal context so they can leave cleanly
	runnerCtx, stopRunners := context.WithCancel(context.Background())
	defer stopRunners()

	handler := ws.NewHandler(runnerCtx, authclient.New(cfg.AuthBaseURL), runner.Deps{
		Store:       store,
		Bootstrap:   roomstate.NewBootstrapper(store, locker, rooms, cfg.LockTTL),
		Exchange:    ex,
		Modules:     registry,
		Access:      aclSync,
		Lifecycle:   sup,
		Metrics:     m,
		Catalog:     catalog,
		JoinTimeout: cfg.JoinTimeout,
	}, ws.Options{PingInterval: cfg.PingInterval, ReadLimit: cfg.ReadLimit})

	mux := http.NewServeMux()
	mux.Handle("/signaling", handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error { return sup.Run(gctx) })
	g.Go(func() error { return aclSync.Run(gctx) })
	g.Go(func() error {
		logger.Info("signaling_listen", zap.String("addr", cfg.ListenAddr), zap.String("node", cfg.NodeName))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("signaling_shutdown", zap.Int("active_runners", handler.Active()))
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
		// websocket connections are hijacked; end them explicitly. The
		// supervisor is already in shutdown mode and destroys emptied rooms
		// without waiting for the grace period.
		stopRunners()
		if err := handler.Wait(sctx); err != nil {
			logger.Warn("runner_drain_timeout", zap.Error(err))
		}
		sup.Close()
		return nil
	})
	return g.Wait()
}
