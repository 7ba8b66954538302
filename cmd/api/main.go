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

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/settleops/internal/api"
	"github.com/punchamoorthee/settleops/internal/config"
	"github.com/punchamoorthee/settleops/internal/export"
	"github.com/punchamoorthee/settleops/internal/fxrate"
	"github.com/punchamoorthee/settleops/internal/integration"
	"github.com/punchamoorthee/settleops/internal/jobs"
	"github.com/punchamoorthee/settleops/internal/ledger"
	"github.com/punchamoorthee/settleops/internal/logger"
	"github.com/punchamoorthee/settleops/internal/notify"
	"github.com/punchamoorthee/settleops/internal/rails/chain"
	"github.com/punchamoorthee/settleops/internal/scheduler"
	"github.com/punchamoorthee/settleops/internal/service"
	"github.com/punchamoorthee/settleops/internal/store"
	"github.com/punchamoorthee/settleops/internal/store/memstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	log.Info("store ready", zap.String("driver", cfg.StoreDriver))

	// Initialize Layers
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	breakers := integration.NewBreakers(integration.BreakerConfig{
		Threshold:    cfg.BreakerThreshold,
		ResetTimeout: cfg.BreakerResetTimeout,
	}, log)
	calls := integration.NewHandler(breakers, cfg.HTTPTimeout, log)

	var notifier notify.Notifier = notify.Nop{}
	if cfg.NotifyURL != "" {
		wh, err := notify.NewWebhook(cfg.NotifyURL, httpClient, calls, log, 0)
		if err != nil {
			return err
		}
		wh.Start()
		defer wh.Stop()
		notifier = wh
	}

	var processor *export.Processor
	if cfg.ExportURL != "" {
		processor = export.NewProcessor(st, export.NewClient(cfg.ExportURL, cfg.ExportAPIKey, httpClient), calls, log)
	}

	var fx *fxrate.Service
	if cfg.ExchangeRateURL != "" {
		client, err := fxrate.NewClient(cfg.ExchangeRateURL, httpClient, calls)
		if err != nil {
			return err
		}
		var cache fxrate.Cache
		if cfg.RedisAddr != "" {
			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
			defer rdb.Close()
			if err := rdb.Ping(ctx).Err(); err != nil {
				log.Warn("redis unavailable, quotes will not be cached", zap.Error(err))
			}
			cache = fxrate.NewRedisCache(rdb, cfg.ExchangeRateCacheTTL)
		}
		fx = fxrate.NewService(client, cache, log)
	}

	var confirmer *chain.Confirmer
	if cfg.ChainMerchantAccount != "" {
		if fx == nil {
			log.Warn("chain confirmations need EXCHANGE_RATE_URL, chain rail disabled")
		} else {
			mirror, err := chain.NewMirror(cfg.ChainMirrorURL, httpClient, calls)
			if err != nil {
				return err
			}
			confirmer = chain.NewConfirmer(mirror, fx, st, cfg.ChainMerchantAccount)
		}
	}

	confirmations := service.NewConfirmationService(st, ledger.NewPoster(log), notifier, log, service.Options{
		SyncEnabled: cfg.SyncEnabled,
	})

	sched := scheduler.New(scheduler.NewRunner(log), log, jobs.All(jobs.Config{
		ExpiryInterval:    cfg.Jobs.ExpiryInterval,
		ExpiryEnabled:     cfg.Jobs.ExpiryEnabled,
		SyncInterval:      cfg.Jobs.SyncInterval,
		SyncEnabled:       cfg.Jobs.SyncEnabled,
		ReconcileInterval: cfg.Jobs.ReconcileInterval,
		ReconcileEnabled:  cfg.Jobs.ReconcileEnabled,
	}, st, processor, log)...)

	handler := api.NewHandler(api.Deps{
		Store:             st,
		Confirmations:     confirmations,
		Chain:             confirmer,
		FX:                fx,
		Scheduler:         sched,
		Breakers:          breakers,
		CardWebhookSecret: cfg.CardWebhookSecret,
		Log:               log,
	})

	// Router
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	handler.Register(r)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sched.Start(gctx)
		<-gctx.Done()
		sched.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.StoreDriver == config.DriverMemory {
		return memstore.New(), nil
	}
	pg, err := store.NewPostgres(ctx, cfg.DBSource, cfg.DBMaxConns)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	return pg, nil
}
