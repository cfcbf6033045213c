package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sanchitmoh/DOCDUMP-sub002/internal/api"
	"github.com/sanchitmoh/DOCDUMP-sub002/internal/config"
	"github.com/sanchitmoh/DOCDUMP-sub002/internal/dispatch"
	"github.com/sanchitmoh/DOCDUMP-sub002/internal/handlers"
	"github.com/sanchitmoh/DOCDUMP-sub002/internal/metrics"
	"github.com/sanchitmoh/DOCDUMP-sub002/internal/providers"
	"github.com/sanchitmoh/DOCDUMP-sub002/internal/queue"
	"github.com/sanchitmoh/DOCDUMP-sub002/internal/record"
	"github.com/sanchitmoh/DOCDUMP-sub002/internal/scheduler"
)

func serveCmd() *cobra.Command {
	var (
		addr    string
		debug   bool
		workers int
	)

	c := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher, retry promoter, sync scheduler, and admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(debug)

			cfg := config.FromEnv()
			if addr != "" {
				cfg.ListenAddr = addr
			}
			if workers > 0 {
				cfg.MaxConcurrentJobs = workers
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			store, err := queue.NewRedisStore(ctx, queue.RedisConfig{
				Addr:        cfg.RedisAddr,
				DB:          cfg.RedisDB,
				Password:    cfg.RedisPassword,
				Username:    cfg.RedisUsername,
				PoolSize:    cfg.RedisPoolSize,
				PingTimeout: cfg.RedisPingTimeout,
			}, log.Logger)
			if err != nil {
				return err
			}
			defer store.Close()

			var rec record.Store = record.Noop{}
			if cfg.PostgresDSN != "" {
				pg, err := record.NewPostgres(ctx, cfg.PostgresDSN)
				if err != nil {
					return err
				}
				defer pg.Close()
				if err := pg.EnsureSchema(ctx); err != nil {
					return err
				}
				rec = pg
			} else {
				log.Warn().Msg("no POSTGRES_DSN configured, terminal job status will not be persisted")
			}

			registry := handlers.Registry(handlers.Deps{
				Extractor:  providers.NewExtractor(cfg.ExtractorURL),
				Replicator: providers.NewReplicator(cfg.StorageURL),
				Index:      providers.NewIndex(cfg.SearchURL),
				Queue:      store,
				Record:     rec,
				Log:        log.Logger,
			})

			coll := metrics.NewCollector()
			dispatcher := dispatch.New(*cfg, store, rec, registry, coll, log.Logger)
			if err := dispatcher.Start(ctx); err != nil {
				return err
			}

			sched, err := scheduler.New(cfg.SyncSchedule, dispatcher, log.Logger)
			if err != nil {
				return err
			}
			sched.Start()

			srv := &http.Server{
				Addr:    cfg.ListenAddr,
				Handler: api.NewServer(dispatcher, store, log.Logger),
			}
			go func() {
				log.Info().Str("addr", cfg.ListenAddr).Msg("admin API listening")
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("admin API server")
				}
			}()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			log.Info().Msg("shutting down")

			sched.Stop()
			if err := dispatcher.Stop(); err != nil {
				log.Warn().Err(err).Msg("dispatcher shutdown")
			}

			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancelShutdown()
			return srv.Shutdown(shutdownCtx)
		},
	}

	c.Flags().StringVar(&addr, "addr", "", "admin API bind address (overrides LISTEN_ADDR)")
	c.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	c.Flags().IntVar(&workers, "workers", 0, "max concurrent jobs (overrides MAX_CONCURRENT_JOBS)")
	return c
}
