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

	"github.com/rs/zerolog/log"

	"github.com/local/convertqueue/internal/api"
	cfgpkg "github.com/local/convertqueue/internal/config"
	"github.com/local/convertqueue/internal/converter"
	"github.com/local/convertqueue/internal/dispatcher"
	"github.com/local/convertqueue/internal/limiter"
	logpkg "github.com/local/convertqueue/internal/logger"
	mpkg "github.com/local/convertqueue/internal/metrics"
	"github.com/local/convertqueue/internal/queue"
	"github.com/local/convertqueue/internal/status"
	"github.com/local/convertqueue/internal/statuscheck"
	"github.com/local/convertqueue/internal/storage"
	"github.com/local/convertqueue/internal/submission"
	"github.com/local/convertqueue/internal/tools"
)

func main() {
	cfg := cfgpkg.Load()

	// Init logging
	_ = logpkg.Init(logpkg.Options{
		Level:        cfg.Logging.Level,
		Pretty:       cfg.Logging.Pretty,
		File:         cfg.Logging.File,
		MaxSizeMB:    cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAgeDays:   cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
		SendToAxiom:  cfg.Axiom.Send && cfg.Axiom.APIKey != "",
		AxiomAPIKey:  cfg.Axiom.APIKey,
		AxiomOrgID:   cfg.Axiom.OrgID,
		AxiomDataset: cfg.Axiom.Dataset,
		AxiomFlush:   cfg.Axiom.FlushInterval,
	})
	defer logpkg.Close()
	mpkg.Init()

	// Queue
	rq, err := queue.NewRedisQueue(queue.Options{
		RedisURL:      cfg.Queue.RedisURL,
		Namespace:     cfg.Queue.Namespace,
		Stream:        cfg.Queue.Stream,
		Group:         cfg.Queue.Group,
		Lease:         cfg.Queue.Lease,
		MaxDeliveries: cfg.Queue.MaxDeliveries,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer rq.Close()

	// Storage, optionally mirrored to S3
	var mirror storage.Mirror
	var bucket statuscheck.BucketChecker
	if cfg.Storage.S3Bucket != "" {
		s3m, err := storage.NewS3Mirror(context.Background(), cfg.Storage.S3Bucket, cfg.Storage.S3Prefix)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to init S3 mirror")
		}
		mirror, bucket = s3m, s3m
		log.Info().Str("bucket", cfg.Storage.S3Bucket).Msg("Mirroring outputs to S3")
	}
	layout, err := storage.NewLayout(cfg.Storage.InputDir, cfg.Storage.OutputDir, cfg.Storage.WorkDir, mirror)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init storage layout")
	}

	// Tools
	bin := converter.Binaries(cfg.Binaries)
	slots := limiter.New(limiter.Options{
		MaxInflight: cfg.Worker.BinaryMaxInflight,
		Limits:      cfg.Worker.BinaryLimits,
	})
	tc := converter.NewToolchain(converter.LimitedRunner{Runner: converter.ExecRunner{}, Slots: slots}, bin)
	tc.Extract = converter.ExtractLimits{MaxBytes: cfg.Worker.ExtractMaxBytes, MaxEntries: cfg.Worker.ExtractMaxEntries}
	overrides, err := tools.LoadOverrides(cfg.ToolsFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load tools file")
	}
	registry, err := tools.Default(tc, cfg.Worker.OperationTimeout).Apply(overrides)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid tools file")
	}
	log.Info().Strs("tools", registry.Names()).Msg("Tool registry ready")

	// Dispatcher worker (optional)
	if cfg.Worker.Enabled {
		disp := dispatcher.New(dispatcher.Config{
			Concurrency:      cfg.Worker.Concurrency,
			Block:            cfg.Queue.Block,
			Heartbeat:        cfg.Queue.Lease / 3,
			OperationTimeout: cfg.Worker.OperationTimeout,
			OrphanMaxAge:     cfg.Storage.OrphanMaxAge,
			SweepInterval:    cfg.Worker.SweepInterval,
		}, rq, layout, registry, tc)
		disp.Start()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := disp.Stop(ctx); err != nil {
				log.Warn().Err(err).Msg("dispatcher did not drain before shutdown")
			}
		}()
	}

	var srv *http.Server
	if cfg.HTTP.Enabled {
		server := api.New(api.Dependencies{
			Submitter: submission.New(registry, layout, rq),
			Projector: status.NewProjector(rq, layout, cfg.HTTP.PublicBaseURL),
			Artifacts: layout,
			Health: statuscheck.New(statuscheck.Options{
				Redis:    rq,
				Mirror:   bucket,
				Programs: bin.Programs(),
			}),
		}, api.Options{
			MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
			StaticDir:      cfg.HTTP.StaticDir,
		})
		srv = &http.Server{Addr: ":" + cfg.HTTP.Port, Handler: server.Handler(), ReadHeaderTimeout: 10 * time.Second}

		go func() {
			log.Info().Msgf("HTTP server listening on :%s", cfg.HTTP.Port)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal().Err(err).Msg("http server error")
			}
		}()
	}

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	fmt.Println("shutdown complete")
}
