package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"vodforge/internal/api"
	"vodforge/internal/chunkstore"
	"vodforge/internal/config"
	"vodforge/internal/contentstore"
	"vodforge/internal/ingest"
	"vodforge/internal/janitor"
	"vodforge/internal/jobs"
	"vodforge/internal/kv"
	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/publish"
	"vodforge/internal/server"
	"vodforge/internal/storage"
	"vodforge/internal/transcode"
	"vodforge/internal/viewers"
)

const videoIndexBucket = "videos"

// app holds every long-lived component in initialisation order so shutdown
// can release them in reverse.
type app struct {
	logger  *slog.Logger
	metrics *metrics.Recorder

	kv           kv.Store
	repo         storage.Repository
	index        *contentstore.IndexDB
	queue        *ingest.Queue
	orchestrator *ingest.Orchestrator
	janitor      *janitor.Janitor
	server       *server.Server
}

// buildApp wires the service: KV, bookkeeping repository, content and chunk
// stores, transcode pipeline, task queue and orchestrator, publisher,
// janitor, then the HTTP server. On failure everything built so far is
// closed again.
func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger, recorder *metrics.Recorder) (a *app, err error) {
	a = &app{logger: logger, metrics: recorder}
	defer func() {
		if err != nil {
			a.close(context.WithoutCancel(ctx))
			a = nil
		}
	}()

	if a.kv, err = openKV(ctx, cfg.KV, logging.WithComponent(logger, "kv")); err != nil {
		return a, err
	}
	if a.repo, err = openRepository(ctx, cfg.Storage); err != nil {
		return a, err
	}

	var videoIndex contentstore.Index
	if path := strings.TrimSpace(cfg.Paths.IndexPath); path != "" {
		if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return a, fmt.Errorf("create index directory: %w", err)
		}
		if a.index, err = contentstore.OpenIndexDB(path); err != nil {
			return a, err
		}
		if videoIndex, err = a.index.Scope(videoIndexBucket); err != nil {
			return a, err
		}
	}
	videos, err := contentstore.New(contentstore.Config{
		Root:   cfg.Paths.VideoRoot,
		Index:  videoIndex,
		Logger: logging.WithComponent(logger, "videos"),
	})
	if err != nil {
		return a, err
	}
	chunks, err := chunkstore.New(chunkstore.Config{
		ChunkRoot:        cfg.Paths.ChunkRoot,
		Videos:           videos,
		ChunkSize:        cfg.Upload.ChunkSize,
		MergeParallelism: cfg.Upload.MergeParallelism,
		Logger:           logging.WithComponent(logger, "chunks"),
	})
	if err != nil {
		return a, err
	}

	tracker, err := jobs.NewTracker(jobs.Config{Store: a.kv, Logger: logging.WithComponent(logger, "jobs")})
	if err != nil {
		return a, err
	}
	pipeline, err := transcode.NewPipeline(transcode.Config{
		TempRoot:       cfg.Paths.TempRoot,
		ManifestRoot:   cfg.Paths.ManifestRoot,
		KeyInfoPath:    cfg.Paths.KeyInfoPath,
		SegmentSeconds: cfg.Transcode.SegmentSeconds,
		Parallelism:    cfg.Transcode.Parallelism,
		Runner: transcode.FFmpegRunner{
			FFmpegPath:  cfg.Transcode.FFmpegPath,
			FFprobePath: cfg.Transcode.FFprobePath,
			Logger:      logging.WithComponent(logger, "ffmpeg"),
		},
		Logger: logging.WithComponent(logger, "transcode"),
	})
	if err != nil {
		return a, err
	}

	publisher, err := publish.New(publish.Config{
		Endpoint:    cfg.Object.Endpoint,
		Region:      cfg.Object.Region,
		AccessKey:   cfg.Object.AccessKey,
		SecretKey:   cfg.Object.SecretKey,
		Bucket:      cfg.Object.Bucket,
		UseSSL:      cfg.Object.UseSSL,
		Prefix:      cfg.Object.Prefix,
		Concurrency: cfg.Object.Concurrency,
		Logger:      logging.WithComponent(logger, "publish"),
	})
	if err != nil {
		return a, err
	}

	a.queue = ingest.NewQueue(ingest.QueueConfig{
		Workers:   cfg.Queue.Workers,
		QueueSize: cfg.Queue.Size,
		Timeout:   cfg.Queue.Timeout,
		Logger:    logging.WithComponent(logger, "queue"),
		Metrics:   recorder,
	})
	a.orchestrator, err = ingest.NewOrchestrator(ingest.Config{
		Chunks:          chunks,
		Tracker:         tracker,
		Processor:       pipeline,
		Repository:      a.repo,
		Queue:           a.queue,
		Publisher:       publisher,
		DigestAlgorithm: cfg.Upload.DigestAlgorithm,
		Metrics:         recorder,
		Logger:          logging.WithComponent(logger, "ingest"),
	})
	if err != nil {
		return a, err
	}
	a.queue.Start()

	if cfg.Janitor.Enabled {
		a.janitor, err = janitor.New(janitor.Config{
			Schedule:  cfg.Janitor.Schedule,
			Retention: cfg.Janitor.Retention,
			Areas: []janitor.Area{
				{Name: "chunks", Root: chunks.Root()},
				{Name: "temp", Root: pipeline.TempRoot()},
			},
			Busy:    a.orchestrator.Busy,
			Metrics: recorder,
			Logger:  logging.WithComponent(logger, "janitor"),
		})
		if err != nil {
			return a, err
		}
		a.janitor.Start()
	}

	audience, err := viewers.NewTracker(a.kv)
	if err != nil {
		return a, err
	}
	handler := api.NewHandler(a.orchestrator, a.repo, a.kv)
	handler.Viewers = audience
	a.server, err = server.New(handler, server.Config{
		Addr:          cfg.Server.Addr,
		TLS:           server.TLSConfig{CertFile: cfg.Server.TLSCert, KeyFile: cfg.Server.TLSKey},
		CORS:          server.CORSConfig{AllowedOrigins: cfg.Server.AllowedOrigins},
		RateLimit:     server.RateLimitConfig{RPS: cfg.Server.RateRPS, Burst: cfg.Server.RateBurst},
		MaxChunkBytes: chunks.ChunkSize(),
		Logger:        logging.WithComponent(logger, "http"),
		Metrics:       recorder,
	})
	if err != nil {
		return a, err
	}
	return a, nil
}

func openKV(ctx context.Context, cfg config.KVConfig, logger *slog.Logger) (kv.Store, error) {
	switch cfg.Driver {
	case config.KVDriverRedis:
		store, err := kv.NewRedisStore(ctx, kv.RedisConfig{
			Addr:         cfg.Addr,
			Addrs:        cfg.Addrs,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DB:           cfg.DB,
			MasterName:   cfg.MasterName,
			PoolSize:     cfg.PoolSize,
			DialTimeout:  cfg.Timeout,
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
			KeyPrefix:    cfg.KeyPrefix,
			TLS: kv.RedisTLSConfig{
				CAFile:             cfg.TLSCA,
				CertFile:           cfg.TLSCert,
				KeyFile:            cfg.TLSKey,
				ServerName:         cfg.TLSServerName,
				InsecureSkipVerify: cfg.TLSSkipVerify,
			},
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.KVDriverMemory, "":
		return kv.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported kv driver %q", cfg.Driver)
	}
}

func openRepository(ctx context.Context, cfg config.StorageConfig) (storage.Repository, error) {
	switch cfg.Driver {
	case config.StorageDriverPostgres:
		opts := []storage.Option{
			storage.WithPostgresPoolLimits(int32(cfg.MaxConns), int32(cfg.MinConns)),
			storage.WithPostgresAcquireTimeout(cfg.AcquireTimeout),
			storage.WithPostgresPoolDurations(cfg.MaxConnLifetime, cfg.MaxConnIdle, cfg.HealthInterval),
			storage.WithPostgresApplicationName(cfg.AppName),
		}
		return storage.NewPostgresRepository(ctx, cfg.PostgresDSN, opts...)
	case config.StorageDriverJSON, "":
		if path := strings.TrimSpace(cfg.DataPath); path != "" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create datastore directory: %w", err)
			}
		}
		store, err := storage.NewStorage(cfg.DataPath)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// close releases components in reverse start order: janitor, queue,
// repository, KV, then the hash index. The HTTP server is drained by
// serverutil.Run before close is called.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.janitor != nil {
		if err := a.janitor.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop janitor: %w", err))
		}
	}
	if a.queue != nil {
		if err := a.queue.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop task queue: %w", err))
		}
	}
	if a.repo != nil {
		if err := a.repo.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close repository: %w", err))
		}
	}
	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close kv: %w", err))
		}
	}
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close index: %w", err))
		}
	}
	return errors.Join(errs...)
}
