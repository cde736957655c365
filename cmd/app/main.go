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

    "github.com/joho/godotenv"
    "github.com/rs/zerolog/log"

    cfgpkg "github.com/local/pagecomposer/internal/config"
    "github.com/local/pagecomposer/internal/converter"
    "github.com/local/pagecomposer/internal/filetype"
    "github.com/local/pagecomposer/internal/imagerender"
    logpkg "github.com/local/pagecomposer/internal/logger"
    "github.com/local/pagecomposer/internal/metrics"
    "github.com/local/pagecomposer/internal/pdfcodec"
    "github.com/local/pagecomposer/internal/server"
    "github.com/local/pagecomposer/internal/session"
    "github.com/local/pagecomposer/internal/statuscheck"
    "github.com/local/pagecomposer/internal/storage"
    "github.com/local/pagecomposer/internal/store"
)

func main() {
    _ = godotenv.Load()
    cfg := cfgpkg.FromEnv()

    // Init logging
    if err := logpkg.Init(logpkg.Options{
        Service:      "pagecomposer",
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
    }); err != nil {
        fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
    }
    defer logpkg.Close()

    metrics.Init()

    ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
    defer stop()

    codec := pdfcodec.New()
    raster := imagerender.NewRasterizer(cfg.Thumbnail.Quality)
    deps := session.Deps{
        Codec:      codec,
        Normalizer: pdfcodec.NewImageNormalizer(codec),
        Rasterizer: raster,
        Detector:   filetype.New(),
    }
    health := statuscheck.Options{Rasterizer: statuscheck.ProbeFunc(raster.SelfTest)}

    // Office conversion (optional)
    if cfg.Converter.Enabled {
        lo := converter.NewLibreOffice(cfg.Converter.Binary, cfg.Converter.Workers, cfg.Converter.Timeout)
        if err := lo.Available(); err != nil {
            log.Warn().Err(err).Msg("office conversion unavailable")
        }
        deps.Converter = lo
        health.Converter = lo
    }

    // Shared thumbnail tier and status mirror (optional)
    if cfg.Thumbnail.RedisURL != "" {
        rc, err := store.Connect(ctx, cfg.Thumbnail.RedisURL)
        if err != nil {
            log.Fatal().Err(err).Msg("failed to connect to redis")
        }
        defer rc.Close()
        deps.Shared = store.NewGuardedThumbnails(
            store.NewThumbnailStore(rc, cfg.Thumbnail.TTL),
            store.NewBreaker("redis-thumbnails", 5*time.Second, 2*time.Minute),
        )
        deps.Status = store.NewRedisStatus(rc, cfg.Session.IdleTTL)
        health.Redis = store.Pinger{Client: rc}
    }

    // Remote sources and export
    var remote server.Storage
    st, err := storage.New(ctx, storage.Options{
        Region:          cfg.Storage.Region,
        Endpoint:        cfg.Storage.Endpoint,
        AccessKeyID:     cfg.Storage.AccessKeyID,
        SecretAccessKey: cfg.Storage.SecretAccessKey,
        MaxBytes:        int64(cfg.Server.MaxUploadMB) << 20,
    })
    if err != nil {
        log.Warn().Err(err).Msg("remote storage disabled")
    } else {
        remote = st
        health.S3 = st
        health.S3Bucket = cfg.Storage.Bucket
    }

    mgr := session.NewManager(deps, session.Config{
        Debounce:       cfg.Preview.Debounce,
        SplitDebounce:  cfg.Preview.SplitDebounce,
        GridYield:      cfg.Preview.GridYield,
        ThumbnailWidth: cfg.Thumbnail.Width,
    }, cfg.Session.IdleTTL)
    go mgr.Run(ctx, cfg.Session.SweepInterval)

    api := server.New(server.Dependencies{
        Sessions: mgr,
        Storage:  remote,
        Health:   statuscheck.New(health),
    }, server.Options{
        MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20,
        ExportBucket:   cfg.Storage.Bucket,
        ExportPrefix:   cfg.Storage.ExportPrefix,
        FetchTimeout:   cfg.Storage.FetchTimeout,
    })
    srv := &http.Server{Addr: cfg.Server.Addr, Handler: api.Handler(), ReadHeaderTimeout: 10 * time.Second}

    go func() {
        log.Info().Str("addr", cfg.Server.Addr).Msg("HTTP server listening")
        if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
            log.Fatal().Err(err).Msg("http server error")
        }
    }()

    // Graceful shutdown
    <-ctx.Done()
    sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
    defer cancel()
    _ = srv.Shutdown(sctx)
    mgr.CloseAll()
    log.Info().Msg("shutdown complete")
}
