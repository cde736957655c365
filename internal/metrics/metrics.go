package metrics

import (
    "net/http"
    "time"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
    assemblies = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "pagecomposer",
            Name:      "assemblies_total",
            Help:      "Total assemblies by kind (preview, download) and result",
        },
        []string{"kind", "result"},
    )

    assemblyLatency = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Namespace: "pagecomposer",
            Name:      "assembly_duration_seconds",
            Help:      "Duration of output assembly by kind",
            Buckets:   prometheus.DefBuckets,
        },
        []string{"kind"},
    )

    thumbnailRenders = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "pagecomposer",
            Name:      "thumbnail_renders_total",
            Help:      "Thumbnail rasterizations by result (success, error)",
        },
        []string{"result"},
    )

    thumbnailHits = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "pagecomposer",
            Name:      "thumbnail_cache_hits_total",
            Help:      "Thumbnail cache hits by tier (memory, shared)",
        },
        []string{"tier"},
    )

    staleDiscards = prometheus.NewCounter(
        prometheus.CounterOpts{
            Namespace: "pagecomposer",
            Name:      "preview_stale_discards_total",
            Help:      "Preview assemblies discarded because a newer generation was scheduled",
        },
    )

    sourcesLoaded = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "pagecomposer",
            Name:      "sources_loaded_total",
            Help:      "Sources loaded by kind and result",
        },
        []string{"kind", "result"},
    )

    sessions = prometheus.NewGauge(
        prometheus.GaugeOpts{
            Namespace: "pagecomposer",
            Name:      "sessions_active",
            Help:      "Number of live workflow sessions",
        },
    )
)

// Init registers collectors.
func Init() {
    prometheus.MustRegister(assemblies, assemblyLatency, thumbnailRenders, thumbnailHits, staleDiscards, sourcesLoaded, sessions)
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

func ObserveAssembly(kind, result string, dur time.Duration) {
    assemblies.WithLabelValues(kind, result).Inc()
    assemblyLatency.WithLabelValues(kind).Observe(dur.Seconds())
}

func IncThumbnailRender(ok bool) {
    if ok {
        thumbnailRenders.WithLabelValues("success").Inc()
        return
    }
    thumbnailRenders.WithLabelValues("error").Inc()
}

func IncThumbnailHit(tier string) { thumbnailHits.WithLabelValues(tier).Inc() }
func IncStaleDiscard()            { staleDiscards.Inc() }

func IncSourceLoaded(kind string, ok bool) {
    sourcesLoaded.WithLabelValues(kind, boolToResult(ok)).Inc()
}

func SetSessions(n int) { sessions.Set(float64(n)) }

func boolToResult(ok bool) string { if ok { return "success" }; return "error" }
