package config

import (
    "os"
    "strconv"
    "strings"
    "time"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
    Level        string
    Pretty       bool
    File         string
    MaxSizeMB    int
    MaxBackups   int
    MaxAgeDays   int
    Compress     bool
}

// AxiomConfig holds Axiom logging configuration.
type AxiomConfig struct {
    Send          bool
    APIKey        string
    OrgID         string
    Dataset       string
    FlushInterval time.Duration
}

// ServerConfig defines the HTTP surface.
type ServerConfig struct {
    Addr            string
    MaxUploadMB     int
    ShutdownTimeout time.Duration
}

// PreviewConfig tunes live preview regeneration.
type PreviewConfig struct {
    Debounce      time.Duration // merge, images and sheet sessions
    SplitDebounce time.Duration // split sessions
    GridYield     time.Duration // pause between thumbnail renders
}

// ThumbnailConfig defines thumbnail rendering and the optional shared tier.
type ThumbnailConfig struct {
    Width    int
    Quality  int
    RedisURL string // empty disables the shared tier
    TTL      time.Duration
}

// StorageConfig defines S3 access for remote sources and exports.
type StorageConfig struct {
    Bucket          string
    Region          string
    Endpoint        string
    AccessKeyID     string
    SecretAccessKey string
    ExportPrefix    string
    FetchTimeout    time.Duration
}

// SessionConfig defines session lifetime.
type SessionConfig struct {
    IdleTTL       time.Duration
    SweepInterval time.Duration
}

// ConverterConfig defines the office-to-PDF converter.
type ConverterConfig struct {
    Enabled bool
    Binary  string
    Workers int
    Timeout time.Duration
}

// Config is the top-level configuration.
type Config struct {
    Logging   LoggingConfig
    Axiom     AxiomConfig
    Server    ServerConfig
    Preview   PreviewConfig
    Thumbnail ThumbnailConfig
    Storage   StorageConfig
    Session   SessionConfig
    Converter ConverterConfig
}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
    cfg := Config{}

    // Logging defaults
    cfg.Logging = LoggingConfig{
        Level:      getEnv("LOG_LEVEL", "info"),
        Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
        File:       getEnv("LOG_FILE", "logs/pagecomposer.log"),
        MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
        MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
        MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
        Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
    }

    // Axiom defaults
    baseDataset := getEnv("AXIOM_DATASET", "dev")
    cfg.Axiom = AxiomConfig{
        Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
        APIKey:        getEnv("AXIOM_API_KEY", ""),
        OrgID:         getEnv("AXIOM_ORG_ID", ""),
        Dataset:       baseDataset + "_pagecomposer",
        FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
    }

    cfg.Server = ServerConfig{
        Addr:            getEnv("HTTP_ADDR", ":8080"),
        MaxUploadMB:     parseInt(getEnv("MAX_UPLOAD_MB", "100"), 100),
        ShutdownTimeout: parseDuration(getEnv("SHUTDOWN_TIMEOUT", "15s"), 15*time.Second),
    }

    cfg.Preview = PreviewConfig{
        Debounce:      parseDuration(getEnv("PREVIEW_DEBOUNCE", "300ms"), 300*time.Millisecond),
        SplitDebounce: parseDuration(getEnv("PREVIEW_SPLIT_DEBOUNCE", "500ms"), 500*time.Millisecond),
        GridYield:     parseDuration(getEnv("THUMBNAIL_GRID_YIELD", "10ms"), 10*time.Millisecond),
    }

    cfg.Thumbnail = ThumbnailConfig{
        Width:    parseInt(getEnv("THUMBNAIL_WIDTH", "180"), 180),
        Quality:  int(parseFloat(getEnv("THUMBNAIL_QUALITY", "0.75"), 0.75) * 100),
        RedisURL: getEnv("THUMBNAIL_REDIS_URL", ""),
        TTL:      parseDuration(getEnv("THUMBNAIL_TTL", "24h"), 24*time.Hour),
    }

    cfg.Storage = StorageConfig{
        Bucket:          getEnv("S3_BUCKET", ""),
        Region:          getEnv("AWS_REGION", ""),
        Endpoint:        getEnv("S3_ENDPOINT", ""),
        AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
        SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
        ExportPrefix:    getEnv("S3_EXPORT_PREFIX", "exports/"),
        FetchTimeout:    parseDuration(getEnv("FETCH_TIMEOUT", "60s"), 60*time.Second),
    }

    cfg.Session = SessionConfig{
        IdleTTL:       parseDuration(getEnv("SESSION_IDLE_TTL", "30m"), 30*time.Minute),
        SweepInterval: parseDuration(getEnv("SESSION_SWEEP_INTERVAL", "1m"), time.Minute),
    }

    cfg.Converter = ConverterConfig{
        Enabled: parseBool(getEnv("OFFICE_CONVERSION", "true")),
        Binary:  getEnv("LIBREOFFICE_BINARY", "soffice"),
        Workers: parseInt(getEnv("LIBREOFFICE_WORKERS", "2"), 2),
        Timeout: parseDuration(getEnv("LIBREOFFICE_TIMEOUT", "180s"), 180*time.Second),
    }

    return cfg
}

// Helpers
func getEnv(key, def string) string {
    if v := os.Getenv(key); v != "" {
        return v
    }
    return def
}

func parseInt(s string, def int) int {
    if s == "" { return def }
    if n, err := strconv.Atoi(s); err == nil { return n }
    return def
}

func parseFloat(s string, def float64) float64 {
    if s == "" { return def }
    if f, err := strconv.ParseFloat(s, 64); err == nil { return f }
    return def
}

func parseBool(s string) bool {
    v := strings.ToLower(strings.TrimSpace(s))
    return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
    if s == "" { return def }
    if d, err := time.ParseDuration(s); err == nil { return d }
    return def
}

func devDefaultPretty() string {
    env := strings.ToLower(os.Getenv("ENVIRONMENT"))
    if env == "dev" || env == "development" || env == "local" { return "true" }
    return "false"
}
