package statuscheck

import (
    "context"
    "errors"
    "time"
)

// RedisPinger models the minimal Redis capability we need for status checks.
type RedisPinger interface {
    Ping(ctx context.Context) error
}

// BucketChecker reports whether an S3 bucket is reachable.
type BucketChecker interface {
    HeadBucket(ctx context.Context, bucket string) error
}

// Probe reports whether a local capability is usable.
type Probe interface {
    Available() error
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func() error

func (f ProbeFunc) Available() error { return f() }

// Checker aggregates health checks for the dependencies the service uses.
// A nil dependency is reported as disabled rather than failing.
type Checker struct {
    redis      RedisPinger
    s3         BucketChecker
    s3Bucket   string
    converter  Probe
    rasterizer Probe
}

// Options configures the Checker.
type Options struct {
    Redis      RedisPinger
    S3         BucketChecker
    S3Bucket   string
    Converter  Probe
    Rasterizer Probe
}

// Status represents the readiness of a subsystem.
type Status struct {
    OK       bool   `json:"ok"`
    Disabled bool   `json:"disabled,omitempty"`
    Message  string `json:"message"`
}

// Summary bundles all subsystem statuses for the health endpoint.
type Summary struct {
    Redis       Status `json:"redis"`
    S3          Status `json:"s3"`
    LibreOffice Status `json:"libreoffice"`
    MuPDF       Status `json:"mupdf"`
}

// Healthy reports whether every enabled subsystem is OK. The rasterizer is
// always required.
func (s Summary) Healthy() bool {
    for _, st := range []Status{s.Redis, s.S3, s.LibreOffice} {
        if !st.Disabled && !st.OK {
            return false
        }
    }
    return s.MuPDF.OK
}

// New creates a new Checker with the provided options.
func New(opts Options) *Checker {
    return &Checker{
        redis:      opts.Redis,
        s3:         opts.S3,
        s3Bucket:   opts.S3Bucket,
        converter:  opts.Converter,
        rasterizer: opts.Rasterizer,
    }
}

// Summary returns the current status snapshot.
func (c *Checker) Summary(ctx context.Context) Summary {
    return Summary{
        Redis:       c.checkRedis(ctx),
        S3:          c.checkS3(ctx),
        LibreOffice: c.checkLibreOffice(),
        MuPDF:       c.checkMuPDF(),
    }
}

func (c *Checker) checkRedis(ctx context.Context) Status {
    if c.redis == nil {
        return Status{Disabled: true, Message: "shared thumbnail tier disabled"}
    }
    ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    if err := c.redis.Ping(ctx); err != nil {
        return Status{OK: false, Message: trimError(err)}
    }
    return Status{OK: true, Message: "Connected"}
}

func (c *Checker) checkS3(ctx context.Context) Status {
    if c.s3 == nil {
        return Status{Disabled: true, Message: "storage disabled"}
    }
    if c.s3Bucket == "" {
        return Status{Disabled: true, Message: "Bucket not configured"}
    }
    ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
    defer cancel()
    if err := c.s3.HeadBucket(ctx, c.s3Bucket); err != nil {
        return Status{OK: false, Message: trimError(err)}
    }
    return Status{OK: true, Message: "Connected"}
}

func (c *Checker) checkLibreOffice() Status {
    if c.converter == nil {
        return Status{Disabled: true, Message: "office conversion disabled"}
    }
    if err := c.converter.Available(); err != nil {
        return Status{OK: false, Message: "Binary not found"}
    }
    return Status{OK: true, Message: "Running"}
}

func (c *Checker) checkMuPDF() Status {
    if c.rasterizer == nil {
        return Status{OK: false, Message: "rasterizer unavailable"}
    }
    if err := c.rasterizer.Available(); err != nil {
        return Status{OK: false, Message: trimError(err)}
    }
    return Status{OK: true, Message: "Available"}
}

func trimError(err error) string {
    if err == nil {
        return ""
    }
    var netErr interface{ Timeout() bool }
    if errors.As(err, &netErr) && netErr.Timeout() {
        return "timeout"
    }
    msg := err.Error()
    if len(msg) > 120 {
        return msg[:120]
    }
    return msg
}
