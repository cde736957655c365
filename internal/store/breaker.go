package store

import (
    "context"
    "errors"
    "strings"
    "sync"
    "time"

    "github.com/rs/zerolog/log"
)

// Breaker stops calls to a failing dependency for a cooldown that doubles
// with each consecutive failure, up to max. After the cooldown one call is
// let through (half-open); its outcome closes or re-opens the breaker.
type Breaker struct {
    name string
    base time.Duration
    max  time.Duration
    now  func() time.Time

    mu       sync.Mutex
    state    string
    failures int
    retryAt  time.Time
}

func NewBreaker(name string, base, max time.Duration) *Breaker {
    if base <= 0 { base = 5 * time.Second }
    if max < base { max = base }
    return &Breaker{name: name, base: base, max: max, now: time.Now, state: "closed"}
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() bool {
    b.mu.Lock()
    defer b.mu.Unlock()
    switch b.state {
    case "open":
        if b.now().Before(b.retryAt) {
            return false
        }
        b.state = "half_open"
        log.Info().Str("dependency", b.name).Msg("circuit breaker moved to HALF-OPEN")
        return true
    case "half_open":
        // one probe at a time
        return false
    }
    return true
}

// Success closes the breaker.
func (b *Breaker) Success() {
    b.mu.Lock()
    defer b.mu.Unlock()
    if b.state == "closed" && b.failures == 0 { return }
    b.state = "closed"
    b.failures = 0
    log.Info().Str("dependency", b.name).Msg("circuit breaker CLOSED (reset)")
}

// Failure records err. Only transient errors open the breaker; it returns
// whether the breaker is now open.
func (b *Breaker) Failure(err error) bool {
    b.mu.Lock()
    defer b.mu.Unlock()
    if !isTransientError(err) {
        if b.state == "half_open" { b.state = "closed" }
        return false
    }
    b.failures++
    backoff := b.base
    for i := 1; i < b.failures; i++ {
        backoff *= 2
        if backoff > b.max {
            backoff = b.max
            break
        }
    }
    b.state = "open"
    b.retryAt = b.now().Add(backoff)
    log.Warn().
        Err(err).
        Str("dependency", b.name).
        Dur("cooldown", backoff).
        Int("failures", b.failures).
        Time("retry_at", b.retryAt).
        Msg("circuit breaker OPENED")
    return true
}

// isTransientError reports errors worth backing off from: timeouts and
// network failures.
func isTransientError(err error) bool {
    if err == nil { return false }
    if errors.Is(err, context.DeadlineExceeded) { return true }
    var netErr interface{ Timeout() bool }
    if errors.As(err, &netErr) && netErr.Timeout() { return true }
    s := strings.ToLower(err.Error())
    return strings.Contains(s, "connection refused") ||
        strings.Contains(s, "connection reset") ||
        strings.Contains(s, "timeout") ||
        strings.Contains(s, "network") ||
        strings.Contains(s, "eof") ||
        strings.Contains(s, "loading") ||
        strings.Contains(s, "pool")
}

// thumbnailTier is the shape of a shared thumbnail store.
type thumbnailTier interface {
    GetThumbnail(ctx context.Context, key string) ([]byte, bool, error)
    PutThumbnail(ctx context.Context, key string, data []byte) error
}

// GuardedThumbnails puts a Breaker in front of a shared thumbnail store.
// While the breaker is open lookups miss and stores are dropped, so renders
// fall through to the rasterizer without waiting on a dead server.
type GuardedThumbnails struct {
    inner   thumbnailTier
    breaker *Breaker
    timeout time.Duration
}

func NewGuardedThumbnails(inner thumbnailTier, b *Breaker) *GuardedThumbnails {
    return &GuardedThumbnails{inner: inner, breaker: b, timeout: 500 * time.Millisecond}
}

func (g *GuardedThumbnails) GetThumbnail(ctx context.Context, key string) ([]byte, bool, error) {
    if !g.breaker.Allow() { return nil, false, nil }
    ctx, cancel := context.WithTimeout(ctx, g.timeout)
    defer cancel()
    data, ok, err := g.inner.GetThumbnail(ctx, key)
    if err != nil {
        if g.breaker.Failure(err) { return nil, false, nil }
        return nil, false, err
    }
    g.breaker.Success()
    return data, ok, nil
}

func (g *GuardedThumbnails) PutThumbnail(ctx context.Context, key string, data []byte) error {
    if !g.breaker.Allow() { return nil }
    ctx, cancel := context.WithTimeout(ctx, g.timeout)
    defer cancel()
    if err := g.inner.PutThumbnail(ctx, key, data); err != nil {
        if g.breaker.Failure(err) { return nil }
        return err
    }
    g.breaker.Success()
    return nil
}
