package store

import (
    "context"
    "errors"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestBreaker(c *clock) *Breaker {
    b := NewBreaker("redis", time.Second, 4*time.Second)
    b.now = c.now
    return b
}

func TestBreakerBacksOffExponentially(t *testing.T) {
    c := &clock{t: time.Unix(1000, 0)}
    b := newTestBreaker(c)
    refused := errors.New("dial tcp: connection refused")

    require.True(t, b.Allow())
    assert.True(t, b.Failure(refused))
    assert.False(t, b.Allow())

    c.t = c.t.Add(time.Second)
    assert.True(t, b.Allow(), "half-open probe")
    assert.False(t, b.Allow(), "only one probe")
    b.Failure(refused)

    c.t = c.t.Add(time.Second)
    assert.False(t, b.Allow(), "second cooldown is 2s")
    c.t = c.t.Add(time.Second)
    assert.True(t, b.Allow())

    b.Success()
    assert.True(t, b.Allow())
    assert.True(t, b.Allow())
}

func TestBreakerIgnoresNonTransientErrors(t *testing.T) {
    b := newTestBreaker(&clock{t: time.Unix(0, 0)})
    assert.False(t, b.Failure(errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")))
    assert.True(t, b.Allow())
    assert.True(t, b.Failure(context.DeadlineExceeded))
    assert.False(t, b.Allow())
}

type failingTier struct {
    err   error
    calls int
}

func (f *failingTier) GetThumbnail(ctx context.Context, key string) ([]byte, bool, error) {
    f.calls++
    return nil, false, f.err
}

func (f *failingTier) PutThumbnail(ctx context.Context, key string, data []byte) error {
    f.calls++
    return f.err
}

func TestGuardedThumbnailsSkipsWhileOpen(t *testing.T) {
    c := &clock{t: time.Unix(0, 0)}
    inner := &failingTier{err: errors.New("i/o timeout")}
    g := NewGuardedThumbnails(inner, newTestBreaker(c))
    ctx := context.Background()

    _, ok, err := g.GetThumbnail(ctx, "k")
    assert.NoError(t, err)
    assert.False(t, ok)
    assert.NoError(t, g.PutThumbnail(ctx, "k", []byte("x")))
    _, _, _ = g.GetThumbnail(ctx, "k")
    assert.Equal(t, 1, inner.calls)

    inner.err = errors.New("WRONGTYPE")
    c.t = c.t.Add(2 * time.Second)
    _, _, err = g.GetThumbnail(ctx, "k")
    assert.Error(t, err)
    assert.Equal(t, 2, inner.calls)
}
