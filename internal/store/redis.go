package store

import (
    "context"
    "time"

    redis "github.com/redis/go-redis/v9"
)

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
    opt, err := redis.ParseURL(redisURL)
    if err != nil { return nil, err }
    c := redis.NewClient(opt)
    pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
    defer cancel()
    if err := c.Ping(pctx).Err(); err != nil {
        _ = c.Close()
        return nil, err
    }
    return c, nil
}

// Pinger adapts a redis client to the health checker.
type Pinger struct {
    Client *redis.Client
}

func (p Pinger) Ping(ctx context.Context) error { return p.Client.Ping(ctx).Err() }
