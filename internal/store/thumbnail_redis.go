package store

import (
    "context"
    "time"

    redis "github.com/redis/go-redis/v9"
)

// ThumbnailStore keeps rendered thumbnails in Redis keyed by source content
// hash, so identical uploads in other sessions skip the rasterizer.
type ThumbnailStore struct {
    client *redis.Client
    prefix string
    ttl    time.Duration
}

func NewThumbnailStore(c *redis.Client, ttl time.Duration) *ThumbnailStore {
    return &ThumbnailStore{client: c, prefix: "thumb", ttl: ttl}
}

func (s *ThumbnailStore) key(k string) string { return thumbnailKey(s.prefix, k) }

func thumbnailKey(prefix, k string) string { return prefix + ":" + k }

func (s *ThumbnailStore) GetThumbnail(ctx context.Context, key string) ([]byte, bool, error) {
    b, err := s.client.Get(ctx, s.key(key)).Bytes()
    if err == redis.Nil { return nil, false, nil }
    if err != nil { return nil, false, err }
    return b, true, nil
}

// PutThumbnail stores data and refreshes its TTL.
func (s *ThumbnailStore) PutThumbnail(ctx context.Context, key string, data []byte) error {
    return s.client.Set(ctx, s.key(key), data, s.ttl).Err()
}
