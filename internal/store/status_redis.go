package store

import (
    "context"
    "fmt"
    "strconv"
    "time"

    redis "github.com/redis/go-redis/v9"
)

// Status is the externally visible preview state of one session.
type Status struct {
    Mode       string     `json:"mode"`
    State      string     `json:"state"`
    Generation uint64     `json:"generation"`
    PageCount  int        `json:"page_count"`
    Message    string     `json:"message"`
    Updated    *time.Time `json:"updated_at,omitempty"`
}

// RedisStatus mirrors session preview status into Redis hashes so other
// processes (dashboards, sibling replicas) can observe it.
type RedisStatus struct {
    client *redis.Client
    keyNS  string
    ttl    time.Duration
}

func NewRedisStatus(c *redis.Client, ttl time.Duration) *RedisStatus {
    return &RedisStatus{client: c, keyNS: "session", ttl: ttl}
}

func (s *RedisStatus) key(sessionID string) string { return fmt.Sprintf("%s:%s:status", s.keyNS, sessionID) }

func (s *RedisStatus) Set(ctx context.Context, sessionID string, st Status) error {
    key := s.key(sessionID)
    pipe := s.client.TxPipeline()
    pipe.HSet(ctx, key, statusFields(st))
    if s.ttl > 0 { pipe.Expire(ctx, key, s.ttl) }
    _, err := pipe.Exec(ctx)
    return err
}

func (s *RedisStatus) Get(ctx context.Context, sessionID string) (Status, bool, error) {
    res, err := s.client.HGetAll(ctx, s.key(sessionID)).Result()
    if err != nil { return Status{}, false, err }
    if len(res) == 0 { return Status{}, false, nil }
    return parseStatus(res), true, nil
}

func (s *RedisStatus) Delete(ctx context.Context, sessionID string) error {
    return s.client.Del(ctx, s.key(sessionID)).Err()
}

func statusFields(st Status) map[string]interface{} {
    m := map[string]interface{}{
        "mode":       st.Mode,
        "state":      st.State,
        "generation": strconv.FormatUint(st.Generation, 10),
        "page_count": st.PageCount,
        "message":    st.Message,
    }
    if st.Updated != nil { m["updated"] = st.Updated.Format(time.RFC3339Nano) }
    return m
}

func parseStatus(res map[string]string) Status {
    st := Status{
        Mode:    res["mode"],
        State:   res["state"],
        Message: res["message"],
    }
    if g, err := strconv.ParseUint(res["generation"], 10, 64); err == nil { st.Generation = g }
    if n, err := strconv.Atoi(res["page_count"]); err == nil { st.PageCount = n }
    if v, ok := res["updated"]; ok && v != "" {
        if t, err := time.Parse(time.RFC3339Nano, v); err == nil { st.Updated = &t }
    }
    return st
}
