package logger

import (
    "context"
    "encoding/json"
    "sync"
    "sync/atomic"
    "time"

    "github.com/axiomhq/axiom-go/axiom"
    "github.com/axiomhq/axiom-go/axiom/ingest"
)

const (
    axiomBuffer    = 1000
    axiomBatchSize = 200
)

// eventSender is the part of the batcher the writer needs.
type eventSender interface{ Send(ev axiom.Event) }

// axiomWriter forwards zerolog JSON lines to Axiom, skipping debug level.
type axiomWriter struct {
    client  eventSender
    service string
}

func (w *axiomWriter) Write(p []byte) (int, error) {
    var ev map[string]interface{}
    if err := json.Unmarshal(p, &ev); err != nil {
        ev = map[string]interface{}{"message": string(p), "level": "info"}
    }
    if lvl, ok := ev["level"].(string); ok && lvl == "debug" {
        return len(p), nil
    }
    ev["service"] = w.service
    if _, ok := ev[ingest.TimestampField]; !ok {
        ev[ingest.TimestampField] = time.Now()
    }
    w.client.Send(axiom.Event(ev))
    return len(p), nil
}

type ingester interface {
    IngestEvents(ctx context.Context, dataset string, events []axiom.Event, options ...ingest.Option) (*ingest.Status, error)
}

// axiomBatcher buffers events and ships them in batches, either when a batch
// fills up or on every flush tick. Events that do not fit the buffer are
// counted and dropped.
type axiomBatcher struct {
    client  ingester
    dataset string
    ch      chan axiom.Event
    dropped atomic.Int64

    wg     sync.WaitGroup
    ctx    context.Context
    cancel context.CancelFunc
}

func newAxiomBatcher(token, orgID, dataset string, flushEvery time.Duration) (*axiomBatcher, error) {
    if dataset == "" {
        dataset = "dev_" + service
    }
    opts := []axiom.Option{axiom.SetToken(token)}
    if orgID != "" {
        opts = append(opts, axiom.SetOrganizationID(orgID))
    }
    c, err := axiom.NewClient(opts...)
    if err != nil {
        return nil, err
    }
    return startBatcher(c, dataset, flushEvery), nil
}

func startBatcher(c ingester, dataset string, flushEvery time.Duration) *axiomBatcher {
    if flushEvery <= 0 {
        flushEvery = 10 * time.Second
    }
    ctx, cancel := context.WithCancel(context.Background())
    b := &axiomBatcher{
        client:  c,
        dataset: dataset,
        ch:      make(chan axiom.Event, axiomBuffer),
        ctx:     ctx,
        cancel:  cancel,
    }
    b.wg.Add(1)
    go b.loop(flushEvery)
    return b
}

func (b *axiomBatcher) Send(ev axiom.Event) {
    select {
    case b.ch <- ev:
    default:
        b.dropped.Add(1)
    }
}

func (b *axiomBatcher) loop(flushEvery time.Duration) {
    defer b.wg.Done()
    ticker := time.NewTicker(flushEvery)
    defer ticker.Stop()

    batch := make([]axiom.Event, 0, axiomBatchSize)
    flush := func() {
        if len(batch) == 0 {
            return
        }
        ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
        if _, err := b.client.IngestEvents(ctx, b.dataset, batch); err != nil {
            b.dropped.Add(int64(len(batch)))
        }
        cancel()
        batch = batch[:0]
    }
    for {
        select {
        case <-b.ctx.Done():
            // drain what is already buffered
            for {
                select {
                case ev := <-b.ch:
                    batch = append(batch, ev)
                    if len(batch) >= axiomBatchSize {
                        flush()
                    }
                default:
                    flush()
                    return
                }
            }
        case <-ticker.C:
            flush()
        case ev := <-b.ch:
            batch = append(batch, ev)
            if len(batch) >= axiomBatchSize {
                flush()
            }
        }
    }
}

// Close flushes buffered events and reports how many were lost.
func (b *axiomBatcher) Close() int64 {
    b.cancel()
    b.wg.Wait()
    return b.dropped.Load()
}
