// Package analytics publishes query events to Kafka for offline analysis of
// ranking quality and traffic patterns. Publication is best-effort and never
// blocks the query path: events are dropped when the buffer is full.
package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/canopy-search/canopy/pkg/kafka"
)

// QueryEvent is one executed broker query.
type QueryEvent struct {
	Namespace      string `json:"namespace"`
	LatencyMillis  int64  `json:"latency_millis"`
	Results        int    `json:"results"`
	Outcome        string `json:"outcome"`
	Partial        bool   `json:"partial,omitempty"`
	ClientKeywords string `json:"client_keywords,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

// Collector batches query events and publishes them asynchronously.
type Collector struct {
	producer  *kafka.Producer
	events    chan QueryEvent
	batchSize int
	interval  time.Duration
	dropped   int64
	mu        sync.Mutex
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewCollector creates a collector with the given buffer size.
func NewCollector(producer *kafka.Producer, bufferSize int) *Collector {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	return &Collector{
		producer:  producer,
		events:    make(chan QueryEvent, bufferSize),
		batchSize: 100,
		interval:  time.Second,
		logger:    slog.Default().With("component", "query-analytics"),
	}
}

// Record enqueues an event, dropping it when the buffer is full.
func (c *Collector) Record(ev QueryEvent) {
	ev.Timestamp = time.Now().UnixMilli()
	select {
	case c.events <- ev:
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
	}
}

// Dropped returns the number of events discarded because the buffer was
// full.
func (c *Collector) Dropped() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Start launches the batch publisher loop. It drains until ctx is cancelled.
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		batch := make([]QueryEvent, 0, c.batchSize)
		flush := func() {
			if len(batch) == 0 {
				return
			}
			c.publish(batch)
			batch = batch[:0]
		}
		for {
			select {
			case <-ctx.Done():
				flush()
				return
			case ev := <-c.events:
				batch = append(batch, ev)
				if len(batch) >= c.batchSize {
					flush()
				}
			case <-ticker.C:
				flush()
			}
		}
	}()
}

func (c *Collector) publish(batch []QueryEvent) {
	events := make([]kafka.Event, len(batch))
	for i, ev := range batch {
		events[i] = kafka.Event{Key: ev.Namespace, Value: ev}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.producer.PublishBatch(ctx, events); err != nil {
		c.logger.Error("publishing query events failed", "count", len(batch), "error", err)
	}
}

// Close waits for the publisher loop to drain.
func (c *Collector) Close() {
	c.wg.Wait()
}
