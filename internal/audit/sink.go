// Package audit ships authorization decisions to an external collector as
// signed CloudEvents. Delivery is asynchronous and best effort: a slow or
// failing collector never delays or changes a decision.
package audit

import (
	"context"
	"errors"
	"fmt"
	"jobfiles/pkg/backoff"
	"jobfiles/pkg/cloudevent"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

// ErrBufferFull is returned when the queue is full and the record is dropped.
var ErrBufferFull = errors.New("audit buffer full, event dropped")

// ErrClosed is returned by Record after Close.
var ErrClosed = errors.New("audit sink is closed")

// Sink accepts decision records.
type Sink interface {
	// Record queues r for delivery. It must not block.
	Record(r Record) error
	// Close flushes what it can before ctx is done.
	Close(ctx context.Context) error
}

// Nop discards records. Used when no audit URL is configured.
type Nop struct{}

func (Nop) Record(Record) error         { return nil }
func (Nop) Close(context.Context) error { return nil }

// MetricsRecorder is an optional interface for recording audit metrics.
type MetricsRecorder interface {
	RecordAuditDelivered(ctx context.Context, durationSeconds float64)
	RecordAuditFailed(ctx context.Context)
	RecordAuditDropped(ctx context.Context)
	RecordAuditQueueSize(ctx context.Context, size int64)
}

// Stats holds sink statistics.
type Stats struct {
	QueueDepth int   // current queue size
	Queued     int64 // total records queued
	Delivered  int64 // successful deliveries
	Failed     int64 // failed after retries
	Dropped    int64 // dropped due to full buffer
}

// Webhook delivers records to one HTTP endpoint. Records are queued in a
// bounded channel and delivered by a worker pool. If the buffer is full,
// records are dropped (logged + metric incremented).
type Webhook struct {
	queue   chan Record
	sender  *cloudevent.Sender
	config  Config
	logger  *slog.Logger
	metrics MetricsRecorder

	queued    atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	// mu guards closed against concurrent Record and Close, so nothing is
	// sent on a closed queue.
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	stop   chan struct{}
}

// NewWebhook validates cfg and starts the workers.
func NewWebhook(cfg Config, metrics MetricsRecorder) (*Webhook, error) {
	cfg = cfg.withDefaults()
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("audit: invalid webhook URL %q", cfg.URL)
	}

	w := &Webhook{
		queue:   make(chan Record, cfg.BufferSize),
		sender:  cloudevent.NewSender(cfg.HTTPTimeout),
		config:  cfg,
		logger:  slog.With("component", "audit", "destination", u.Host),
		metrics: metrics,
		stop:    make(chan struct{}),
	}

	w.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go w.worker()
	}
	if metrics != nil {
		go w.reportQueueSize()
	}

	w.logger.Info("Audit sink started", "workers", cfg.Workers, "buffer", cfg.BufferSize, "signed", cfg.Key != "")
	return w, nil
}

// Record queues r for delivery.
func (w *Webhook) Record(r Record) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrClosed
	}

	select {
	case w.queue <- r:
		w.queued.Add(1)
		return nil
	default:
		w.dropped.Add(1)
		if w.metrics != nil {
			w.metrics.RecordAuditDropped(context.Background())
		}
		w.logger.Warn("Audit event dropped, buffer full", "jobId", r.JobID, "type", r.Type())
		return ErrBufferFull
	}
}

// Stats returns current sink statistics.
func (w *Webhook) Stats() Stats {
	return Stats{
		QueueDepth: len(w.queue),
		Queued:     w.queued.Load(),
		Delivered:  w.delivered.Load(),
		Failed:     w.failed.Load(),
		Dropped:    w.dropped.Load(),
	}
}

// Ready fails while the queue is saturated.
func (w *Webhook) Ready(ctx context.Context) error {
	if depth := len(w.queue); depth >= cap(w.queue) {
		return fmt.Errorf("audit queue full (%d events)", depth)
	}
	return nil
}

// Close stops accepting records and waits for the queue to drain, up to
// the ctx deadline.
func (w *Webhook) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	w.logger.Info("Audit sink shutting down", "queued", len(w.queue))

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(w.stop)
		w.logger.Info("Audit sink shutdown complete",
			"delivered", w.delivered.Load(),
			"failed", w.failed.Load(),
			"dropped", w.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		close(w.stop)
		w.logger.Warn("Audit sink shutdown timed out", "remaining", len(w.queue))
		return ctx.Err()
	}
}

func (w *Webhook) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.metrics.RecordAuditQueueSize(context.Background(), int64(len(w.queue)))
		}
	}
}

// worker delivers until the queue is closed and empty, or the sink is
// stopped.
func (w *Webhook) worker() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stop:
			return
		case r, ok := <-w.queue:
			if !ok {
				return
			}
			w.deliver(r)
		}
	}
}

func (w *Webhook) deliver(r Record) {
	event, err := r.cloudEvent(w.config.Source)
	if err != nil {
		w.failed.Add(1)
		w.logger.Error("Building audit event failed", "jobId", r.JobID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	go func() {
		select {
		case <-w.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	err = backoff.Retry(ctx, w.config.Retry, func(ctx context.Context) error {
		err := w.sender.Send(ctx, w.config.URL, event, w.config.Key)
		if cloudevent.IsClientError(err) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		w.failed.Add(1)
		if w.metrics != nil {
			w.metrics.RecordAuditFailed(ctx)
		}
		w.logger.Warn("Audit delivery failed", "jobId", r.JobID, "type", event.Type, "eventId", event.ID, "error", err)
		return
	}

	w.delivered.Add(1)
	if w.metrics != nil {
		w.metrics.RecordAuditDelivered(ctx, time.Since(start).Seconds())
	}
}
