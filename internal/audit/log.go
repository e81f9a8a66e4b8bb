// Package audit buffers security events in memory and flushes them in
// batches to one or more durable sinks.
package audit

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentland/a2a-gateway/internal/metrics"
)

// Sink receives flushed batches.
type Sink interface {
	Name() string
	Write(ctx context.Context, events []Event) error
}

// Config tunes the buffer. Zero values take the defaults.
type Config struct {
	FlushInterval time.Duration // default 60s
	FlushSize     int           // default 100
	Metrics       *metrics.Metrics
}

// Log is the event buffer. A batch is flushed when FlushSize events have
// accumulated or FlushInterval has passed, whichever comes first.
type Log struct {
	sinks         []Sink
	flushInterval time.Duration
	flushSize     int
	metrics       *metrics.Metrics
	logger        *log.Logger

	mu  sync.Mutex
	buf []Event

	flushMu sync.Mutex
	flushCh chan struct{}
	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup

	now func() time.Time
}

func NewLog(cfg Config, sinks ...Sink) *Log {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = 100
	}
	return &Log{
		sinks:         sinks,
		flushInterval: cfg.FlushInterval,
		flushSize:     cfg.FlushSize,
		metrics:       cfg.Metrics,
		logger:        log.New(log.Writer(), "[AUDIT] ", log.LstdFlags),
		flushCh:       make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		now:           time.Now,
	}
}

// Start launches the flush loop.
func (l *Log) Start() {
	l.wg.Add(1)
	go l.run()
}

func (l *Log) run() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.flushAndReport()
		case <-l.flushCh:
			l.flushAndReport()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Log) flushAndReport() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := l.Flush(ctx); err != nil {
		l.logger.Printf("❌ Flush failed: %v", err)
	}
}

// Record stamps e and appends it to the buffer.
func (l *Log) Record(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	logEvent(e)

	l.mu.Lock()
	l.buf = append(l.buf, e)
	full := len(l.buf) >= l.flushSize
	l.mu.Unlock()

	if full {
		select {
		case l.flushCh <- struct{}{}:
		default:
		}
	}
}

func logEvent(e Event) {
	attrs := []any{
		"action", e.Action, "result", e.Result, "task", e.Task,
		"from", e.AgentFrom, "to", e.AgentTo, "conversation_id", e.ConversationID,
	}
	switch e.Severity {
	case SeverityCritical, SeverityError:
		slog.Error("[Security] "+e.Message, attrs...)
	case SeverityWarning:
		slog.Warn("[Security] "+e.Message, attrs...)
	default:
		slog.Debug("[Security] "+e.Message, attrs...)
	}
}

// Buffered returns the number of events awaiting a flush.
func (l *Log) Buffered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}

// Flush writes the buffered batch to every sink. Sink failures are joined;
// a batch is not retried.
func (l *Log) Flush(ctx context.Context) error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	batch := l.buf
	l.buf = nil
	l.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	var errs []error
	for _, s := range l.sinks {
		if err := s.Write(ctx, batch); err != nil {
			l.metrics.RecordAuditFlush(s.Name(), "error")
			errs = append(errs, err)
			continue
		}
		l.metrics.RecordAuditFlush(s.Name(), "ok")
	}
	return errors.Join(errs...)
}

// Close stops the loop and flushes what is left.
func (l *Log) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.stopped {
		l.stopped = true
		close(l.stopCh)
	}
	l.mu.Unlock()
	l.wg.Wait()
	return l.Flush(ctx)
}
