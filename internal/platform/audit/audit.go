// Package audit records who changed what. Recording is fire-and-forget:
// callers never see a failure and never wait on the sink.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinicops/clinic/internal/platform/logging"
)

// Recorder accepts audit records.
type Recorder interface {
	Record(ctx context.Context, actor, action string, meta map[string]string)
}

// Entry is one audit record.
type Entry struct {
	Actor     string
	Action    string
	Meta      map[string]string
	RequestID string
	At        time.Time
}

// LogRecorder writes entries as structured log lines from a background
// goroutine.
type LogRecorder struct {
	logger    zerolog.Logger
	entries   chan Entry
	dropped   atomic.Int64
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewLogRecorder starts the writer goroutine. Call Close to flush it.
func NewLogRecorder(logger zerolog.Logger, buffer int) *LogRecorder {
	if buffer <= 0 {
		buffer = 1024
	}
	r := &LogRecorder{
		logger:  logger.With().Str("type", "audit").Logger(),
		entries: make(chan Entry, buffer),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *LogRecorder) Record(ctx context.Context, actor, action string, meta map[string]string) {
	e := Entry{
		Actor:     actor,
		Action:    action,
		Meta:      meta,
		RequestID: logging.RequestIDFromContext(ctx),
		At:        time.Now().UTC(),
	}
	select {
	case r.entries <- e:
	default:
		r.dropped.Add(1)
		r.logger.Warn().Str("action", action).Msg("audit buffer full, dropping entry")
	}
}

func (r *LogRecorder) run() {
	defer r.wg.Done()
	for e := range r.entries {
		evt := r.logger.Info().
			Time("at", e.At).
			Str("actor", e.Actor).
			Str("action", e.Action)
		if e.RequestID != "" {
			evt = evt.Str("request_id", e.RequestID)
		}
		for k, v := range e.Meta {
			evt = evt.Str(k, v)
		}
		evt.Msg("audit")
	}
}

// Close drains buffered entries. Record must not be called afterwards.
func (r *LogRecorder) Close() {
	r.closeOnce.Do(func() { close(r.entries) })
	r.wg.Wait()
}

// Dropped reports how many entries were discarded because the buffer was full.
func (r *LogRecorder) Dropped() int64 { return r.dropped.Load() }

// Nop discards every record.
type Nop struct{}

func (Nop) Record(context.Context, string, string, map[string]string) {}
