package logx

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// LogRecord is a decoded log line handed to a LogPublisher.
type LogRecord struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// LogPublisher receives forwarded log records. Implementations must not block
// and must not log through the same Service.
type LogPublisher interface {
	PublishLog(rec LogRecord)
}

// eventSink is a zerolog.LevelWriter that forwards records at or above a
// minimum level, rate-limited, to a LogPublisher.
type eventSink struct {
	mu       sync.Mutex
	pub      LogPublisher
	limiter  *rate.Limiter
	minLevel zerolog.Level
}

func newEventSink(pub LogPublisher) *eventSink {
	return &eventSink{
		pub:      pub,
		limiter:  rate.NewLimiter(rate.Limit(5), 5),
		minLevel: zerolog.WarnLevel,
	}
}

func (w *eventSink) configure(cfg EventsConfig) {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	w.mu.Lock()
	w.minLevel = ParseLevel(cfg.MinLevel, zerolog.WarnLevel)
	w.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	w.mu.Unlock()
}

func (w *eventSink) setPublisher(pub LogPublisher) {
	w.mu.Lock()
	w.pub = pub
	w.mu.Unlock()
}

func (w *eventSink) close() { w.setPublisher(nil) }

func (w *eventSink) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *eventSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	w.mu.Lock()
	pub, lim, min := w.pub, w.limiter, w.minLevel
	w.mu.Unlock()

	if pub == nil || level < min || !lim.Allow() {
		return len(p), nil
	}
	rec, ok := decodeRecord(level, p)
	if ok {
		pub.PublishLog(rec)
	}
	return len(p), nil
}

// decodeRecord turns one zerolog JSON line into a LogRecord.
func decodeRecord(level zerolog.Level, p []byte) (LogRecord, bool) {
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &m); err != nil {
		return LogRecord{}, false
	}
	rec := LogRecord{Time: time.Now(), Level: level.String()}
	if msg, ok := m[zerolog.MessageFieldName].(string); ok {
		rec.Message = msg
	}
	if ts, ok := m[zerolog.TimestampFieldName].(string); ok {
		if t, err := time.Parse(consoleTimeFormat, ts); err == nil {
			rec.Time = t
		}
	}
	for k, v := range m {
		switch k {
		case zerolog.MessageFieldName, zerolog.TimestampFieldName, zerolog.LevelFieldName:
			continue
		}
		if rec.Fields == nil {
			rec.Fields = make(map[string]any, len(m))
		}
		rec.Fields[k] = v
	}
	return rec, true
}
