// Package eventsink provides pluggable consumers of the engine's event
// surface: captured frames, detector alerts, and session lifecycle events.
// Logging to stdout is just one sink's behavior, not something baked into
// the components that produce events; sinks here are interchangeable
// io.Writer-backed and database-backed implementations.
//
// The sqlite sink opens its database via modernc.org/sqlite (sql.Open
// ("sqlite", dsn)), applying its schema from an embedded SQL string at
// construction; the zap sink logs every event as a structured line; and
// MultiSink fans out to any combination of the two.
package eventsink

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/relayforge/aitm/detector"
	"github.com/relayforge/aitm/model"
	"github.com/relayforge/aitm/session"
)

//go:embed schema.sql
var schemaSQL string

// Sink receives the three event kinds the engine produces. Implementations
// must not block the caller for long; a slow sink should buffer
// internally.
type Sink interface {
	CapturedFrame(model.CapturedFrame)
	Alert(detector.Alert)
	SessionEvent(session.Event)
	Close() error
}

// ZapSink renders every event as a structured log line. This is the
// "string on stdout" sink the design note calls out as one property among
// several, not a privileged behavior of the core.
type ZapSink struct {
	log *zap.Logger
}

// NewZapSink constructs a Sink that logs through log.
func NewZapSink(log *zap.Logger) *ZapSink {
	return &ZapSink{log: log}
}

func (z *ZapSink) CapturedFrame(f model.CapturedFrame) {
	z.log.Info("captured frame",
		zap.Int("target_index", f.TargetIndex),
		zap.Int("length", len(f.Raw)),
		zap.Time("captured_at", f.Timestamp()),
	)
}

func (z *ZapSink) Alert(a detector.Alert) {
	z.log.Warn(a.Message, zap.String("kind", a.Kind))
}

func (z *ZapSink) SessionEvent(e session.Event) {
	z.log.Info(e.Message, zap.String("kind", e.Kind), zap.Time("at", e.At))
}

func (z *ZapSink) Close() error { return nil }

// SQLiteSink persists every event to a sqlite database opened via
// modernc.org/sqlite, a pure-Go driver that avoids a cgo dependency. The
// schema is applied once at construction from an embedded SQL file.
type SQLiteSink struct {
	db  *sql.DB
	log *zap.Logger
}

// NewSQLiteSink opens (creating if absent) the sqlite database at dsn and
// applies the embedded schema.
func NewSQLiteSink(dsn string, log *zap.Logger) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("eventsink: opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventsink: applying schema: %w", err)
	}
	return &SQLiteSink{db: db, log: log}, nil
}

func (s *SQLiteSink) CapturedFrame(f model.CapturedFrame) {
	_, err := s.db.ExecContext(context.Background(),
		`INSERT INTO captured_frame (target_index, length, captured_sec, captured_usec) VALUES (?, ?, ?, ?)`,
		f.TargetIndex, len(f.Raw), f.CapturedSec, f.CapturedUsec)
	if err != nil {
		s.log.Error("failed to persist captured frame", zap.Error(err))
	}
}

func (s *SQLiteSink) Alert(a detector.Alert) {
	_, err := s.db.ExecContext(context.Background(),
		`INSERT INTO alert (kind, message, at) VALUES (?, ?, ?)`,
		a.Kind, a.Message, time.Now())
	if err != nil {
		s.log.Error("failed to persist alert", zap.Error(err))
	}
}

func (s *SQLiteSink) SessionEvent(e session.Event) {
	_, err := s.db.ExecContext(context.Background(),
		`INSERT INTO session_event (kind, message, at) VALUES (?, ?, ?)`,
		e.Kind, e.Message, e.At)
	if err != nil {
		s.log.Error("failed to persist session event", zap.Error(err))
	}
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// MultiSink fans events out to every configured sink in order.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink constructs a Sink that dispatches to every sink in sinks.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) CapturedFrame(f model.CapturedFrame) {
	for _, s := range m.sinks {
		s.CapturedFrame(f)
	}
}

func (m *MultiSink) Alert(a detector.Alert) {
	for _, s := range m.sinks {
		s.Alert(a)
	}
}

func (m *MultiSink) SessionEvent(e session.Event) {
	for _, s := range m.sinks {
		s.SessionEvent(e)
	}
}

func (m *MultiSink) Close() error {
	var first error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
