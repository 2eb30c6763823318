package eventsink

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/relayforge/aitm/detector"
	"github.com/relayforge/aitm/model"
	"github.com/relayforge/aitm/session"
)

func TestZapSinkLogsCapturedFrame(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := NewZapSink(zap.New(core))

	sink.CapturedFrame(model.CapturedFrame{TargetIndex: 2, Raw: []byte{1, 2, 3}, CapturedSec: 1, CapturedUsec: 0})

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	if entries[0].Message != "captured frame" {
		t.Errorf("message = %q, want %q", entries[0].Message, "captured frame")
	}
}

func TestZapSinkLogsAlertAndSessionEvent(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := NewZapSink(zap.New(core))

	sink.Alert(detector.Alert{Kind: detector.KindMappingChange, Message: "mapping changed"})
	sink.SessionEvent(session.Event{Kind: "session_started", Message: "session started", At: time.Now()})

	if got := logs.Len(); got != 2 {
		t.Fatalf("expected 2 log entries, got %d", got)
	}
}

func newTestSink(t *testing.T) *SQLiteSink {
	t.Helper()
	sink, err := NewSQLiteSink("file::memory:?cache=shared", zap.NewNop())
	if err != nil {
		t.Fatalf("NewSQLiteSink() error = %v", err)
	}
	t.Cleanup(func() { sink.Close() })
	return sink
}

func TestSQLiteSinkPersistsCapturedFrame(t *testing.T) {
	sink := newTestSink(t)
	sink.CapturedFrame(model.CapturedFrame{TargetIndex: 3, Raw: []byte{1, 2, 3, 4}, CapturedSec: 100, CapturedUsec: 200})

	var count int
	var targetIndex, length int
	row := sink.db.QueryRow(`SELECT COUNT(*), target_index, length FROM captured_frame GROUP BY target_index, length`)
	if err := row.Scan(&count, &targetIndex, &length); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if count != 1 || targetIndex != 3 || length != 4 {
		t.Errorf("got count=%d target_index=%d length=%d, want 1,3,4", count, targetIndex, length)
	}
}

func TestSQLiteSinkPersistsAlert(t *testing.T) {
	sink := newTestSink(t)
	sink.Alert(detector.Alert{Kind: detector.KindScan, Message: "possible arp scan"})

	var kind, message string
	row := sink.db.QueryRow(`SELECT kind, message FROM alert LIMIT 1`)
	if err := row.Scan(&kind, &message); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if kind != detector.KindScan || message != "possible arp scan" {
		t.Errorf("got kind=%q message=%q, want %q/%q", kind, message, detector.KindScan, "possible arp scan")
	}
}

func TestSQLiteSinkPersistsSessionEvent(t *testing.T) {
	sink := newTestSink(t)
	sink.SessionEvent(session.Event{Kind: "session_stopped", Message: "session stopped", At: time.Now()})

	var kind string
	row := sink.db.QueryRow(`SELECT kind FROM session_event LIMIT 1`)
	if err := row.Scan(&kind); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if kind != "session_stopped" {
		t.Errorf("kind = %q, want session_stopped", kind)
	}
}

func TestMultiSinkFansOutToEverySink(t *testing.T) {
	a := newTestSink(t)
	core, logs := observer.New(zap.InfoLevel)
	b := NewZapSink(zap.New(core))

	multi := NewMultiSink(a, b)
	multi.CapturedFrame(model.CapturedFrame{TargetIndex: 1, Raw: []byte{9}})

	var count int
	if err := a.db.QueryRow(`SELECT COUNT(*) FROM captured_frame`).Scan(&count); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("sqlite sink count = %d, want 1", count)
	}
	if logs.Len() != 1 {
		t.Errorf("zap sink log count = %d, want 1", logs.Len())
	}
}

// closeErrSink is a ZapSink whose Close always fails with err.
type closeErrSink struct {
	*ZapSink
	err error
}

func (c *closeErrSink) Close() error { return c.err }

func TestMultiSinkCloseReturnsFirstError(t *testing.T) {
	a := newTestSink(t)
	first := errors.New("first close failed")
	second := errors.New("second close failed")
	multi := NewMultiSink(a,
		&closeErrSink{ZapSink: NewZapSink(zap.NewNop()), err: first},
		&closeErrSink{ZapSink: NewZapSink(zap.NewNop()), err: second})
	if err := multi.Close(); err != first {
		t.Errorf("Close() = %v, want the first sink error %v", err, first)
	}
}
