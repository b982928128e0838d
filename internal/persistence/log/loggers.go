// Package log stores the tick and audit streams as JSONL cut into zstd
// segments by tick range.
//
// A segment named <prefix>-<first tick>.jsonl.zst holds the entries for ticks
// [first, first+span). Segments start on multiples of span, so with the
// snapshot cadence as span every scheduled snapshot tick opens a new segment
// and a replay starting from that snapshot never has to read older ones.
package log

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"hackworld.ai/internal/protocol"
	"hackworld.ai/internal/sim/world"
)

// DefaultSegmentTicks is used when no span is given.
const DefaultSegmentTicks = 3000

const (
	tickPrefix  = "ticks"
	auditPrefix = "audit"
)

var ErrTickOrder = errors.New("log: entry tick went backwards")

// segmentWriter appends entries of one stream. Entries must arrive with
// non-decreasing ticks; that is what lets readers seek by file name.
type segmentWriter[T any] struct {
	dir    string
	prefix string
	span   uint64
	tickOf func(T) uint64

	mu    sync.Mutex
	start uint64
	last  uint64
	wrote bool
	f     *os.File
	enc   *zstd.Encoder
}

func newSegmentWriter[T any](dir, prefix string, span uint64, tickOf func(T) uint64) *segmentWriter[T] {
	if span == 0 {
		span = DefaultSegmentTicks
	}
	return &segmentWriter[T]{dir: dir, prefix: prefix, span: span, tickOf: tickOf}
}

func (s *segmentWriter[T]) write(v T) error {
	b, err := protocol.Marshal(v)
	if err != nil {
		return err
	}
	tick := s.tickOf(v)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wrote && tick < s.last {
		return fmt.Errorf("%w: %s %d after %d", ErrTickOrder, s.prefix, tick, s.last)
	}
	if start := tick - tick%s.span; s.enc == nil || start != s.start {
		if err := s.openLocked(start); err != nil {
			return err
		}
	}
	if _, err := s.enc.Write(append(b, '\n')); err != nil {
		return err
	}
	s.last, s.wrote = tick, true
	return nil
}

// openLocked closes the current segment and opens the one starting at start.
// Reopening an existing segment appends a new zstd frame, which readers
// decode as one stream.
func (s *segmentWriter[T]) openLocked(start uint64) error {
	if err := s.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(segmentPath(s.dir, s.prefix, start), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	s.f, s.enc, s.start = f, enc, start
	return nil
}

// flush ends the current zstd frame and syncs the file, so everything
// written so far decodes even if the process dies. Later entries go into a
// new frame of the same segment.
func (s *segmentWriter[T]) flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		return nil
	}
	if err := s.enc.Close(); err != nil {
		return err
	}
	s.enc.Reset(s.f)
	return s.f.Sync()
}

func (s *segmentWriter[T]) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *segmentWriter[T]) closeLocked() error {
	if s.enc == nil {
		return nil
	}
	err := s.enc.Close()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	s.f, s.enc = nil, nil
	return err
}

func segmentPath(dir, prefix string, start uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%020d.jsonl.zst", prefix, start))
}

// TickLogger records one entry per simulated tick.
type TickLogger struct {
	seg *segmentWriter[world.TickLogEntry]
}

func NewTickLogger(worldDir string, segmentTicks uint64) *TickLogger {
	return &TickLogger{seg: newSegmentWriter(TickDir(worldDir), tickPrefix, segmentTicks,
		func(e world.TickLogEntry) uint64 { return e.Tick })}
}

func TickDir(worldDir string) string { return filepath.Join(worldDir, "ticks") }

func (l *TickLogger) WriteTick(e world.TickLogEntry) error { return l.seg.write(e) }
func (l *TickLogger) Flush() error                         { return l.seg.flush() }
func (l *TickLogger) Close() error                         { return l.seg.close() }

// AuditLogger records kernel decisions; a tick may carry any number.
type AuditLogger struct {
	seg *segmentWriter[world.AuditEntry]
}

func NewAuditLogger(worldDir string, segmentTicks uint64) *AuditLogger {
	return &AuditLogger{seg: newSegmentWriter(AuditDir(worldDir), auditPrefix, segmentTicks,
		func(e world.AuditEntry) uint64 { return e.Tick })}
}

func AuditDir(worldDir string) string { return filepath.Join(worldDir, "audit") }

func (l *AuditLogger) WriteAudit(e world.AuditEntry) error { return l.seg.write(e) }
func (l *AuditLogger) Flush() error                        { return l.seg.flush() }
func (l *AuditLogger) Close() error                        { return l.seg.close() }
