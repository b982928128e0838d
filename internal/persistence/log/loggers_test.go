package log

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"hackworld.ai/internal/protocol"
	"hackworld.ai/internal/sim/world"
)

func readTickNumbers(t *testing.T, dir string, from uint64) []uint64 {
	t.Helper()
	var got []uint64
	err := ReadTicksFrom(dir, from, func(e world.TickLogEntry) error {
		got = append(got, e.Tick)
		return nil
	})
	if err != nil {
		t.Fatalf("read from %d: %v", from, err)
	}
	return got
}

func TestTickLogSegmentsByTickRange(t *testing.T) {
	dir := t.TempDir()
	l := NewTickLogger(dir, 5)
	for i := uint64(0); i < 12; i++ {
		e := world.TickLogEntry{Tick: i, Digest: "d"}
		if i == 1 {
			e.Commands = []world.RecordedCommand{{
				Identity: "id_a",
				Type:     protocol.TypeLaunchProcess,
				Launch:   &protocol.LaunchProcessMsg{Type: protocol.TypeLaunchProcess, ProgramPath: "/bin/daemon"},
			}}
		}
		if err := l.WriteTick(e); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	segs, err := Segments(TickDir(dir), tickPrefix)
	if err != nil {
		t.Fatalf("segments: %v", err)
	}
	var firsts []uint64
	for _, s := range segs {
		firsts = append(firsts, s.FirstTick)
	}
	if !reflect.DeepEqual(firsts, []uint64{0, 5, 10}) {
		t.Fatalf("segment starts=%v", firsts)
	}

	var launch *protocol.LaunchProcessMsg
	err = ReadTicks(dir, func(e world.TickLogEntry) error {
		if e.Tick == 1 && len(e.Commands) == 1 {
			launch = e.Commands[0].Launch
		}
		return nil
	})
	if err != nil || launch == nil || launch.ProgramPath != "/bin/daemon" {
		t.Fatalf("entry 1 launch=%+v err=%v", launch, err)
	}
	if got := readTickNumbers(t, dir, 0); len(got) != 12 || got[11] != 11 {
		t.Fatalf("ticks=%v", got)
	}
	if got := readTickNumbers(t, dir, 7); !reflect.DeepEqual(got, []uint64{7, 8, 9, 10, 11}) {
		t.Fatalf("ticks from 7=%v", got)
	}
}

func TestReadFromSkipsOlderSegments(t *testing.T) {
	dir := t.TempDir()
	l := NewTickLogger(dir, 5)
	for i := uint64(0); i < 10; i++ {
		if err := l.WriteTick(world.TickLogEntry{Tick: i}); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	// A corrupt first segment is never opened when reading from the second.
	if err := os.WriteFile(segmentPath(TickDir(dir), tickPrefix, 0), []byte("not zstd"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := readTickNumbers(t, dir, 5); !reflect.DeepEqual(got, []uint64{5, 6, 7, 8, 9}) {
		t.Fatalf("ticks=%v", got)
	}
	if err := ReadTicks(dir, func(world.TickLogEntry) error { return nil }); err == nil {
		t.Fatalf("expected the corrupt segment to fail a full read")
	}
}

func TestReopenAppendsToSegment(t *testing.T) {
	dir := t.TempDir()
	first := NewTickLogger(dir, 100)
	for i := uint64(0); i < 3; i++ {
		if err := first.WriteTick(world.TickLogEntry{Tick: i}); err != nil {
			t.Fatal(err)
		}
	}
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	// A restarted server continues in the same segment.
	second := NewTickLogger(dir, 100)
	for i := uint64(3); i < 5; i++ {
		if err := second.WriteTick(world.TickLogEntry{Tick: i}); err != nil {
			t.Fatal(err)
		}
	}
	if err := second.Close(); err != nil {
		t.Fatal(err)
	}
	if got := readTickNumbers(t, dir, 0); !reflect.DeepEqual(got, []uint64{0, 1, 2, 3, 4}) {
		t.Fatalf("ticks=%v", got)
	}
}

func TestWriterRejectsTicksGoingBack(t *testing.T) {
	l := NewAuditLogger(t.TempDir(), 0)
	defer l.Close()
	for _, tick := range []uint64{4, 4, 5} {
		if err := l.WriteAudit(world.AuditEntry{Tick: tick, Action: "LAUNCH"}); err != nil {
			t.Fatalf("tick %d: %v", tick, err)
		}
	}
	if err := l.WriteAudit(world.AuditEntry{Tick: 3}); !errors.Is(err, ErrTickOrder) {
		t.Fatalf("err=%v", err)
	}
}

func TestFlushMakesEntriesReadable(t *testing.T) {
	dir := t.TempDir()
	l := NewAuditLogger(dir, 0)
	defer l.Close()
	for i := 0; i < 3; i++ {
		if err := l.WriteAudit(world.AuditEntry{Tick: uint64(i), Action: "LAUNCH"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	// The segment is still open, but what was flushed decodes.
	n := 0
	err := ReadAuditsFrom(dir, 1, func(e world.AuditEntry) error {
		n++
		return nil
	})
	if err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}

	// Entries after a flush start a new frame in the same segment.
	if err := l.WriteAudit(world.AuditEntry{Tick: 3, Action: "LAUNCH"}); err != nil {
		t.Fatal(err)
	}
	if err := l.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	n = 0
	err = ReadAuditsFrom(dir, 1, func(e world.AuditEntry) error {
		n++
		return nil
	})
	if err != nil || n != 3 {
		t.Fatalf("after second flush n=%d err=%v", n, err)
	}
	if _, err := os.Stat(filepath.Join(AuditDir(dir), "audit-00000000000000000000.jsonl.zst")); err != nil {
		t.Fatalf("segment name: %v", err)
	}
}

func TestReadStopsOnCallbackError(t *testing.T) {
	dir := t.TempDir()
	l := NewAuditLogger(dir, 0)
	for i := 0; i < 3; i++ {
		if err := l.WriteAudit(world.AuditEntry{Tick: uint64(i), Action: "LAUNCH"}); err != nil {
			t.Fatal(err)
		}
	}
	_ = l.Close()

	stop := errors.New("stop")
	n := 0
	err := ReadAuditsFrom(dir, 0, func(world.AuditEntry) error {
		n++
		return stop
	})
	if !errors.Is(err, stop) || n != 1 {
		t.Fatalf("err=%v n=%d", err, n)
	}
}
