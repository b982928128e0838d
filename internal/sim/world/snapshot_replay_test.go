package world

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"

	"hackworld.ai/internal/persistence/snapshot"
	"hackworld.ai/internal/sbp"
	"hackworld.ai/internal/sim/process"
)

type memTickLog struct{ entries []TickLogEntry }

func (m *memTickLog) WriteTick(e TickLogEntry) error {
	m.entries = append(m.entries, e)
	return nil
}

type memAuditLog struct{ entries []AuditEntry }

func (m *memAuditLog) WriteAudit(e AuditEntry) error {
	m.entries = append(m.entries, e)
	return nil
}

func TestSnapshotRoundTripThroughFile(t *testing.T) {
	w := newTestWorld(t)
	a := joinClient(t, w, "c1", "alice", "")
	b := joinClient(t, w, "c2", "bob", "")
	w.StepOnce(nil, nil, []CommandEnvelope{
		launch(a, "boot", "/sbin/init"),
		launch(a, "t", "/bin/sleep"),
		launch(b, "shell", "/bin/daemon"),
	})
	w.StepOnce(nil, nil, []CommandEnvelope{interrupt(b, 1, false)})

	snapTick := w.CurrentTick() - 1
	snap := w.ExportSnapshot(snapTick)
	path := filepath.Join(t.TempDir(), snapshot.FileName(snapTick))
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		t.Fatalf("write: %v", err)
	}
	loaded, err := snapshot.ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	w2 := newTestWorld(t)
	if err := w2.ImportSnapshot(loaded); err != nil {
		t.Fatalf("import: %v", err)
	}
	if got := w2.CurrentTick(); got != snapTick+1 {
		t.Fatalf("tick=%d want %d", got, snapTick+1)
	}
	if !reflect.DeepEqual(w2.ExportSnapshot(snapTick), snap) {
		t.Fatalf("re-exported snapshot differs")
	}
	if w2.stateDigest(snapTick) != w.stateDigest(snapTick) {
		t.Fatalf("digest differs after import")
	}

	// Both worlds keep evolving identically.
	for i := 0; i < 12; i++ {
		_, d1 := w.StepOnce(nil, nil, nil)
		_, d2 := w2.StepOnce(nil, nil, nil)
		if d1 != d2 {
			t.Fatalf("step %d: digest %s vs %s", i, d1, d2)
		}
	}

	back := joinClient(t, w2, "c9", "", a.welcome.ResumeToken)
	if !back.welcome.Resumed || back.welcome.ComputerID != a.welcome.ComputerID {
		t.Fatalf("resume after import: %+v", back.welcome)
	}
}

func TestImportRejectsForeignWorldAndVersion(t *testing.T) {
	w := newTestWorld(t)
	joinClient(t, w, "c1", "alice", "")
	snap := w.ExportSnapshot(0)

	other, err := New(Config{ID: "elsewhere"}, nil, nil)
	if err != nil {
		t.Fatalf("world: %v", err)
	}
	if err := other.ImportSnapshot(snap); err == nil {
		t.Fatalf("expected world mismatch error")
	}

	snap.Header.Version = 99
	if err := newTestWorld(t).ImportSnapshot(snap); err == nil {
		t.Fatalf("expected version error")
	}
}

func TestScheduledSnapshotsAndAdminRequest(t *testing.T) {
	w, err := New(Config{ID: "test", SnapshotEveryTicks: 3}, nil, nil)
	if err != nil {
		t.Fatalf("world: %v", err)
	}
	sink := make(chan snapshot.SnapshotV1, 8)
	w.SetSnapshotSink(sink)
	for i := 0; i < 7; i++ {
		w.StepOnce(nil, nil, nil)
	}
	var ticks []uint64
	for len(sink) > 0 {
		ticks = append(ticks, (<-sink).Header.Tick)
	}
	if !reflect.DeepEqual(ticks, []uint64{3, 6}) {
		t.Fatalf("snapshot ticks=%v", ticks)
	}

	resp := make(chan adminSnapshotResp, 1)
	w.handleAdminSnapshotRequests([]adminSnapshotReq{{Resp: resp}})
	if r := <-resp; r.Err != "" || r.Tick != 6 {
		t.Fatalf("admin snapshot resp=%+v", r)
	}
	if got := (<-sink).Header.Tick; got != 6 {
		t.Fatalf("admin snapshot tick=%d", got)
	}
}

func TestReplayReproducesDigests(t *testing.T) {
	w := newTestWorld(t)
	tl := &memTickLog{}
	al := &memAuditLog{}
	w.SetTickLogger(tl)
	w.SetAuditLogger(al)

	a := joinClient(t, w, "c1", "alice", "")
	b := joinClient(t, w, "c2", "bob", "")
	w.StepOnce(nil, nil, []CommandEnvelope{
		launch(a, "boot", "/sbin/init"),
		launch(b, "t", "/bin/sleep"),
		launch(b, "x", "/bin/crash"),
	})
	w.StepOnce(nil, nil, []CommandEnvelope{interrupt(a, 1, false), interrupt(b, 0, false)})
	w.stepInternal(context.Background(), nil, nil, nil, []adminInterruptReq{{ComputerID: b.welcome.ComputerID, PID: 1}})
	w.StepOnce(nil, []sbp.ConnID{"c1"}, nil)
	for i := 0; i < 10; i++ {
		w.StepOnce(nil, nil, nil)
	}

	if len(tl.entries) != int(w.CurrentTick()) {
		t.Fatalf("logged %d ticks, world at %d", len(tl.entries), w.CurrentTick())
	}
	if len(al.entries) == 0 {
		t.Fatalf("no audit entries")
	}

	r := newTestWorld(t)
	for _, e := range tl.entries {
		got, err := r.ReplayTick(e)
		if err != nil {
			t.Fatalf("replay tick %d: %v", e.Tick, err)
		}
		if got != e.Digest {
			t.Fatalf("tick %d: replay digest %s want %s", e.Tick, got, e.Digest)
		}
	}
}

func TestAuditRecordsLaunchDenyAndRemove(t *testing.T) {
	w := newTestWorld(t)
	al := &memAuditLog{}
	w.SetAuditLogger(al)
	a := joinClient(t, w, "c1", "alice", "")

	w.StepOnce(nil, nil, []CommandEnvelope{launch(a, "shell", "/bin/daemon"), launch(a, "x", "/bin/corrupt")})
	w.StepOnce(nil, nil, []CommandEnvelope{interrupt(a, 0, false), interrupt(a, 1, false)})

	var actions []string
	for _, e := range al.entries {
		actions = append(actions, e.Action)
	}
	// A failed launch first reports the aborted node, then the failure.
	want := []string{"LAUNCH", "REMOVE", "LAUNCH_FAILED", "INTERRUPT_DENIED", "INTERRUPT", "REMOVE"}
	if !reflect.DeepEqual(actions, want) {
		t.Fatalf("actions=%v want %v", actions, want)
	}
	if e := al.entries[1]; e.Reason != process.ReasonAborted.String() || e.PID != 2 {
		t.Fatalf("abort entry=%+v", e)
	}
	if e := al.entries[5]; e.Reason != process.ReasonStopped.String() || e.PID != 1 {
		t.Fatalf("remove entry=%+v", e)
	}
}

func TestImportClosesLiveConnections(t *testing.T) {
	w := newTestWorld(t)
	a := joinClient(t, w, "c1", "alice", "")
	b := joinClient(t, w, "c2", "bob", "")
	snap := w.ExportSnapshot(w.CurrentTick() - 1)

	if err := w.ImportSnapshot(snap); err != nil {
		t.Fatalf("import: %v", err)
	}
	for _, c := range []*testClient{a, b} {
		select {
		case <-c.evicted:
		default:
			t.Fatalf("%s left open after import", c.conn)
		}
		if _, ok := w.DebugBoundConnection(c.identity()); ok {
			t.Fatalf("%s still bound", c.identity())
		}
	}

	back := joinClient(t, w, "c3", "", a.welcome.ResumeToken)
	if !back.welcome.Resumed || back.identity() != a.identity() {
		t.Fatalf("resume after import: %+v", back.welcome)
	}
}
