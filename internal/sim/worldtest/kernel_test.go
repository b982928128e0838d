package worldtest

import (
	"reflect"
	"testing"

	"hackworld.ai/internal/protocol"
	"hackworld.ai/internal/sim/process"
	"hackworld.ai/internal/sim/programs"
	world "hackworld.ai/internal/sim/world"
)

func testCatalog(t *testing.T) *programs.Catalog {
	t.Helper()
	cat, err := programs.Load("../../../configs/programs.yaml")
	if err != nil {
		t.Fatalf("load programs: %v", err)
	}
	return cat
}

func pids(infos []process.Info) []process.PID {
	out := make([]process.PID, 0, len(infos))
	for _, i := range infos {
		out = append(out, i.ID.PID)
	}
	return out
}

func TestFailingLaunchesNeverLeaveChildren(t *testing.T) {
	h := NewHarness(t, world.Config{ID: "wt"}, testCatalog(t))
	p := h.Join("alice", "")

	for i := 0; i < 10; i++ {
		h.Step(p.Launch("x", "/bin/corrupt"), p.Launch("x", "/bin/crash"))
	}
	procs := h.Processes(p)
	if len(procs) != 1 || len(procs[0].Children) != 0 {
		t.Fatalf("procs=%+v", procs)
	}
	if ev := p.Take(); len(ev) != 0 {
		t.Fatalf("failed launches produced events: %+v", ev)
	}
}

func TestNonRecursiveInterruptHandsChildrenToRoot(t *testing.T) {
	h := NewHarness(t, world.Config{ID: "wt"}, testCatalog(t))
	p := h.Join("alice", "")

	// The repo catalog's init spawns two daemons.
	h.Step(p.Launch("boot", "/sbin/init"))
	procs := h.Processes(p)
	if got := pids(procs); !reflect.DeepEqual(got, []process.PID{0, 1, 2, 3}) {
		t.Fatalf("pids=%v", got)
	}
	p.Take()

	h.Step(p.Interrupt(1, false))

	procs = h.Processes(p)
	if !reflect.DeepEqual(procs[0].Children, []process.PID{2, 3}) {
		t.Fatalf("root children=%v", procs[0].Children)
	}
	for _, info := range procs[1:] {
		if info.State != process.Running || info.Parent != 0 {
			t.Fatalf("promoted child %+v", info)
		}
	}
	if ev := p.Take(); len(ev) != 0 {
		t.Fatalf("children were not interrupted, got %+v", ev)
	}
}

func TestOnlyOwnerMayInterrupt(t *testing.T) {
	h := NewHarness(t, world.Config{ID: "wt"}, testCatalog(t))
	alice := h.Join("alice", "")
	bob := h.Join("bob", "")

	h.Step(alice.Launch("shell", "/bin/daemon"), bob.Launch("shell", "/bin/daemon"))
	alice.Take()
	bob.Take()

	// Commands address the sender's own computer, so the root is the only
	// process on it that bob does not own.
	h.Step(bob.Interrupt(0, false))
	if got := h.Processes(bob)[0].State; got != process.Running {
		t.Fatalf("root state=%s", got)
	}
	if got := len(h.Processes(alice)); got != 2 {
		t.Fatalf("alice's computer changed: %d procs", got)
	}

	h.Step(bob.Interrupt(1, false))
	if got := len(h.Processes(bob)); got != 1 {
		t.Fatalf("owner interrupt did not take: %d procs", got)
	}
}

func TestSnapshotResumeKeepsParticipants(t *testing.T) {
	cat := testCatalog(t)
	h := NewHarness(t, world.Config{ID: "wt"}, cat)
	p := h.Join("alice", "")
	h.Step(p.Launch("t", "/bin/sleep"), p.Launch("boot", "/sbin/init"))
	h.StepN(3)

	tick, snap := h.Snapshot()
	w2, err := world.New(world.Config{ID: "wt"}, cat, nil)
	if err != nil {
		t.Fatalf("world: %v", err)
	}
	if err := w2.ImportSnapshot(snap); err != nil {
		t.Fatalf("import: %v", err)
	}
	h2 := NewHarnessWithWorld(t, w2)
	if got := w2.CurrentTick(); got != tick+1 {
		t.Fatalf("tick=%d want %d", got, tick+1)
	}

	back := h2.Join("alice", p.Welcome.ResumeToken)
	if !back.Welcome.Resumed || back.Identity() != p.Identity() {
		t.Fatalf("welcome=%+v", back.Welcome)
	}
	if !reflect.DeepEqual(pids(h2.Processes(back)), pids(h.Processes(p))) {
		t.Fatalf("process sets differ: %v vs %v", pids(h2.Processes(back)), pids(h.Processes(p)))
	}

	// The timer keeps counting from where it was and stops on schedule.
	h2.StepN(10)
	for _, info := range h2.Processes(back) {
		if info.Source == "/bin/sleep" {
			t.Fatalf("timer survived past its delay: %+v", info)
		}
	}

	h2.Step(back.Launch("again", "daemon"))
	ev := back.Take()
	if len(ev) != 1 || ev[0].Type != protocol.TypeLaunchAck {
		t.Fatalf("events=%+v", ev)
	}
	var ack protocol.LaunchAckMsg
	if err := protocol.Unmarshal(ev[0].Raw, &ack); err != nil {
		t.Fatal(err)
	}
	if ack.ProcessID.PID != 5 {
		t.Fatalf("pid after resume=%d, want counter to continue at 5", ack.ProcessID.PID)
	}
}
