package world

import (
	"context"
	"testing"

	"hackworld.ai/internal/protocol"
	"hackworld.ai/internal/sbp"
	"hackworld.ai/internal/sim/process"
	"hackworld.ai/internal/sim/programs"
)

type testClient struct {
	conn    sbp.ConnID
	out     chan []byte
	evicted chan struct{}
	welcome protocol.WelcomeMsg
	last    []byte
}

func newTestWorld(t *testing.T) *World {
	t.Helper()
	w, err := New(Config{ID: "test", TickRateHz: 5}, programs.Default(), nil)
	if err != nil {
		t.Fatalf("world: %v", err)
	}
	return w
}

func joinClient(t *testing.T, w *World, conn sbp.ConnID, name, token string) *testClient {
	t.Helper()
	c := &testClient{conn: conn, out: make(chan []byte, 16), evicted: make(chan struct{})}
	resp := make(chan JoinResponse, 1)
	w.StepOnce([]JoinRequest{{
		Conn:        conn,
		Name:        name,
		ResumeToken: token,
		Out:         c.out,
		Evicted:     c.evicted,
		Resp:        resp,
	}}, nil, nil)
	r := <-resp
	if r.Code != "" {
		t.Fatalf("join refused: %s", r.Code)
	}
	c.welcome = r.Welcome
	return c
}

func (c *testClient) identity() sbp.Identity { return sbp.Identity(c.welcome.Identity) }

// drain returns the types of every queued outbound message and keeps the
// raw bytes of the last one.
func (c *testClient) drain(t *testing.T) []protocol.BaseMessage {
	t.Helper()
	var out []protocol.BaseMessage
	for {
		select {
		case b := <-c.out:
			m, err := protocol.DecodeBase(b)
			if err != nil {
				t.Fatalf("decode outbound: %v", err)
			}
			out = append(out, m)
			c.last = b
		default:
			return out
		}
	}
}

func launch(c *testClient, details, path string) CommandEnvelope {
	return CommandEnvelope{Conn: c.conn, Cmd: &protocol.LaunchProcessMsg{
		Type:            protocol.TypeLaunchProcess,
		ProtocolVersion: protocol.Version,
		OwnerDetails:    details,
		ProgramPath:     path,
	}}
}

func interrupt(c *testClient, pid process.PID, recursive bool) CommandEnvelope {
	return CommandEnvelope{Conn: c.conn, Cmd: &protocol.InterruptProcessMsg{
		Type:            protocol.TypeInterruptProcess,
		ProtocolVersion: protocol.Version,
		PID:             int(pid),
		Recursive:       recursive,
	}}
}

func pidsOf(infos []process.Info) []process.PID {
	out := make([]process.PID, 0, len(infos))
	for _, i := range infos {
		out = append(out, i.ID.PID)
	}
	return out
}

func TestJoinCreatesComputerWithRoot(t *testing.T) {
	w := newTestWorld(t)
	a := joinClient(t, w, "c1", "alice", "")

	if a.welcome.Identity == "" || a.welcome.ComputerID == "" || a.welcome.ResumeToken == "" {
		t.Fatalf("incomplete welcome: %+v", a.welcome)
	}
	if a.welcome.Resumed {
		t.Fatalf("fresh join reported as resumed")
	}
	if len(a.welcome.Programs) == 0 {
		t.Fatalf("welcome lists no programs")
	}
	procs := w.DebugProcesses(a.welcome.ComputerID)
	if len(procs) != 1 || procs[0].State != process.Running || procs[0].Owner != nil {
		t.Fatalf("procs=%+v, want a single running root", procs)
	}
	if got := w.Metrics(); got.Sessions != 1 || got.Computers != 1 || got.Processes != 1 {
		t.Fatalf("metrics=%+v", got)
	}
}

func TestLaunchAckGoesToOwnerOnly(t *testing.T) {
	w := newTestWorld(t)
	a := joinClient(t, w, "c1", "alice", "")
	b := joinClient(t, w, "c2", "bob", "")
	a.drain(t)
	b.drain(t)

	w.StepOnce(nil, nil, []CommandEnvelope{launch(a, "shell", "/bin/daemon")})

	msgs := a.drain(t)
	if len(msgs) != 1 || msgs[0].Type != protocol.TypeLaunchAck {
		t.Fatalf("alice got %+v", msgs)
	}
	var ack protocol.LaunchAckMsg
	if err := protocol.Unmarshal(a.last, &ack); err != nil {
		t.Fatalf("ack: %v", err)
	}
	want := sbp.UserID{Identity: a.identity(), Details: "shell"}
	if !ack.OwnerID.Equal(want) {
		t.Fatalf("ack owner=%v want %v", ack.OwnerID, want)
	}
	if ack.ProcessID.ComputerID != a.welcome.ComputerID || ack.ProcessID.PID != 1 {
		t.Fatalf("ack process=%v", ack.ProcessID)
	}
	if got := b.drain(t); len(got) != 0 {
		t.Fatalf("bob got %+v", got)
	}

	procs := w.DebugProcesses(a.welcome.ComputerID)
	if len(procs) != 2 || procs[1].Owner == nil || !procs[1].Owner.Equal(want) {
		t.Fatalf("procs=%+v", procs)
	}
	if got := w.DebugProcesses(b.welcome.ComputerID); len(got) != 1 {
		t.Fatalf("bob's computer changed: %+v", got)
	}
}

func TestLaunchByNameAndUnknownProgram(t *testing.T) {
	w := newTestWorld(t)
	a := joinClient(t, w, "c1", "alice", "")
	a.drain(t)

	w.StepOnce(nil, nil, []CommandEnvelope{
		launch(a, "x", "daemon"),
		launch(a, "x", "/bin/nope"),
		launch(a, "x", "/bin/corrupt"),
	})
	if got := pidsOf(w.DebugProcesses(a.welcome.ComputerID)); len(got) != 2 {
		t.Fatalf("pids=%v, want root plus one daemon", got)
	}
	if msgs := a.drain(t); len(msgs) != 1 {
		t.Fatalf("failed launches must stay silent, got %+v", msgs)
	}
}

func TestInterruptOwnProcessStopsAtUpdate(t *testing.T) {
	w := newTestWorld(t)
	a := joinClient(t, w, "c1", "alice", "")
	w.StepOnce(nil, nil, []CommandEnvelope{launch(a, "shell", "/bin/daemon")})
	a.drain(t)

	w.StepOnce(nil, nil, []CommandEnvelope{interrupt(a, 1, false)})

	if got := pidsOf(w.DebugProcesses(a.welcome.ComputerID)); len(got) != 1 {
		t.Fatalf("pids=%v, want only root", got)
	}
	// The actor is not told about the process it named itself.
	if msgs := a.drain(t); len(msgs) != 0 {
		t.Fatalf("alice got %+v", msgs)
	}
}

func TestInterruptWithoutOwnershipIsDenied(t *testing.T) {
	w := newTestWorld(t)
	a := joinClient(t, w, "c1", "alice", "")
	a.drain(t)
	before := w.stateDigest(0)

	w.StepOnce(nil, nil, []CommandEnvelope{interrupt(a, 0, true)})

	if w.stateDigest(0) != before {
		t.Fatalf("denied interrupt changed state")
	}
	procs := w.DebugProcesses(a.welcome.ComputerID)
	if procs[0].State != process.Running {
		t.Fatalf("root state=%s", procs[0].State)
	}
	if got := w.Metrics().Router.Unauthorized; got != 1 {
		t.Fatalf("unauthorized=%d", got)
	}
}

func TestRecursiveInterruptNotifiesOwnerOfChildren(t *testing.T) {
	w := newTestWorld(t)
	a := joinClient(t, w, "c1", "alice", "")
	w.StepOnce(nil, nil, []CommandEnvelope{launch(a, "boot", "/sbin/init")})
	a.drain(t)

	procs := w.DebugProcesses(a.welcome.ComputerID)
	if got := pidsOf(procs); len(got) != 3 {
		t.Fatalf("pids=%v, want root, init and its child", got)
	}
	initPID := procs[1].ID.PID
	childPID := procs[2].ID.PID

	w.StepOnce(nil, nil, []CommandEnvelope{interrupt(a, initPID, true)})

	msgs := a.drain(t)
	if len(msgs) != 1 || msgs[0].Type != protocol.TypeUserInterrupted {
		t.Fatalf("alice got %+v", msgs)
	}
	var ev protocol.UserInterruptedMsg
	if err := protocol.Unmarshal(a.last, &ev); err != nil {
		t.Fatalf("event: %v", err)
	}
	if ev.ProcessID.PID != childPID || ev.OwnerID.Details != "boot" {
		t.Fatalf("event=%+v", ev)
	}
}

func TestAdminInterruptNotifiesOwner(t *testing.T) {
	w := newTestWorld(t)
	a := joinClient(t, w, "c1", "alice", "")
	w.StepOnce(nil, nil, []CommandEnvelope{launch(a, "shell", "/bin/daemon")})
	a.drain(t)

	resp := make(chan adminInterruptResp, 1)
	w.stepInternal(context.Background(), nil, nil, nil, []adminInterruptReq{{
		ComputerID: a.welcome.ComputerID,
		PID:        1,
		Resp:       resp,
	}})
	r := <-resp
	if r.Err != nil || len(r.Changed) != 1 || r.Changed[0] != 1 {
		t.Fatalf("resp=%+v", r)
	}
	if msgs := a.drain(t); len(msgs) != 1 || msgs[0].Type != protocol.TypeUserInterrupted {
		t.Fatalf("alice got %+v", msgs)
	}

	w.stepInternal(context.Background(), nil, nil, nil, []adminInterruptReq{{ComputerID: "pc_missing", Resp: resp}})
	if r := <-resp; r.Err == nil {
		t.Fatalf("expected error for unknown computer")
	}
}

func TestTimerStopsItselfThroughScheduler(t *testing.T) {
	w := newTestWorld(t)
	a := joinClient(t, w, "c1", "alice", "")
	pc := a.welcome.ComputerID

	w.StepOnce(nil, nil, []CommandEnvelope{launch(a, "t", "/bin/sleep")})
	if got := w.DebugPendingTasks(pc); got != 2 {
		t.Fatalf("pending=%d, want update tick plus timer", got)
	}
	for i := 0; i < 8; i++ {
		w.StepOnce(nil, nil, nil)
	}
	if got := len(w.DebugProcesses(pc)); got != 2 {
		t.Fatalf("timer stopped early: %d procs", got)
	}
	w.StepOnce(nil, nil, nil)
	if got := len(w.DebugProcesses(pc)); got != 1 {
		t.Fatalf("timer still alive: %d procs", got)
	}
	if got := w.DebugPendingTasks(pc); got != 1 {
		t.Fatalf("pending=%d after stop", got)
	}
}

func TestResumeEvictsOldConnection(t *testing.T) {
	w := newTestWorld(t)
	a1 := joinClient(t, w, "c1", "alice", "")
	a2 := joinClient(t, w, "c2", "", a1.welcome.ResumeToken)

	if !a2.welcome.Resumed || a2.welcome.Identity != a1.welcome.Identity || a2.welcome.ComputerID != a1.welcome.ComputerID {
		t.Fatalf("resume welcome=%+v first=%+v", a2.welcome, a1.welcome)
	}
	select {
	case <-a1.evicted:
	default:
		t.Fatalf("old connection not evicted")
	}
	if conn, _ := w.DebugBoundConnection(a1.identity()); conn != "c2" {
		t.Fatalf("bound conn=%q", conn)
	}

	a1.drain(t)
	a2.drain(t)
	w.StepOnce(nil, nil, []CommandEnvelope{launch(a1, "x", "/bin/daemon"), launch(a2, "y", "/bin/daemon")})
	if got := len(w.DebugProcesses(a2.welcome.ComputerID)); got != 2 {
		t.Fatalf("procs=%d, only the live connection may act", got)
	}
	if msgs := a2.drain(t); len(msgs) != 1 {
		t.Fatalf("new connection got %+v", msgs)
	}
	if msgs := a1.drain(t); len(msgs) != 0 {
		t.Fatalf("evicted connection got %+v", msgs)
	}
}

func TestLeaveKeepsIdentityAndComputer(t *testing.T) {
	w := newTestWorld(t)
	a := joinClient(t, w, "c1", "alice", "")
	w.StepOnce(nil, nil, []CommandEnvelope{launch(a, "x", "/bin/daemon")})
	w.StepOnce(nil, []sbp.ConnID{"c1"}, nil)

	if _, ok := w.DebugBoundConnection(a.identity()); ok {
		t.Fatalf("identity still bound after leave")
	}
	w.StepOnce(nil, nil, []CommandEnvelope{launch(a, "x", "/bin/daemon")})
	if got := len(w.DebugProcesses(a.welcome.ComputerID)); got != 2 {
		t.Fatalf("procs=%d", got)
	}
	back := joinClient(t, w, "c3", "", a.welcome.ResumeToken)
	if back.welcome.ComputerID != a.welcome.ComputerID {
		t.Fatalf("computer changed on resume")
	}
}

func TestListProcesses(t *testing.T) {
	w := newTestWorld(t)
	a := joinClient(t, w, "c1", "alice", "")
	w.StepOnce(nil, nil, []CommandEnvelope{launch(a, "boot", "/sbin/init")})
	a.drain(t)

	w.StepOnce(nil, nil, []CommandEnvelope{{Conn: a.conn, Cmd: &protocol.ListProcessesMsg{
		Type: protocol.TypeListProcesses, ProtocolVersion: protocol.Version,
	}}})
	msgs := a.drain(t)
	if len(msgs) != 1 || msgs[0].Type != protocol.TypeProcessList {
		t.Fatalf("alice got %+v", msgs)
	}
	var list protocol.ProcessListMsg
	if err := protocol.Unmarshal(a.last, &list); err != nil {
		t.Fatalf("list: %v", err)
	}
	if list.ComputerID != a.welcome.ComputerID || len(list.Processes) != 3 {
		t.Fatalf("list=%+v", list)
	}
}
