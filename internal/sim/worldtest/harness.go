package worldtest

import (
	"fmt"
	"testing"

	"hackworld.ai/internal/persistence/snapshot"
	"hackworld.ai/internal/protocol"
	"hackworld.ai/internal/sbp"
	"hackworld.ai/internal/sim/process"
	"hackworld.ai/internal/sim/programs"
	world "hackworld.ai/internal/sim/world"
)

// Harness is a small black-box test helper for driving a world via exported APIs:
// - Join() issues JoinRequest via StepOnce()
// - Launch()/Interrupt() issue commands via StepOnce()
// - Per-participant Out channels carry the events routed to them
//
// It intentionally avoids touching world internals so tests can live outside the world package.
type Harness struct {
	T *testing.T
	W *world.World

	sessions map[string]*Participant
	nextConn int
}

type Participant struct {
	Name    string
	Conn    sbp.ConnID
	Welcome protocol.WelcomeMsg
	Out     chan []byte
	Evicted chan struct{}

	Events []Event
}

// Event is one decoded outbound message.
type Event struct {
	Type string
	Raw  []byte
}

func NewHarness(t *testing.T, cfg world.Config, cat *programs.Catalog) *Harness {
	t.Helper()
	w, err := world.New(cfg, cat, nil)
	if err != nil {
		t.Fatalf("world.New: %v", err)
	}
	return NewHarnessWithWorld(t, w)
}

// NewHarnessWithWorld is like NewHarness, but uses an already-constructed world instance.
// This is useful for snapshot round-trip tests where the snapshot is imported before join.
func NewHarnessWithWorld(t *testing.T, w *world.World) *Harness {
	t.Helper()
	if w == nil {
		t.Fatalf("NewHarnessWithWorld: nil world")
	}
	return &Harness{T: t, W: w, sessions: map[string]*Participant{}}
}

// Join connects a new participant, or resumes one when token is set.
func (h *Harness) Join(name, token string) *Participant {
	h.T.Helper()
	h.nextConn++
	p := &Participant{
		Name:    name,
		Conn:    sbp.ConnID(fmt.Sprintf("conn-%d", h.nextConn)),
		Out:     make(chan []byte, 64),
		Evicted: make(chan struct{}),
	}
	resp := make(chan world.JoinResponse, 1)
	_, _ = h.W.StepOnce([]world.JoinRequest{{
		Conn:        p.Conn,
		Name:        name,
		ResumeToken: token,
		Out:         p.Out,
		Evicted:     p.Evicted,
		Resp:        resp,
	}}, nil, nil)
	jr := <-resp
	if jr.Code != "" || jr.Welcome.Identity == "" {
		h.T.Fatalf("join %q refused: %q", name, jr.Code)
	}
	p.Welcome = jr.Welcome
	h.sessions[name] = p
	h.drainAll()
	return p
}

func (h *Harness) Leave(p *Participant) {
	h.T.Helper()
	_, _ = h.W.StepOnce(nil, []sbp.ConnID{p.Conn}, nil)
	h.drainAll()
}

// Step runs one tick carrying cmds and returns that tick's digest.
func (h *Harness) Step(cmds ...world.CommandEnvelope) string {
	h.T.Helper()
	_, digest := h.W.StepOnce(nil, nil, cmds)
	h.drainAll()
	return digest
}

func (h *Harness) StepN(n int) {
	for i := 0; i < n; i++ {
		h.Step()
	}
}

func (p *Participant) Launch(details, path string) world.CommandEnvelope {
	return world.CommandEnvelope{Conn: p.Conn, Cmd: &protocol.LaunchProcessMsg{
		Type:            protocol.TypeLaunchProcess,
		ProtocolVersion: protocol.Version,
		OwnerDetails:    details,
		ProgramPath:     path,
	}}
}

func (p *Participant) Interrupt(pid process.PID, recursive bool) world.CommandEnvelope {
	return world.CommandEnvelope{Conn: p.Conn, Cmd: &protocol.InterruptProcessMsg{
		Type:            protocol.TypeInterruptProcess,
		ProtocolVersion: protocol.Version,
		PID:             int(pid),
		Recursive:       recursive,
	}}
}

func (p *Participant) Identity() sbp.Identity { return sbp.Identity(p.Welcome.Identity) }

// Take returns and clears the events received so far.
func (p *Participant) Take() []Event {
	ev := p.Events
	p.Events = nil
	return ev
}

func (h *Harness) Processes(p *Participant) []process.Info {
	return h.W.DebugProcesses(p.Welcome.ComputerID)
}

func (h *Harness) Snapshot() (tick uint64, snap snapshot.SnapshotV1) {
	h.T.Helper()
	// Keep tick stable: export at currentTick-1 then import would restore to currentTick.
	cur := h.W.CurrentTick()
	if cur == 0 {
		return 0, h.W.ExportSnapshot(0)
	}
	tick = cur - 1
	return tick, h.W.ExportSnapshot(tick)
}

func (h *Harness) drainAll() {
	for _, p := range h.sessions {
		for {
			select {
			case b := <-p.Out:
				base, err := protocol.DecodeBase(b)
				if err != nil {
					h.T.Fatalf("decode outbound for %s: %v", p.Name, err)
				}
				p.Events = append(p.Events, Event{Type: base.Type, Raw: b})
				continue
			default:
			}
			break
		}
	}
}
