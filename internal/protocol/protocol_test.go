package protocol

import (
	"errors"
	"testing"

	"hackworld.ai/internal/sbp"
	"hackworld.ai/internal/sim/process"
)

func TestDecodeCommand(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"type":"LAUNCH_PROCESS","protocol_version":"1.0","owner_details":"shell#1","program_path":"/bin/daemon"}`))
	if err != nil {
		t.Fatalf("decode launch: %v", err)
	}
	launch, ok := cmd.(*LaunchProcessMsg)
	if !ok || launch.OwnerDetails != "shell#1" || launch.ProgramPath != "/bin/daemon" {
		t.Fatalf("launch=%#v", cmd)
	}

	cmd, err = DecodeCommand([]byte(`{"type":"INTERRUPT_PROCESS","pid":4,"recursive":true}`))
	if err != nil {
		t.Fatalf("decode interrupt: %v", err)
	}
	if in := cmd.(*InterruptProcessMsg); in.PID != 4 || !in.Recursive {
		t.Fatalf("interrupt=%#v", in)
	}

	cmd, err = DecodeCommand([]byte(`{"type":"LIST_PROCESSES"}`))
	if err != nil || cmd.EventKind() != TypeListProcesses {
		t.Fatalf("list: %v %#v", err, cmd)
	}
}

func TestDecodeCommandRejects(t *testing.T) {
	cases := map[string]struct {
		raw  string
		want error
	}{
		"not json":      {`{`, ErrMalformed},
		"unknown type":  {`{"type":"FORMAT_DISK"}`, ErrUnknownType},
		"hello":         {`{"type":"HELLO","protocol_version":"1.0","client_name":"x"}`, ErrUnknownType},
		"numeric path":  {`{"type":"LAUNCH_PROCESS","owner_details":"a","program_path":7}`, ErrInvalid},
		"negative pid":  {`{"type":"INTERRUPT_PROCESS","pid":-1}`, ErrInvalid},
		"fractional":    {`{"type":"INTERRUPT_PROCESS","pid":1.5}`, ErrInvalid},
		"string pid":    {`{"type":"INTERRUPT_PROCESS","pid":"1"}`, ErrInvalid},
		"recursive str": {`{"type":"INTERRUPT_PROCESS","pid":1,"recursive":"yes"}`, ErrInvalid},
	}
	for name, tc := range cases {
		_, err := DecodeCommand([]byte(tc.raw))
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: err=%v want %v", name, err, tc.want)
		}
		if CodeFor(err) != ErrProtoBadRequest {
			t.Fatalf("%s: code %q", name, CodeFor(err))
		}
	}
}

func TestOutboundMessagesMatchSchemas(t *testing.T) {
	owner := sbp.UserID{Identity: "id_01", Details: "shell"}
	pid := process.WorldProcessID{ComputerID: "pc_01", PID: 3}

	check := func(typ string, v any) {
		t.Helper()
		b, err := Marshal(v)
		if err != nil {
			t.Fatalf("marshal %s: %v", typ, err)
		}
		if err := Validate(typ, b); err != nil {
			t.Fatalf("%s: %v\n%s", typ, err, b)
		}
	}
	check(TypeLaunchAck, NewLaunchAck(12, owner, pid))
	check(TypeUserInterrupted, NewUserInterrupted(12, owner, pid))
	check(TypeWelcome, &WelcomeMsg{
		Type:            TypeWelcome,
		ProtocolVersion: Version,
		Identity:        "id_01",
		ResumeToken:     "resume_01",
		ComputerID:      "pc_01",
		TickRateHz:      5,
		Programs:        []string{"daemon"},
	})
	check(TypeHello, &HelloMsg{Type: TypeHello, ProtocolVersion: Version, ClientName: "bot"})
}

func TestOwnedEvents(t *testing.T) {
	owner := sbp.UserID{Identity: "a", Details: "d"}
	ack := NewLaunchAck(1, owner, process.WorldProcessID{ComputerID: "pc", PID: 1})
	if ack.EventOwner() != owner || ack.EventKind() != TypeLaunchAck {
		t.Fatalf("ack %#v", ack)
	}
}

func TestNewProcessList(t *testing.T) {
	owner := &sbp.UserID{Identity: "a", Details: "d"}
	m := NewProcessList(9, "pc", []process.Info{
		{ID: process.WorldProcessID{ComputerID: "pc", PID: 2}, Parent: 0, Children: []process.PID{5}, State: process.Interrupted, Source: "/bin/daemon", Owner: owner},
	})
	if len(m.Processes) != 1 {
		t.Fatalf("processes %d", len(m.Processes))
	}
	e := m.Processes[0]
	if e.PID != 2 || e.State != "INTERRUPTED" || len(e.Children) != 1 || e.Children[0] != 5 || e.Owner.Identity != "a" {
		t.Fatalf("entry %#v", e)
	}
	b, err := Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	base, err := DecodeBase(b)
	if err != nil || base.Type != TypeProcessList || base.ProtocolVersion != Version {
		t.Fatalf("base %+v err=%v", base, err)
	}
}

// Launches naming no program still decode; the world drops them without a reply.
func TestDecodeCommandKeepsLaunchWithoutPath(t *testing.T) {
	for _, raw := range []string{
		`{"type":"LAUNCH_PROCESS","owner_details":"a"}`,
		`{"type":"LAUNCH_PROCESS","owner_details":"a","program_path":""}`,
	} {
		cmd, err := DecodeCommand([]byte(raw))
		if err != nil {
			t.Fatalf("%s: %v", raw, err)
		}
		m, ok := cmd.(*LaunchProcessMsg)
		if !ok || m.ProgramPath != "" {
			t.Fatalf("%s: %#v", raw, cmd)
		}
	}
}
