package protocol

import (
	"hackworld.ai/internal/sbp"
	"hackworld.ai/internal/sim/process"
)

// Command is a decoded client -> server message.
type Command interface {
	EventKind() string
}

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name"`
	// ResumeToken from an earlier WELCOME keeps the participant's identity.
	ResumeToken string `json:"resume_token,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Identity        string   `json:"identity"`
	ResumeToken     string   `json:"resume_token"`
	ComputerID      string   `json:"computer_id"`
	TickRateHz      int      `json:"tick_rate_hz"`
	CurrentTick     uint64   `json:"current_tick"`
	Programs        []string `json:"programs,omitempty"`
	Resumed         bool     `json:"resumed,omitempty"`
}

// LAUNCH_PROCESS (client -> server). The process is owned by the sender with
// OwnerDetails naming the routine that asked for it.
type LaunchProcessMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	OwnerDetails    string `json:"owner_details"`
	ProgramPath     string `json:"program_path"`
}

// INTERRUPT_PROCESS (client -> server), applied to the sender's computer.
type InterruptProcessMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	PID             int    `json:"pid"`
	Recursive       bool   `json:"recursive"`
}

// LIST_PROCESSES (client -> server)
type ListProcessesMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
}

func (*LaunchProcessMsg) EventKind() string    { return TypeLaunchProcess }
func (*InterruptProcessMsg) EventKind() string { return TypeInterruptProcess }
func (*ListProcessesMsg) EventKind() string    { return TypeListProcesses }

// LAUNCH_ACK (server -> client)
type LaunchAckMsg struct {
	Type            string                 `json:"type"`
	ProtocolVersion string                 `json:"protocol_version"`
	Tick            uint64                 `json:"tick"`
	OwnerID         sbp.UserID             `json:"owner_id"`
	ProcessID       process.WorldProcessID `json:"process_id"`
}

// USER_INTERRUPTED (server -> client): a process the client owns was
// interrupted by someone else.
type UserInterruptedMsg struct {
	Type            string                 `json:"type"`
	ProtocolVersion string                 `json:"protocol_version"`
	Tick            uint64                 `json:"tick"`
	OwnerID         sbp.UserID             `json:"owner_id"`
	ProcessID       process.WorldProcessID `json:"process_id"`
}

// PROCESS_LIST (server -> client)
type ProcessListMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	Tick            uint64         `json:"tick"`
	ComputerID      string         `json:"computer_id"`
	Processes       []ProcessEntry `json:"processes"`
}

type ProcessEntry struct {
	PID      int         `json:"pid"`
	Parent   int         `json:"parent"`
	Children []int       `json:"children,omitempty"`
	State    string      `json:"state"`
	Source   string      `json:"source,omitempty"`
	Owner    *sbp.UserID `json:"owner,omitempty"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
	Tick            uint64 `json:"tick,omitempty"`
}

func (*LaunchAckMsg) EventKind() string       { return TypeLaunchAck }
func (*UserInterruptedMsg) EventKind() string { return TypeUserInterrupted }
func (*ProcessListMsg) EventKind() string     { return TypeProcessList }
func (*ErrorMsg) EventKind() string           { return TypeError }
func (*WelcomeMsg) EventKind() string         { return TypeWelcome }

func (m *LaunchAckMsg) EventOwner() sbp.UserID       { return m.OwnerID }
func (m *UserInterruptedMsg) EventOwner() sbp.UserID { return m.OwnerID }

func NewLaunchAck(tick uint64, owner sbp.UserID, id process.WorldProcessID) *LaunchAckMsg {
	return &LaunchAckMsg{Type: TypeLaunchAck, ProtocolVersion: Version, Tick: tick, OwnerID: owner, ProcessID: id}
}

func NewUserInterrupted(tick uint64, owner sbp.UserID, id process.WorldProcessID) *UserInterruptedMsg {
	return &UserInterruptedMsg{Type: TypeUserInterrupted, ProtocolVersion: Version, Tick: tick, OwnerID: owner, ProcessID: id}
}

func NewError(tick uint64, code, message string) *ErrorMsg {
	return &ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: code, Message: message, Tick: tick}
}

// NewProcessList converts tree entries into their wire form.
func NewProcessList(tick uint64, computerID string, infos []process.Info) *ProcessListMsg {
	m := &ProcessListMsg{
		Type:            TypeProcessList,
		ProtocolVersion: Version,
		Tick:            tick,
		ComputerID:      computerID,
		Processes:       make([]ProcessEntry, 0, len(infos)),
	}
	for _, in := range infos {
		e := ProcessEntry{
			PID:    int(in.ID.PID),
			Parent: int(in.Parent),
			State:  in.State.String(),
			Source: string(in.Source),
			Owner:  in.Owner,
		}
		for _, c := range in.Children {
			e.Children = append(e.Children, int(c))
		}
		m.Processes = append(m.Processes, e)
	}
	return m
}
