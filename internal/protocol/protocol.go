package protocol

import "fmt"

const Version = "1.0"

// Message types.
const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeError   = "ERROR"

	// client -> server commands
	TypeLaunchProcess    = "LAUNCH_PROCESS"
	TypeInterruptProcess = "INTERRUPT_PROCESS"
	TypeListProcesses    = "LIST_PROCESSES"

	// server -> client events
	TypeLaunchAck       = "LAUNCH_ACK"
	TypeUserInterrupted = "USER_INTERRUPTED"
	TypeProcessList     = "PROCESS_LIST"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := Unmarshal(b, &m)
	return m, err
}

// DecodeCommand validates a client command against its schema and decodes it
// into its typed message.
func DecodeCommand(b []byte) (Command, error) {
	base, err := DecodeBase(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var cmd Command
	switch base.Type {
	case TypeLaunchProcess:
		cmd = &LaunchProcessMsg{}
	case TypeInterruptProcess:
		cmd = &InterruptProcessMsg{}
	case TypeListProcesses:
		cmd = &ListProcessesMsg{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, base.Type)
	}
	if err := Validate(base.Type, b); err != nil {
		return nil, err
	}
	if err := Unmarshal(b, cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return cmd, nil
}
