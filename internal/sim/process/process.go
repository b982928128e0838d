// Package process implements the per-computer process tree: PID allocation,
// the launch protocol, lifecycle states and cooperative interrupts.
package process

import (
	"errors"
	"fmt"

	"hackworld.ai/internal/sbp"
	"hackworld.ai/internal/sim/scheduler"
)

type PID int

// NoPID marks the absent parent of a root process.
const NoPID PID = -1

// ActionStop is the scheduler action that stops the process named by its pid.
const ActionStop = "process.stop"

type State int

const (
	Created State = iota
	Running
	Interrupted
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "CREATED"
	case Running:
		return "RUNNING"
	case Interrupted:
		return "INTERRUPTED"
	case Stopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	ErrNoSuchProcess    = errors.New("process: no such process")
	ErrRootProcess      = errors.New("process: operation not permitted on root")
	ErrParentNotRunning = errors.New("process: parent is not running")
	ErrInitFailed       = errors.New("process: initialization failed")
	ErrRunFailed        = errors.New("process: run failed")
	ErrPIDInUse         = errors.New("process: pid already in use")
	ErrInvalidTreeState = errors.New("process: invalid tree state")
	ErrNoLoader         = errors.New("process: no program loader")
)

// WorldProcessID addresses one process across all computers.
type WorldProcessID struct {
	ComputerID string `json:"computer_id"`
	PID        PID    `json:"pid"`
}

func (id WorldProcessID) String() string {
	return fmt.Sprintf("%s:%d", id.ComputerID, id.PID)
}

// Source locates the program a process runs.
type Source string

// Executor is the behaviour a process runs. The tree calls Init once the pid
// is known, then Run; Interrupt and Stop signal lifecycle changes.
//
// Interrupt is advisory: an executor is expected to notice (via
// Context.Interrupted) and ask for its own stop.
type Executor interface {
	Init(pid PID) error
	Run(ctx *Context) error
	Interrupt(recursive bool)
	Stop()
}

// Ticker is implemented by executors that progress every computer update.
type Ticker interface {
	Tick(ctx *Context)
}

// Loader turns a Source into a fresh Executor.
type Loader interface {
	Load(src Source) (Executor, error)
}

type LoaderFunc func(src Source) (Executor, error)

func (f LoaderFunc) Load(src Source) (Executor, error) { return f(src) }

// Host is what the tree needs from the machine that owns it.
type Host interface {
	CurrentTick() uint64
	Schedule(t scheduler.Task) error
	ProcessRemoved(info Info, reason RemoveReason)
}

// Info is a read-only copy of one process.
type Info struct {
	ID       WorldProcessID `json:"id"`
	Parent   PID            `json:"parent"`
	Children []PID          `json:"children,omitempty"`
	State    State          `json:"state"`
	Source   Source         `json:"source,omitempty"`
	Owner    *sbp.UserID    `json:"owner,omitempty"`
}

// OwnedBy reports whether the process belongs to id.
func (i Info) OwnedBy(id sbp.Identity) bool {
	return i.Owner != nil && i.Owner.Identity == id
}

type node struct {
	pid      PID
	parent   PID
	children []*node
	state    State
	source   Source
	owner    *sbp.UserID
	exec     Executor
}

func (n *node) info(computerID string) Info {
	out := Info{
		ID:     WorldProcessID{ComputerID: computerID, PID: n.pid},
		Parent: n.parent,
		State:  n.state,
		Source: n.source,
	}
	if len(n.children) > 0 {
		out.Children = make([]PID, 0, len(n.children))
		for _, c := range n.children {
			out.Children = append(out.Children, c.pid)
		}
	}
	if n.owner != nil {
		o := *n.owner
		out.Owner = &o
	}
	return out
}

func (n *node) detachChild(c *node) bool {
	for i, x := range n.children {
		if x == c {
			n.children = append(n.children[:i], n.children[i+1:]...)
			return true
		}
	}
	return false
}
