package process

import (
	"fmt"

	"hackworld.ai/internal/sbp"
	"hackworld.ai/internal/sim/scheduler"
)

// Context is handed to an executor on every call that may act on the tree.
// It is only valid for the duration of that call.
type Context struct {
	tree *Tree
	pid  PID
}

func (c *Context) PID() PID           { return c.pid }
func (c *Context) ID() WorldProcessID { return c.tree.ID(c.pid) }
func (c *Context) ComputerID() string { return c.tree.computerID }

// Tick is the current world tick, or 0 when the tree has no host.
func (c *Context) Tick() uint64 {
	if c.tree.host == nil {
		return 0
	}
	return c.tree.host.CurrentTick()
}

func (c *Context) State() State {
	n, ok := c.tree.procs[c.pid]
	if !ok {
		return Stopped
	}
	return n.state
}

// Interrupted is the cooperative cancellation check executors poll.
func (c *Context) Interrupted() bool { return c.State() == Interrupted }

// Owner returns the routine this process reports to, if any.
func (c *Context) Owner() (sbp.UserID, bool) {
	n, ok := c.tree.procs[c.pid]
	if !ok || n.owner == nil {
		return sbp.UserID{}, false
	}
	return *n.owner, true
}

// RequestStop asks the tree to stop this process once the current Launch or
// Tick returns.
func (c *Context) RequestStop() { c.tree.requestStop(c.pid) }

// Launch starts a child of this process with the same owner.
func (c *Context) Launch(src Source) (WorldProcessID, error) {
	spec := LaunchSpec{Parent: c.pid, Source: src}
	if owner, ok := c.Owner(); ok {
		spec.Owner = &owner
	}
	return c.tree.Launch(spec)
}

// Schedule registers a task addressed to this process on the owning
// computer's scheduler. Any pid already in t.Action is replaced.
func (c *Context) Schedule(t scheduler.Task) error {
	return c.ScheduleFor(c.pid, t)
}

// ScheduleFor registers a task addressed to another live process on the same
// computer, the root included.
func (c *Context) ScheduleFor(pid PID, t scheduler.Task) error {
	if c.tree.host == nil {
		return fmt.Errorf("process %s: no host to schedule on", c.ID())
	}
	if _, ok := c.tree.procs[pid]; !ok {
		return fmt.Errorf("%w: %d", ErrNoSuchProcess, pid)
	}
	t.Action.PID = int(pid)
	return c.tree.host.Schedule(t)
}
