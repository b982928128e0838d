package world

import (
	"context"
	"errors"
	"fmt"

	"hackworld.ai/internal/logging"
	"hackworld.ai/internal/sbp"
	"hackworld.ai/internal/sim/process"
	"hackworld.ai/internal/sim/scheduler"
)

// ActionComputerTick advances a computer's process tree by one update.
const ActionComputerTick = "computer.tick"

// Computer is one simulated machine: a process tree plus the scheduler that
// drives it. Each participant identity owns exactly one.
type Computer struct {
	ID    string
	Owner sbp.Identity

	tree  *process.Tree
	sched *scheduler.Scheduler
	w     *World
}

func (w *World) newComputer(id string, owner sbp.Identity) (*Computer, error) {
	c := &Computer{ID: id, Owner: owner, w: w}
	c.sched = scheduler.New(id, c.fire)
	tree, err := process.NewTree(process.Config{
		ComputerID: id,
		Loader:     w.programs,
		Host:       c,
		Logger:     w.log,
		FirstPID:   w.cfg.FirstPID,
	})
	if err != nil {
		return nil, err
	}
	c.tree = tree
	if err := c.sched.Schedule(scheduler.Task{
		Group:         scheduler.GroupComputerUpdate,
		PeriodicDelay: w.cfg.ComputerUpdateEvery,
		Action:        scheduler.Action{Name: ActionComputerTick},
	}); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Computer) Tree() *process.Tree { return c.tree }

// CurrentTick, Schedule and ProcessRemoved make the computer the tree's host.
func (c *Computer) CurrentTick() uint64 { return c.w.tick.Load() }

func (c *Computer) Schedule(t scheduler.Task) error {
	if !c.w.cfg.advances(t.Group) {
		return fmt.Errorf("%w: %q", ErrUnknownGroup, t.Group)
	}
	return c.sched.Schedule(t)
}

func (c *Computer) ProcessRemoved(info process.Info, reason process.RemoveReason) {
	pid := int(info.ID.PID)
	c.sched.Cancel(func(t scheduler.Task) bool {
		return t.Action.PID == pid && t.Action.Name != ActionComputerTick
	})
	actor := ""
	if info.Owner != nil {
		actor = string(info.Owner.Identity)
	}
	c.w.audit(AuditEntry{
		Actor:    actor,
		Action:   "REMOVE",
		Computer: c.ID,
		PID:      pid,
		Source:   string(info.Source),
		Reason:   reason.String(),
	})
	if c.w.observer != nil {
		c.w.observer.ProcessRemoved(reason.String())
	}
}

// update advances every configured group once, in configured order.
func (c *Computer) update() int {
	fired := 0
	for _, g := range c.w.cfg.Groups {
		fired += c.sched.Update(g)
	}
	return fired
}

func (c *Computer) fire(t scheduler.Task) {
	switch t.Action.Name {
	case ActionComputerTick:
		c.tree.Tick()
	case process.ActionStop:
		err := c.tree.Stop(process.PID(t.Action.PID))
		if err != nil && !errors.Is(err, process.ErrNoSuchProcess) {
			c.w.log.Warn(context.Background(), "scheduled stop failed",
				logging.String("computer", c.ID), logging.Int("pid", t.Action.PID), logging.Err(err))
		}
	default:
		c.w.log.Warn(context.Background(), "unknown scheduled action",
			logging.String("computer", c.ID), logging.String("action", t.Action.Name))
	}
}
