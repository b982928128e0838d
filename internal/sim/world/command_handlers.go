package world

import (
	"context"

	"hackworld.ai/internal/logging"
	"hackworld.ai/internal/protocol"
	"hackworld.ai/internal/router"
	"hackworld.ai/internal/sbp"
	"hackworld.ai/internal/sim/process"
)

func (w *World) registerRoutes() {
	w.router.Handle(router.Or(
		router.KindIs(protocol.TypeLaunchProcess),
		router.KindIs(protocol.TypeInterruptProcess),
		router.KindIs(protocol.TypeListProcesses),
	), w.applyCommand)
}

// applyCommand runs one command on behalf of sender. It is shared by live
// dispatch and replay.
func (w *World) applyCommand(ctx context.Context, sender sbp.Identity, e router.Event) {
	c := w.computerOf(sender)
	if c == nil {
		w.log.Warn(ctx, "command from identity without computer", logging.String("identity", string(sender)))
		return
	}
	switch m := e.(type) {
	case *protocol.LaunchProcessMsg:
		w.record(RecordedCommand{Identity: string(sender), Type: m.EventKind(), ComputerID: c.ID, Launch: m})
		w.handleLaunch(ctx, c, sender, m)
	case *protocol.InterruptProcessMsg:
		w.record(RecordedCommand{Identity: string(sender), Type: m.EventKind(), ComputerID: c.ID, Interrupt: m})
		w.handleInterrupt(ctx, c, sender, m)
	case *protocol.ListProcessesMsg:
		w.handleList(ctx, c, sender)
	}
}

func (w *World) record(rc RecordedCommand) {
	w.stepCommands = append(w.stepCommands, rc)
}

func (w *World) handleLaunch(ctx context.Context, c *Computer, sender sbp.Identity, m *protocol.LaunchProcessMsg) {
	nowTick := w.tick.Load()
	src, ok := w.programs.Lookup(m.ProgramPath)
	if !ok {
		w.log.Debug(ctx, "launch of unknown program ignored",
			logging.String("identity", string(sender)), logging.String("program", m.ProgramPath))
		return
	}
	owner := sbp.UserID{Identity: sender, Details: m.OwnerDetails}
	id, err := c.tree.Launch(process.LaunchSpec{Parent: c.tree.Root(), Owner: &owner, Source: src})
	if err != nil {
		w.log.Warn(ctx, "launch failed",
			logging.String("owner", owner.String()), logging.String("source", string(src)), logging.Err(err))
		w.audit(AuditEntry{Actor: string(sender), Action: "LAUNCH_FAILED", Computer: c.ID, Source: string(src), Reason: err.Error()})
		if w.observer != nil {
			w.observer.LaunchFailed()
		}
		return
	}
	w.audit(AuditEntry{Actor: string(sender), Action: "LAUNCH", Computer: c.ID, PID: int(id.PID), Source: string(src)})
	if w.observer != nil {
		w.observer.Launched()
	}
	w.router.Deliver(ctx, owner, protocol.NewLaunchAck(nowTick, owner, id))
}

func (w *World) handleInterrupt(ctx context.Context, c *Computer, sender sbp.Identity, m *protocol.InterruptProcessMsg) {
	info, ok := c.tree.Get(process.PID(m.PID))
	if !ok {
		w.log.Debug(ctx, "interrupt of unknown process ignored",
			logging.String("identity", string(sender)), logging.Int("pid", m.PID))
		return
	}
	if !w.router.Authorize(ctx, sender, info) {
		w.audit(AuditEntry{Actor: string(sender), Action: "INTERRUPT_DENIED", Computer: c.ID, PID: m.PID})
		if w.observer != nil {
			w.observer.Denied()
		}
		return
	}
	_, _ = w.interruptProcess(ctx, c, info.ID.PID, m.Recursive, sender)
}

// interruptProcess interrupts pid and tells the owner of every process that
// changed state, except the actor about the process it named itself.
func (w *World) interruptProcess(ctx context.Context, c *Computer, pid process.PID, recursive bool, actor sbp.Identity) ([]process.PID, error) {
	nowTick := w.tick.Load()
	changed, err := c.tree.Interrupt(pid, recursive)
	if err != nil {
		w.log.Warn(ctx, "interrupt failed",
			logging.String("computer", c.ID), logging.Int("pid", int(pid)), logging.Err(err))
		return nil, err
	}
	w.audit(AuditEntry{Actor: string(actor), Action: "INTERRUPT", Computer: c.ID, PID: int(pid)})
	for _, p := range changed {
		info, ok := c.tree.Get(p)
		if !ok || info.Owner == nil {
			continue
		}
		if p == pid && actor != "" && info.Owner.Identity == actor {
			continue
		}
		w.router.Deliver(ctx, *info.Owner, protocol.NewUserInterrupted(nowTick, *info.Owner, info.ID))
	}
	if w.observer != nil {
		w.observer.Interrupted(len(changed))
	}
	return changed, nil
}

func (w *World) handleList(ctx context.Context, c *Computer, sender sbp.Identity) {
	var infos []process.Info
	c.tree.Walk(func(i process.Info) { infos = append(infos, i) })
	w.router.Deliver(ctx, sbp.UserID{Identity: sender}, protocol.NewProcessList(w.tick.Load(), c.ID, infos))
}
