package world

import (
	"context"

	"hackworld.ai/internal/logging"
	"hackworld.ai/internal/persistence/snapshot"
	"hackworld.ai/internal/sbp"
	"hackworld.ai/internal/sim/process"
)

func (w *World) SetTickLogger(l TickLogger)                    { w.tickLogger = l }
func (w *World) SetAuditLogger(l AuditLogger)                  { w.auditLogger = l }
func (w *World) SetObserver(o Observer)                        { w.observer = o }
func (w *World) SetSnapshotSink(ch chan<- snapshot.SnapshotV1) { w.snapshotSink = ch }

func (w *World) Inbox() chan<- CommandEnvelope { return w.inbox }
func (w *World) Join() chan<- JoinRequest      { return w.join }
func (w *World) Leave() chan<- sbp.ConnID      { return w.leave }

func (w *World) ID() string          { return w.cfg.ID }
func (w *World) TickRateHz() int     { return w.cfg.TickRateHz }
func (w *World) CurrentTick() uint64 { return w.tick.Load() }
func (w *World) Programs() []string  { return w.programs.Names() }

// Config returns the effective configuration, including values adopted from
// an imported snapshot. Not safe to call while Run is active.
func (w *World) Config() Config {
	c := w.cfg
	c.Groups = append([]string(nil), w.cfg.Groups...)
	return c
}

func (w *World) audit(e AuditEntry) {
	if w.auditLogger == nil {
		return
	}
	e.Tick = w.tick.Load()
	if err := w.auditLogger.WriteAudit(e); err != nil {
		w.log.Warn(context.Background(), "audit write failed", logging.String("action", e.Action), logging.Err(err))
	}
}

// ---- Debug/Test Helpers ----
//
// They are NOT safe to call concurrently with Run(). Prefer using them only in tests that drive
// the world via StepOnce(), from a single goroutine.

// DebugComputerOf returns the id of the computer owned by identity.
func (w *World) DebugComputerOf(id sbp.Identity) (string, bool) {
	c := w.computerOf(id)
	if c == nil {
		return "", false
	}
	return c.ID, true
}

// DebugProcesses lists the processes of one computer in pre-order.
func (w *World) DebugProcesses(computerID string) []process.Info {
	c := w.computers[computerID]
	if c == nil {
		return nil
	}
	var out []process.Info
	c.tree.Walk(func(i process.Info) { out = append(out, i) })
	return out
}

// DebugPendingTasks counts scheduled tasks on one computer, including its update tick.
func (w *World) DebugPendingTasks(computerID string) int {
	c := w.computers[computerID]
	if c == nil {
		return 0
	}
	return c.sched.Len()
}

func (w *World) DebugBoundConnection(id sbp.Identity) (sbp.ConnID, bool) {
	return w.reg.ConnectionOf(id)
}
