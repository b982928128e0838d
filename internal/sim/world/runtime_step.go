package world

import (
	"context"
	"sort"
	"time"

	"hackworld.ai/internal/logging"
	"hackworld.ai/internal/sbp"
)

func (w *World) resetStep() {
	w.stepJoins = w.stepJoins[:0]
	w.stepCommands = w.stepCommands[:0]
	w.stepFired = 0
}

// stepInternal runs one tick. The order is fixed: leaves, joins, participant
// commands in arrival order, administrative interrupts, then every computer's
// scheduler update in computer id order.
func (w *World) stepInternal(ctx context.Context, joins []JoinRequest, leaves []sbp.ConnID, cmds []CommandEnvelope, interrupts []adminInterruptReq) {
	stepStart := time.Now()
	nowTick := w.tick.Load()
	w.resetStep()

	recordedLeaves := make([]string, 0, len(leaves))
	for _, conn := range leaves {
		if id, ok := w.handleLeave(conn); ok {
			recordedLeaves = append(recordedLeaves, string(id))
		}
	}
	for _, req := range joins {
		resp := w.joinSession(ctx, req)
		if req.Resp != nil {
			req.Resp <- resp
		}
	}

	for _, env := range cmds {
		if env.Cmd == nil {
			continue
		}
		w.router.Dispatch(ctx, env.Conn, env.Cmd)
	}

	for _, req := range interrupts {
		w.handleAdminInterrupt(ctx, req)
	}

	w.updateComputers()

	digest := w.stateDigest(nowTick)
	if w.tickLogger != nil {
		entry := TickLogEntry{
			Tick:     nowTick,
			Joins:    append([]RecordedJoin(nil), w.stepJoins...),
			Leaves:   recordedLeaves,
			Commands: append([]RecordedCommand(nil), w.stepCommands...),
			Fired:    w.stepFired,
			Digest:   digest,
		}
		if err := w.tickLogger.WriteTick(entry); err != nil {
			w.log.Warn(ctx, "tick log write failed", logging.Uint64("tick", nowTick), logging.Err(err))
		}
	}

	// Snapshot every N ticks, starting after tick 0.
	if w.snapshotSink != nil && nowTick != 0 && w.cfg.SnapshotEveryTicks > 0 {
		if nowTick%uint64(w.cfg.SnapshotEveryTicks) == 0 {
			snap := w.ExportSnapshot(nowTick)
			select {
			case w.snapshotSink <- snap:
			default:
				// Drop snapshot if sink is backed up.
			}
		}
	}

	nextTick := w.tick.Add(1)
	w.publishMetrics(nextTick, time.Since(stepStart))
}

func (w *World) updateComputers() {
	for _, id := range w.computerIDs() {
		w.stepFired += w.computers[id].update()
	}
}

func (w *World) computerIDs() []string {
	out := make([]string, 0, len(w.computers))
	for id := range w.computers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
