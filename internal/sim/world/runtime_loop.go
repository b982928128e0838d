package world

import (
	"context"
	"time"

	"hackworld.ai/internal/sbp"
	"hackworld.ai/internal/sim/process"
)

func (w *World) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(w.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pendingCommands []CommandEnvelope
	var pendingJoins []JoinRequest
	var pendingLeaves []sbp.ConnID
	var pendingAdmin []adminSnapshotReq
	var pendingInterrupts []adminInterruptReq

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case req := <-w.join:
			pendingJoins = append(pendingJoins, req)
		case conn := <-w.leave:
			pendingLeaves = append(pendingLeaves, conn)
		case req := <-w.admin:
			pendingAdmin = append(pendingAdmin, req)
		case req := <-w.interrupt:
			pendingInterrupts = append(pendingInterrupts, req)
		case env := <-w.inbox:
			pendingCommands = append(pendingCommands, env)
		case <-ticker.C:
			w.stepInternal(ctx, pendingJoins, pendingLeaves, pendingCommands, pendingInterrupts)
			w.handleAdminSnapshotRequests(pendingAdmin)
			pendingJoins = pendingJoins[:0]
			pendingLeaves = pendingLeaves[:0]
			pendingCommands = pendingCommands[:0]
			pendingAdmin = pendingAdmin[:0]
			pendingInterrupts = pendingInterrupts[:0]
		}
	}
}

func (w *World) Stop() { close(w.stop) }

// StepOnce advances the world by a single tick using the same ordering semantics as the server.
// It is primarily intended for deterministic tests.
func (w *World) StepOnce(joins []JoinRequest, leaves []sbp.ConnID, cmds []CommandEnvelope) (tick uint64, digest string) {
	tick = w.tick.Load()
	w.stepInternal(context.Background(), joins, leaves, cmds, nil)
	return tick, w.stateDigest(tick)
}

// ReplayTick re-applies one recorded tick log entry and returns the digest it
// produced. Commands run directly against the recorded identities; nothing is
// delivered since no connection is bound.
func (w *World) ReplayTick(e TickLogEntry) (string, error) {
	ctx := context.Background()
	nowTick := w.tick.Load()
	w.resetStep()
	for _, j := range e.Joins {
		if err := w.replayJoin(j); err != nil {
			return "", err
		}
	}
	for _, rc := range e.Commands {
		switch {
		case rc.Identity == "" && rc.Interrupt != nil:
			if c := w.computers[rc.ComputerID]; c != nil {
				_, _ = w.interruptProcess(ctx, c, process.PID(rc.Interrupt.PID), rc.Interrupt.Recursive, "")
			}
		case rc.Launch != nil:
			w.applyCommand(ctx, sbp.Identity(rc.Identity), rc.Launch)
		case rc.Interrupt != nil:
			w.applyCommand(ctx, sbp.Identity(rc.Identity), rc.Interrupt)
		}
	}
	w.updateComputers()
	digest := w.stateDigest(nowTick)
	w.tick.Add(1)
	return digest, nil
}

func sendLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		return
	default:
	}
	// Drop one.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}
