package world

import (
	"context"
	"errors"
	"fmt"

	"hackworld.ai/internal/protocol"
	"hackworld.ai/internal/sim/process"
)

var ErrNoSuchComputer = errors.New("world: no such computer")

type adminSnapshotReq struct {
	Resp chan adminSnapshotResp
}

type adminSnapshotResp struct {
	Tick uint64
	Err  string
}

type adminInterruptReq struct {
	ComputerID string
	PID        process.PID
	Recursive  bool
	Resp       chan adminInterruptResp
}

type adminInterruptResp struct {
	Changed []process.PID
	Err     error
}

// RequestSnapshot asks the world loop goroutine to enqueue a snapshot.
// It is safe to call from other goroutines (e.g. HTTP handlers).
func (w *World) RequestSnapshot(ctx context.Context) (tick uint64, err error) {
	if w == nil || w.admin == nil {
		return 0, errors.New("admin snapshot not available")
	}
	resp := make(chan adminSnapshotResp, 1)
	req := adminSnapshotReq{Resp: resp}

	select {
	case w.admin <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	select {
	case r := <-resp:
		if r.Err != "" {
			return r.Tick, errors.New(r.Err)
		}
		return r.Tick, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// RequestInterrupt interrupts a process as an external authority: no ownership
// check, and every affected owner is notified. It is applied at the next tick
// boundary and returns the pids whose state changed.
func (w *World) RequestInterrupt(ctx context.Context, computerID string, pid process.PID, recursive bool) ([]process.PID, error) {
	resp := make(chan adminInterruptResp, 1)
	req := adminInterruptReq{ComputerID: computerID, PID: pid, Recursive: recursive, Resp: resp}

	select {
	case w.interrupt <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-resp:
		return r.Changed, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *World) handleAdminInterrupt(ctx context.Context, req adminInterruptReq) {
	var out adminInterruptResp
	c := w.computers[req.ComputerID]
	if c == nil {
		out.Err = fmt.Errorf("%w: %q", ErrNoSuchComputer, req.ComputerID)
	} else {
		w.record(RecordedCommand{
			Type:       protocol.TypeInterruptProcess,
			ComputerID: c.ID,
			Interrupt: &protocol.InterruptProcessMsg{
				Type:            protocol.TypeInterruptProcess,
				ProtocolVersion: protocol.Version,
				PID:             int(req.PID),
				Recursive:       req.Recursive,
			},
		})
		out.Changed, out.Err = w.interruptProcess(ctx, c, req.PID, req.Recursive, "")
	}
	if req.Resp != nil {
		select {
		case req.Resp <- out:
		default:
		}
	}
}

func (w *World) handleAdminSnapshotRequests(reqs []adminSnapshotReq) {
	if w == nil || len(reqs) == 0 {
		return
	}
	cur := w.tick.Load()
	snapTick := uint64(0)
	if cur > 0 {
		snapTick = cur - 1
	}

	errStr := ""
	if w.snapshotSink == nil {
		errStr = "snapshot sink not configured"
	} else {
		snap := w.ExportSnapshot(snapTick)
		select {
		case w.snapshotSink <- snap:
		default:
			errStr = "snapshot sink backpressure"
		}
	}

	resp := adminSnapshotResp{Tick: snapTick, Err: errStr}
	for _, r := range reqs {
		if r.Resp == nil {
			continue
		}
		select {
		case r.Resp <- resp:
		default:
			// Client timed out; don't block the sim loop.
		}
	}
}
