package world

import (
	"fmt"
	"sort"

	"hackworld.ai/internal/persistence/snapshot"
	"hackworld.ai/internal/sbp"
	"hackworld.ai/internal/sim/process"
	"hackworld.ai/internal/sim/scheduler"
)

// ImportSnapshot replaces the current in-memory world state with the snapshot.
// It sets the world's tick to snapshotTick+1 (the next tick to simulate).
// Connections are not part of a snapshot; participants reconnect with their
// resume tokens.
//
// This must be called only when the world is stopped or from the world loop goroutine.
func (w *World) ImportSnapshot(s snapshot.SnapshotV1) error {
	if s.Header.Version != snapshot.CurrentVersion {
		return fmt.Errorf("unsupported snapshot version: %d", s.Header.Version)
	}
	if s.Header.WorldID != "" && s.Header.WorldID != w.cfg.ID {
		return fmt.Errorf("snapshot world mismatch: cfg=%s snap=%s", w.cfg.ID, s.Header.WorldID)
	}

	// Operational parameters: snapshot is authoritative when present.
	cfg := w.cfg
	if s.TickRate > 0 {
		cfg.TickRateHz = s.TickRate
	}
	if s.SnapshotEveryTicks > 0 {
		cfg.SnapshotEveryTicks = s.SnapshotEveryTicks
	}
	if s.ComputerUpdateEvery > 0 {
		cfg.ComputerUpdateEvery = s.ComputerUpdateEvery
	}
	if len(s.Groups) > 0 {
		if err := validateGroups(s.Groups); err != nil {
			return fmt.Errorf("snapshot: %w", err)
		}
		cfg.Groups = append([]string(nil), s.Groups...)
	}

	sessions := map[sbp.Identity]*session{}
	byToken := map[string]sbp.Identity{}
	for _, sv := range s.Sessions {
		id := sbp.Identity(sv.Identity)
		if id == "" {
			return fmt.Errorf("snapshot session without identity")
		}
		if _, dup := sessions[id]; dup {
			return fmt.Errorf("snapshot duplicate session %q", id)
		}
		sessions[id] = &session{
			Identity:    id,
			Name:        sv.Name,
			ResumeToken: sv.ResumeToken,
			ComputerID:  sv.ComputerID,
			JoinedTick:  sv.JoinedTick,
		}
		if sv.ResumeToken != "" {
			byToken[sv.ResumeToken] = id
		}
	}

	old := w.cfg
	w.cfg = cfg
	computers := map[string]*Computer{}
	for _, cv := range s.Computers {
		if _, dup := computers[cv.ID]; dup {
			w.cfg = old
			return fmt.Errorf("snapshot duplicate computer %q", cv.ID)
		}
		c, err := w.restoreComputer(cv)
		if err != nil {
			w.cfg = old
			return fmt.Errorf("computer %s: %w", cv.ID, err)
		}
		computers[c.ID] = c
	}
	for _, sv := range sessions {
		if _, ok := computers[sv.ComputerID]; !ok {
			w.cfg = old
			return fmt.Errorf("session %s references missing computer %q", sv.Identity, sv.ComputerID)
		}
	}

	w.sessions = sessions
	w.byToken = byToken
	w.computers = computers
	// Live connections belong to the replaced state; close them so their
	// participants reconnect with a resume token.
	for conn, cl := range w.clients {
		w.reg.UnbindConnection(conn)
		if cl != nil && cl.Evicted != nil {
			close(cl.Evicted)
		}
	}
	w.clients = map[sbp.ConnID]*clientState{}
	w.tick.Store(s.Header.Tick + 1)
	return nil
}

func (w *World) restoreComputer(cv snapshot.ComputerV1) (*Computer, error) {
	c := &Computer{ID: cv.ID, Owner: sbp.Identity(cv.Owner), w: w}

	st := process.TreeState{ComputerID: cv.ID, NextPID: process.PID(cv.NextPID)}
	for _, p := range cv.Procs {
		ns := process.NodeState{
			PID:    process.PID(p.PID),
			Parent: process.PID(p.Parent),
			State:  process.State(p.State),
			Source: process.Source(p.Source),
		}
		for _, ch := range p.Children {
			ns.Children = append(ns.Children, process.PID(ch))
		}
		if p.OwnerID != "" {
			ns.Owner = &sbp.UserID{Identity: sbp.Identity(p.OwnerID), Details: p.OwnerDetails}
		}
		st.Nodes = append(st.Nodes, ns)
	}
	tree, err := process.Restore(process.Config{
		ComputerID: cv.ID,
		Loader:     w.programs,
		Host:       c,
		Logger:     w.log,
	}, st)
	if err != nil {
		return nil, err
	}
	c.tree = tree

	tasks := make([]scheduler.TaskState, 0, len(cv.Tasks))
	hasTick := false
	for _, t := range cv.Tasks {
		// Tasks of processes dropped on restore go with them.
		if t.Action != ActionComputerTick {
			if _, ok := tree.Get(process.PID(t.PID)); !ok {
				continue
			}
		}
		if !w.cfg.advances(t.Group) {
			return nil, fmt.Errorf("task %s in group %q: %w", t.Action, t.Group, ErrUnknownGroup)
		}
		if t.Action == ActionComputerTick {
			hasTick = true
		}
		tasks = append(tasks, scheduler.TaskState{
			Task: scheduler.Task{
				Group:         t.Group,
				InitialDelay:  t.InitialDelay,
				PeriodicDelay: t.PeriodicDelay,
				Action:        scheduler.Action{Name: t.Action, PID: t.PID, Arg: t.Arg},
			},
			Remaining: t.Remaining,
		})
	}
	sched, err := scheduler.Restore(cv.ID, c.fire, tasks)
	if err != nil {
		return nil, err
	}
	c.sched = sched
	if !hasTick {
		if err := c.sched.Schedule(scheduler.Task{
			Group:         scheduler.GroupComputerUpdate,
			PeriodicDelay: w.cfg.ComputerUpdateEvery,
			Action:        scheduler.Action{Name: ActionComputerTick},
		}); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func sortIdentities(ids []sbp.Identity) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
