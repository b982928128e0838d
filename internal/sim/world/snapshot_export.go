package world

import (
	"hackworld.ai/internal/persistence/snapshot"
	"hackworld.ai/internal/sbp"
)

// ExportSnapshot captures sessions and every computer. Sessions and computers
// are emitted in sorted order so equal worlds produce equal snapshots.
//
// This must be called only when the world is stopped or from the world loop goroutine.
func (w *World) ExportSnapshot(nowTick uint64) snapshot.SnapshotV1 {
	snap := snapshot.SnapshotV1{
		Header: snapshot.Header{
			Version: snapshot.CurrentVersion,
			WorldID: w.cfg.ID,
			Tick:    nowTick,
		},
		TickRate:            w.cfg.TickRateHz,
		SnapshotEveryTicks:  w.cfg.SnapshotEveryTicks,
		ComputerUpdateEvery: w.cfg.ComputerUpdateEvery,
		Groups:              append([]string(nil), w.cfg.Groups...),
	}

	ids := make([]sbp.Identity, 0, len(w.sessions))
	for id := range w.sessions {
		ids = append(ids, id)
	}
	sortIdentities(ids)
	for _, id := range ids {
		s := w.sessions[id]
		snap.Sessions = append(snap.Sessions, snapshot.SessionV1{
			Identity:    string(s.Identity),
			Name:        s.Name,
			ResumeToken: s.ResumeToken,
			ComputerID:  s.ComputerID,
			JoinedTick:  s.JoinedTick,
		})
	}

	for _, cid := range w.computerIDs() {
		snap.Computers = append(snap.Computers, w.computers[cid].export())
	}
	return snap
}

func (c *Computer) export() snapshot.ComputerV1 {
	st := c.tree.Export()
	out := snapshot.ComputerV1{
		ID:      c.ID,
		Owner:   string(c.Owner),
		NextPID: int(st.NextPID),
	}
	for _, n := range st.Nodes {
		p := snapshot.ProcessV1{
			PID:    int(n.PID),
			Parent: int(n.Parent),
			State:  int(n.State),
			Source: string(n.Source),
		}
		for _, ch := range n.Children {
			p.Children = append(p.Children, int(ch))
		}
		if n.Owner != nil {
			p.OwnerID = string(n.Owner.Identity)
			p.OwnerDetails = n.Owner.Details
		}
		out.Procs = append(out.Procs, p)
	}
	for _, t := range c.sched.Export() {
		out.Tasks = append(out.Tasks, snapshot.TaskV1{
			Group:         t.Group,
			InitialDelay:  t.InitialDelay,
			PeriodicDelay: t.PeriodicDelay,
			Remaining:     t.Remaining,
			Action:        t.Action.Name,
			PID:           t.Action.PID,
			Arg:           t.Action.Arg,
		})
	}
	return out
}
