package process

import (
	"context"
	"fmt"

	"hackworld.ai/internal/logging"
	"hackworld.ai/internal/sbp"
)

// NodeState is one process as captured in a snapshot.
type NodeState struct {
	PID      PID         `json:"pid"`
	Parent   PID         `json:"parent"`
	Children []PID       `json:"children,omitempty"`
	State    State       `json:"state"`
	Source   Source      `json:"source,omitempty"`
	Owner    *sbp.UserID `json:"owner,omitempty"`
}

type TreeState struct {
	ComputerID string      `json:"computer_id"`
	NextPID    PID         `json:"next_pid"`
	Nodes      []NodeState `json:"nodes"` // pre-order, root first
}

func (t *Tree) Export() TreeState {
	st := TreeState{ComputerID: t.computerID, NextPID: t.nextPID}
	t.Walk(func(i Info) {
		st.Nodes = append(st.Nodes, NodeState{
			PID:      i.ID.PID,
			Parent:   i.Parent,
			Children: i.Children,
			State:    i.State,
			Source:   i.Source,
			Owner:    i.Owner,
		})
	})
	return st
}

// Restore rebuilds a tree from Export output. Executors are recreated through
// the loader and initialized with their old pid; Run is not called again.
// A process whose program can no longer be loaded is dropped and its
// children move up to its parent.
func Restore(cfg Config, st TreeState) (*Tree, error) {
	if cfg.Loader == nil {
		return nil, ErrNoLoader
	}
	if cfg.ComputerID == "" {
		cfg.ComputerID = st.ComputerID
	}
	if len(st.Nodes) == 0 {
		return nil, fmt.Errorf("%w: no nodes", ErrInvalidTreeState)
	}

	t := newTree(cfg)
	for _, ns := range st.Nodes {
		if _, dup := t.procs[ns.PID]; dup {
			return nil, fmt.Errorf("%w: duplicate pid %d", ErrInvalidTreeState, ns.PID)
		}
		if ns.State == Created || ns.State == Stopped {
			return nil, fmt.Errorf("%w: pid %d in state %s", ErrInvalidTreeState, ns.PID, ns.State)
		}
		n := &node{pid: ns.PID, parent: ns.Parent, state: ns.State, source: ns.Source}
		if ns.Owner != nil {
			o := *ns.Owner
			n.owner = &o
		}
		t.procs[n.pid] = n
		if ns.Parent == NoPID {
			if t.root != nil {
				return nil, fmt.Errorf("%w: second root %d", ErrInvalidTreeState, ns.PID)
			}
			t.root = n
		}
	}
	if t.root == nil {
		return nil, fmt.Errorf("%w: no root", ErrInvalidTreeState)
	}

	for _, ns := range st.Nodes {
		n := t.procs[ns.PID]
		for _, cpid := range ns.Children {
			c, ok := t.procs[cpid]
			if !ok || c.parent != n.pid {
				return nil, fmt.Errorf("%w: pid %d lists bad child %d", ErrInvalidTreeState, n.pid, cpid)
			}
			n.children = append(n.children, c)
		}
	}

	// Every node must hang off the root exactly once.
	reached := 0
	seen := map[PID]bool{}
	var visit func(n *node) error
	visit = func(n *node) error {
		if seen[n.pid] {
			return fmt.Errorf("%w: pid %d reachable twice", ErrInvalidTreeState, n.pid)
		}
		seen[n.pid] = true
		reached++
		for _, c := range n.children {
			if err := visit(c); err != nil {
				return err
			}
		}
		return nil
	}
	if err := visit(t.root); err != nil {
		return nil, err
	}
	if reached != len(t.procs) {
		return nil, fmt.Errorf("%w: %d of %d nodes unreachable from root", ErrInvalidTreeState, len(t.procs)-reached, len(t.procs))
	}

	t.nextPID = st.NextPID
	if hi := t.maxPID(); t.nextPID <= hi {
		t.nextPID = hi + 1
	}

	var broken []*node
	t.Walk(func(i Info) {
		n := t.procs[i.ID.PID]
		if n == t.root {
			return
		}
		exec, err := t.loader.Load(n.source)
		if err == nil && exec == nil {
			err = fmt.Errorf("loader returned no executor for %q", n.source)
		}
		if err == nil {
			err = exec.Init(n.pid)
		}
		if err != nil {
			t.log.Warn(context.Background(), "dropping process on restore",
				logging.Int("pid", int(n.pid)), logging.String("source", string(n.source)), logging.Err(err))
			broken = append(broken, n)
			return
		}
		n.exec = exec
	})
	for _, n := range broken {
		t.promoteChildren(n)
		if parent, ok := t.procs[n.parent]; ok {
			parent.detachChild(n)
		}
		delete(t.procs, n.pid)
	}
	return t, nil
}
