package process

import "fmt"

// RemoveReason says why a process left the tree.
type RemoveReason int

const (
	ReasonStopped RemoveReason = iota + 1
	ReasonAborted
)

func (r RemoveReason) String() string {
	switch r {
	case ReasonStopped:
		return "stopped"
	case ReasonAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Interrupt moves pid from RUNNING to INTERRUPTED and notifies its executor.
//
// With recursive set, every descendant is interrupted too, depth-first. Without
// it, only pid is interrupted and its children are handed to pid's parent,
// keeping their order. The returned slice lists the pids whose state changed,
// in the order they changed.
func (t *Tree) Interrupt(pid PID, recursive bool) ([]PID, error) {
	n, ok := t.procs[pid]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchProcess, pid)
	}
	if n == t.root {
		return nil, fmt.Errorf("%w: interrupt %d", ErrRootProcess, pid)
	}

	var changed []PID
	if recursive {
		var visit func(x *node)
		visit = func(x *node) {
			if t.interruptNode(x, true) {
				changed = append(changed, x.pid)
			}
			for _, c := range x.children {
				visit(c)
			}
		}
		visit(n)
		return changed, nil
	}

	if t.interruptNode(n, false) {
		changed = append(changed, n.pid)
	}
	t.promoteChildren(n)
	return changed, nil
}

func (t *Tree) interruptNode(n *node, recursive bool) bool {
	if n.state != Running {
		return false
	}
	n.state = Interrupted
	if n.exec != nil {
		n.exec.Interrupt(recursive)
	}
	return true
}

// promoteChildren re-homes n's children under n's parent. Each child moves at
// most once, and a child that already left n (or the tree) is skipped.
func (t *Tree) promoteChildren(n *node) {
	parent, ok := t.procs[n.parent]
	if !ok || len(n.children) == 0 {
		return
	}
	kids := n.children
	n.children = nil
	seen := make(map[PID]struct{}, len(kids))
	for _, c := range kids {
		if _, dup := seen[c.pid]; dup {
			continue
		}
		seen[c.pid] = struct{}{}
		if t.procs[c.pid] != c || c.parent != n.pid {
			continue
		}
		c.parent = parent.pid
		parent.children = append(parent.children, c)
	}
}

// Stop removes pid from the tree: it becomes STOPPED, its executor gets Stop,
// it is detached from its parent and its children move up to that parent.
// Root cannot be stopped.
func (t *Tree) Stop(pid PID) error {
	n, ok := t.procs[pid]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoSuchProcess, pid)
	}
	if n == t.root {
		return fmt.Errorf("%w: stop %d", ErrRootProcess, pid)
	}

	n.state = Stopped
	if n.exec != nil {
		n.exec.Stop()
	}
	t.promoteChildren(n)
	if parent, ok := t.procs[n.parent]; ok {
		parent.detachChild(n)
	}
	delete(t.procs, pid)
	t.removed(n, ReasonStopped)
	return nil
}

func (t *Tree) removed(n *node, reason RemoveReason) {
	if t.host == nil {
		return
	}
	t.host.ProcessRemoved(n.info(t.computerID), reason)
}
