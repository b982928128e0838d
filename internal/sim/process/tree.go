package process

import (
	"context"
	"fmt"
	"sort"

	"hackworld.ai/internal/logging"
	"hackworld.ai/internal/sbp"
)

type Config struct {
	ComputerID string
	Loader     Loader
	Host       Host
	Logger     logging.Logger
	// FirstPID is handed to the root; later processes count up from it.
	FirstPID PID
}

// Tree is the process hierarchy of one computer. It is not safe for
// concurrent use; the world loop owns it.
type Tree struct {
	computerID string
	loader     Loader
	host       Host
	log        logging.Logger

	root    *node
	procs   map[PID]*node
	nextPID PID

	pendingStops []PID
	busy         int
}

func NewTree(cfg Config) (*Tree, error) {
	if cfg.Loader == nil {
		return nil, ErrNoLoader
	}
	t := newTree(cfg)
	if cfg.FirstPID < 0 {
		return nil, fmt.Errorf("%w: first pid %d", ErrInvalidTreeState, cfg.FirstPID)
	}
	t.nextPID = cfg.FirstPID
	t.root = &node{pid: t.allocPID(), parent: NoPID, state: Running}
	t.procs[t.root.pid] = t.root
	return t, nil
}

func newTree(cfg Config) *Tree {
	log := cfg.Logger
	if log == nil {
		log = logging.Noop()
	}
	return &Tree{
		computerID: cfg.ComputerID,
		loader:     cfg.Loader,
		host:       cfg.Host,
		log:        log.With(logging.String("computer", cfg.ComputerID)),
		procs:      map[PID]*node{},
	}
}

func (t *Tree) ComputerID() string { return t.computerID }
func (t *Tree) Root() PID          { return t.root.pid }
func (t *Tree) Len() int           { return len(t.procs) }
func (t *Tree) NextPID() PID       { return t.nextPID }

// SetNextPID moves the allocation counter. The next Launch receives exactly v.
// Values that could collide with a live process are refused.
func (t *Tree) SetNextPID(v PID) error {
	if v <= t.maxPID() {
		return fmt.Errorf("%w: next pid %d <= highest live pid %d", ErrPIDInUse, v, t.maxPID())
	}
	t.nextPID = v
	return nil
}

func (t *Tree) maxPID() PID {
	max := NoPID
	for pid := range t.procs {
		if pid > max {
			max = pid
		}
	}
	return max
}

func (t *Tree) allocPID() PID {
	pid := t.nextPID
	t.nextPID++
	return pid
}

func (t *Tree) ID(pid PID) WorldProcessID {
	return WorldProcessID{ComputerID: t.computerID, PID: pid}
}

func (t *Tree) Get(pid PID) (Info, bool) {
	n, ok := t.procs[pid]
	if !ok {
		return Info{}, false
	}
	return n.info(t.computerID), true
}

func (t *Tree) Children(pid PID) []PID {
	n, ok := t.procs[pid]
	if !ok {
		return nil
	}
	out := make([]PID, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, c.pid)
	}
	return out
}

// Walk visits every process in pre-order, children in their stored order.
func (t *Tree) Walk(fn func(Info)) {
	var visit func(n *node)
	visit = func(n *node) {
		fn(n.info(t.computerID))
		for _, c := range n.children {
			visit(c)
		}
	}
	visit(t.root)
}

// OwnedBy lists the processes owned by id in ascending pid order.
func (t *Tree) OwnedBy(id sbp.Identity) []Info {
	var out []Info
	for _, pid := range t.sortedPIDs() {
		n := t.procs[pid]
		if n.owner != nil && n.owner.Identity == id {
			out = append(out, n.info(t.computerID))
		}
	}
	return out
}

func (t *Tree) sortedPIDs() []PID {
	pids := make([]PID, 0, len(t.procs))
	for pid := range t.procs {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

// LaunchSpec describes a process to create.
type LaunchSpec struct {
	Parent PID
	Owner  *sbp.UserID
	Source Source
}

// Launch creates a process under spec.Parent and starts it. The steps run in
// a fixed order: attach to the parent, set owner, set source, allocate the pid
// and initialize the executor, run it. If initialization or Run fails the
// node and anything it spawned are removed again and no id is returned.
func (t *Tree) Launch(spec LaunchSpec) (WorldProcessID, error) {
	parent, ok := t.procs[spec.Parent]
	if !ok {
		return WorldProcessID{}, fmt.Errorf("%w: parent %d", ErrNoSuchProcess, spec.Parent)
	}
	if parent.state != Running {
		return WorldProcessID{}, fmt.Errorf("%w: parent %d is %s", ErrParentNotRunning, spec.Parent, parent.state)
	}

	t.busy++
	defer t.done()

	n := &node{pid: NoPID, parent: parent.pid, state: Created}
	parent.children = append(parent.children, n)

	if spec.Owner != nil {
		o := *spec.Owner
		n.owner = &o
	}
	n.source = spec.Source

	n.pid = t.allocPID()
	t.procs[n.pid] = n
	if err := t.initialize(n); err != nil {
		t.abort(n)
		t.log.Warn(context.Background(), "process init failed",
			logging.Int("pid", int(n.pid)), logging.String("source", string(n.source)), logging.Err(err))
		return WorldProcessID{}, fmt.Errorf("%w: pid %d: %v", ErrInitFailed, n.pid, err)
	}

	if err := n.exec.Run(t.context(n.pid)); err != nil {
		t.abort(n)
		t.log.Warn(context.Background(), "process run failed",
			logging.Int("pid", int(n.pid)), logging.String("source", string(n.source)), logging.Err(err))
		return WorldProcessID{}, fmt.Errorf("%w: pid %d: %v", ErrRunFailed, n.pid, err)
	}

	return t.ID(n.pid), nil
}

func (t *Tree) initialize(n *node) error {
	exec, err := t.loader.Load(n.source)
	if err != nil {
		return err
	}
	if exec == nil {
		return fmt.Errorf("loader returned no executor for %q", n.source)
	}
	if err := exec.Init(n.pid); err != nil {
		return err
	}
	n.exec = exec
	n.state = Running
	return nil
}

// abort removes n and its whole subtree as if it had never been launched.
// Executors that were already running in the subtree get Stop.
func (t *Tree) abort(n *node) {
	if parent, ok := t.procs[n.parent]; ok {
		parent.detachChild(n)
	}
	var drop func(x *node)
	drop = func(x *node) {
		for _, c := range x.children {
			drop(c)
		}
		if x != n && x.exec != nil && x.state != Stopped {
			x.exec.Stop()
		}
		x.state = Stopped
		x.children = nil
		if t.procs[x.pid] == x {
			delete(t.procs, x.pid)
			t.removed(x, ReasonAborted)
		}
	}
	drop(n)
}

func (t *Tree) context(pid PID) *Context {
	return &Context{tree: t, pid: pid}
}

// Tick lets every live executor that implements Ticker progress, in
// ascending pid order, then applies stops requested during the pass.
func (t *Tree) Tick() {
	t.busy++
	defer t.done()

	for _, pid := range t.sortedPIDs() {
		n, ok := t.procs[pid]
		if !ok || n.exec == nil {
			continue
		}
		if n.state != Running && n.state != Interrupted {
			continue
		}
		if tk, ok := n.exec.(Ticker); ok {
			tk.Tick(t.context(pid))
		}
	}
}

// done closes a Launch or Tick; stops requested inside are applied once the
// outermost call finishes so no executor is removed while it is running.
func (t *Tree) done() {
	t.busy--
	if t.busy == 0 {
		t.flushStops()
	}
}

func (t *Tree) requestStop(pid PID) {
	t.pendingStops = append(t.pendingStops, pid)
}

func (t *Tree) flushStops() {
	for len(t.pendingStops) > 0 {
		pending := t.pendingStops
		t.pendingStops = nil
		for _, pid := range pending {
			if pid == t.root.pid {
				continue
			}
			if _, ok := t.procs[pid]; !ok {
				continue
			}
			_ = t.Stop(pid)
		}
	}
}
