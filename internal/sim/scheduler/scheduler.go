// Package scheduler fires delayed and periodic work for one owning entity.
//
// Tasks are grouped by ticking phase. Update advances a single group by one
// tick; the caller decides which groups advance on a given simulation step.
package scheduler

import (
	"errors"
	"fmt"
	"sort"
)

// GroupComputerUpdate is the phase every simulated computer advances once per tick.
const GroupComputerUpdate = "computerUpdate"

var (
	ErrNegativeDelay = errors.New("scheduler: negative delay")
	ErrEmptyGroup    = errors.New("scheduler: empty group")
	ErrEmptyAction   = errors.New("scheduler: empty action")
)

// Action is a serializable reference to the work a task performs. The owner
// of the scheduler interprets it when the task fires.
type Action struct {
	Name string `json:"name"`
	PID  int    `json:"pid,omitempty"`
	Arg  string `json:"arg,omitempty"`
}

type Task struct {
	Group         string `json:"group"`
	InitialDelay  int    `json:"initial_delay"`
	PeriodicDelay int    `json:"periodic_delay"` // 0 = fire once
	Action        Action `json:"action"`
}

func (t Task) validate() error {
	if t.Group == "" {
		return ErrEmptyGroup
	}
	if t.Action.Name == "" {
		return ErrEmptyAction
	}
	if t.InitialDelay < 0 || t.PeriodicDelay < 0 {
		return fmt.Errorf("%w: initial=%d periodic=%d", ErrNegativeDelay, t.InitialDelay, t.PeriodicDelay)
	}
	return nil
}

// TaskState is a task plus its remaining countdown, as captured by Export.
type TaskState struct {
	Task
	Remaining int `json:"remaining"`
}

// FireFunc runs a due task. It may schedule or cancel tasks on the same scheduler.
type FireFunc func(t Task)

type entry struct {
	task      Task
	remaining int
}

type Scheduler struct {
	owner  string
	fire   FireFunc
	groups map[string][]*entry
}

func New(owner string, fire FireFunc) *Scheduler {
	if fire == nil {
		fire = func(Task) {}
	}
	return &Scheduler{
		owner:  owner,
		fire:   fire,
		groups: map[string][]*entry{},
	}
}

func (s *Scheduler) Owner() string { return s.owner }

// Schedule adds t under t.Group. The task fires on the InitialDelay-th call to
// Update for that group (an InitialDelay of 0 fires on the next call).
func (s *Scheduler) Schedule(t Task) error {
	if err := t.validate(); err != nil {
		return err
	}
	s.groups[t.Group] = append(s.groups[t.Group], &entry{task: t, remaining: t.InitialDelay})
	return nil
}

// Update advances every task in group by one tick and fires the due ones, in
// scheduling order. Tasks scheduled while firing are not advanced by this call.
// It returns the number of tasks fired.
func (s *Scheduler) Update(group string) int {
	entries := s.groups[group]
	if len(entries) == 0 {
		return 0
	}

	kept := make([]*entry, 0, len(entries))
	var due []Task
	for _, e := range entries {
		e.remaining--
		if e.remaining > 0 {
			kept = append(kept, e)
			continue
		}
		due = append(due, e.task)
		if e.task.PeriodicDelay > 0 {
			e.remaining = e.task.PeriodicDelay
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(s.groups, group)
	} else {
		s.groups[group] = kept
	}

	for _, t := range due {
		s.fire(t)
	}
	return len(due)
}

// Cancel drops every task for which match returns true.
func (s *Scheduler) Cancel(match func(Task) bool) int {
	n := 0
	for g, entries := range s.groups {
		kept := entries[:0]
		for _, e := range entries {
			if match(e.task) {
				n++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(s.groups, g)
		} else {
			s.groups[g] = kept
		}
	}
	return n
}

func (s *Scheduler) Len() int {
	n := 0
	for _, entries := range s.groups {
		n += len(entries)
	}
	return n
}

func (s *Scheduler) Pending(group string) int { return len(s.groups[group]) }

// Groups returns the groups with at least one pending task, sorted.
func (s *Scheduler) Groups() []string {
	out := make([]string, 0, len(s.groups))
	for g := range s.groups {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Export captures every pending task with its remaining delay. Groups are
// emitted in sorted order and tasks keep their order within a group.
func (s *Scheduler) Export() []TaskState {
	out := make([]TaskState, 0, s.Len())
	for _, g := range s.Groups() {
		for _, e := range s.groups[g] {
			out = append(out, TaskState{Task: e.task, Remaining: e.remaining})
		}
	}
	return out
}

// Restore rebuilds a scheduler from Export output.
func Restore(owner string, fire FireFunc, states []TaskState) (*Scheduler, error) {
	s := New(owner, fire)
	for i, st := range states {
		if err := st.Task.validate(); err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
		s.groups[st.Group] = append(s.groups[st.Group], &entry{task: st.Task, remaining: st.Remaining})
	}
	return s, nil
}
