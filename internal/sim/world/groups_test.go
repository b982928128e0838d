package world

import (
	"errors"
	"reflect"
	"testing"

	"hackworld.ai/internal/sim/process"
	"hackworld.ai/internal/sim/programs"
	"hackworld.ai/internal/sim/scheduler"
)

func TestEveryConfiguredGroupAdvances(t *testing.T) {
	w, err := New(Config{ID: "test", Groups: []string{scheduler.GroupComputerUpdate, "networkUpdate"}}, programs.Default(), nil)
	if err != nil {
		t.Fatalf("world: %v", err)
	}
	a := joinClient(t, w, "c1", "alice", "")
	pc := a.welcome.ComputerID
	w.StepOnce(nil, nil, []CommandEnvelope{launch(a, "shell", "/bin/daemon")})

	err = w.computers[pc].Schedule(scheduler.Task{
		Group:        "networkUpdate",
		InitialDelay: 2,
		Action:       scheduler.Action{Name: process.ActionStop, PID: 1},
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	w.StepOnce(nil, nil, nil)
	if got := len(w.DebugProcesses(pc)); got != 2 {
		t.Fatalf("network task fired early: %d procs", got)
	}
	w.StepOnce(nil, nil, nil)
	if got := len(w.DebugProcesses(pc)); got != 1 {
		t.Fatalf("network task never fired: %d procs", got)
	}
	if n := w.computers[pc].sched.Pending("networkUpdate"); n != 0 {
		t.Fatalf("pending network tasks=%d", n)
	}
}

func TestScheduleRejectsGroupsNobodyAdvances(t *testing.T) {
	w := newTestWorld(t)
	a := joinClient(t, w, "c1", "alice", "")
	c := w.computers[a.welcome.ComputerID]

	err := c.Schedule(scheduler.Task{Group: "networkUpdate", Action: scheduler.Action{Name: process.ActionStop, PID: 1}})
	if !errors.Is(err, ErrUnknownGroup) {
		t.Fatalf("err=%v", err)
	}
	if got := c.sched.Len(); got != 1 {
		t.Fatalf("rejected task was stored: %d tasks", got)
	}
}

func TestGroupsValidation(t *testing.T) {
	for name, groups := range map[string][]string{
		"missing computer update": {"networkUpdate"},
		"duplicate":               {scheduler.GroupComputerUpdate, scheduler.GroupComputerUpdate},
		"empty name":              {scheduler.GroupComputerUpdate, ""},
	} {
		if _, err := New(Config{Groups: groups}, nil, nil); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestSnapshotCarriesGroups(t *testing.T) {
	groups := []string{"networkUpdate", scheduler.GroupComputerUpdate}
	w, err := New(Config{ID: "test", Groups: groups}, programs.Default(), nil)
	if err != nil {
		t.Fatalf("world: %v", err)
	}
	a := joinClient(t, w, "c1", "alice", "")
	pc := a.welcome.ComputerID
	w.StepOnce(nil, nil, []CommandEnvelope{launch(a, "shell", "/bin/daemon")})
	if err := w.computers[pc].Schedule(scheduler.Task{
		Group:        "networkUpdate",
		InitialDelay: 5,
		Action:       scheduler.Action{Name: process.ActionStop, PID: 1},
	}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	snap := w.ExportSnapshot(w.CurrentTick() - 1)
	if !reflect.DeepEqual(snap.Groups, groups) {
		t.Fatalf("snapshot groups=%v", snap.Groups)
	}

	// A world configured with the defaults adopts the snapshot's groups.
	w2 := newTestWorld(t)
	if err := w2.ImportSnapshot(snap); err != nil {
		t.Fatalf("import: %v", err)
	}
	if !reflect.DeepEqual(w2.cfg.Groups, groups) {
		t.Fatalf("imported groups=%v", w2.cfg.Groups)
	}

	// Without them the network task has nowhere to run.
	snap.Groups = nil
	if err := newTestWorld(t).ImportSnapshot(snap); !errors.Is(err, ErrUnknownGroup) {
		t.Fatalf("err=%v", err)
	}
}
