package programs

import (
	"errors"

	"hackworld.ai/internal/sim/process"
	"hackworld.ai/internal/sim/scheduler"
)

var (
	ErrInitRefused = errors.New("programs: init refused")
	ErrRunRefused  = errors.New("programs: run refused")
)

// Daemon runs until it is interrupted, then asks to be stopped on its next tick.
type Daemon struct {
	pid         process.PID
	ticks       int
	interrupted bool
}

func (d *Daemon) Init(pid process.PID) error {
	d.pid = pid
	return nil
}

func (d *Daemon) Run(*process.Context) error { return nil }
func (d *Daemon) Interrupt(bool)             { d.interrupted = true }
func (d *Daemon) Stop()                      {}
func (d *Daemon) Updates() int               { return d.ticks }

func (d *Daemon) Tick(ctx *process.Context) {
	d.ticks++
	if ctx.Interrupted() {
		ctx.RequestStop()
	}
}

// Timer stops itself after Ticks computer updates using the machine scheduler.
type Timer struct {
	Daemon
	Ticks int
}

func (t *Timer) Run(ctx *process.Context) error {
	return ctx.Schedule(scheduler.Task{
		Group:        scheduler.GroupComputerUpdate,
		InitialDelay: t.Ticks,
		Action:       scheduler.Action{Name: process.ActionStop},
	})
}

// Spawner launches Count copies of Child when it runs. Any child failure
// fails the spawner, which rolls back the children already started.
type Spawner struct {
	Daemon
	Child process.Source
	Count int
}

func (s *Spawner) Run(ctx *process.Context) error {
	for i := 0; i < s.Count; i++ {
		if _, err := ctx.Launch(s.Child); err != nil {
			return err
		}
	}
	return nil
}

// Broken refuses to start, in Init or in Run.
type Broken struct {
	FailInit bool
}

func (b *Broken) Init(process.PID) error {
	if b.FailInit {
		return ErrInitRefused
	}
	return nil
}

func (b *Broken) Run(*process.Context) error { return ErrRunRefused }
func (b *Broken) Interrupt(bool)             {}
func (b *Broken) Stop()                      {}
