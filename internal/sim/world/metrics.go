package world

import (
	"time"

	"hackworld.ai/internal/router"
)

// WorldMetrics is a thread-safe read-only view of key world runtime signals.
// It is updated from the world loop goroutine and read from HTTP handlers/tests.
type WorldMetrics struct {
	Tick uint64 `json:"tick"`

	Sessions  int `json:"sessions"`
	Clients   int `json:"clients"`
	Computers int `json:"computers"`
	Processes int `json:"processes"`
	Tasks     int `json:"tasks"`

	QueueDepths QueueDepths `json:"queue_depths"`

	StepMS float64 `json:"step_ms"`

	Router router.Stats `json:"router"`
}

type QueueDepths struct {
	Inbox     int `json:"inbox"`
	Join      int `json:"join"`
	Leave     int `json:"leave"`
	Interrupt int `json:"interrupt"`
}

// Observer receives kernel events as they happen on the world loop goroutine.
// Implementations must not block.
type Observer interface {
	Launched()
	LaunchFailed()
	Denied()
	Interrupted(n int)
	ProcessRemoved(reason string)
	ObserveStep(m WorldMetrics, d time.Duration)
}

func (w *World) Metrics() WorldMetrics {
	if w == nil {
		return WorldMetrics{}
	}
	v := w.metrics.Load()
	if v == nil {
		return WorldMetrics{}
	}
	m, ok := v.(WorldMetrics)
	if !ok {
		return WorldMetrics{}
	}
	return m
}

func (w *World) publishMetrics(tick uint64, d time.Duration) {
	m := WorldMetrics{
		Tick:      tick,
		Sessions:  len(w.sessions),
		Clients:   len(w.clients),
		Computers: len(w.computers),
		QueueDepths: QueueDepths{
			Inbox:     len(w.inbox),
			Join:      len(w.join),
			Leave:     len(w.leave),
			Interrupt: len(w.interrupt),
		},
		StepMS: float64(d.Microseconds()) / 1000.0,
		Router: w.router.Stats(),
	}
	for _, c := range w.computers {
		m.Processes += c.tree.Len()
		m.Tasks += c.sched.Len()
	}
	w.metrics.Store(m)
	if w.observer != nil {
		w.observer.ObserveStep(m, d)
	}
}
