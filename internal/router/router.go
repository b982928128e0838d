package router

import (
	"context"

	"hackworld.ai/internal/logging"
	"hackworld.ai/internal/sbp"
	"hackworld.ai/internal/sim/process"
)

// Handler receives an inbound event together with the identity that sent it.
type Handler func(ctx context.Context, sender sbp.Identity, e Event)

// Sender writes an event to one connection. It reports false when the
// connection is gone or its queue is full.
type Sender interface {
	Send(conn sbp.ConnID, e Event) bool
}

type SenderFunc func(conn sbp.ConnID, e Event) bool

func (f SenderFunc) Send(conn sbp.ConnID, e Event) bool { return f(conn, e) }

type route struct {
	pred Predicate
	h    Handler
}

// Stats counts what the router did since it was created.
type Stats struct {
	Dispatched   uint64 `json:"dispatched"`
	Unbound      uint64 `json:"unbound"`
	Unhandled    uint64 `json:"unhandled"`
	Delivered    uint64 `json:"delivered"`
	Dropped      uint64 `json:"dropped"`
	Unauthorized uint64 `json:"unauthorized"`
}

// Router is owned by the world goroutine and is not safe for concurrent use.
type Router struct {
	reg    *sbp.Registry
	out    Sender
	log    logging.Logger
	routes []route
	stats  Stats
}

func New(reg *sbp.Registry, out Sender, log logging.Logger) *Router {
	if log == nil {
		log = logging.Noop()
	}
	return &Router{reg: reg, out: out, log: log}
}

// Handle appends a route. Routes are tried in the order they were added.
func (r *Router) Handle(p Predicate, h Handler) {
	r.routes = append(r.routes, route{pred: p, h: h})
}

// Dispatch resolves the identity bound to conn and runs every handler whose
// predicate matches e. Events from unbound connections are dropped. It returns
// the number of handlers run.
func (r *Router) Dispatch(ctx context.Context, conn sbp.ConnID, e Event) int {
	sender, ok := r.reg.IdentityOf(conn)
	if !ok {
		r.stats.Unbound++
		r.log.Warn(ctx, "event from unbound connection dropped",
			logging.String("conn", string(conn)), logging.String("kind", e.EventKind()))
		return 0
	}
	n := 0
	for _, rt := range r.routes {
		if rt.pred.Match(e) {
			rt.h(ctx, sender, e)
			n++
		}
	}
	if n == 0 {
		r.stats.Unhandled++
		r.log.Debug(ctx, "no route for event",
			logging.String("identity", string(sender)), logging.String("kind", e.EventKind()))
		return 0
	}
	r.stats.Dispatched++
	return n
}

// Deliver sends e to the connection currently bound to owner's identity.
// Without a binding, or when the connection refuses it, e is dropped.
func (r *Router) Deliver(ctx context.Context, owner sbp.UserID, e Event) bool {
	conn, ok := r.reg.ConnectionOf(owner.Identity)
	if !ok || r.out == nil || !r.out.Send(conn, e) {
		r.stats.Dropped++
		r.log.Debug(ctx, "outbound event dropped",
			logging.String("owner", owner.String()), logging.String("kind", e.EventKind()))
		return false
	}
	r.stats.Delivered++
	return true
}

// Authorize reports whether sender may act on the process. Processes without
// an owner belong to nobody and are refused.
func (r *Router) Authorize(ctx context.Context, sender sbp.Identity, info process.Info) bool {
	if info.Owner != nil && info.Owner.Identity == sender {
		return true
	}
	r.stats.Unauthorized++
	owner := "<none>"
	if info.Owner != nil {
		owner = info.Owner.String()
	}
	r.log.Warn(ctx, "identity violation",
		logging.String("sender", string(sender)),
		logging.String("process", info.ID.String()),
		logging.String("owner", owner))
	return false
}

func (r *Router) Stats() Stats { return r.stats }
