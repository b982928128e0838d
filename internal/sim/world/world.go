package world

import (
	"sync/atomic"

	"hackworld.ai/internal/logging"
	"hackworld.ai/internal/persistence/snapshot"
	"hackworld.ai/internal/protocol"
	"hackworld.ai/internal/router"
	"hackworld.ai/internal/sbp"
	"hackworld.ai/internal/sim/programs"
)

type JoinRequest struct {
	Conn        sbp.ConnID
	Name        string
	ResumeToken string
	Out         chan []byte
	// Evicted is closed by the world when another connection takes over the
	// identity this request ends up bound to.
	Evicted chan struct{}
	Resp    chan JoinResponse
}

type JoinResponse struct {
	Welcome protocol.WelcomeMsg
	// Code is set when the join was refused.
	Code string
}

type CommandEnvelope struct {
	Conn sbp.ConnID
	Cmd  protocol.Command
}

// World is a single-threaded authoritative simulation.
// All state must be accessed only from the world loop goroutine.
type World struct {
	cfg      Config
	log      logging.Logger
	programs *programs.Catalog

	tick atomic.Uint64

	reg       *sbp.Registry
	router    *router.Router
	sessions  map[sbp.Identity]*session
	byToken   map[string]sbp.Identity
	computers map[string]*Computer
	clients   map[sbp.ConnID]*clientState

	inbox     chan CommandEnvelope
	join      chan JoinRequest
	leave     chan sbp.ConnID
	admin     chan adminSnapshotReq
	interrupt chan adminInterruptReq
	stop      chan struct{}

	// Per-step record of what changed state, for the tick log and replay.
	stepJoins    []RecordedJoin
	stepCommands []RecordedCommand
	stepFired    int

	// Optional loggers (may be nil). Implemented in internal/persistence/*.
	tickLogger  TickLogger
	auditLogger AuditLogger
	observer    Observer

	// Optional snapshot sink (may be nil). Snapshot writing should be off-thread.
	snapshotSink chan<- snapshot.SnapshotV1

	metrics atomic.Value
}

type TickLogger interface {
	WriteTick(entry TickLogEntry) error
}

type AuditLogger interface {
	WriteAudit(entry AuditEntry) error
}

type TickLogEntry struct {
	Tick     uint64            `json:"tick"`
	Joins    []RecordedJoin    `json:"joins,omitempty"`
	Leaves   []string          `json:"leaves,omitempty"`
	Commands []RecordedCommand `json:"commands,omitempty"`
	Fired    int               `json:"fired,omitempty"`
	Digest   string            `json:"digest"`
}

// RecordedJoin carries enough to recreate a session on replay.
type RecordedJoin struct {
	Identity    string `json:"identity"`
	Name        string `json:"name"`
	ResumeToken string `json:"resume_token"`
	ComputerID  string `json:"computer_id"`
	Resumed     bool   `json:"resumed,omitempty"`
}

// RecordedCommand is one applied command. Identity is empty for commands
// issued by an administrator.
type RecordedCommand struct {
	Identity   string                        `json:"identity,omitempty"`
	Type       string                        `json:"type"`
	ComputerID string                        `json:"computer_id,omitempty"`
	Launch     *protocol.LaunchProcessMsg    `json:"launch,omitempty"`
	Interrupt  *protocol.InterruptProcessMsg `json:"interrupt,omitempty"`
}

type AuditEntry struct {
	Tick     uint64 `json:"tick"`
	Actor    string `json:"actor"`
	Action   string `json:"action"` // e.g. "LAUNCH"
	Computer string `json:"computer"`
	PID      int    `json:"pid"`
	Source   string `json:"source,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type session struct {
	Identity    sbp.Identity
	Name        string
	ResumeToken string
	ComputerID  string
	JoinedTick  uint64
}

type clientState struct {
	Out     chan []byte
	Evicted chan struct{}
}

func New(cfg Config, cat *programs.Catalog, log logging.Logger) (*World, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if cat == nil {
		cat = programs.Default()
	}
	if log == nil {
		log = logging.Noop()
	}
	w := &World{
		cfg:       cfg,
		log:       log.With(logging.String("world", cfg.ID)),
		programs:  cat,
		reg:       sbp.NewRegistry(),
		sessions:  map[sbp.Identity]*session{},
		byToken:   map[string]sbp.Identity{},
		computers: map[string]*Computer{},
		clients:   map[sbp.ConnID]*clientState{},
		inbox:     make(chan CommandEnvelope, cfg.InboxSize),
		join:      make(chan JoinRequest, 64),
		leave:     make(chan sbp.ConnID, 64),
		admin:     make(chan adminSnapshotReq, 16),
		interrupt: make(chan adminInterruptReq, 16),
		stop:      make(chan struct{}),
	}
	w.router = router.New(w.reg, router.SenderFunc(w.sendTo), w.log)
	w.registerRoutes()
	w.metrics.Store(WorldMetrics{})
	return w, nil
}
