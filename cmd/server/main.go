package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"hackworld.ai/internal/eventbus"
	"hackworld.ai/internal/logging"
	"hackworld.ai/internal/observability"
	persistlog "hackworld.ai/internal/persistence/log"
	"hackworld.ai/internal/persistence/snapshot"
	"hackworld.ai/internal/sim/process"
	"hackworld.ai/internal/sim/programs"
	"hackworld.ai/internal/sim/tuning"
	"hackworld.ai/internal/sim/world"
	"hackworld.ai/internal/transport/ws"
)

func main() {
	var (
		addr         = flag.String("addr", ":8080", "http listen address")
		worldID      = flag.String("world", "world_1", "world id")
		configDir    = flag.String("configs", "./configs", "config directory")
		dataDir      = flag.String("data", "./data", "runtime data directory")
		tuningPath   = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		programsPath = flag.String("programs", "", "path to programs.yaml (default: <configs>/programs.yaml)")
		disableDB    = flag.Bool("disable_db", false, "disable indexing (tick/audit + catalogs + snapshot metadata)")

		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")

		logLevel  = flag.String("log_level", envOr("LOG_LEVEL", "info"), "debug, info, warn or error")
		logFormat = flag.String("log_format", envOr("LOG_FORMAT", "text"), "text or json")
	)
	flag.Parse()

	logger := logging.New(logging.Config{Level: *logLevel, Format: *logFormat})
	ctx, cancel := signalContext()
	defer cancel()

	worldDir := filepath.Join(*dataDir, "worlds", *worldID)
	if err := os.MkdirAll(worldDir, 0o755); err != nil {
		fatal(logger, "create world dir", err)
	}

	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		snapshotToLoad = snapshot.Latest(filepath.Join(worldDir, "snapshots"))
	}

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		// Resume fallback: the snapshot carries the parameters that matter.
		if snapshotToLoad == "" || !os.IsNotExist(err) {
			fatal(logger, "load tuning", err)
		}
		logger.Warn(ctx, "tuning not found, using defaults", logging.String("path", tp))
		tune = tuning.Defaults()
	}

	pp := strings.TrimSpace(*programsPath)
	if pp == "" {
		pp = filepath.Join(*configDir, "programs.yaml")
	}
	if _, err := os.Stat(pp); os.IsNotExist(err) {
		logger.Warn(ctx, "program catalog not found, using built-ins", logging.String("path", pp))
		pp = ""
	}
	cat, err := programs.Load(pp)
	if err != nil {
		fatal(logger, "load programs", err)
	}

	idx, err := openRuntimeIndex(worldDir, *disableDB, logger)
	if err != nil {
		fatal(logger, "open index backend", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertCatalogs(cat, tune); err != nil {
			logger.Warn(ctx, "index backend: upsert catalogs", logging.Err(err))
		}
	}

	w, err := world.New(world.Config{
		ID:                  *worldID,
		TickRateHz:          tune.TickRateHz,
		SnapshotEveryTicks:  tune.SnapshotEveryTicks,
		ComputerUpdateEvery: tune.ComputerUpdateEvery,
		FirstPID:            process.PID(tune.FirstPID),
		Groups:              tune.Groups,
		InboxSize:           tune.Queues.Inbox,
	}, cat, logger)
	if err != nil {
		fatal(logger, "world", err)
	}
	if snapshotToLoad != "" {
		snap, err := snapshot.ReadSnapshot(snapshotToLoad)
		if err != nil {
			fatal(logger, "read snapshot", err)
		}
		if err := w.ImportSnapshot(snap); err != nil {
			fatal(logger, "import snapshot", err)
		}
		logger.Info(ctx, "resumed from snapshot",
			logging.String("snapshot", filepath.Base(snapshotToLoad)), logging.Uint64("tick", w.CurrentTick()))
	}

	collector, err := observability.NewKernelCollector(nil)
	if err != nil {
		fatal(logger, "metrics", err)
	}
	w.SetObserver(collector)

	// Log segments follow the snapshot cadence so a replay from any scheduled
	// snapshot starts at the head of a segment.
	segmentTicks := uint64(persistlog.DefaultSegmentTicks)
	if w.Config().SnapshotEveryTicks > 0 {
		segmentTicks = uint64(w.Config().SnapshotEveryTicks)
	}
	tickLog := persistlog.NewTickLogger(worldDir, segmentTicks)
	auditLog := persistlog.NewAuditLogger(worldDir, segmentTicks)
	defer tickLog.Close()
	defer auditLog.Close()

	// The JSONL audit log is written on the world goroutine; the bus only
	// fans entries out to the index. Subscribers outlive the signal context
	// so Close can drain the queue into them.
	busCtx, busCancel := context.WithCancel(context.Background())
	defer busCancel()
	bus := eventbus.New(tune.Queues.Inbox, logger)
	sinks := multiAuditLogger{auditLog}
	if idx != nil {
		if err := bus.Forward(busCtx, "index", idx); err != nil {
			fatal(logger, "audit bus", err)
		}
		sinks = append(sinks, bus)
	}
	w.SetAuditLogger(sinks)
	w.SetTickLogger(multiTickLogger{tickLog, idx})

	snapCh := make(chan snapshot.SnapshotV1, tune.Queues.Snapshots)
	w.SetSnapshotSink(snapCh)
	go writeSnapshots(ctx, worldDir, snapCh, idx, logger, tickLog, auditLog)

	worldDone := make(chan struct{})
	go func() {
		defer close(worldDone)
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error(ctx, "world stopped", logging.Err(err))
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", collector.Handler())

	if envBool("HW_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()) {
		registerAdmin(mux, w)
	} else {
		logger.Info(ctx, "admin endpoints disabled (HW_ENABLE_ADMIN_HTTP=false)")
	}
	if envBool("HW_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc("/v1/ws", ws.NewServer(w, logger, ws.Options{OutQueue: tune.Queues.ClientOut}).Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Info(ctx, "listening", logging.String("addr", *addr), logging.String("world", *worldID))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error(ctx, "ListenAndServe", logging.Err(err))
	}
	cancel()
	<-worldDone
	if err := bus.Close(); err != nil {
		logger.Warn(context.Background(), "audit bus close", logging.Err(err))
	}
}

type flusher interface{ Flush() error }

// writeSnapshots persists snapshots and flushes the logs, so the tick log on
// disk always reaches at least the newest snapshot.
func writeSnapshots(ctx context.Context, worldDir string, snaps <-chan snapshot.SnapshotV1, idx runtimeIndex, logger logging.Logger, logs ...flusher) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-snaps:
			path := filepath.Join(worldDir, "snapshots", snapshot.FileName(snap.Header.Tick))
			if err := snapshot.WriteSnapshot(path, snap); err != nil {
				logger.Error(ctx, "snapshot write", logging.Uint64("tick", snap.Header.Tick), logging.Err(err))
				continue
			}
			logger.Info(ctx, "snapshot written", logging.Uint64("tick", snap.Header.Tick), logging.String("path", path))
			for _, l := range logs {
				if err := l.Flush(); err != nil {
					logger.Warn(ctx, "log flush", logging.Uint64("tick", snap.Header.Tick), logging.Err(err))
				}
			}
			if idx != nil {
				idx.RecordSnapshot(path, snap)
				idx.RecordSnapshotState(snap)
			}
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func fatal(logger logging.Logger, msg string, err error) {
	logger.Error(context.Background(), msg, logging.Err(err))
	os.Exit(1)
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// multiTickLogger writes every entry to both loggers and reports both
// failures. A nil logger is skipped.
type multiTickLogger struct {
	a world.TickLogger
	b world.TickLogger
}

func (m multiTickLogger) WriteTick(entry world.TickLogEntry) error {
	var errA, errB error
	if m.a != nil {
		errA = m.a.WriteTick(entry)
	}
	if m.b != nil {
		errB = m.b.WriteTick(entry)
	}
	return errors.Join(errA, errB)
}

type multiAuditLogger []world.AuditLogger

func (m multiAuditLogger) WriteAudit(entry world.AuditEntry) error {
	var errs []error
	for _, l := range m {
		if err := l.WriteAudit(entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
