package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"hackworld.ai/internal/logging"
	"hackworld.ai/internal/persistence/indexdb"
	"hackworld.ai/internal/persistence/snapshot"
	"hackworld.ai/internal/sim/programs"
	"hackworld.ai/internal/sim/tuning"
	"hackworld.ai/internal/sim/world"
)

type runtimeIndex interface {
	world.TickLogger
	world.AuditLogger
	Close() error
	UpsertCatalogs(cat *programs.Catalog, tune tuning.Tuning) error
	RecordSnapshot(path string, snap snapshot.SnapshotV1)
	RecordSnapshotState(snap snapshot.SnapshotV1)
}

// openRuntimeIndex picks the read-model backend from HW_INDEX_BACKEND. The
// index never feeds back into the simulation.
func openRuntimeIndex(worldDir string, disableDB bool, log logging.Logger) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("HW_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		dbPath := filepath.Join(worldDir, "index", "world.sqlite")
		idx, err := indexdb.OpenSQLite(dbPath)
		if err != nil {
			return nil, err
		}
		log.Info(context.Background(), "index backend ready", logging.String("backend", backend), logging.String("path", dbPath))
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported HW_INDEX_BACKEND: %s", backend)
	}
}
