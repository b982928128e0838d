package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"hackworld.ai/internal/persistence/indexdb"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	tick := fs.Uint64("tick", 0, "snapshot tick for processes (optional; defaults to latest)")
	limit := fs.Int("limit", 20, "result limit")
	owner := fs.String("owner", "", "owner identity filter (processes)")
	actor := fs.String("actor", "", "actor filter (audits)")
	action := fs.String("action", "", "action filter (audits)")
	computer := fs.String("computer", "", "computer filter (audits)")
	since := fs.Uint64("since", 0, "first tick (audits)")
	_ = fs.Parse(args)

	q := "snapshots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*worldID) == "" {
			fmt.Fprintln(os.Stderr, "missing -world or -db")
			os.Exit(2)
		}
		path = filepath.Join(*dataDir, "worlds", *worldID, "index", "world.sqlite")
	}

	r, err := indexdb.OpenReader(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer r.Close()
	ctx := context.Background()

	switch q {
	case "snapshots":
		rows, err := r.Snapshots(ctx, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		printJSON(rows)

	case "processes":
		if *tick == 0 {
			lt, err := r.LatestSnapshotTick(ctx)
			if err != nil {
				fmt.Fprintln(os.Stderr, "latest tick:", err)
				os.Exit(1)
			}
			if lt == 0 {
				fmt.Fprintln(os.Stderr, "no snapshots found")
				os.Exit(2)
			}
			*tick = lt
		}
		rows, err := r.Processes(ctx, *tick, *owner)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		printJSON(rows)

	case "audits":
		rows, err := r.Audits(ctx, indexdb.AuditFilter{
			Actor:    *actor,
			Action:   strings.ToUpper(*action),
			Computer: *computer,
			Since:    *since,
			Limit:    *limit,
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		printJSON(rows)

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q, "(want snapshots, processes or audits)")
		os.Exit(2)
	}
}
