package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"hackworld.ai/internal/logging"
	persistlog "hackworld.ai/internal/persistence/log"
	"hackworld.ai/internal/persistence/snapshot"
	"hackworld.ai/internal/sim/process"
	"hackworld.ai/internal/sim/programs"
	"hackworld.ai/internal/sim/tuning"
	"hackworld.ai/internal/sim/world"
)

var errStop = errors.New("stop")

type summary struct {
	FirstTick uint64
	LastTick  uint64
	Ticks     int
	Joins     int
	Leaves    int
	Commands  map[string]int
	Fired     int
	Mismatch  *mismatch
}

type mismatch struct {
	Tick uint64
	Want string
	Got  string
}

func main() {
	var (
		worldDir     = flag.String("world_dir", "", "world data dir containing ticks/ (e.g. ./data/worlds/world_1)")
		snapPath     = flag.String("snapshot", "", "start from this .snap.zst instead of an empty world (optional)")
		worldID      = flag.String("world", "world_1", "world id (used when starting without a snapshot)")
		tuningPath   = flag.String("tuning", "./configs/tuning.yaml", "tuning used by the recorded server")
		programsPath = flag.String("programs", "./configs/programs.yaml", "program catalog used by the recorded server")
		toTick       = flag.Uint64("to_tick", 0, "stop after this tick (inclusive, optional)")
	)
	flag.Parse()

	if *worldDir == "" {
		fmt.Fprintln(os.Stderr, "missing -world_dir")
		os.Exit(2)
	}

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load tuning:", err)
		os.Exit(1)
	}
	cat, err := programs.Load(*programsPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load programs:", err)
		os.Exit(1)
	}

	w, err := world.New(world.Config{
		ID:                  *worldID,
		TickRateHz:          tune.TickRateHz,
		SnapshotEveryTicks:  tune.SnapshotEveryTicks,
		ComputerUpdateEvery: tune.ComputerUpdateEvery,
		FirstPID:            process.PID(tune.FirstPID),
		Groups:              tune.Groups,
	}, cat, logging.NewFromEnv())
	if err != nil {
		fmt.Fprintln(os.Stderr, "world:", err)
		os.Exit(1)
	}
	if *snapPath != "" {
		snap, err := snapshot.ReadSnapshot(*snapPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read snapshot:", err)
			os.Exit(1)
		}
		if err := w.ImportSnapshot(snap); err != nil {
			fmt.Fprintln(os.Stderr, "import snapshot:", err)
			os.Exit(1)
		}
		fmt.Printf("snapshot v%d world=%s tick=%d sessions=%d computers=%d\n",
			snap.Header.Version, snap.Header.WorldID, snap.Header.Tick, len(snap.Sessions), len(snap.Computers))
	}

	s, err := replay(w, *worldDir, *toTick)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	printSummary(s, filepath.Base(*worldDir))
	if s.Mismatch != nil {
		os.Exit(3)
	}
}

// replay feeds the tick log of worldDir into w, starting at w's current tick,
// and stops at the first digest that differs from the recorded one.
func replay(w *world.World, worldDir string, toTick uint64) (summary, error) {
	s := summary{Commands: map[string]int{}}
	err := persistlog.ReadTicksFrom(worldDir, w.CurrentTick(), func(e world.TickLogEntry) error {
		if toTick > 0 && e.Tick > toTick {
			return errStop
		}
		if e.Tick != w.CurrentTick() {
			return fmt.Errorf("tick log gap: world at %d, next entry %d", w.CurrentTick(), e.Tick)
		}
		got, err := w.ReplayTick(e)
		if err != nil {
			return fmt.Errorf("tick %d: %w", e.Tick, err)
		}
		if s.Ticks == 0 {
			s.FirstTick = e.Tick
		}
		s.LastTick = e.Tick
		s.Ticks++
		s.Joins += len(e.Joins)
		s.Leaves += len(e.Leaves)
		s.Fired += e.Fired
		for _, c := range e.Commands {
			s.Commands[c.Type]++
		}
		if got != e.Digest {
			s.Mismatch = &mismatch{Tick: e.Tick, Want: e.Digest, Got: got}
			return errStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return s, err
	}
	return s, nil
}

func printSummary(s summary, name string) {
	fmt.Printf("world=%s ticks=%d first=%d last=%d joins=%d leaves=%d fired=%d\n",
		name, s.Ticks, s.FirstTick, s.LastTick, s.Joins, s.Leaves, s.Fired)
	types := make([]string, 0, len(s.Commands))
	for t := range s.Commands {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Printf("  %-20s %d\n", t, s.Commands[t])
	}
	if s.Mismatch != nil {
		fmt.Printf("DIGEST MISMATCH at tick %d: recorded=%s replayed=%s\n", s.Mismatch.Tick, s.Mismatch.Want, s.Mismatch.Got)
		return
	}
	fmt.Println("digests match")
}
