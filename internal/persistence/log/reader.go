package log

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"hackworld.ai/internal/protocol"
	"hackworld.ai/internal/sim/world"
)

// Segment is one log file and the first tick it may hold.
type Segment struct {
	Path      string
	FirstTick uint64
}

// Segments lists the segments of one stream in dir, oldest first. Files that
// do not follow the naming scheme are ignored.
func Segments(dir, prefix string) ([]Segment, error) {
	paths, err := filepath.Glob(filepath.Join(dir, prefix+"-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	out := make([]Segment, 0, len(paths))
	for _, p := range paths {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(p), prefix+"-"), ".jsonl.zst")
		first, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, Segment{Path: p, FirstTick: first})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstTick < out[j].FirstTick })
	return out, nil
}

// ReadJSONL hands every non-empty line of a JSONL.zst file to fn and stops
// at the first error fn returns.
func ReadJSONL(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if len(sc.Bytes()) == 0 {
			continue
		}
		if err := fn(sc.Bytes()); err != nil {
			return fmt.Errorf("%s:%d: %w", filepath.Base(path), lineNo, err)
		}
	}
	return sc.Err()
}

// readFrom decodes the entries with tick >= from, skipping whole segments
// that end before it.
func readFrom[T any](dir, prefix string, from uint64, tickOf func(T) uint64, fn func(T) error) error {
	segs, err := Segments(dir, prefix)
	if err != nil {
		return err
	}
	for i, seg := range segs {
		if i+1 < len(segs) && segs[i+1].FirstTick <= from {
			continue
		}
		err := ReadJSONL(seg.Path, func(line []byte) error {
			var e T
			if err := protocol.Unmarshal(line, &e); err != nil {
				return err
			}
			if tickOf(e) < from {
				return nil
			}
			return fn(e)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadTicks walks every tick entry under worldDir in write order.
func ReadTicks(worldDir string, fn func(world.TickLogEntry) error) error {
	return ReadTicksFrom(worldDir, 0, fn)
}

// ReadTicksFrom walks the tick entries from tick from onwards.
func ReadTicksFrom(worldDir string, from uint64, fn func(world.TickLogEntry) error) error {
	return readFrom(TickDir(worldDir), tickPrefix, from, func(e world.TickLogEntry) uint64 { return e.Tick }, fn)
}

// ReadAuditsFrom walks the audit entries recorded at tick from or later.
func ReadAuditsFrom(worldDir string, from uint64, fn func(world.AuditEntry) error) error {
	return readFrom(AuditDir(worldDir), auditPrefix, from, func(e world.AuditEntry) uint64 { return e.Tick }, fn)
}
