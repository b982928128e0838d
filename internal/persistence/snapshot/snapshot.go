package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const CurrentVersion = 1

type Header struct {
	Version int    `json:"version"`
	WorldID string `json:"world_id"`
	Tick    uint64 `json:"tick"`
}

// SnapshotV1 is everything needed to resume the kernel: sessions, and per
// computer its process tree and pending scheduler tasks.
type SnapshotV1 struct {
	Header Header `json:"header"`

	// Operational parameters (captured for deterministic replay/resume).
	TickRate            int      `json:"tick_rate_hz"`
	SnapshotEveryTicks  int      `json:"snapshot_every_ticks,omitempty"`
	ComputerUpdateEvery int      `json:"computer_update_every,omitempty"`
	Groups              []string `json:"groups,omitempty"`

	Sessions  []SessionV1  `json:"sessions"`
	Computers []ComputerV1 `json:"computers"`
}

type SessionV1 struct {
	Identity    string `json:"identity"`
	Name        string `json:"name"`
	ResumeToken string `json:"resume_token"`
	ComputerID  string `json:"computer_id"`
	JoinedTick  uint64 `json:"joined_tick"`
}

type ComputerV1 struct {
	ID      string      `json:"id"`
	Owner   string      `json:"owner"`
	NextPID int         `json:"next_pid"`
	Procs   []ProcessV1 `json:"procs"` // pre-order, root first
	Tasks   []TaskV1    `json:"tasks,omitempty"`
}

type ProcessV1 struct {
	PID          int    `json:"pid"`
	Parent       int    `json:"parent"`
	Children     []int  `json:"children,omitempty"`
	State        int    `json:"state"`
	Source       string `json:"source,omitempty"`
	OwnerID      string `json:"owner_id,omitempty"`
	OwnerDetails string `json:"owner_details,omitempty"`
}

type TaskV1 struct {
	Group         string `json:"group"`
	InitialDelay  int    `json:"initial_delay"`
	PeriodicDelay int    `json:"periodic_delay"`
	Remaining     int    `json:"remaining"`
	Action        string `json:"action"`
	PID           int    `json:"pid,omitempty"`
	Arg           string `json:"arg,omitempty"`
}

// FileName is the name snapshots are stored under inside a snapshots directory.
func FileName(tick uint64) string {
	return fmt.Sprintf("%d.snap.zst", tick)
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}

	bw := bufio.NewWriterSize(enc, 256*1024)
	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return enc.Close()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// The header line is for tools that only peek; gob carries it too.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != CurrentVersion {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}

// ReadHeader decodes only the leading JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()
	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, err
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("header: %w", err)
	}
	return h, nil
}

// Latest returns the path of the highest-tick snapshot in dir, or "".
func Latest(dir string) string {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestTick uint64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		tick, err := strconv.ParseUint(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		if best == "" || tick > bestTick {
			bestTick = tick
			best = filepath.Join(dir, name)
		}
	}
	return best
}
