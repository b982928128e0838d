package snapshot

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func sample(tick uint64) SnapshotV1 {
	return SnapshotV1{
		Header:              Header{Version: CurrentVersion, WorldID: "w1", Tick: tick},
		TickRate:            5,
		SnapshotEveryTicks:  100,
		ComputerUpdateEvery: 1,
		Sessions: []SessionV1{
			{Identity: "id_1", Name: "alice", ResumeToken: "resume_1", ComputerID: "pc_1", JoinedTick: 3},
		},
		Computers: []ComputerV1{{
			ID:      "pc_1",
			Owner:   "id_1",
			NextPID: 3,
			Procs: []ProcessV1{
				{PID: 0, Parent: -1, Children: []int{1}, State: 1},
				{PID: 1, Parent: 0, Children: []int{2}, State: 2, Source: "/sbin/init", OwnerID: "id_1", OwnerDetails: "sh"},
				{PID: 2, Parent: 1, State: 1, Source: "/bin/daemon", OwnerID: "id_1", OwnerDetails: "sh"},
			},
			Tasks: []TaskV1{
				{Group: "computerUpdate", InitialDelay: 0, PeriodicDelay: 1, Remaining: 1, Action: "computer.tick"},
				{Group: "computerUpdate", InitialDelay: 10, Remaining: 4, Action: "process.stop", PID: 2},
			},
		}},
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshots", FileName(42))
	want := sample(42)
	if err := WriteSnapshot(path, want); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if h != want.Header {
		t.Fatalf("header %+v", h)
	}
}

func TestReadRejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName(1))
	s := sample(1)
	s.Header.Version = 99
	if err := WriteSnapshot(path, s); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadSnapshot(path); err == nil {
		t.Fatalf("expected version error")
	}
}

func TestLatest(t *testing.T) {
	dir := t.TempDir()
	if got := Latest(dir); got != "" {
		t.Fatalf("empty dir latest=%q", got)
	}
	for _, tick := range []uint64{5, 120, 30} {
		if err := WriteSnapshot(filepath.Join(dir, FileName(tick)), sample(tick)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	_ = os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)
	_ = os.WriteFile(filepath.Join(dir, "bad.snap.zst"), []byte("x"), 0o644)
	if got := Latest(dir); filepath.Base(got) != FileName(120) {
		t.Fatalf("latest=%q", got)
	}
}
