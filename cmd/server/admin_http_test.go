package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"hackworld.ai/internal/protocol"
	"hackworld.ai/internal/sim/process"
	"hackworld.ai/internal/sim/world"
)

type fakeWorld struct {
	tick       uint64
	snapErr    error
	interrupts []interruptRequest
	changed    []process.PID
	intErr     error
}

func (f *fakeWorld) ID() string          { return "w1" }
func (f *fakeWorld) CurrentTick() uint64 { return f.tick }
func (f *fakeWorld) Metrics() world.WorldMetrics {
	return world.WorldMetrics{Tick: f.tick, Processes: 3}
}

func (f *fakeWorld) RequestSnapshot(context.Context) (uint64, error) {
	return f.tick - 1, f.snapErr
}

func (f *fakeWorld) RequestInterrupt(_ context.Context, computerID string, pid process.PID, recursive bool) ([]process.PID, error) {
	f.interrupts = append(f.interrupts, interruptRequest{ComputerID: computerID, PID: int(pid), Recursive: recursive})
	return f.changed, f.intErr
}

func serve(t *testing.T, w adminWorld, method, path, body, remote string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	registerAdmin(mux, w)
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestAdminRejectsNonLoopback(t *testing.T) {
	rec := serve(t, &fakeWorld{tick: 5}, http.MethodGet, "/admin/v1/state", "", "203.0.113.9:4000")
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminState(t *testing.T) {
	rec := serve(t, &fakeWorld{tick: 5}, http.MethodGet, "/admin/v1/state", "", "127.0.0.1:4000")
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		WorldID string             `json:"world_id"`
		Tick    uint64             `json:"tick"`
		Metrics world.WorldMetrics `json:"metrics"`
	}
	require.NoError(t, protocol.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "w1", got.WorldID)
	require.Equal(t, uint64(5), got.Tick)
	require.Equal(t, 3, got.Metrics.Processes)
}

func TestAdminSnapshotNeedsPost(t *testing.T) {
	rec := serve(t, &fakeWorld{tick: 5}, http.MethodGet, "/admin/v1/snapshot", "", "[::1]:4000")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = serve(t, &fakeWorld{tick: 5}, http.MethodPost, "/admin/v1/snapshot", "", "[::1]:4000")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"tick":4`)
}

func TestAdminInterrupt(t *testing.T) {
	fw := &fakeWorld{tick: 5, changed: []process.PID{1, 2}}
	rec := serve(t, fw, http.MethodPost, "/admin/v1/interrupt", `{"computer_id":"pc_1","pid":1,"recursive":true}`, "127.0.0.1:1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []interruptRequest{{ComputerID: "pc_1", PID: 1, Recursive: true}}, fw.interrupts)

	var resp interruptResponse
	require.NoError(t, protocol.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.OK)
	require.Equal(t, []process.PID{1, 2}, resp.Changed)
}

func TestAdminInterruptErrors(t *testing.T) {
	rec := serve(t, &fakeWorld{}, http.MethodPost, "/admin/v1/interrupt", `{"pid":1}`, "127.0.0.1:1")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, &fakeWorld{}, http.MethodPost, "/admin/v1/interrupt", `not json`, "127.0.0.1:1")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, &fakeWorld{intErr: world.ErrNoSuchComputer}, http.MethodPost, "/admin/v1/interrupt", `{"computer_id":"x","pid":1}`, "127.0.0.1:1")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, &fakeWorld{intErr: process.ErrRootProcess}, http.MethodPost, "/admin/v1/interrupt", `{"computer_id":"x","pid":0}`, "127.0.0.1:1")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdminInterruptAgainstRunningWorld(t *testing.T) {
	w, err := world.New(world.Config{ID: "admin", TickRateHz: 50}, nil, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	rec := serve(t, w, http.MethodPost, "/admin/v1/interrupt", `{"computer_id":"nope","pid":1}`, "127.0.0.1:1")
	require.Equal(t, http.StatusNotFound, rec.Code)
}
