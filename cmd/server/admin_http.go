package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"hackworld.ai/internal/protocol"
	"hackworld.ai/internal/sim/process"
	"hackworld.ai/internal/sim/world"
)

// adminWorld is what the loopback admin endpoints need from the world.
type adminWorld interface {
	ID() string
	CurrentTick() uint64
	Metrics() world.WorldMetrics
	RequestSnapshot(ctx context.Context) (uint64, error)
	RequestInterrupt(ctx context.Context, computerID string, pid process.PID, recursive bool) ([]process.PID, error)
}

type interruptRequest struct {
	ComputerID string `json:"computer_id"`
	PID        int    `json:"pid"`
	Recursive  bool   `json:"recursive"`
}

type interruptResponse struct {
	OK      bool          `json:"ok"`
	Changed []process.PID `json:"changed,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// registerAdmin mounts local-only admin endpoints. They do not affect
// determinism: interrupts go through the world loop and are tick-logged.
func registerAdmin(mux *http.ServeMux, w adminWorld) {
	mux.HandleFunc("/admin/v1/state", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
		writeJSON(rw, http.StatusOK, struct {
			WorldID string             `json:"world_id"`
			Tick    uint64             `json:"tick"`
			Metrics world.WorldMetrics `json:"metrics"`
		}{
			WorldID: w.ID(),
			Tick:    w.CurrentTick(),
			Metrics: w.Metrics(),
		})
	}))
	mux.HandleFunc("/admin/v1/snapshot", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		tick, err := w.RequestSnapshot(ctx)
		if err != nil {
			writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "tick": tick, "error": err.Error()})
			return
		}
		writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "tick": tick})
	}))
	mux.HandleFunc("/admin/v1/interrupt", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req interruptRequest
		if err := protocol.Decode(http.MaxBytesReader(rw, r.Body, 1<<16), &req); err != nil {
			writeJSON(rw, http.StatusBadRequest, interruptResponse{Error: "bad request body"})
			return
		}
		if strings.TrimSpace(req.ComputerID) == "" {
			writeJSON(rw, http.StatusBadRequest, interruptResponse{Error: "computer_id required"})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		changed, err := w.RequestInterrupt(ctx, req.ComputerID, process.PID(req.PID), req.Recursive)
		switch {
		case err == nil:
			writeJSON(rw, http.StatusOK, interruptResponse{OK: true, Changed: changed})
		case errors.Is(err, world.ErrNoSuchComputer), errors.Is(err, process.ErrNoSuchProcess):
			writeJSON(rw, http.StatusNotFound, interruptResponse{Error: err.Error()})
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			writeJSON(rw, http.StatusServiceUnavailable, interruptResponse{Error: err.Error()})
		default:
			writeJSON(rw, http.StatusConflict, interruptResponse{Error: err.Error()})
		}
	}))
}

func loopbackOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = protocol.Encode(rw, v)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
