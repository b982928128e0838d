package indexdb

import (
	"context"
	"database/sql"
	"strings"

	"hackworld.ai/internal/sim/process"
)

// Reader runs read-only queries against an index written by SQLiteIndex.
type Reader struct {
	db *sql.DB
}

func OpenReader(path string) (*Reader, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Reader{db: db}, nil
}

func (r *Reader) Close() error { return r.db.Close() }

type SnapshotRow struct {
	Tick      uint64 `json:"tick"`
	Path      string `json:"path"`
	Sessions  int    `json:"sessions"`
	Computers int    `json:"computers"`
	Processes int    `json:"processes"`
	Tasks     int    `json:"tasks"`
}

func (r *Reader) Snapshots(ctx context.Context, limit int) ([]SnapshotRow, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT tick,path,sessions,computers,processes,tasks FROM snapshots ORDER BY tick DESC LIMIT ?`, limitOr(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SnapshotRow
	for rows.Next() {
		var s SnapshotRow
		var tick int64
		if err := rows.Scan(&tick, &s.Path, &s.Sessions, &s.Computers, &s.Processes, &s.Tasks); err != nil {
			return nil, err
		}
		s.Tick = uint64(tick)
		out = append(out, s)
	}
	return out, rows.Err()
}

// LatestSnapshotTick returns 0 when no snapshot was indexed.
func (r *Reader) LatestSnapshotTick(ctx context.Context) (uint64, error) {
	var tick sql.NullInt64
	if err := r.db.QueryRowContext(ctx, `SELECT MAX(tick) FROM snapshots`).Scan(&tick); err != nil {
		return 0, err
	}
	if !tick.Valid {
		return 0, nil
	}
	return uint64(tick.Int64), nil
}

type AuditRow struct {
	Tick     uint64 `json:"tick"`
	Seq      int    `json:"seq"`
	Actor    string `json:"actor"`
	Action   string `json:"action"`
	Computer string `json:"computer"`
	PID      int    `json:"pid"`
	Source   string `json:"source,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// AuditFilter narrows Audits; zero fields match everything.
type AuditFilter struct {
	Actor    string
	Action   string
	Computer string
	Since    uint64
	Limit    int
}

func (r *Reader) Audits(ctx context.Context, f AuditFilter) ([]AuditRow, error) {
	var where []string
	var args []any
	if f.Actor != "" {
		where = append(where, "actor = ?")
		args = append(args, f.Actor)
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, f.Action)
	}
	if f.Computer != "" {
		where = append(where, "computer_id = ?")
		args = append(args, f.Computer)
	}
	if f.Since > 0 {
		where = append(where, "tick >= ?")
		args = append(args, int64(f.Since))
	}
	q := `SELECT tick,seq,actor,action,computer_id,pid,COALESCE(source,''),COALESCE(reason,'') FROM audits`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY tick, seq LIMIT ?"
	args = append(args, limitOr(f.Limit))

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditRow
	for rows.Next() {
		var a AuditRow
		var tick int64
		if err := rows.Scan(&tick, &a.Seq, &a.Actor, &a.Action, &a.Computer, &a.PID, &a.Source, &a.Reason); err != nil {
			return nil, err
		}
		a.Tick = uint64(tick)
		out = append(out, a)
	}
	return out, rows.Err()
}

type ProcessRow struct {
	Tick         uint64 `json:"tick"`
	Computer     string `json:"computer"`
	PID          int    `json:"pid"`
	Parent       int    `json:"parent"`
	State        string `json:"state"`
	Source       string `json:"source,omitempty"`
	OwnerID      string `json:"owner_id,omitempty"`
	OwnerDetails string `json:"owner_details,omitempty"`
}

// Processes lists the processes captured by the snapshot at tick, optionally
// only those owned by ownerID.
func (r *Reader) Processes(ctx context.Context, tick uint64, ownerID string) ([]ProcessRow, error) {
	q := `SELECT computer_id,pid,parent,state,COALESCE(source,''),COALESCE(owner_id,''),COALESCE(owner_details,'') FROM snapshot_processes WHERE tick = ?`
	args := []any{int64(tick)}
	if ownerID != "" {
		q += " AND owner_id = ?"
		args = append(args, ownerID)
	}
	q += " ORDER BY computer_id, pid"
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ProcessRow
	for rows.Next() {
		p := ProcessRow{Tick: tick}
		if err := rows.Scan(&p.Computer, &p.PID, &p.Parent, &p.State, &p.Source, &p.OwnerID, &p.OwnerDetails); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func limitOr(n int) int {
	if n <= 0 {
		return 20
	}
	return n
}

func processStateName(s int) string { return process.State(s).String() }
