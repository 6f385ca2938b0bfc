package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/petervdpas/callkit/internal/call"
)

// CallRecord is one row of call history.
type CallRecord struct {
	CallID      string         `json:"callId"`
	Type        call.Type      `json:"callType"`
	Direction   call.Direction `json:"direction"`
	PeerID      string         `json:"peerId"`
	PeerName    string         `json:"peerName,omitempty"`
	State       call.State     `json:"state"`
	Reason      string         `json:"reason,omitempty"`
	StartedAt   time.Time      `json:"startedAt"`
	ConnectedAt time.Time      `json:"connectedAt,omitempty"`
	EndedAt     time.Time      `json:"endedAt,omitempty"`
}

// Duration is the connected time, zero if the call never connected.
func (r CallRecord) Duration() time.Duration {
	if r.ConnectedAt.IsZero() || r.EndedAt.Before(r.ConnectedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.ConnectedAt)
}

// Missed reports an incoming call that was never answered.
func (r CallRecord) Missed() bool {
	return r.Direction == call.Inbound && r.ConnectedAt.IsZero() &&
		(r.Reason == call.ReasonCanceled || r.Reason == call.ReasonTimeout)
}

// RecordCall stores a terminal session and refreshes the peer's contact
// entry. Recording the same call id again replaces the row.
func (d *DB) RecordCall(ctx context.Context, info call.Info) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _calls
			(call_id, call_type, direction, peer_id, peer_name, state, reason, started_at, connected_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_id) DO UPDATE SET
			state        = excluded.state,
			reason       = excluded.reason,
			connected_at = excluded.connected_at,
			ended_at     = excluded.ended_at`,
		info.ID, string(info.Type), string(info.Direction), info.Peer.ID, info.Peer.DisplayName,
		string(info.State), info.Reason,
		millis(info.StartedAt), millis(info.ConnectedAt), millis(info.EndedAt),
	); err != nil {
		return fmt.Errorf("insert call %s: %w", info.ID, err)
	}

	if err := upsertContact(ctx, tx, Contact{
		PeerID:      info.Peer.ID,
		DisplayName: info.Peer.DisplayName,
		AvatarURL:   info.Peer.AvatarURL,
		LastCallAt:  info.StartedAt,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ListCalls returns the most recent calls first. limit <= 0 means 50.
func (d *DB) ListCalls(ctx context.Context, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.QueryContext(ctx, `
		SELECT call_id, call_type, direction, peer_id, peer_name, state, reason,
		       started_at, connected_at, ended_at
		FROM _calls ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CallRecord
	for rows.Next() {
		r, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetCall returns one call by id.
func (d *DB) GetCall(ctx context.Context, callID string) (CallRecord, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	row := d.db.QueryRowContext(ctx, `
		SELECT call_id, call_type, direction, peer_id, peer_name, state, reason,
		       started_at, connected_at, ended_at
		FROM _calls WHERE call_id = ?`, callID)
	r, err := scanCall(row)
	if err == sql.ErrNoRows {
		return CallRecord{}, false, nil
	}
	if err != nil {
		return CallRecord{}, false, err
	}
	return r, true, nil
}

// CountMissed counts unanswered incoming calls started after since.
func (d *DB) CountMissed(ctx context.Context, since time.Time) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var n int
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM _calls
		WHERE direction = ? AND connected_at = 0 AND reason IN (?, ?) AND started_at > ?`,
		string(call.Inbound), call.ReasonCanceled, call.ReasonTimeout, millis(since),
	).Scan(&n)
	return n, err
}

// PruneCalls deletes history older than before and returns the row count.
func (d *DB) PruneCalls(ctx context.Context, before time.Time) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.ExecContext(ctx, `DELETE FROM _calls WHERE started_at < ?`, millis(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(s scanner) (CallRecord, error) {
	var r CallRecord
	var typ, dir, state string
	var started, connected, ended int64
	if err := s.Scan(&r.CallID, &typ, &dir, &r.PeerID, &r.PeerName, &state, &r.Reason,
		&started, &connected, &ended); err != nil {
		return CallRecord{}, err
	}
	r.Type = call.Type(typ)
	r.Direction = call.Direction(dir)
	r.State = call.State(state)
	r.StartedAt = fromMillis(started)
	r.ConnectedAt = fromMillis(connected)
	r.EndedAt = fromMillis(ended)
	return r, nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
