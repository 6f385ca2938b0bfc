package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Contact is the last known identity of someone we called or who called us.
// A blank name or avatar never overwrites a known one.
type Contact struct {
	PeerID      string    `json:"peerId"`
	DisplayName string    `json:"displayName,omitempty"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	LastCallAt  time.Time `json:"lastCallAt"`
	Calls       int       `json:"calls"`
}

func upsertContact(ctx context.Context, tx *sql.Tx, c Contact) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO _contacts (peer_id, display_name, avatar_url, last_call_at, calls)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(peer_id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name = '' THEN _contacts.display_name ELSE excluded.display_name END,
			avatar_url   = CASE WHEN excluded.avatar_url = '' THEN _contacts.avatar_url ELSE excluded.avatar_url END,
			last_call_at = MAX(_contacts.last_call_at, excluded.last_call_at),
			calls        = _contacts.calls + 1`,
		c.PeerID, c.DisplayName, c.AvatarURL, millis(c.LastCallAt),
	)
	if err != nil {
		return fmt.Errorf("upsert contact %s: %w", c.PeerID, err)
	}
	return nil
}

// GetContact returns the contact for peerID, or false if unknown.
func (d *DB) GetContact(ctx context.Context, peerID string) (Contact, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var c Contact
	var last int64
	err := d.db.QueryRowContext(ctx, `
		SELECT peer_id, display_name, avatar_url, last_call_at, calls
		FROM _contacts WHERE peer_id = ?`, peerID).
		Scan(&c.PeerID, &c.DisplayName, &c.AvatarURL, &last, &c.Calls)
	if err != nil {
		return Contact{}, false
	}
	c.LastCallAt = fromMillis(last)
	return c, true
}

// ListContacts returns contacts, most recently called first.
func (d *DB) ListContacts(ctx context.Context) ([]Contact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.QueryContext(ctx, `
		SELECT peer_id, display_name, avatar_url, last_call_at, calls
		FROM _contacts ORDER BY last_call_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Contact
	for rows.Next() {
		var c Contact
		var last int64
		if err := rows.Scan(&c.PeerID, &c.DisplayName, &c.AvatarURL, &last, &c.Calls); err != nil {
			return nil, err
		}
		c.LastCallAt = fromMillis(last)
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteContact forgets a peer. Its call history is kept.
func (d *DB) DeleteContact(ctx context.Context, peerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `DELETE FROM _contacts WHERE peer_id = ?`, peerID)
	return err
}
