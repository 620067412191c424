package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/petervdpas/callsig/internal/calls"
)

// Contact is the last known identity of a user seen on a call.
type Contact struct {
	calls.Caller
	LastSeen time.Time `json:"lastSeen"`
}

// UpsertContact stores or refreshes a user's identity. Empty fields keep
// what was stored before.
func (d *DB) UpsertContact(ctx context.Context, c calls.Caller, seen time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO contacts (user_id, display_name, avatar, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name = '' THEN contacts.display_name ELSE excluded.display_name END,
			avatar       = CASE WHEN excluded.avatar = '' THEN contacts.avatar ELSE excluded.avatar END,
			last_seen    = MAX(contacts.last_seen, excluded.last_seen)`,
		c.UserID, c.DisplayName, c.Avatar, seen.UnixMilli(),
	)
	return err
}

// GetContact returns the stored identity for userID, or false if unknown.
func (d *DB) GetContact(ctx context.Context, userID string) (Contact, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, err := scanContact(d.db.QueryRowContext(ctx, `
		SELECT user_id, display_name, avatar, last_seen FROM contacts WHERE user_id = ?`, userID))
	if err != nil {
		return Contact{}, false
	}
	return c, true
}

// DisplayName returns the stored name for userID, falling back to the id.
func (d *DB) DisplayName(ctx context.Context, userID string) string {
	if c, ok := d.GetContact(ctx, userID); ok && c.DisplayName != "" {
		return c.DisplayName
	}
	return userID
}

// ListContacts returns every known contact, most recently seen first.
func (d *DB) ListContacts(ctx context.Context) ([]Contact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.QueryContext(ctx, `
		SELECT user_id, display_name, avatar, last_seen FROM contacts ORDER BY last_seen DESC, user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanContact(s scanner) (Contact, error) {
	var c Contact
	var name, avatar sql.NullString
	var seen int64
	if err := s.Scan(&c.UserID, &name, &avatar, &seen); err != nil {
		return Contact{}, err
	}
	c.DisplayName, c.Avatar = name.String, avatar.String
	c.LastSeen = time.UnixMilli(seen)
	return c, nil
}
