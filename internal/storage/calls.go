package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petervdpas/callsig/internal/calls"
)

// ErrNotFound is returned when a call id is unknown.
var ErrNotFound = errors.New("storage: not found")

// terminalSQL lists the statuses an upsert never moves away from.
var terminalSQL = func() string {
	var q []string
	for _, st := range []calls.Status{calls.StatusEnded, calls.StatusRejected, calls.StatusMissed, calls.StatusFailed} {
		q = append(q, "'"+string(st)+"'")
	}
	return strings.Join(q, ",")
}()

// SaveCall inserts c or updates the stored record. A stored terminal
// record is never overwritten.
func (d *DB) SaveCall(ctx context.Context, c *calls.Call) error {
	quality := ""
	if c.Quality != nil {
		b, err := json.Marshal(c.Quality)
		if err != nil {
			return fmt.Errorf("encode quality: %w", err)
		}
		quality = string(b)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO calls
			(call_id, caller_id, receiver_id, call_type, status, conversation_id,
			 created_at, start_time, end_time, duration, failure_reason, quality)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_id) DO UPDATE SET
			status         = excluded.status,
			start_time     = COALESCE(excluded.start_time, calls.start_time),
			end_time       = excluded.end_time,
			duration       = excluded.duration,
			failure_reason = excluded.failure_reason,
			quality        = CASE WHEN excluded.quality = '' THEN calls.quality ELSE excluded.quality END
		WHERE calls.status NOT IN (`+terminalSQL+`)`,
		c.ID, c.CallerID, c.ReceiverID, string(c.Type), string(c.Status), c.ConversationID,
		c.CreatedAt.UnixMilli(), unixMilli(c.StartTime), unixMilli(c.EndTime), c.Duration, c.FailureReason, quality,
	)
	if err != nil {
		return fmt.Errorf("save call %s: %w", c.ID, err)
	}
	return nil
}

// GetCall returns the stored record for id.
func (d *DB) GetCall(ctx context.Context, id string) (*calls.Call, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	row := d.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE call_id = ?`, id)
	c, err := scanCall(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("call %s: %w", id, ErrNotFound)
	}
	return c, err
}

// ListOpts filter ListCalls.
type ListOpts struct {
	// Peer limits results to calls with this user on either side.
	Peer   string
	Status calls.Status
	Limit  int
	Offset int
}

// ListCalls returns stored calls, newest first.
func (d *DB) ListCalls(ctx context.Context, opts ListOpts) ([]*calls.Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls`
	var where []string
	var args []any
	if opts.Peer != "" {
		where = append(where, `(caller_id = ? OR receiver_id = ?)`)
		args = append(args, opts.Peer, opts.Peer)
	}
	if opts.Status != "" {
		where = append(where, `status = ?`)
		args = append(args, string(opts.Status))
	}
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, call_id`
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	q += ` LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*calls.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteCallsBefore removes history older than t and reports how many
// rows went.
func (d *DB) DeleteCallsBefore(ctx context.Context, t time.Time) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.ExecContext(ctx, `DELETE FROM calls WHERE created_at < ? AND status IN (`+terminalSQL+`)`, t.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const callColumns = `call_id, caller_id, receiver_id, call_type, status, conversation_id,
	created_at, start_time, end_time, duration, failure_reason, quality`

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(s scanner) (*calls.Call, error) {
	var (
		c            calls.Call
		typ, status  string
		created      int64
		start, end   sql.NullInt64
		conv, reason sql.NullString
		quality      sql.NullString
	)
	if err := s.Scan(&c.ID, &c.CallerID, &c.ReceiverID, &typ, &status, &conv,
		&created, &start, &end, &c.Duration, &reason, &quality); err != nil {
		return nil, err
	}
	c.Type, c.Status = calls.Type(typ), calls.Status(status)
	c.ConversationID, c.FailureReason = conv.String, reason.String
	c.CreatedAt = time.UnixMilli(created)
	c.StartTime = fromMilli(start)
	c.EndTime = fromMilli(end)
	if quality.String != "" {
		var q calls.Quality
		if err := json.Unmarshal([]byte(quality.String), &q); err == nil {
			c.Quality = &q
		}
	}
	return &c, nil
}

func unixMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMilli(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
