package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/event-seat-allocation/internal/model"
)

const (
	seatColumns     = `seat_id, row_num, seat_num, category_id, price, status, reserved_by, reserved_until, sold_to, sold_at, version`
	insertChunkSize = 500
)

// MySQLStore persists seats in the event_seats table.  Every row carries a
// version column that is bumped on each write; Commit only updates rows
// whose version still matches what the writer read, all inside one SQL
// transaction.
type MySQLStore struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewMySQLStore constructs a MySQLStore.  pollInterval drives Subscribe;
// values <= 0 fall back to one second.
func NewMySQLStore(db *sql.DB, pollInterval time.Duration) *MySQLStore {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &MySQLStore{db: db, pollInterval: pollInterval}
}

// Insert upserts seats in chunks of multi-row INSERT statements inside a
// single transaction.  Existing rows are overwritten and their version
// bumped.
func (r *MySQLStore) Insert(ctx context.Context, eventID string, seats []model.Seat) error {
	if len(seats) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for start := 0; start < len(seats); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(seats) {
			end = len(seats)
		}
		chunk := seats[start:end]
		query := `INSERT INTO event_seats (event_id, seat_id, row_num, seat_num, category_id, price, status, reserved_by, reserved_until, sold_to, sold_at, version) VALUES `
		args := make([]interface{}, 0, len(chunk)*11)
		for i, s := range chunk {
			if i > 0 {
				query += ","
			}
			query += "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)"
			args = append(args, eventID, s.ID, s.Row, s.Number, s.CategoryID, s.Price, string(s.Status),
				nullString(s.ReservedBy), nullTime(s.ReservedUntil), nullString(s.SoldTo), nullTime(s.SoldAt))
		}
		query += ` ON DUPLICATE KEY UPDATE row_num = VALUES(row_num), seat_num = VALUES(seat_num),
			category_id = VALUES(category_id), price = VALUES(price), status = VALUES(status),
			reserved_by = VALUES(reserved_by), reserved_until = VALUES(reserved_until),
			sold_to = VALUES(sold_to), sold_at = VALUES(sold_at), version = version + 1`
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (r *MySQLStore) Load(ctx context.Context, eventID string, ids []string) ([]VersionedSeat, error) {
	if len(ids) == 0 {
		return []VersionedSeat{}, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, eventID)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	query := `SELECT ` + seatColumns + ` FROM event_seats WHERE event_id = ? AND seat_id IN (` + strings.Join(placeholders, ",") + `)`
	found, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]VersionedSeat, len(found))
	for _, v := range found {
		byID[v.Seat.ID] = v
	}
	out := make([]VersionedSeat, 0, len(ids))
	for _, id := range ids {
		v, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s/%s", ErrSeatNotFound, eventID, id)
		}
		out = append(out, v)
	}
	return out, nil
}

func (r *MySQLStore) List(ctx context.Context, eventID string) ([]VersionedSeat, error) {
	return r.query(ctx, `SELECT `+seatColumns+` FROM event_seats WHERE event_id = ? ORDER BY seat_id`, eventID)
}

// ListExpired relies on idx_event_status_until to find abandoned locks.
func (r *MySQLStore) ListExpired(ctx context.Context, eventID string, now time.Time) ([]VersionedSeat, error) {
	return r.query(ctx,
		`SELECT `+seatColumns+` FROM event_seats
		 WHERE event_id = ? AND status = 'reserved' AND reserved_until <= ?
		 ORDER BY seat_id`,
		eventID, now.UTC())
}

// Commit updates each row guarded by its expected version.  A single row
// that fails to match rolls the whole transaction back.
func (r *MySQLStore) Commit(ctx context.Context, eventID string, writes []VersionedSeat) error {
	if len(writes) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	const q = `UPDATE event_seats
	           SET status = ?, reserved_by = ?, reserved_until = ?, sold_to = ?, sold_at = ?, version = version + 1
	           WHERE event_id = ? AND seat_id = ? AND version = ?`
	for _, w := range writes {
		s := w.Seat
		res, err := tx.ExecContext(ctx, q, string(s.Status),
			nullString(s.ReservedBy), nullTime(s.ReservedUntil), nullString(s.SoldTo), nullTime(s.SoldAt),
			eventID, s.ID, w.Version)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return ErrStale
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// Subscribe polls the table and emits the seats whose version moved since
// the previous poll.
func (r *MySQLStore) Subscribe(ctx context.Context, eventID string) (<-chan []VersionedSeat, error) {
	initial, err := r.List(ctx, eventID)
	if err != nil {
		return nil, err
	}
	out := make(chan []VersionedSeat, 1)
	out <- initial
	seen := make(map[string]uint64, len(initial))
	for _, v := range initial {
		seen[v.Seat.ID] = v.Version
	}
	go func() {
		defer close(out)
		ticker := time.NewTicker(r.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			all, err := r.List(ctx, eventID)
			if err != nil {
				continue
			}
			var changed []VersionedSeat
			for _, v := range all {
				if seen[v.Seat.ID] != v.Version {
					seen[v.Seat.ID] = v.Version
					changed = append(changed, v)
				}
			}
			if len(changed) == 0 {
				continue
			}
			select {
			case out <- changed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (r *MySQLStore) query(ctx context.Context, query string, args ...interface{}) ([]VersionedSeat, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []VersionedSeat
	for rows.Next() {
		var (
			v                     VersionedSeat
			status                string
			reservedBy, soldTo    sql.NullString
			reservedUntil, soldAt sql.NullTime
		)
		if err := rows.Scan(&v.Seat.ID, &v.Seat.Row, &v.Seat.Number, &v.Seat.CategoryID, &v.Seat.Price,
			&status, &reservedBy, &reservedUntil, &soldTo, &soldAt, &v.Version); err != nil {
			return nil, err
		}
		v.Seat.Status = model.SeatStatus(status)
		v.Seat.ReservedBy = fromNullString(reservedBy)
		v.Seat.ReservedUntil = fromNullTime(reservedUntil)
		v.Seat.SoldTo = fromNullString(soldTo)
		v.Seat.SoldAt = fromNullTime(soldAt)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
