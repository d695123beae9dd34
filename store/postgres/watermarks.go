package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/queueview/store"
)

// FindWatermark returns the watermark or store.ErrNotFound.
func (s *Store) FindWatermark(ctx context.Context, kind store.Watermark, queue string) (time.Time, error) {
	if err := s.checkConnected(); err != nil {
		return time.Time{}, err
	}
	if !kind.Valid() {
		return time.Time{}, store.ErrInvalidWatermark
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT at FROM %s WHERE kind = $1 AND queue = $2`, s.tables.watermarks)
	var at time.Time
	if err := s.db.GetContext(ctx, &at, query, string(kind), queue); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, store.ErrNotFound
		}
		return time.Time{}, fmt.Errorf("find watermark: %w", err)
	}
	return at.UTC(), nil
}

// InsertWatermarkIfAbsent relies on ON CONFLICT DO NOTHING; the first writer wins.
func (s *Store) InsertWatermarkIfAbsent(ctx context.Context, kind store.Watermark, queue string, at time.Time) (bool, error) {
	if err := s.checkConnected(); err != nil {
		return false, err
	}
	if !kind.Valid() {
		return false, store.ErrInvalidWatermark
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (kind, queue, at) VALUES ($1, $2, $3)
		ON CONFLICT (kind, queue) DO NOTHING
	`, s.tables.watermarks)
	result, err := s.db.ExecContext(ctx, query, string(kind), queue, at.UTC())
	if err != nil {
		return false, fmt.Errorf("insert watermark: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rows == 1, nil
}

// UpdateWatermark overwrites the watermark.
func (s *Store) UpdateWatermark(ctx context.Context, kind store.Watermark, queue string, at time.Time) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if !kind.Valid() {
		return store.ErrInvalidWatermark
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (kind, queue, at) VALUES ($1, $2, $3)
		ON CONFLICT (kind, queue) DO UPDATE SET at = EXCLUDED.at
	`, s.tables.watermarks)
	if _, err := s.db.ExecContext(ctx, query, string(kind), queue, at.UTC()); err != nil {
		return fmt.Errorf("update watermark: %w", err)
	}
	return nil
}

// ListWatermarks returns the watermark of every queue for kind.
func (s *Store) ListWatermarks(ctx context.Context, kind store.Watermark) (map[string]time.Time, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, store.ErrInvalidWatermark
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT queue, at FROM %s WHERE kind = $1`, s.tables.watermarks)
	var rows []struct {
		Queue string    `db:"queue"`
		At    time.Time `db:"at"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, string(kind)); err != nil {
		return nil, fmt.Errorf("list watermarks: %w", err)
	}

	out := make(map[string]time.Time, len(rows))
	for _, r := range rows {
		out[r.Queue] = r.At.UTC()
	}
	return out, nil
}
