package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/queueview/store"
)

// LoadConfiguration returns the saved configuration or store.ErrNotFound.
func (s *Store) LoadConfiguration(ctx context.Context) (*store.ViewConfiguration, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT slice_window_ms, bucket_count FROM %s WHERE id = 1`, s.tables.configuration)
	var row struct {
		SliceWindowMS int64 `db:"slice_window_ms"`
		BucketCount   int   `db:"bucket_count"`
	}
	if err := s.db.GetContext(ctx, &row, query); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return &store.ViewConfiguration{
		SliceWindow: time.Duration(row.SliceWindowMS) * time.Millisecond,
		BucketCount: row.BucketCount,
	}, nil
}

// SaveConfiguration overwrites the configuration.
func (s *Store) SaveConfiguration(ctx context.Context, cfg store.ViewConfiguration) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, slice_window_ms, bucket_count) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE
		SET slice_window_ms = EXCLUDED.slice_window_ms, bucket_count = EXCLUDED.bucket_count
	`, s.tables.configuration)
	if _, err := s.db.ExecContext(ctx, query, cfg.SliceWindow.Milliseconds(), cfg.BucketCount); err != nil {
		return fmt.Errorf("save configuration: %w", err)
	}
	return nil
}
