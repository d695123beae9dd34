package postgres

import (
	"context"
	"fmt"

	"github.com/rbaliyan/queueview/store"
)

// MarkDeleted records a tombstone. Idempotent.
func (s *Store) MarkDeleted(ctx context.Context, queue, enqueueID string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if err := store.ValidateEnqueueID(enqueueID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (queue, enqueue_id) VALUES ($1, $2)
		ON CONFLICT (queue, enqueue_id) DO NOTHING
	`, s.tables.tombstones)
	if _, err := s.db.ExecContext(ctx, query, queue, enqueueID); err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	return nil
}

// IsDeleted reports whether a tombstone exists.
func (s *Store) IsDeleted(ctx context.Context, queue, enqueueID string) (bool, error) {
	if err := s.checkConnected(); err != nil {
		return false, err
	}
	if err := store.ValidateEnqueueID(enqueueID); err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE queue = $1 AND enqueue_id = $2)`, s.tables.tombstones)
	var exists bool
	if err := s.db.GetContext(ctx, &exists, query, queue, enqueueID); err != nil {
		return false, fmt.Errorf("is deleted: %w", err)
	}
	return exists, nil
}

// RemoveDeletedMark removes a tombstone. Idempotent.
func (s *Store) RemoveDeletedMark(ctx context.Context, queue, enqueueID string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if err := store.ValidateEnqueueID(enqueueID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE queue = $1 AND enqueue_id = $2`, s.tables.tombstones)
	if _, err := s.db.ExecContext(ctx, query, queue, enqueueID); err != nil {
		return fmt.Errorf("remove deleted mark: %w", err)
	}
	return nil
}
