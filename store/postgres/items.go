package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rbaliyan/queueview/store"
)

// InsertItem writes the location and the item row in one transaction.
func (s *Store) InsertItem(ctx context.Context, item *store.EnqueuedItem) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if err := item.Validate(); err != nil {
		return err
	}

	row, err := newItemRow(item)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	locQuery := fmt.Sprintf(`
		INSERT INTO %s (queue, enqueue_id, mail_key, slice_start, bucket)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (queue, enqueue_id) DO UPDATE
		SET mail_key = EXCLUDED.mail_key, slice_start = EXCLUDED.slice_start, bucket = EXCLUDED.bucket
	`, s.tables.locations)
	if _, err := tx.ExecContext(ctx, locQuery, row.Queue, row.EnqueueID, row.MailKey, row.SliceStart, row.Bucket); err != nil {
		return fmt.Errorf("insert location: %w", err)
	}

	displaced, err := s.writeItem(ctx, tx, row)
	if err != nil {
		return err
	}
	if displaced != "" {
		for _, table := range []string{s.tables.locations, s.tables.tombstones} {
			query := fmt.Sprintf(`DELETE FROM %s WHERE queue = $1 AND enqueue_id = $2`, table)
			if _, err := tx.ExecContext(ctx, query, row.Queue, displaced); err != nil {
				return fmt.Errorf("remove displaced attempt: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrTransactionFailed, err)
	}
	return nil
}

// writeItem inserts the item row, overwriting any row with the same mail key
// in the partition. It returns the enqueue id of the overwritten attempt, or
// "" when there was none or it was the same attempt.
func (s *Store) writeItem(ctx context.Context, tx *sqlx.Tx, row *itemRow) (string, error) {
	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (%s)
		ON CONFLICT (queue, slice_start, bucket, mail_key) DO NOTHING
	`, s.tables.items, itemColumns, itemValues)
	res, err := tx.NamedExecContext(ctx, insertQuery, row)
	if err != nil {
		return "", fmt.Errorf("insert item: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return "", nil
	}

	// The row exists. Lock it so the overwritten id is the one replaced.
	prevQuery := fmt.Sprintf(`
		SELECT enqueue_id FROM %s
		WHERE queue = $1 AND slice_start = $2 AND bucket = $3 AND mail_key = $4
		FOR UPDATE
	`, s.tables.items)
	var prev string
	err = tx.GetContext(ctx, &prev, prevQuery, row.Queue, row.SliceStart, row.Bucket, row.MailKey)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("lock item: %w", err)
	}

	upsertQuery := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (%s)
		ON CONFLICT (queue, slice_start, bucket, mail_key) DO UPDATE
		SET enqueue_id = EXCLUDED.enqueue_id,
		    enqueued_time = EXCLUDED.enqueued_time,
		    sender = EXCLUDED.sender,
		    recipients = EXCLUDED.recipients,
		    state = EXCLUDED.state,
		    error_message = EXCLUDED.error_message,
		    remote_host = EXCLUDED.remote_host,
		    remote_addr = EXCLUDED.remote_addr,
		    last_updated = EXCLUDED.last_updated,
		    attributes = EXCLUDED.attributes,
		    per_recipient_headers = EXCLUDED.per_recipient_headers,
		    header_blob_id = EXCLUDED.header_blob_id,
		    body_blob_id = EXCLUDED.body_blob_id
	`, s.tables.items, itemColumns, itemValues)
	if _, err := tx.NamedExecContext(ctx, upsertQuery, row); err != nil {
		return "", fmt.Errorf("insert item: %w", err)
	}
	if prev == row.EnqueueID {
		return "", nil
	}
	return prev, nil
}

// SelectItems returns every item of one partition, ordered by mail key.
func (s *Store) SelectItems(ctx context.Context, queue string, slice time.Time, bucket store.BucketID) ([]*store.EnqueuedItem, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE queue = $1 AND slice_start = $2 AND bucket = $3
		ORDER BY mail_key
	`, itemColumns, s.tables.items)

	var rows []itemRow
	if err := s.db.SelectContext(ctx, &rows, query, queue, slice.UTC(), int(bucket)); err != nil {
		return nil, fmt.Errorf("select items: %w", err)
	}

	items := make([]*store.EnqueuedItem, 0, len(rows))
	for i := range rows {
		item, err := rows[i].item()
		if err != nil {
			return nil, fmt.Errorf("decode item %s: %w", rows[i].EnqueueID, err)
		}
		items = append(items, item)
	}
	return items, nil
}

// DeleteBucket removes every item row of one partition.
func (s *Store) DeleteBucket(ctx context.Context, queue string, slice time.Time, bucket store.BucketID) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE queue = $1 AND slice_start = $2 AND bucket = $3`, s.tables.items)
	if _, err := s.db.ExecContext(ctx, query, queue, slice.UTC(), int(bucket)); err != nil {
		return fmt.Errorf("delete bucket: %w", err)
	}
	return nil
}

// LocateItem returns the location row of an enqueue attempt.
func (s *Store) LocateItem(ctx context.Context, queue, enqueueID string) (*store.ItemLocation, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if err := store.ValidateEnqueueID(enqueueID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT queue, enqueue_id, mail_key, slice_start, bucket
		FROM %s
		WHERE queue = $1 AND enqueue_id = $2
	`, s.tables.locations)

	var row locationRow
	if err := s.db.GetContext(ctx, &row, query, queue, enqueueID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("locate item: %w", err)
	}
	return row.location(), nil
}

// DeleteLocation removes the location row. Idempotent.
func (s *Store) DeleteLocation(ctx context.Context, queue, enqueueID string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if err := store.ValidateEnqueueID(enqueueID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE queue = $1 AND enqueue_id = $2`, s.tables.locations)
	if _, err := s.db.ExecContext(ctx, query, queue, enqueueID); err != nil {
		return fmt.Errorf("delete location: %w", err)
	}
	return nil
}
