package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	paymentpkg "github.com/maibank/checkout-reconciler/internal/payment"
)

// SweepQueue is the durable stalled-payment queue. A payment id is queued
// at most once; claimed rows are hidden until claimed_until passes.
type SweepQueue struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewSweepQueue(db *sqlx.DB) *SweepQueue {
	return &SweepQueue{db: db, now: time.Now}
}

var _ paymentpkg.Queue = (*SweepQueue)(nil)

type queueRow struct {
	ID        int64  `db:"id"`
	PaymentID string `db:"payment_id"`
	Attempts  int    `db:"attempts"`
}

func (q *SweepQueue) Enqueue(ctx context.Context, paymentIDs ...string) (int, error) {
	if len(paymentIDs) == 0 {
		return 0, nil
	}

	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin enqueue: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	query := `
		INSERT INTO sweep_queue (payment_id, enqueued_at, attempts)
		VALUES ($1, $2, 0)
		ON CONFLICT (payment_id) DO NOTHING
	`

	now := q.now().UTC()
	enqueued := 0
	for _, id := range paymentIDs {
		res, err := tx.ExecContext(ctx, query, id, now)
		if err != nil {
			return 0, fmt.Errorf("failed to enqueue payment %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		enqueued += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit enqueue: %w", err)
	}
	return enqueued, nil
}

// Claim leases up to limit visible items, oldest first. Rows locked by a
// concurrent claimer are skipped.
func (q *SweepQueue) Claim(ctx context.Context, limit int, lease time.Duration) ([]paymentpkg.QueueItem, error) {
	query := `
		UPDATE sweep_queue SET
			claimed_until = $2,
			attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM sweep_queue
			WHERE claimed_until IS NULL OR claimed_until < $1
			ORDER BY enqueued_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, payment_id, attempts
	`

	now := q.now().UTC()
	var rows []queueRow
	if err := q.db.SelectContext(ctx, &rows, query, now, now.Add(lease), limit); err != nil {
		return nil, fmt.Errorf("failed to claim sweep items: %w", err)
	}

	items := make([]paymentpkg.QueueItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, paymentpkg.QueueItem{ID: row.ID, PaymentID: row.PaymentID, Attempts: row.Attempts})
	}
	return items, nil
}

func (q *SweepQueue) Ack(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM sweep_queue WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to ack sweep item %d: %w", id, err)
	}
	return nil
}

// Release hands the item back; it becomes claimable again after delay.
func (q *SweepQueue) Release(ctx context.Context, id int64, delay time.Duration) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE sweep_queue SET claimed_until = $2 WHERE id = $1`,
		id, q.now().UTC().Add(delay))
	if err != nil {
		return fmt.Errorf("failed to release sweep item %d: %w", id, err)
	}
	return nil
}
