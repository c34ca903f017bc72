package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/device-gateway/internal/database"
	"github.com/openclaw/device-gateway/internal/model"
)

const broadcastColumns = `
	id, device_id, status, COALESCE(target_contacts, '[]'::jsonb) AS target_contacts,
	COALESCE(message, '') AS message, media_url,
	COALESCE(min_delay, 0) AS min_delay, COALESCE(max_delay, 0) AS max_delay,
	COALESCE(batch_size, 0) AS batch_size, COALESCE(batch_pause, 0) AS batch_pause,
	COALESCE(sent_count, 0) AS sent_count, COALESCE(failed_count, 0) AS failed_count,
	scheduled_at, created_at, updated_at
`

type BroadcastRepository interface {
	FindByID(ctx context.Context, id string) (*model.Broadcast, error)
	FindDueScheduled(ctx context.Context, now time.Time) ([]model.Broadcast, error)
	FindPending(ctx context.Context, limit int) ([]model.Broadcast, error)
	// MarkPending and MarkProcessing are conditional on the current status and
	// report whether this caller performed the transition.
	MarkPending(ctx context.Context, id string) (bool, error)
	MarkProcessing(ctx context.Context, id string) (bool, error)
	UpdateProgress(ctx context.Context, id string, progress model.Progress) error
	MarkCompleted(ctx context.Context, id string, progress model.Progress) error
	MarkFailed(ctx context.Context, id string, progress model.Progress) error
}

type broadcastRepo struct {
	db database.DBTX
}

func NewBroadcastRepository(db *sqlx.DB) BroadcastRepository {
	return &broadcastRepo{db: db}
}

func (r *broadcastRepo) FindByID(ctx context.Context, id string) (*model.Broadcast, error) {
	var b model.Broadcast
	err := r.db.GetContext(ctx, &b, `SELECT `+broadcastColumns+` FROM broadcasts WHERE id = $1`, id)
	return HandleNotFound(&b, err)
}

func (r *broadcastRepo) FindDueScheduled(ctx context.Context, now time.Time) ([]model.Broadcast, error) {
	var items []model.Broadcast
	err := r.db.SelectContext(ctx, &items, `
		SELECT `+broadcastColumns+` FROM broadcasts
		WHERE status = 'scheduled' AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
	`, now)
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *broadcastRepo) FindPending(ctx context.Context, limit int) ([]model.Broadcast, error) {
	var items []model.Broadcast
	err := r.db.SelectContext(ctx, &items, `
		SELECT `+broadcastColumns+` FROM broadcasts
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *broadcastRepo) MarkPending(ctx context.Context, id string) (bool, error) {
	return r.transition(ctx, id, model.BroadcastStatusScheduled, model.BroadcastStatusPending)
}

func (r *broadcastRepo) MarkProcessing(ctx context.Context, id string) (bool, error) {
	return r.transition(ctx, id, model.BroadcastStatusPending, model.BroadcastStatusProcessing)
}

func (r *broadcastRepo) transition(ctx context.Context, id string, from, to model.BroadcastStatus) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE broadcasts SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to))
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *broadcastRepo) UpdateProgress(ctx context.Context, id string, progress model.Progress) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE broadcasts SET sent_count = $2, failed_count = $3, updated_at = NOW()
		WHERE id = $1
	`, id, progress.Sent, progress.Failed)
	return err
}

func (r *broadcastRepo) MarkCompleted(ctx context.Context, id string, progress model.Progress) error {
	return r.finish(ctx, id, model.BroadcastStatusCompleted, progress)
}

func (r *broadcastRepo) MarkFailed(ctx context.Context, id string, progress model.Progress) error {
	return r.finish(ctx, id, model.BroadcastStatusFailed, progress)
}

func (r *broadcastRepo) finish(ctx context.Context, id string, status model.BroadcastStatus, progress model.Progress) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE broadcasts SET
			status = $2,
			sent_count = $3,
			failed_count = $4,
			updated_at = NOW()
		WHERE id = $1
	`, id, string(status), progress.Sent, progress.Failed)
	return err
}
