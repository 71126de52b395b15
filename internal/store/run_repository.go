package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tributary-io/tributary/pkg/domain"
)

const runColumns = `id, integration_id, tenant_id, onboarding, state, delayed_until, error,
	processed_at, created_at, updated_at`

type RunRepository struct {
	pool *pgxpool.Pool
}

func NewRunRepository(store *Store) *RunRepository {
	return &RunRepository{pool: store.pool}
}

func (r *RunRepository) Create(ctx context.Context, integrationID, tenantID string, onboarding bool) (*domain.Run, error) {
	id := uuid.NewString()

	_, err := r.pool.Exec(ctx, `
		insert into runs (id, integration_id, tenant_id, onboarding, state)
		values ($1, $2, $3, $4, $5)`,
		id, integrationID, tenantID, onboarding, domain.RunState_Pending)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	return r.FindByID(ctx, id)
}

func (r *RunRepository) FindByID(ctx context.Context, id string) (*domain.Run, error) {
	row := r.pool.QueryRow(ctx, `select `+runColumns+` from runs where id = $1`, id)

	var run domain.Run

	err := row.Scan(
		&run.ID, &run.IntegrationID, &run.TenantID, &run.Onboarding, &run.State,
		&run.DelayedUntil, &run.Error, &run.ProcessedAt, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find run %s: %w", id, err)
	}

	return &run, nil
}

func (r *RunRepository) MarkProcessing(ctx context.Context, id string) error {
	return r.exec(ctx, id, `
		update runs set state = $2, delayed_until = null, updated_at = now()
		where id = $1`,
		domain.RunState_Processing)
}

func (r *RunRepository) MarkProcessed(ctx context.Context, id string) error {
	return r.exec(ctx, id, `
		update runs set state = $2, error = null, processed_at = now(), updated_at = now()
		where id = $1`,
		domain.RunState_Processed)
}

func (r *RunRepository) MarkError(ctx context.Context, id string, runError domain.StreamError) error {
	return r.exec(ctx, id, `
		update runs set state = $2, error = $3, processed_at = now(), updated_at = now()
		where id = $1`,
		domain.RunState_Error, runError.JSON())
}

func (r *RunRepository) Delay(ctx context.Context, id string, until time.Time) error {
	return r.exec(ctx, id, `
		update runs set state = $2, delayed_until = $3, updated_at = now()
		where id = $1`,
		domain.RunState_Delayed, until)
}

func (r *RunRepository) GetDelayedRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	rows, err := r.pool.Query(ctx, `
		select `+runColumns+`
		from runs
		where state = $1 and delayed_until < now()
		order by delayed_until
		limit $2`,
		domain.RunState_Delayed, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get delayed runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.Run

	for rows.Next() {
		var run domain.Run

		err := rows.Scan(
			&run.ID, &run.IntegrationID, &run.TenantID, &run.Onboarding, &run.State,
			&run.DelayedUntil, &run.Error, &run.ProcessedAt, &run.CreatedAt, &run.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate run rows: %w", err)
	}

	return runs, nil
}

func (r *RunRepository) Touch(ctx context.Context, id string) error {
	return r.exec(ctx, id, `update runs set updated_at = now() where id = $1`)
}

func (r *RunRepository) exec(ctx context.Context, id, query string, args ...any) error {
	allArgs := append([]any{id}, args...)

	tag, err := r.pool.Exec(ctx, query, allArgs...)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrRunNotFound
	}

	return nil
}
