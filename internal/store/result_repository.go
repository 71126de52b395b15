package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tributary-io/tributary/pkg/domain"
)

type ResultRepository struct {
	pool *pgxpool.Pool
}

func NewResultRepository(store *Store) *ResultRepository {
	return &ResultRepository{pool: store.pool}
}

// Create stages parsed output for downstream delivery. Ownership columns are
// copied from the producing stream in the same statement.
func (r *ResultRepository) Create(ctx context.Context, streamID string, data json.RawMessage) (string, error) {
	id := uuid.NewString()

	tag, err := r.pool.Exec(ctx, `
		insert into results (id, stream_id, run_id, webhook_id, integration_id, tenant_id, state, data)
		select $1, id, run_id, webhook_id, integration_id, tenant_id, $3, $4
		from streams where id = $2`,
		id, streamID, domain.ResultState_Pending, data)
	if err != nil {
		return "", fmt.Errorf("failed to stage result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", domain.ErrStreamNotFound
	}

	return id, nil
}

func (r *ResultRepository) FindByID(ctx context.Context, id string) (*domain.Result, error) {
	row := r.pool.QueryRow(ctx, `
		select id, stream_id, run_id, webhook_id, integration_id, tenant_id, state, data, retries,
			error, created_at, updated_at
		from results where id = $1`, id)

	var res domain.Result

	err := row.Scan(
		&res.ID, &res.StreamID, &res.RunID, &res.WebhookID, &res.IntegrationID, &res.TenantID,
		&res.State, &res.Data, &res.Retries, &res.Error, &res.CreatedAt, &res.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("result %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find result %s: %w", id, err)
	}

	return &res, nil
}

func (r *ResultRepository) ClaimPending(ctx context.Context, limit int) ([]domain.Result, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		select id, stream_id, run_id, webhook_id, integration_id, tenant_id, state, data, retries,
			error, created_at, updated_at
		from results
		where state = $1
		order by created_at
		limit $2
		for update skip locked`,
		domain.ResultState_Pending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select pending results: %w", err)
	}

	var results []domain.Result

	for rows.Next() {
		var res domain.Result

		err := rows.Scan(
			&res.ID, &res.StreamID, &res.RunID, &res.WebhookID, &res.IntegrationID, &res.TenantID,
			&res.State, &res.Data, &res.Retries, &res.Error, &res.CreatedAt, &res.UpdatedAt)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan result row: %w", err)
		}

		results = append(results, res)
	}
	rows.Close()

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate result rows: %w", err)
	}

	if len(results) > 0 {
		ids := make([]string, len(results))
		for i, res := range results {
			ids[i] = res.ID
		}

		if _, err := tx.Exec(ctx, `update results set updated_at = now() where id = any($1)`, ids); err != nil {
			return nil, fmt.Errorf("failed to touch claimed results: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit claim transaction: %w", err)
	}

	return results, nil
}

func (r *ResultRepository) MarkProcessed(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `
		update results set state = $2, error = null, updated_at = now()
		where id = $1`,
		id, domain.ResultState_Processed)
	if err != nil {
		return fmt.Errorf("failed to mark result %s processed: %w", id, err)
	}

	return nil
}

func (r *ResultRepository) MarkError(ctx context.Context, id string, resultError domain.StreamError) error {
	_, err := r.pool.Exec(ctx, `
		update results set state = $2, error = $3, retries = retries + 1, updated_at = now()
		where id = $1`,
		id, domain.ResultState_Error, resultError.JSON())
	if err != nil {
		return fmt.Errorf("failed to mark result %s errored: %w", id, err)
	}

	return nil
}
