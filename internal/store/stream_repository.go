package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tributary-io/tributary/pkg/domain"
)

const streamColumns = `id, parent_id, run_id, webhook_id, integration_id, tenant_id, identifier,
	state, data, retries, delayed_until, error, processed_at, created_at, updated_at`

type StreamRepository struct {
	pool *pgxpool.Pool
}

func NewStreamRepository(store *Store) *StreamRepository {
	return &StreamRepository{pool: store.pool}
}

func (r *StreamRepository) Publish(ctx context.Context, parentID *string, runID, identifier string, data json.RawMessage) (string, error) {
	id := uuid.NewString()

	// The run lookup and the insert share one statement so the two
	// zero-row outcomes stay distinguishable: no run row is an error,
	// an identifier conflict within the run is a benign no-op.
	row := r.pool.QueryRow(ctx, `
		with run as (
			select integration_id, tenant_id from runs where id = $3
		), inserted as (
			insert into streams (id, parent_id, run_id, integration_id, tenant_id, identifier, state, data)
			select $1, $2, $3, integration_id, tenant_id, $4, $5, $6
			from run
			on conflict (run_id, identifier) where run_id is not null do nothing
			returning id
		)
		select (select count(*) from run), (select id from inserted)`,
		id, parentID, runID, identifier, domain.StreamState_Pending, data)

	var (
		runCount int
		inserted *string
	)
	if err := row.Scan(&runCount, &inserted); err != nil {
		return "", fmt.Errorf("failed to publish stream: %w", err)
	}
	if runCount == 0 {
		return "", fmt.Errorf("failed to publish stream %q for run %s: %w", identifier, runID, domain.ErrRunNotFound)
	}
	if inserted == nil {
		// Conflict: the stream already exists within this run.
		return "", nil
	}

	return *inserted, nil
}

func (r *StreamRepository) PublishWebhookStream(ctx context.Context, webhookID, identifier string, data json.RawMessage, integrationID, tenantID string) (string, error) {
	id := uuid.NewString()

	_, err := r.pool.Exec(ctx, `
		insert into streams (id, webhook_id, integration_id, tenant_id, identifier, state, data)
		values ($1, $2, $3, $4, $5, $6, $7)`,
		id, webhookID, integrationID, tenantID, identifier, domain.StreamState_Pending, data)
	if err != nil {
		return "", fmt.Errorf("failed to publish webhook stream: %w", err)
	}

	return id, nil
}

func (r *StreamRepository) FindByID(ctx context.Context, id string) (*domain.Stream, error) {
	row := r.pool.QueryRow(ctx, `select `+streamColumns+` from streams where id = $1`, id)

	stream, err := scanStream(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrStreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find stream %s: %w", id, err)
	}

	return stream, nil
}

func (r *StreamRepository) FindByWebhookID(ctx context.Context, webhookID string) (*domain.Stream, error) {
	row := r.pool.QueryRow(ctx, `select `+streamColumns+` from streams where webhook_id = $1 limit 1`, webhookID)

	stream, err := scanStream(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrStreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find stream for webhook %s: %w", webhookID, err)
	}

	return stream, nil
}

func (r *StreamRepository) GetPendingStreams(ctx context.Context, runID string, limit int, afterID string) ([]domain.Stream, error) {
	query := `select ` + streamColumns + ` from streams where run_id = $1 and state = $2`
	args := []any{runID, domain.StreamState_Pending}

	if afterID != "" {
		query += ` and id > $3`
		args = append(args, afterID)
	}

	query += fmt.Sprintf(` order by id limit %d`, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending streams: %w", err)
	}

	return collectStreams(rows)
}

func (r *StreamRepository) GetDelayedStreams(ctx context.Context, limit int) ([]domain.Stream, error) {
	rows, err := r.pool.Query(ctx, `
		select `+streamColumns+`
		from streams
		where state = $1 and delayed_until < now()
		order by delayed_until
		limit $2`,
		domain.StreamState_Delayed, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get delayed streams: %w", err)
	}

	return collectStreams(rows)
}

// ClaimStale finds abandoned work: streams still eligible for processing
// whose updated_at is older than the staleness window. The claim runs inside
// one transaction that locks the rows with skip-locked and bumps updated_at,
// so concurrent sweepers each get a disjoint set.
func (r *StreamRepository) ClaimStale(ctx context.Context, limit, maxRetries int, staleAfter time.Duration) ([]string, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		select `+streamColumns+`
		from streams
		where (
			(state = $1 and retries <= $2)
			or state = $3
			or (state = $4 and delayed_until < now())
		)
		and updated_at < now() - $5::interval
		order by case when webhook_id is not null then 0 else 1 end, updated_at desc
		limit $6
		for update skip locked`,
		domain.StreamState_Error, maxRetries,
		domain.StreamState_Pending,
		domain.StreamState_Delayed,
		fmt.Sprintf("%d seconds", int(staleAfter.Seconds())),
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select stale streams: %w", err)
	}

	candidates, err := collectStreams(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to collect stale streams: %w", err)
	}

	// The locked rows are re-checked against the same eligibility rule the
	// query encodes. The query and streamSweepEligible must agree.
	now := time.Now()
	ids := make([]string, 0, len(candidates))

	for i := range candidates {
		if streamSweepEligible(&candidates[i], maxRetries, staleAfter, now) {
			ids = append(ids, candidates[i].ID)
		}
	}

	if len(ids) > 0 {
		if _, err := tx.Exec(ctx, `update streams set updated_at = now() where id = any($1)`, ids); err != nil {
			return nil, fmt.Errorf("failed to touch claimed streams: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit claim transaction: %w", err)
	}

	return ids, nil
}

func (r *StreamRepository) MarkProcessing(ctx context.Context, id string) error {
	return r.exec(ctx, id, `
		update streams set state = $2, updated_at = now()
		where id = $1`,
		domain.StreamState_Processing)
}

func (r *StreamRepository) MarkProcessed(ctx context.Context, id string) error {
	return r.exec(ctx, id, `
		update streams
		set state = $2, error = null, delayed_until = null, processed_at = now(), updated_at = now()
		where id = $1`,
		domain.StreamState_Processed)
}

func (r *StreamRepository) MarkError(ctx context.Context, id string, streamError domain.StreamError) error {
	return r.exec(ctx, id, `
		update streams
		set state = $2, error = $3, retries = retries + 1, processed_at = now(), updated_at = now()
		where id = $1`,
		domain.StreamState_Error, streamError.JSON())
}

func (r *StreamRepository) Delay(ctx context.Context, id string, until time.Time) error {
	return r.exec(ctx, id, `
		update streams
		set state = $2, delayed_until = $3, retries = retries + 1, updated_at = now()
		where id = $1`,
		domain.StreamState_Delayed, until)
}

func (r *StreamRepository) Reset(ctx context.Context, id string) error {
	return r.exec(ctx, id, `
		update streams
		set state = $2, error = null, delayed_until = null, processed_at = null, updated_at = now()
		where id = $1`,
		domain.StreamState_Pending)
}

func (r *StreamRepository) Delete(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `delete from streams where id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete stream %s: %w", id, err)
	}

	return nil
}

func (r *StreamRepository) Touch(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := r.pool.Exec(ctx, `update streams set updated_at = now() where id = any($1)`, ids)
	if err != nil {
		return fmt.Errorf("failed to touch streams: %w", err)
	}

	return nil
}

func (r *StreamRepository) CountActiveByRun(ctx context.Context, runID string) (int, error) {
	var count int

	err := r.pool.QueryRow(ctx, `
		select count(*) from streams
		where run_id = $1 and state not in ($2, $3)`,
		runID, domain.StreamState_Processed, domain.StreamState_Error).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active streams for run %s: %w", runID, err)
	}

	return count, nil
}

func (r *StreamRepository) exec(ctx context.Context, id, query string, args ...any) error {
	allArgs := append([]any{id}, args...)

	tag, err := r.pool.Exec(ctx, query, allArgs...)
	if err != nil {
		return fmt.Errorf("failed to update stream %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStreamNotFound
	}

	return nil
}

func scanStream(row pgx.Row) (*domain.Stream, error) {
	var s domain.Stream

	err := row.Scan(
		&s.ID, &s.ParentID, &s.RunID, &s.WebhookID, &s.IntegrationID, &s.TenantID, &s.Identifier,
		&s.State, &s.Data, &s.Retries, &s.DelayedUntil, &s.Error, &s.ProcessedAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}

	return &s, nil
}

func collectStreams(rows pgx.Rows) ([]domain.Stream, error) {
	defer rows.Close()

	var streams []domain.Stream

	for rows.Next() {
		stream, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stream row: %w", err)
		}

		streams = append(streams, *stream)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stream rows: %w", err)
	}

	return streams, nil
}
