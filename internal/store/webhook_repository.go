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

const webhookColumns = `id, integration_id, tenant_id, type, state, payload, retries, error,
	created_at, updated_at`

type WebhookRepository struct {
	pool *pgxpool.Pool
}

func NewWebhookRepository(store *Store) *WebhookRepository {
	return &WebhookRepository{pool: store.pool}
}

func (r *WebhookRepository) Create(ctx context.Context, integrationID, tenantID string, platform domain.PlatformType, payload json.RawMessage) (string, error) {
	id := uuid.NewString()

	_, err := r.pool.Exec(ctx, `
		insert into incoming_webhooks (id, integration_id, tenant_id, type, state, payload)
		values ($1, $2, $3, $4, $5, $6)`,
		id, integrationID, tenantID, platform, domain.WebhookState_Pending, payload)
	if err != nil {
		return "", fmt.Errorf("failed to persist incoming webhook: %w", err)
	}

	return id, nil
}

func (r *WebhookRepository) FindByID(ctx context.Context, id string) (*domain.IncomingWebhook, error) {
	row := r.pool.QueryRow(ctx, `select `+webhookColumns+` from incoming_webhooks where id = $1`, id)

	webhook, err := scanWebhook(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrWebhookNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find webhook %s: %w", id, err)
	}

	return webhook, nil
}

func (r *WebhookRepository) MarkProcessed(ctx context.Context, id string) error {
	return r.exec(ctx, id, `
		update incoming_webhooks
		set state = $2, error = null, updated_at = now()
		where id = $1`,
		domain.WebhookState_Processed)
}

func (r *WebhookRepository) MarkError(ctx context.Context, id string, webhookError domain.StreamError) error {
	return r.exec(ctx, id, `
		update incoming_webhooks
		set state = $2, error = $3, retries = retries + 1, updated_at = now()
		where id = $1`,
		domain.WebhookState_Error, webhookError.JSON())
}

// ClaimUnmaterialized finds pending webhooks that never produced a stream,
// for the crash-recovery pass: the webhook row was acknowledged but the
// process died before materializing it.
func (r *WebhookRepository) ClaimUnmaterialized(ctx context.Context, limit int, olderThan time.Duration) ([]domain.IncomingWebhook, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		select `+qualifiedWebhookColumns()+`
		from incoming_webhooks iw
		left join streams s on s.webhook_id = iw.id
		where s.id is null
		  and iw.state = $1
		  and iw.created_at < now() - $2::interval
		limit $3
		for update of iw skip locked`,
		domain.WebhookState_Pending,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())),
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select unmaterialized webhooks: %w", err)
	}

	webhooks, err := collectWebhooks(rows)
	if err != nil {
		return nil, err
	}

	if len(webhooks) > 0 {
		ids := make([]string, len(webhooks))
		for i, w := range webhooks {
			ids[i] = w.ID
		}

		if _, err := tx.Exec(ctx, `update incoming_webhooks set updated_at = now() where id = any($1)`, ids); err != nil {
			return nil, fmt.Errorf("failed to touch claimed webhooks: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit claim transaction: %w", err)
	}

	return webhooks, nil
}

func (r *WebhookRepository) exec(ctx context.Context, id, query string, args ...any) error {
	allArgs := append([]any{id}, args...)

	tag, err := r.pool.Exec(ctx, query, allArgs...)
	if err != nil {
		return fmt.Errorf("failed to update webhook %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrWebhookNotFound
	}

	return nil
}

func qualifiedWebhookColumns() string {
	return `iw.id, iw.integration_id, iw.tenant_id, iw.type, iw.state, iw.payload, iw.retries,
	iw.error, iw.created_at, iw.updated_at`
}

func scanWebhook(row pgx.Row) (*domain.IncomingWebhook, error) {
	var w domain.IncomingWebhook

	err := row.Scan(
		&w.ID, &w.IntegrationID, &w.TenantID, &w.Type, &w.State, &w.Payload, &w.Retries,
		&w.Error, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}

	return &w, nil
}

func collectWebhooks(rows pgx.Rows) ([]domain.IncomingWebhook, error) {
	defer rows.Close()

	var webhooks []domain.IncomingWebhook

	for rows.Next() {
		webhook, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook row: %w", err)
		}

		webhooks = append(webhooks, *webhook)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate webhook rows: %w", err)
	}

	return webhooks, nil
}
