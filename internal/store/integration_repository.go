package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tributary-io/tributary/pkg/domain"
)

const integrationColumns = `id, tenant_id, platform, status, coalesce(identifier, ''), settings,
	coalesce(token, ''), coalesce(refresh_token, ''), coalesce(webhook_secret, ''),
	created_at, updated_at, deleted_at`

type IntegrationRepository struct {
	pool *pgxpool.Pool
}

func NewIntegrationRepository(store *Store) *IntegrationRepository {
	return &IntegrationRepository{pool: store.pool}
}

func (r *IntegrationRepository) FindByID(ctx context.Context, id string) (*domain.Integration, error) {
	row := r.pool.QueryRow(ctx, `
		select `+integrationColumns+`
		from integrations
		where id = $1 and deleted_at is null`, id)

	return scanIntegration(row)
}

func (r *IntegrationRepository) FindByIdentifier(ctx context.Context, platform domain.PlatformType, identifier string) (*domain.Integration, error) {
	row := r.pool.QueryRow(ctx, `
		select `+integrationColumns+`
		from integrations
		where platform = $1 and identifier = $2 and deleted_at is null
		limit 1`,
		platform, identifier)

	return scanIntegration(row)
}

func (r *IntegrationRepository) ListPollable(ctx context.Context) ([]domain.Integration, error) {
	rows, err := r.pool.Query(ctx, `
		select `+integrationColumns+`
		from integrations
		where status = $1 and deleted_at is null`,
		domain.IntegrationStatus_Active)
	if err != nil {
		return nil, fmt.Errorf("failed to list pollable integrations: %w", err)
	}
	defer rows.Close()

	var integrations []domain.Integration

	for rows.Next() {
		integration, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}

		integrations = append(integrations, *integration)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate integration rows: %w", err)
	}

	return integrations, nil
}

// UpdateSettings merges the given settings into the stored blob with jsonb
// concatenation, matching publish-time partial updates from connectors.
func (r *IntegrationRepository) UpdateSettings(ctx context.Context, id string, settings json.RawMessage) error {
	return r.exec(ctx, id, `
		update integrations set settings = settings || $2::jsonb, updated_at = now()
		where id = $1`,
		settings)
}

func (r *IntegrationRepository) UpdateToken(ctx context.Context, id, token string) error {
	return r.exec(ctx, id, `
		update integrations set token = $2, updated_at = now()
		where id = $1`,
		token)
}

func (r *IntegrationRepository) UpdateRefreshToken(ctx context.Context, id, refreshToken string) error {
	return r.exec(ctx, id, `
		update integrations set refresh_token = $2, updated_at = now()
		where id = $1`,
		refreshToken)
}

func (r *IntegrationRepository) SetStatus(ctx context.Context, id string, status domain.IntegrationStatus) error {
	return r.exec(ctx, id, `
		update integrations set status = $2, updated_at = now()
		where id = $1`,
		status)
}

func (r *IntegrationRepository) exec(ctx context.Context, id, query string, args ...any) error {
	allArgs := append([]any{id}, args...)

	tag, err := r.pool.Exec(ctx, query, allArgs...)
	if err != nil {
		return fmt.Errorf("failed to update integration %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrIntegrationNotFound
	}

	return nil
}

func scanIntegration(row pgx.Row) (*domain.Integration, error) {
	var i domain.Integration

	err := row.Scan(
		&i.ID, &i.TenantID, &i.Platform, &i.Status, &i.Identifier, &i.Settings,
		&i.Token, &i.RefreshToken, &i.WebhookSecret,
		&i.CreatedAt, &i.UpdatedAt, &i.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrIntegrationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan integration row: %w", err)
	}

	return &i, nil
}
