package leasepg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS idp_credentials (
    id BIGSERIAL PRIMARY KEY,
    subject_id TEXT NOT NULL,
    identity_provider TEXT NOT NULL,
    access_token TEXT NOT NULL,
    refresh_token TEXT NOT NULL DEFAULT '',
    access_token_expires_at BIGINT NOT NULL DEFAULT 0,
    refresh_token_expires_at BIGINT NOT NULL DEFAULT 0,
    UNIQUE (subject_id, identity_provider)
);
CREATE INDEX IF NOT EXISTS idx_idp_credentials_subject ON idp_credentials (subject_id);
`)
	return err
}
