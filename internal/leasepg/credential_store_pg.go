package leasepg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/tyemirov/credlease/internal/leasekit"
)

// pgLockNotAvailable is raised by PostgreSQL when lock_timeout expires.
const pgLockNotAvailable = "55P03"

// PostgresCredentialStore persists identity-provider credential pairs with raw
// pgx, using SELECT ... FOR UPDATE plus a statement-local lock_timeout on the
// refresh slow path.
type PostgresCredentialStore struct {
	pool    *pgxpool.Pool
	logger  *zap.Logger
	clock   leasekit.Clock
	metrics leasekit.MetricsRecorder
}

// NewPostgresCredentialStore constructs a Postgres store. Nil collaborators
// fall back to a nop logger, the wall clock, and discarded metrics.
func NewPostgresCredentialStore(pool *pgxpool.Pool, logger *zap.Logger, clock leasekit.Clock, metrics leasekit.MetricsRecorder) *PostgresCredentialStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = leasekit.NewSystemClock()
	}
	if metrics == nil {
		metrics = leasekit.NewNopMetrics()
	}
	return &PostgresCredentialStore{
		pool:    pool,
		logger:  logger,
		clock:   clock,
		metrics: metrics,
	}
}

// Load materializes the credential pair for the key; see leasekit.CredentialStore.
func (store *PostgresCredentialStore) Load(ctx context.Context, subjectID string, provider leasekit.Provider, refresh leasekit.RefreshFunc) (*leasekit.CredentialPair, error) {
	// Fast path: snapshot read, no lock taken.
	current, err := store.fetch(ctx, subjectID, provider)
	if err != nil {
		return nil, err
	}
	accessExpired, _ := leasekit.ExpiryStatus(current.AccessTokenExpiresAt, current.RefreshTokenExpiresAt, store.clock.Now())
	if !accessExpired || refresh == nil {
		store.metrics.Increment(leasekit.EventLeaseFastPath)
		return current, nil
	}

	// Slow path: lock the row with a bounded wait, re-check, refresh at most once.
	store.metrics.Increment(leasekit.EventLeaseSlowPath)
	tx, beginErr := store.pool.Begin(ctx)
	if beginErr != nil {
		return nil, fmt.Errorf("credential_store.load.pgx: %w", beginErr)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, setErr := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%ds'", int(leasekit.LockTimeout/time.Second))); setErr != nil {
		return nil, fmt.Errorf("credential_store.lock_timeout.pgx: %w", setErr)
	}

	var recordID int64
	locked := &leasekit.CredentialPair{}
	row := tx.QueryRow(ctx, `
SELECT id, access_token, refresh_token, access_token_expires_at, refresh_token_expires_at
FROM idp_credentials
WHERE subject_id = $1 AND identity_provider = $2
FOR UPDATE
`, subjectID, provider.String())
	if scanErr := row.Scan(&recordID, &locked.AccessToken, &locked.RefreshToken, &locked.AccessTokenExpiresAt, &locked.RefreshTokenExpiresAt); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, fmt.Errorf("credential_store.load.pgx: %w", leasekit.ErrCredentialNotFound)
		}
		if isLockTimeout(scanErr) {
			return nil, store.leaseTimeout(scanErr, subjectID, provider)
		}
		return nil, fmt.Errorf("credential_store.load.pgx: %w", scanErr)
	}

	// Double-check under the lock: another caller may already have refreshed.
	accessExpired, _ = leasekit.ExpiryStatus(locked.AccessTokenExpiresAt, locked.RefreshTokenExpiresAt, store.clock.Now())
	if !accessExpired {
		store.metrics.Increment(leasekit.EventLeaseDedup)
		if commitErr := tx.Commit(ctx); commitErr != nil {
			return nil, fmt.Errorf("credential_store.load.pgx: %w", commitErr)
		}
		return locked, nil
	}

	outcome, refreshErr := refresh(ctx, provider, locked.RefreshToken, locked.AccessTokenExpiresAt, locked.RefreshTokenExpiresAt)
	if refreshErr != nil {
		// Deferred rollback releases the row lock.
		return nil, refreshErr
	}
	if outcome == nil {
		if commitErr := tx.Commit(ctx); commitErr != nil {
			return nil, fmt.Errorf("credential_store.load.pgx: %w", commitErr)
		}
		return locked, nil
	}

	if _, updateErr := tx.Exec(ctx, `
UPDATE idp_credentials
SET access_token = $1, refresh_token = $2, access_token_expires_at = $3, refresh_token_expires_at = $4
WHERE id = $5
`, outcome.AccessToken, outcome.RefreshToken, outcome.AccessTokenExpiresAt, outcome.RefreshTokenExpiresAt, recordID); updateErr != nil {
		return nil, fmt.Errorf("credential_store.update.pgx: %w", updateErr)
	}
	if commitErr := tx.Commit(ctx); commitErr != nil {
		return nil, fmt.Errorf("credential_store.load.pgx: %w", commitErr)
	}

	store.metrics.Increment(leasekit.EventLeaseRefresh)
	refreshed := *outcome
	return &refreshed, nil
}

// Store upserts all four credential fields for the key.
func (store *PostgresCredentialStore) Store(ctx context.Context, subjectID string, provider leasekit.Provider, pair leasekit.CredentialPair) error {
	if pair.AccessToken == "" {
		return fmt.Errorf("credential_store.store.pgx: %w", leasekit.ErrEmptyAccessToken)
	}
	_, err := store.pool.Exec(ctx, `
INSERT INTO idp_credentials (subject_id, identity_provider, access_token, refresh_token, access_token_expires_at, refresh_token_expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (subject_id, identity_provider) DO UPDATE
SET access_token = EXCLUDED.access_token,
    refresh_token = EXCLUDED.refresh_token,
    access_token_expires_at = EXCLUDED.access_token_expires_at,
    refresh_token_expires_at = EXCLUDED.refresh_token_expires_at
`, subjectID, provider.String(), pair.AccessToken, pair.RefreshToken, pair.AccessTokenExpiresAt, pair.RefreshTokenExpiresAt)
	if err != nil {
		return fmt.Errorf("credential_store.store.pgx: %w", err)
	}
	return nil
}

// leaseTimeout records the bounded-wait expiry and maps it onto the sentinel.
func (store *PostgresCredentialStore) leaseTimeout(cause error, subjectID string, provider leasekit.Provider) error {
	store.metrics.Increment(leasekit.EventLeaseTimeout)
	store.logger.Warn("credential lease lock timeout",
		zap.String("code", "credential_store.lease_timeout"),
		zap.String("subject_id", subjectID),
		zap.String("identity_provider", provider.String()),
		zap.Error(cause))
	return fmt.Errorf("credential_store.load.pgx: %w", leasekit.ErrLeaseTimeout)
}

func (store *PostgresCredentialStore) fetch(ctx context.Context, subjectID string, provider leasekit.Provider) (*leasekit.CredentialPair, error) {
	pair := &leasekit.CredentialPair{}
	row := store.pool.QueryRow(ctx, `
SELECT access_token, refresh_token, access_token_expires_at, refresh_token_expires_at
FROM idp_credentials
WHERE subject_id = $1 AND identity_provider = $2
`, subjectID, provider.String())
	if scanErr := row.Scan(&pair.AccessToken, &pair.RefreshToken, &pair.AccessTokenExpiresAt, &pair.RefreshTokenExpiresAt); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, fmt.Errorf("credential_store.load.pgx: %w", leasekit.ErrCredentialNotFound)
		}
		return nil, fmt.Errorf("credential_store.load.pgx: %w", scanErr)
	}
	return pair, nil
}

func isLockTimeout(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable
}
