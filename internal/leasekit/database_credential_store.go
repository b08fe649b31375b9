package leasekit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("credential_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("credential_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("credential_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("credential_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("credential_store.unsupported_no_scheme")
)

// pgLockNotAvailable is the PostgreSQL error code raised when lock_timeout expires.
const pgLockNotAvailable = "55P03"

// DatabaseCredentialStore persists identity-provider credential pairs using GORM.
// On PostgreSQL the refresh slow path takes a row-level lock with a bounded wait;
// on SQLite the engine's single-writer transaction serializes refreshers instead.
type DatabaseCredentialStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseCredentialStore) Driver() string {
	return store.driverLabel
}

type credentialRecord struct {
	ID                    int64  `gorm:"column:id;primaryKey;autoIncrement"`
	SubjectID             string `gorm:"column:subject_id;uniqueIndex:idx_credentials_subject_provider;not null"`
	IdentityProvider      string `gorm:"column:identity_provider;uniqueIndex:idx_credentials_subject_provider;not null"`
	AccessToken           string `gorm:"column:access_token;not null"`
	RefreshToken          string `gorm:"column:refresh_token;not null;default:''"`
	AccessTokenExpiresAt  int64  `gorm:"column:access_token_expires_at;not null;default:0"`
	RefreshTokenExpiresAt int64  `gorm:"column:refresh_token_expires_at;not null;default:0"`
}

func (credentialRecord) TableName() string {
	return "idp_credentials"
}

func (record credentialRecord) pair() *CredentialPair {
	return &CredentialPair{
		AccessToken:           record.AccessToken,
		RefreshToken:          record.RefreshToken,
		AccessTokenExpiresAt:  record.AccessTokenExpiresAt,
		RefreshTokenExpiresAt: record.RefreshTokenExpiresAt,
	}
}

// NewDatabaseCredentialStore constructs a GORM-backed store.
func NewDatabaseCredentialStore(ctx context.Context, databaseURL string) (*DatabaseCredentialStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("credential_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("credential_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&credentialRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("credential_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseCredentialStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// Load materializes the credential pair for the key. The fast path is a plain
// snapshot read and never blocks on other callers. The slow path runs only when
// the access token is expired and a refresher exists: it locks the row with a
// bounded wait, re-checks expiry under the lock, and refreshes at most once.
// On SQLite no row lock is taken, so concurrent slow-path callers may each
// invoke the refresher; only PostgreSQL guarantees a single refresher per key.
func (store *DatabaseCredentialStore) Load(ctx context.Context, subjectID string, provider Provider, refresh RefreshFunc) (*CredentialPair, error) {
	var record credentialRecord
	err := store.db.WithContext(ctx).
		Where("subject_id = ? AND identity_provider = ?", subjectID, provider.String()).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("credential_store.load.%s: %w", store.driverLabel, ErrCredentialNotFound)
		}
		return nil, fmt.Errorf("credential_store.load.%s: %w", store.driverLabel, err)
	}

	accessExpired, _ := ExpiryStatus(record.AccessTokenExpiresAt, record.RefreshTokenExpiresAt, currentClock().Now())
	if !accessExpired || refresh == nil {
		currentMetrics().Increment(EventLeaseFastPath)
		return record.pair(), nil
	}

	currentMetrics().Increment(EventLeaseSlowPath)
	var leased *CredentialPair
	txErr := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx
		if store.driverLabel == "postgres" {
			if setErr := tx.Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%ds'", int(LockTimeout/time.Second))).Error; setErr != nil {
				return fmt.Errorf("credential_store.lock_timeout.%s: %w", store.driverLabel, setErr)
			}
			query = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var locked credentialRecord
		lockErr := query.
			Where("subject_id = ? AND identity_provider = ?", subjectID, provider.String()).
			Take(&locked).Error
		if lockErr != nil {
			if errors.Is(lockErr, gorm.ErrRecordNotFound) {
				return fmt.Errorf("credential_store.load.%s: %w", store.driverLabel, ErrCredentialNotFound)
			}
			return lockErr
		}

		// Double-check under the lock: another caller may already have refreshed.
		accessExpired, _ := ExpiryStatus(locked.AccessTokenExpiresAt, locked.RefreshTokenExpiresAt, currentClock().Now())
		if !accessExpired {
			currentMetrics().Increment(EventLeaseDedup)
			currentLogger().Debug("credential refreshed by another caller while waiting for lock",
				zap.String("subject_id", subjectID),
				zap.String("identity_provider", provider.String()))
			leased = locked.pair()
			return nil
		}

		outcome, refreshErr := refresh(ctx, provider, locked.RefreshToken, locked.AccessTokenExpiresAt, locked.RefreshTokenExpiresAt)
		if refreshErr != nil {
			// Roll back so the row lock is released.
			return refreshErr
		}
		if outcome == nil {
			// No refresh was possible; hand back the existing pair as-is.
			leased = locked.pair()
			return nil
		}

		if updateErr := tx.Model(&credentialRecord{}).
			Where("id = ?", locked.ID).
			Updates(map[string]interface{}{
				"access_token":             outcome.AccessToken,
				"refresh_token":            outcome.RefreshToken,
				"access_token_expires_at":  outcome.AccessTokenExpiresAt,
				"refresh_token_expires_at": outcome.RefreshTokenExpiresAt,
			}).Error; updateErr != nil {
			return fmt.Errorf("credential_store.update.%s: %w", store.driverLabel, updateErr)
		}

		currentMetrics().Increment(EventLeaseRefresh)
		refreshed := *outcome
		leased = &refreshed
		return nil
	})
	if txErr != nil {
		if isLockTimeout(txErr) {
			currentMetrics().Increment(EventLeaseTimeout)
			currentLogger().Warn("credential lease lock timeout",
				zap.String("code", "credential_store.lease_timeout"),
				zap.String("subject_id", subjectID),
				zap.String("identity_provider", provider.String()),
				zap.Error(txErr))
			return nil, fmt.Errorf("credential_store.load.%s: %w", store.driverLabel, ErrLeaseTimeout)
		}
		return nil, txErr
	}
	return leased, nil
}

// Store upserts all four credential fields for the key within one transaction.
func (store *DatabaseCredentialStore) Store(ctx context.Context, subjectID string, provider Provider, pair CredentialPair) error {
	if pair.AccessToken == "" {
		return fmt.Errorf("credential_store.store.%s: %w", store.driverLabel, ErrEmptyAccessToken)
	}
	return store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing credentialRecord
		err := tx.
			Where("subject_id = ? AND identity_provider = ?", subjectID, provider.String()).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			record := credentialRecord{
				SubjectID:             subjectID,
				IdentityProvider:      provider.String(),
				AccessToken:           pair.AccessToken,
				RefreshToken:          pair.RefreshToken,
				AccessTokenExpiresAt:  pair.AccessTokenExpiresAt,
				RefreshTokenExpiresAt: pair.RefreshTokenExpiresAt,
			}
			if createErr := tx.Create(&record).Error; createErr != nil {
				return fmt.Errorf("credential_store.store.%s: %w", store.driverLabel, createErr)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("credential_store.store.%s: %w", store.driverLabel, err)
		}
		if updateErr := tx.Model(&credentialRecord{}).
			Where("id = ?", existing.ID).
			Updates(map[string]interface{}{
				"access_token":             pair.AccessToken,
				"refresh_token":            pair.RefreshToken,
				"access_token_expires_at":  pair.AccessTokenExpiresAt,
				"refresh_token_expires_at": pair.RefreshTokenExpiresAt,
			}).Error; updateErr != nil {
			return fmt.Errorf("credential_store.store.%s: %w", store.driverLabel, updateErr)
		}
		return nil
	})
}

func isLockTimeout(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("credential_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("credential_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("credential_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("credential_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
