package leasepg

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tyemirov/credlease/internal/leasekit"
)

func TestIsLockTimeoutMatchesPostgresCode(t *testing.T) {
	t.Parallel()

	lockErr := &pgconn.PgError{Code: pgLockNotAvailable, Message: "canceling statement due to lock timeout"}
	if !isLockTimeout(lockErr) {
		t.Fatalf("expected 55P03 to be recognized as a lock timeout")
	}
	if !isLockTimeout(fmt.Errorf("credential_store.load.pgx: %w", lockErr)) {
		t.Fatalf("expected wrapped 55P03 to be recognized")
	}
	if isLockTimeout(&pgconn.PgError{Code: "23505"}) {
		t.Fatalf("unique violation must not be treated as a lock timeout")
	}
	if isLockTimeout(errors.New("plain error")) {
		t.Fatalf("plain error must not be treated as a lock timeout")
	}
}

func TestNewPostgresCredentialStoreDefaultsCollaborators(t *testing.T) {
	t.Parallel()

	store := NewPostgresCredentialStore(nil, nil, nil, nil)
	if store.logger == nil {
		t.Fatalf("expected a default logger")
	}
	if store.clock == nil {
		t.Fatalf("expected a default clock")
	}
	if store.metrics == nil {
		t.Fatalf("expected a default metrics recorder")
	}
	if store.clock.Now().IsZero() {
		t.Fatalf("default clock must report the current time")
	}
}

func TestLeaseTimeoutWarnsAndCounts(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	metrics := leasekit.NewCounterMetrics()
	store := NewPostgresCredentialStore(nil, zap.New(core), nil, metrics)

	cause := &pgconn.PgError{Code: pgLockNotAvailable, Message: "canceling statement due to lock timeout"}
	err := store.leaseTimeout(cause, "timeout-subject", leasekit.ProviderGitHub)
	if !errors.Is(err, leasekit.ErrLeaseTimeout) {
		t.Fatalf("expected ErrLeaseTimeout, got %v", err)
	}
	if got := metrics.Count(leasekit.EventLeaseTimeout); got != 1 {
		t.Fatalf("expected one timeout event, got %d", got)
	}

	entries := logs.FilterMessage("credential lease lock timeout").All()
	if len(entries) != 1 {
		t.Fatalf("expected one warn entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["code"] != "credential_store.lease_timeout" {
		t.Fatalf("expected lease_timeout code field, got %v", fields["code"])
	}
	if fields["subject_id"] != "timeout-subject" {
		t.Fatalf("expected subject id in the warn entry, got %v", fields["subject_id"])
	}
	if fields["identity_provider"] != "github" {
		t.Fatalf("expected provider in the warn entry, got %v", fields["identity_provider"])
	}
}

func TestBuildPoolRejectsMalformedURL(t *testing.T) {
	t.Parallel()

	if _, err := BuildPool(context.Background(), "://not-a-url"); err == nil {
		t.Fatalf("expected parse error for malformed database URL")
	}
}
