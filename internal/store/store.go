// Package store adapts the SQL database to the ledger's transactional needs.
//
// Every multi-row state transition runs through Store.Transaction, which
// executes the callback in one database transaction and re-runs it with
// fresh reads when the database reports a write conflict. Conflicts come from
// three places:
//
//   - versioned saves that matched no row (ErrConflict);
//   - SQLite busy/locked errors;
//   - PostgreSQL serialization failures and deadlocks (40001, 40P01).
//
// Any other error aborts immediately and is returned unchanged.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-tab-ledger/internal/observability"
)

// ErrConflict reports that a conditional write lost a race.
var ErrConflict = errors.New("store: write conflict")

// Policy bounds the retry behaviour of Transaction.
type Policy struct {
	MaxAttempts uint
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultPolicy is used when a zero Policy is passed to New.
var DefaultPolicy = Policy{MaxAttempts: 5, BaseBackoff: 20 * time.Millisecond, MaxBackoff: 500 * time.Millisecond}

// Store wraps a GORM handle with the retryable transaction executor.
type Store struct {
	DB     *gorm.DB
	policy Policy
}

// New returns a Store over db.
func New(db *gorm.DB, p Policy) *Store {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = DefaultPolicy.BaseBackoff
	}
	if p.MaxBackoff < p.BaseBackoff {
		p.MaxBackoff = p.BaseBackoff * 16
	}
	return &Store{DB: db, policy: p}
}

// Policy returns the effective retry policy.
func (s *Store) Policy() Policy { return s.policy }

// Read returns a context-bound handle for plain reads.
func (s *Store) Read(ctx context.Context) *gorm.DB {
	return s.DB.WithContext(ctx)
}

// Transaction runs fn in a transaction, retrying the whole callback on write
// conflicts. fn must do all of its reads and writes through tx and must be
// safe to run more than once.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.policy.BaseBackoff
	b.MaxInterval = s.policy.MaxBackoff

	op := func() (struct{}, error) {
		err := s.DB.WithContext(ctx).Transaction(fn)
		switch {
		case err == nil:
			return struct{}{}, nil
		case IsConflict(err):
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.policy.MaxAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			observability.TxConflictsTotal.Inc()
			log.Debug().Err(err).Dur("wait", wait).Msg("store: transaction conflict, retrying")
		}),
	)
	if err != nil && IsConflict(err) && !errors.Is(err, ErrConflict) {
		return errors.Join(ErrConflict, err)
	}
	return err
}

// Batch applies a write-only group atomically in a single attempt.
func (s *Store) Batch(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.DB.WithContext(ctx).Transaction(fn)
}

// ForUpdate adds a row lock to the next query on databases that support it.
// SQLite serializes writers on its own, so the clause is skipped there.
func ForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector != nil && tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// IsConflict reports whether err is a transient write conflict worth retrying.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConflict) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "database is locked") ||
		strings.Contains(low, "database table is locked") ||
		strings.Contains(low, "sqlite_busy")
}

// IsDuplicate reports whether err is a unique/primary key violation.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "constraint failed: primary key")
}
