package subscription

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/playdroplink/pi-gateway/internal/domain"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// PostgresStore persists subscriptions in Postgres.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store on an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sql.DB) error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

const subscriptionColumns = "id, profile_id, plan_type, billing_period, pi_amount, transaction_id, status, start_date, end_date"

func scanSubscription(row *sql.Row) (*domain.SubscriptionRecord, error) {
	var rec domain.SubscriptionRecord
	err := row.Scan(
		&rec.ID,
		&rec.ProfileID,
		&rec.PlanType,
		&rec.BillingPeriod,
		&rec.Amount,
		&rec.TransactionID,
		&rec.Status,
		&rec.StartDate,
		&rec.EndDate,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresStore) FindByTransactionID(ctx context.Context, txid string) (*domain.SubscriptionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+subscriptionColumns+" FROM subscriptions WHERE transaction_id = $1", txid)
	rec, err := scanSubscription(row)
	if err != nil {
		return nil, fmt.Errorf("find subscription by txid: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) FindByProfile(ctx context.Context, profileID string) (*domain.SubscriptionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+subscriptionColumns+" FROM subscriptions WHERE profile_id = $1", profileID)
	rec, err := scanSubscription(row)
	if err != nil {
		return nil, fmt.Errorf("find subscription by profile: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, rec domain.SubscriptionRecord) (domain.SubscriptionRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO subscriptions (id, profile_id, plan_type, billing_period, pi_amount, transaction_id, status, start_date, end_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (profile_id) DO UPDATE SET
			plan_type = EXCLUDED.plan_type,
			billing_period = EXCLUDED.billing_period,
			pi_amount = EXCLUDED.pi_amount,
			transaction_id = EXCLUDED.transaction_id,
			status = EXCLUDED.status,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			updated_at = now()
		RETURNING `+subscriptionColumns,
		rec.ID, rec.ProfileID, rec.PlanType, rec.BillingPeriod, rec.Amount,
		rec.TransactionID, rec.Status, rec.StartDate, rec.EndDate,
	)
	stored, err := scanSubscription(row)
	if err != nil {
		if isDuplicateTransaction(err) {
			return domain.SubscriptionRecord{}, ErrDuplicateTransaction
		}
		return domain.SubscriptionRecord{}, fmt.Errorf("upsert subscription: %w", err)
	}
	if stored == nil {
		return domain.SubscriptionRecord{}, fmt.Errorf("upsert subscription: no row returned")
	}
	return *stored, nil
}

func isDuplicateTransaction(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" && strings.Contains(pqErr.Constraint, "transaction")
	}
	return false
}
