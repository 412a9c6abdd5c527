package journal

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"cosmossdk.io/log"
	"cosmossdk.io/math"
	_ "github.com/lib/pq"

	"github.com/pelagos-market/pelagos/types"
)

//go:embed schema.sql
var schemaFile embed.FS

// Config holds Postgres journal configuration.
type Config struct {
	URL             string
	MaxConnections  int
	MaxIdle         int
	ConnMaxLifetime time.Duration
}

// Postgres is the durable journal implementation.
type Postgres struct {
	db     *sql.DB
	logger log.Logger
}

// NewPostgres opens the journal database, verifies the connection and
// applies the schema.
func NewPostgres(cfg Config, logger log.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping journal database: %w", err)
	}

	j := &Postgres{db: db, logger: logger.With("module", "journal")}
	if err := j.initSchema(); err != nil {
		return nil, err
	}

	j.logger.Info("journal database ready")
	return j, nil
}

func (j *Postgres) initSchema() error {
	schema, err := schemaFile.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}
	if _, err := j.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("failed to apply journal schema: %w", err)
	}
	return nil
}

// SaveAttempt upserts the attempt summary row.
func (j *Postgres) SaveAttempt(ctx context.Context, record AttemptRecord) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO attempts (id, consumer, state, retryable, last_error, job_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			state = $3, retryable = $4, last_error = $5, job_id = $6, updated_at = NOW()`,
		record.ID, record.Consumer, record.State, record.Retryable, record.LastError, record.JobID,
	)
	if err != nil {
		return fmt.Errorf("failed to save attempt %s: %w", record.ID, err)
	}
	return nil
}

// SaveOrder records one settled order transaction. Conflicting inserts
// for the same (attempt, asset, service) keep the first transaction:
// a settled order is immutable.
func (j *Postgres) SaveOrder(ctx context.Context, attemptID string, order types.OrderTransaction) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO order_transactions (attempt_id, asset_id, service_id, tx_ref, amount)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (attempt_id, asset_id, service_id) DO NOTHING`,
		attemptID, order.AssetID, order.ServiceID, order.TxRef, order.Amount.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to save order %s/%s: %w", order.AssetID, order.ServiceID, err)
	}
	return nil
}

// OrdersForAttempt returns every settled order recorded for an attempt.
func (j *Postgres) OrdersForAttempt(ctx context.Context, attemptID string) ([]types.OrderTransaction, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT asset_id, service_id, tx_ref, amount
		FROM order_transactions WHERE attempt_id = $1
		ORDER BY created_at`,
		attemptID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders for %s: %w", attemptID, err)
	}
	defer rows.Close()

	var orders []types.OrderTransaction
	for rows.Next() {
		var order types.OrderTransaction
		var amount string
		if err := rows.Scan(&order.AssetID, &order.ServiceID, &order.TxRef, &amount); err != nil {
			return nil, err
		}
		parsed, ok := math.NewIntFromString(amount)
		if !ok {
			return nil, fmt.Errorf("corrupt amount %q for order %s/%s", amount, order.AssetID, order.ServiceID)
		}
		order.Amount = parsed
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// Close releases the database pool.
func (j *Postgres) Close() error {
	return j.db.Close()
}
