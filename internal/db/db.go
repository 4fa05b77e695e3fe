package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/bobarin/beatsync/internal/models"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/multierr"
)

// SQLSTATE codes raised by the guard triggers in migrations/.
const (
	codeDeductionCleared pq.ErrorCode = "BS001"
	codeLedgerImmutable  pq.ErrorCode = "BS002"
	codeLockNotAvailable pq.ErrorCode = "55P03"
)

// DB is the Postgres-backed store for jobs, chunks, accounts and the credit ledger.
type DB struct {
	*sqlx.DB
}

func New(databaseURL string) (*DB, error) {
	conn, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &DB{DB: conn}, nil
}

// InLedgerTx runs fn inside a single transaction. The transaction commits only
// when fn returns nil.
func (db *DB) InLedgerTx(ctx context.Context, fn func(LedgerTx) error) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}

	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			err = multierr.Append(err, fmt.Errorf("rollback: %w", rbErr))
		}
	}()

	if err = fn(&ledgerTx{tx: tx}); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		// The outcome of a failed commit is unknown to the caller.
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}

	return nil
}

// classify maps driver errors onto the store error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == codeDeductionCleared, pqErr.Code == codeLedgerImmutable:
			return fmt.Errorf("%w: %w", models.ErrInvariantViolation, err)
		case pqErr.Code == codeLockNotAvailable:
			return fmt.Errorf("%w: %w", models.ErrClaimConflict, err)
		}

		switch pqErr.Code.Class() {
		case "08", // connection exception
			"40", // transaction rollback (serialization, deadlock)
			"53", // insufficient resources
			"57": // operator intervention (admin shutdown, cannot connect now)
			return fmt.Errorf("%w: %w", models.ErrTransientStore, err)
		}
		return err
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %w", models.ErrTransientStore, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", models.ErrTransientStore, err)
	}

	return err
}

func statusStrings(statuses []models.JobStatus) pq.StringArray {
	out := make(pq.StringArray, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
