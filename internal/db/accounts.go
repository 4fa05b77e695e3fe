package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bobarin/beatsync/internal/models"
	"github.com/google/uuid"
)

// CreateAccount inserts a new account record.
// The ID should match the auth subject carried by the owner's bearer token.
func (db *DB) CreateAccount(ctx context.Context, account *models.Account) error {
	query := `
		INSERT INTO accounts (id, email, plan, credit_balance)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`

	err := db.QueryRowContext(
		ctx, query,
		account.ID, account.Email, account.Plan, account.CreditBalance,
	).Scan(&account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		return classify(fmt.Errorf("failed to create account: %w", err))
	}
	return nil
}

// GetAccount retrieves an account by its ID.
func (db *DB) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	query := `
		SELECT id, email, plan, credit_balance, created_at, updated_at
		FROM accounts
		WHERE id = $1
	`

	account := &models.Account{}
	err := db.GetContext(ctx, account, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to get account: %w", err))
	}

	return account, nil
}
