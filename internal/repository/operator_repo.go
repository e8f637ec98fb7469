package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"biowave/internal/models"
)

type OperatorRepository struct {
	db *sql.DB
}

func NewOperatorRepository(db *sql.DB) *OperatorRepository {
	return &OperatorRepository{db: db}
}

var _ Operators = (*OperatorRepository)(nil)

const (
	upsertOperatorSQL = `INSERT INTO operators (username, password_hash) VALUES (?, ?)
ON CONFLICT(username) DO UPDATE SET password_hash = excluded.password_hash`
	selectOperatorIDSQL         = `SELECT id FROM operators WHERE username = ?`
	selectOperatorByUsernameSQL = `SELECT id, username, password_hash FROM operators WHERE username = ?`
)

// Upsert creates the operator or replaces its password hash, returning its ID.
func (r *OperatorRepository) Upsert(ctx context.Context, username, passwordHash string) (int, error) {
	if _, err := r.db.ExecContext(ctx, upsertOperatorSQL, username, passwordHash); err != nil {
		return 0, fmt.Errorf("upsert operator %q: %w", username, err)
	}
	var id int
	if err := r.db.QueryRowContext(ctx, selectOperatorIDSQL, username).Scan(&id); err != nil {
		return 0, fmt.Errorf("select operator id %q: %w", username, err)
	}
	return id, nil
}

// GetByUsername fetches an operator. Returns (nil, nil) if not found.
func (r *OperatorRepository) GetByUsername(ctx context.Context, username string) (*models.Operator, error) {
	var op models.Operator
	err := r.db.QueryRowContext(ctx, selectOperatorByUsernameSQL, username).Scan(&op.ID, &op.Username, &op.PasswordHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select operator %q: %w", username, err)
	}
	return &op, nil
}
