package repository

import (
	"context"
	"database/sql"
	"time"

	"biowave/internal/models"
)

// Operators stores the accounts allowed to change display settings.
type Operators interface {
	Upsert(ctx context.Context, username, hash string) (int, error)
	GetByUsername(ctx context.Context, username string) (*models.Operator, error)
}

// EventFilter narrows a journal query. Zero values mean no bound.
type EventFilter struct {
	From      time.Time
	To        time.Time
	Type      string
	SessionID string
	Limit     int
}

// EventRepo is the session journal.
type EventRepo interface {
	Append(ctx context.Context, e models.SessionEvent) error
	List(ctx context.Context, f EventFilter) ([]models.SessionEvent, error)
	Prune(ctx context.Context, keep int) (int64, error)
}

type Repository struct {
	EventRepo EventRepo
	Operators Operators
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{
		EventRepo: NewEventSQLite(db),
		Operators: NewOperatorRepository(db),
	}
}
