package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/koperasi/shuengine/pkg/models"
)

// LedgerReader is the read side used by calculations.
//
//go:generate mockgen -destination=mocks/mock_interface.go -source=interface.go
type LedgerReader interface {
	GetAllTransactions(ctx context.Context) ([]*models.Transaction, error)
	GetSettings(ctx context.Context) (*models.Settings, error)
}

// Storage defines the persistence operations for the ledger and settings.
type Storage interface {
	LedgerReader

	CreateTransaction(ctx context.Context, tx *models.Transaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	GetTransactionsForMember(ctx context.Context, memberID string) ([]*models.Transaction, error)
	SaveSettings(ctx context.Context, settings *models.Settings) error

	Close() error
}
