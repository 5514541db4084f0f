package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/b0ase/custody/internal/types"
)

// DatabaseStorage is the persistence surface of the custody subsystem:
// one vault row per user, one withdrawal row per request, and an
// append-only audit trail.
type DatabaseStorage interface {
	Close() error

	GetVault(ctx context.Context, userID string) (*types.Vault, error)
	GetVaultByAddress(ctx context.Context, address string) (*types.Vault, error)
	InsertVault(ctx context.Context, vault *types.Vault) error

	InsertWithdrawal(ctx context.Context, w *types.Withdrawal) error
	GetWithdrawal(ctx context.Context, id uuid.UUID) (*types.Withdrawal, error)
	UpdateWithdrawal(ctx context.Context, w *types.Withdrawal) error

	AppendAuditRecord(ctx context.Context, record *types.AuditRecord) error
	GetAuditRecords(ctx context.Context, vaultAddress string) ([]types.AuditRecord, error)
}
