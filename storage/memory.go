package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/b0ase/custody/internal/types"
)

// MemoryStorage is an in-memory DatabaseStorage used by tests and local
// development. It mirrors the Postgres backend's semantics, including the
// append-only audit trail.
type MemoryStorage struct {
	mu          sync.Mutex
	vaults      map[string]*types.Vault
	byAddress   map[string]string
	withdrawals map[uuid.UUID]*types.Withdrawal
	audit       []types.AuditRecord
}

var _ DatabaseStorage = (*MemoryStorage)(nil)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		vaults:      make(map[string]*types.Vault),
		byAddress:   make(map[string]string),
		withdrawals: make(map[uuid.UUID]*types.Withdrawal),
	}
}

func (m *MemoryStorage) Close() error { return nil }

func (m *MemoryStorage) GetVault(_ context.Context, userID string) (*types.Vault, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vault, ok := m.vaults[userID]
	if !ok {
		return nil, types.ErrVaultNotFound
	}
	copied := *vault
	return &copied, nil
}

func (m *MemoryStorage) GetVaultByAddress(_ context.Context, address string) (*types.Vault, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	userID, ok := m.byAddress[address]
	if !ok {
		return nil, types.ErrVaultNotFound
	}
	copied := *m.vaults[userID]
	return &copied, nil
}

func (m *MemoryStorage) InsertVault(_ context.Context, vault *types.Vault) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *vault
	copied.CreatedAt = time.Now().UTC()
	m.vaults[vault.UserID] = &copied
	m.byAddress[vault.Address] = vault.UserID
	return nil
}

func (m *MemoryStorage) InsertWithdrawal(_ context.Context, w *types.Withdrawal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *w
	copied.CreatedAt = time.Now().UTC()
	copied.UpdatedAt = copied.CreatedAt
	m.withdrawals[w.ID] = &copied
	return nil
}

func (m *MemoryStorage) GetWithdrawal(_ context.Context, id uuid.UUID) (*types.Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.withdrawals[id]
	if !ok {
		return nil, types.ErrWithdrawalNotFound
	}
	copied := *w
	return &copied, nil
}

func (m *MemoryStorage) UpdateWithdrawal(_ context.Context, w *types.Withdrawal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.withdrawals[w.ID]; !ok {
		return types.ErrWithdrawalNotFound
	}
	copied := *w
	copied.UpdatedAt = time.Now().UTC()
	m.withdrawals[w.ID] = &copied
	return nil
}

func (m *MemoryStorage) AppendAuditRecord(_ context.Context, record *types.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record.ID = int64(len(m.audit) + 1)
	record.CreatedAt = time.Now().UTC()
	m.audit = append(m.audit, *record)
	return nil
}

func (m *MemoryStorage) GetAuditRecords(_ context.Context, vaultAddress string) ([]types.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var records []types.AuditRecord
	for _, r := range m.audit {
		if r.VaultAddress == vaultAddress {
			records = append(records, r)
		}
	}
	return records, nil
}
