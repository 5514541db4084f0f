package postgres

import (
	"context"
	"fmt"

	"github.com/b0ase/custody/internal/types"
)

// AppendAuditRecord inserts one audit row. There is deliberately no update
// or delete counterpart; the trail is append-only.
func (p *PostgresBackend) AppendAuditRecord(ctx context.Context, record *types.AuditRecord) error {
	query := `INSERT INTO audit_records (user_id, vault_address, txid, phase)
	VALUES ($1, $2, $3, $4)
	RETURNING id, created_at`

	err := p.pool.QueryRow(ctx, query,
		record.UserID,
		record.VaultAddress,
		nullable(record.TxID),
		record.Phase,
	).Scan(&record.ID, &record.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

func (p *PostgresBackend) GetAuditRecords(ctx context.Context, vaultAddress string) ([]types.AuditRecord, error) {
	query := `SELECT id, user_id, vault_address, COALESCE(txid, ''), phase, created_at
	FROM audit_records WHERE vault_address = $1 ORDER BY id`

	rows, err := p.pool.Query(ctx, query, vaultAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var records []types.AuditRecord
	for rows.Next() {
		var r types.AuditRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.VaultAddress, &r.TxID, &r.Phase, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
