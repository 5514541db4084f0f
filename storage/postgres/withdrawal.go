package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/b0ase/custody/internal/types"
)

func (p *PostgresBackend) InsertWithdrawal(ctx context.Context, w *types.Withdrawal) error {
	sighashes, err := json.Marshal(w.Sighashes)
	if err != nil {
		return fmt.Errorf("failed to marshal sighashes: %w", err)
	}
	signatures, err := json.Marshal(w.UserSignatures)
	if err != nil {
		return fmt.Errorf("failed to marshal signatures: %w", err)
	}

	query := `INSERT INTO withdrawals
	(id, user_id, vault_address, token_id, amount, recipient_address, phase, tx_hex, txid, sighashes, user_signatures)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = p.pool.Exec(ctx, query,
		w.ID,
		w.UserID,
		w.VaultAddress,
		nullable(w.TokenID),
		w.Amount,
		w.RecipientAddress,
		w.Phase,
		w.TxHex,
		nullable(w.TxID),
		sighashes,
		signatures,
	)
	if err != nil {
		return fmt.Errorf("failed to insert withdrawal: %w", err)
	}
	return nil
}

func (p *PostgresBackend) GetWithdrawal(ctx context.Context, id uuid.UUID) (*types.Withdrawal, error) {
	query := `SELECT id, user_id, vault_address, COALESCE(token_id, ''), amount, recipient_address, phase, tx_hex, COALESCE(txid, ''), sighashes, user_signatures, created_at, updated_at
	FROM withdrawals WHERE id = $1`

	var w types.Withdrawal
	var sighashes, signatures []byte
	err := p.pool.QueryRow(ctx, query, id).Scan(
		&w.ID,
		&w.UserID,
		&w.VaultAddress,
		&w.TokenID,
		&w.Amount,
		&w.RecipientAddress,
		&w.Phase,
		&w.TxHex,
		&w.TxID,
		&sighashes,
		&signatures,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.ErrWithdrawalNotFound
		}
		return nil, fmt.Errorf("failed to scan withdrawal: %w", err)
	}
	if err := json.Unmarshal(sighashes, &w.Sighashes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sighashes: %w", err)
	}
	if err := json.Unmarshal(signatures, &w.UserSignatures); err != nil {
		return nil, fmt.Errorf("failed to unmarshal signatures: %w", err)
	}
	return &w, nil
}

func (p *PostgresBackend) UpdateWithdrawal(ctx context.Context, w *types.Withdrawal) error {
	signatures, err := json.Marshal(w.UserSignatures)
	if err != nil {
		return fmt.Errorf("failed to marshal signatures: %w", err)
	}

	query := `UPDATE withdrawals
	SET phase = $2, tx_hex = $3, txid = $4, user_signatures = $5, updated_at = NOW()
	WHERE id = $1`

	tag, err := p.pool.Exec(ctx, query, w.ID, w.Phase, w.TxHex, nullable(w.TxID), signatures)
	if err != nil {
		return fmt.Errorf("failed to update withdrawal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrWithdrawalNotFound
	}
	return nil
}
