package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/b0ase/custody/internal/types"
)

func (p *PostgresBackend) InsertVault(ctx context.Context, vault *types.Vault) error {
	if p.pool == nil {
		return fmt.Errorf("database pool is nil")
	}
	query := `INSERT INTO vaults
	(user_id, user_public_key, app_public_key, backup_public_key, redeem_script, address, app_key_path, threshold)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := p.pool.Exec(ctx, query,
		vault.UserID,
		vault.UserPublicKey,
		vault.AppPublicKey,
		nullable(vault.BackupPublicKey),
		vault.RedeemScript,
		vault.Address,
		vault.AppKeyPath,
		vault.Threshold,
	)
	if err != nil {
		return fmt.Errorf("failed to insert vault: %w", err)
	}
	return nil
}

func (p *PostgresBackend) GetVault(ctx context.Context, userID string) (*types.Vault, error) {
	query := `SELECT user_id, user_public_key, app_public_key, COALESCE(backup_public_key, ''), redeem_script, address, app_key_path, threshold, created_at
	FROM vaults WHERE user_id = $1`
	return p.scanVault(p.pool.QueryRow(ctx, query, userID))
}

func (p *PostgresBackend) GetVaultByAddress(ctx context.Context, address string) (*types.Vault, error) {
	query := `SELECT user_id, user_public_key, app_public_key, COALESCE(backup_public_key, ''), redeem_script, address, app_key_path, threshold, created_at
	FROM vaults WHERE address = $1`
	return p.scanVault(p.pool.QueryRow(ctx, query, address))
}

func (p *PostgresBackend) scanVault(row pgx.Row) (*types.Vault, error) {
	var vault types.Vault
	err := row.Scan(
		&vault.UserID,
		&vault.UserPublicKey,
		&vault.AppPublicKey,
		&vault.BackupPublicKey,
		&vault.RedeemScript,
		&vault.Address,
		&vault.AppKeyPath,
		&vault.Threshold,
		&vault.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.ErrVaultNotFound
		}
		return nil, fmt.Errorf("failed to scan vault: %w", err)
	}
	return &vault, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
