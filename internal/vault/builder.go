package vault

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/sirupsen/logrus"

	"github.com/b0ase/custody/internal/keyderiver"
	"github.com/b0ase/custody/internal/types"
	"github.com/b0ase/custody/storage"
)

// Builder assembles multisig vaults. Vaults are 2-of-3 when a cold storage
// backup key is configured (user key, platform key, backup key), 2-of-2
// otherwise. 2-of-3 is the default deployment: the user can still recover
// with backup+own key if the platform disappears.
type Builder struct {
	deriver   *keyderiver.Deriver
	db        storage.DatabaseStorage
	backupKey []byte
	params    *chaincfg.Params
	logger    *logrus.Logger
}

func NewBuilder(deriver *keyderiver.Deriver, db storage.DatabaseStorage, backupPublicKeyHex string) (*Builder, error) {
	var backupKey []byte
	if backupPublicKeyHex != "" {
		raw, err := parseCompressedKey(backupPublicKeyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid backup public key: %w", err)
		}
		backupKey = raw
	}
	return &Builder{
		deriver:   deriver,
		db:        db,
		backupKey: backupKey,
		params:    &chaincfg.MainNetParams,
		logger:    logrus.WithField("service", "vault").Logger,
	}, nil
}

// CreateOrGet upserts the vault for userID. Creation is idempotent: an
// existing vault is returned as-is, unless it was built from a different
// user key, which indicates a client error rather than a re-registration.
func (b *Builder) CreateOrGet(ctx context.Context, userID, userPublicKeyHex string) (*types.Vault, error) {
	userKey, err := parseCompressedKey(userPublicKeyHex)
	if err != nil {
		return nil, err
	}

	existing, err := b.db.GetVault(ctx, userID)
	if err == nil {
		if existing.UserPublicKey != hex.EncodeToString(userKey) {
			return nil, types.ErrVaultKeyMismatch
		}
		return existing, nil
	}
	if !errors.Is(err, types.ErrVaultNotFound) {
		return nil, fmt.Errorf("fail to look up vault, err: %w", err)
	}

	appKey, err := b.deriver.DeriveAppKey(userID)
	if err != nil {
		return nil, fmt.Errorf("fail to derive app key, err: %w", err)
	}

	participants := [][]byte{userKey, appKey.CompressedPublicKey()}
	if b.backupKey != nil {
		participants = append(participants, b.backupKey)
	}

	redeemScript, err := BuildRedeemScript(2, participants)
	if err != nil {
		return nil, err
	}
	address, err := AddressForRedeemScript(redeemScript, b.params)
	if err != nil {
		return nil, err
	}

	vault := &types.Vault{
		UserID:        userID,
		UserPublicKey: hex.EncodeToString(userKey),
		AppPublicKey:  hex.EncodeToString(appKey.CompressedPublicKey()),
		RedeemScript:  redeemScript,
		Address:       address,
		AppKeyPath:    keyderiver.KeyPath(userID),
		Threshold:     2,
	}
	if b.backupKey != nil {
		vault.BackupPublicKey = hex.EncodeToString(b.backupKey)
	}

	if err := b.db.InsertVault(ctx, vault); err != nil {
		return nil, fmt.Errorf("fail to persist vault, err: %w", err)
	}
	b.logger.WithFields(logrus.Fields{
		"user_id": userID,
		"address": address,
	}).Info("vault created")
	return vault, nil
}

// BuildRedeemScript serializes OP_M <key...> OP_N OP_CHECKMULTISIG with the
// keys in ascending lexicographic byte order, never insertion order, so two
// independent derivations of the same policy are byte identical.
func BuildRedeemScript(threshold int, publicKeys [][]byte) ([]byte, error) {
	if threshold <= 0 || threshold > len(publicKeys) {
		return nil, fmt.Errorf("invalid threshold %d of %d", threshold, len(publicKeys))
	}
	sorted := make([][]byte, len(publicKeys))
	copy(sorted, publicKeys)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i], sorted[j]) < 0
	})

	builder := txscript.NewScriptBuilder()
	builder.AddInt64(int64(threshold))
	for _, key := range sorted {
		builder.AddData(key)
	}
	builder.AddInt64(int64(len(sorted)))
	builder.AddOp(txscript.OP_CHECKMULTISIG)
	script, err := builder.Script()
	if err != nil {
		return nil, fmt.Errorf("fail to build redeem script, err: %w", err)
	}
	return script, nil
}

// AddressForRedeemScript computes base58check(0x05 || hash160(script)).
func AddressForRedeemScript(redeemScript []byte, params *chaincfg.Params) (string, error) {
	addr, err := btcutil.NewAddressScriptHash(redeemScript, params)
	if err != nil {
		return "", fmt.Errorf("fail to build p2sh address, err: %w", err)
	}
	return addr.EncodeAddress(), nil
}

func parseCompressedKey(pubKeyHex string) ([]byte, error) {
	raw, err := hex.DecodeString(pubKeyHex)
	if err != nil || len(raw) != 33 {
		return nil, types.ErrInvalidPublicKey
	}
	// Reject points that are not on the curve, not just malformed hex.
	if _, err := btcec.ParsePubKey(raw); err != nil {
		return nil, types.ErrInvalidPublicKey
	}
	return raw, nil
}
