package types

import (
	"bytes"
	"encoding/hex"
	"errors"
	"sort"
	"time"
)

// Vault is the custody record for one user. The address is a pure function
// of the redeem script, which itself is a pure function of the sorted
// participant keys and the threshold, so re-deriving a vault for the same
// (user_id, user_public_key) pair always yields the same record.
type Vault struct {
	UserID          string    `json:"user_id"`
	UserPublicKey   string    `json:"user_public_key"`
	AppPublicKey    string    `json:"app_public_key"`
	BackupPublicKey string    `json:"backup_public_key,omitempty"`
	RedeemScript    []byte    `json:"-"`
	Address         string    `json:"address"`
	AppKeyPath      string    `json:"app_key_path"`
	Threshold       int       `json:"threshold"`
	CreatedAt       time.Time `json:"created_at"`
}

// ParticipantKeys returns the compressed participant keys in the order they
// appear in the redeem script.
func (v *Vault) ParticipantKeys() [][]byte {
	keys := make([][]byte, 0, 3)
	for _, k := range []string{v.UserPublicKey, v.AppPublicKey, v.BackupPublicKey} {
		if k == "" {
			continue
		}
		raw, err := hex.DecodeString(k)
		if err != nil {
			continue
		}
		keys = append(keys, raw)
	}
	sortKeyBytes(keys)
	return keys
}

// sortKeyBytes orders compressed keys lexicographically, matching the order
// the vault builder writes them into the redeem script.
func sortKeyBytes(keys [][]byte) {
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i], keys[j]) < 0
	})
}

// VaultCreateRequest is the payload to create or fetch a vault.
type VaultCreateRequest struct {
	UserID        string `json:"user_id"`
	UserPublicKey string `json:"user_public_key"`
}

func (r VaultCreateRequest) IsValid() error {
	if r.UserID == "" {
		return errors.New("user_id is required")
	}
	if len(r.UserPublicKey) != 66 {
		return ErrInvalidPublicKey
	}
	if _, err := hex.DecodeString(r.UserPublicKey); err != nil {
		return ErrInvalidPublicKey
	}
	return nil
}

// VaultCreateResponse carries the public vault material back to the caller.
type VaultCreateResponse struct {
	Address      string `json:"address"`
	RedeemScript string `json:"redeem_script"`
	Threshold    int    `json:"threshold"`
}
