package types

import (
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
)

type WithdrawalPhase string

const (
	PhaseDrafted         WithdrawalPhase = "drafted"
	PhasePartiallySigned WithdrawalPhase = "partially_signed"
	PhaseCompleted       WithdrawalPhase = "completed"
	PhaseBroadcast       WithdrawalPhase = "broadcast"
	PhaseConfirmed       WithdrawalPhase = "confirmed"
	PhaseFailed          WithdrawalPhase = "failed"
	PhaseAbandoned       WithdrawalPhase = "abandoned"
)

// Withdrawal is the persisted state of one withdrawal request as it moves
// through the two-phase signing protocol. A withdrawal that never receives
// its second signature stays partially signed indefinitely; that is not an
// error state, it simply never advances.
type Withdrawal struct {
	ID               uuid.UUID       `json:"id"`
	UserID           string          `json:"user_id"`
	VaultAddress     string          `json:"vault_address"`
	TokenID          string          `json:"token_id,omitempty"`
	Amount           int64           `json:"amount"`
	RecipientAddress string          `json:"recipient_address"`
	Phase            WithdrawalPhase `json:"phase"`
	TxHex            string          `json:"tx_hex"`
	TxID             string          `json:"txid,omitempty"`
	Sighashes        []string        `json:"sighashes"`
	UserSignatures   map[int]string  `json:"user_signatures,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// UnsignedWithdrawal is what the transaction builder hands back: a skeleton
// with empty unlocking scripts plus the per-input signing digests. Nothing
// in it is signed.
type UnsignedWithdrawal struct {
	TxHex      string
	Sighashes  [][]byte
	InputCount int
}

// WithdrawalDraftRequest drafts an unsigned withdrawal transaction.
type WithdrawalDraftRequest struct {
	TokenID          string `json:"token_id,omitempty"`
	Amount           int64  `json:"amount"`
	RecipientAddress string `json:"recipient_address"`
}

func (r WithdrawalDraftRequest) IsValid() error {
	if r.Amount <= 0 {
		return errors.New("amount must be positive")
	}
	if r.RecipientAddress == "" {
		return errors.New("recipient_address is required")
	}
	return nil
}

// WithdrawalDraftResponse returns the sighash material the first signer
// needs. Sighashes are hex encoded in input order.
type WithdrawalDraftResponse struct {
	WithdrawalID string   `json:"withdrawal_id"`
	TxHex        string   `json:"tx_hex"`
	Sighashes    []string `json:"sighashes"`
	InputCount   int      `json:"input_count"`
}

// WithdrawalCompleteRequest attaches the user's signatures (DER hex, keyed
// by input index) and asks the platform to co-sign and broadcast.
type WithdrawalCompleteRequest struct {
	WithdrawalID string         `json:"withdrawal_id"`
	Signatures   map[int]string `json:"signatures"`
}

func (r WithdrawalCompleteRequest) IsValid() error {
	if r.WithdrawalID == "" {
		return errors.New("withdrawal_id is required")
	}
	if len(r.Signatures) == 0 {
		return errors.New("at least one signature is required")
	}
	for _, sig := range r.Signatures {
		if _, err := hex.DecodeString(sig); err != nil {
			return errors.New("signatures must be hex encoded")
		}
	}
	return nil
}

// WithdrawalCompleteResponse is the terminal reply of the happy path.
type WithdrawalCompleteResponse struct {
	TxHex  string          `json:"tx_hex"`
	TxID   string          `json:"txid"`
	Status WithdrawalPhase `json:"status"`
}
