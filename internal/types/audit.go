package types

import "time"

// AuditRecord is one append-only entry per withdrawal phase transition.
// Records are never updated, only appended, so a post-hoc investigation can
// reconstruct what was attempted even if a request crashed mid-flow.
type AuditRecord struct {
	ID           int64           `json:"id"`
	UserID       string          `json:"user_id"`
	VaultAddress string          `json:"vault_address"`
	TxID         string          `json:"txid,omitempty"`
	Phase        WithdrawalPhase `json:"phase"`
	CreatedAt    time.Time       `json:"created_at"`
}
