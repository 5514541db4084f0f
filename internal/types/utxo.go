package types

import "time"

// UTXO is one unspent output, either plain satoshis or a 1-sat token output.
// Token outputs always carry exactly one satoshi; only TokenAmount varies.
type UTXO struct {
	TxID        string `json:"txid"`
	OutputIndex uint32 `json:"output_index"`
	Satoshis    int64  `json:"satoshis"`
	Script      []byte `json:"-"`
	TokenID     string `json:"token_id,omitempty"`
	TokenAmount int64  `json:"token_amount,omitempty"`
}

// TokenBalance is the aggregated amount for one token id.
type TokenBalance struct {
	TokenID string `json:"token_id"`
	Amount  int64  `json:"amount"`
}

// BalanceSnapshot is a transient read of the chain state for one address.
// It is never persisted as ground truth; the ledger is the source of truth.
// A token with zero UTXOs is absent from Tokens, never a zero entry.
type BalanceSnapshot struct {
	Address      string         `json:"address"`
	Satoshis     int64          `json:"satoshis"`
	FormattedBSV string         `json:"formatted_bsv"`
	Tokens       []TokenBalance `json:"tokens"`
	ObservedAt   time.Time      `json:"observed_at"`
}
