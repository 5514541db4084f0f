package types

import (
	"errors"
	"fmt"
	"strings"
)

// Validation errors are reported synchronously to the caller and are not
// retryable. Invariant violations are defensive assertions: they are never
// coerced into a working state because a silently "fixed" multisig script
// risks an unspendable or mis-authorized output.
var (
	ErrInvalidPublicKey         = errors.New("invalid public key")
	ErrVaultKeyMismatch         = errors.New("vault already exists with a different user public key")
	ErrVaultNotFound            = errors.New("vault not found")
	ErrIndexerUnavailable       = errors.New("all indexers unavailable")
	ErrNoUtxosAvailable         = errors.New("no utxos available")
	ErrInsufficientFeeFunds     = errors.New("insufficient satoshi balance to cover network fee")
	ErrInsufficientTokenBalance = errors.New("insufficient token balance")
	ErrInvalidSignature         = errors.New("signature does not verify against the signing digest")
	ErrUnknownSigner            = errors.New("signing key is not a participant of this vault")
	ErrSignatureOrderMismatch   = errors.New("signature order does not match redeem script key order")
	ErrRedeemScriptMismatch     = errors.New("stored redeem script does not match the draft transaction")
	ErrDraftInFlight            = errors.New("another withdrawal draft is in flight for this vault")
	ErrWithdrawalNotFound       = errors.New("withdrawal not found")
	ErrInvalidPhase             = errors.New("withdrawal is not in the required phase")
)

// BroadcastAttempt records one failed relay submission for diagnosis.
type BroadcastAttempt struct {
	Endpoint string
	Err      error
}

// BroadcastError is returned when every relay endpoint has been exhausted.
type BroadcastError struct {
	Attempts []BroadcastAttempt
}

func (e *BroadcastError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Endpoint, a.Err))
	}
	return fmt.Sprintf("broadcast failed on all %d relays: %s", len(e.Attempts), strings.Join(parts, "; "))
}
