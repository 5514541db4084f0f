package signing

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
	"github.com/sirupsen/logrus"

	"github.com/b0ase/custody/internal/keyderiver"
	"github.com/b0ase/custody/internal/txbuilder"
	"github.com/b0ase/custody/internal/types"
	"github.com/b0ase/custody/internal/vault"
)

// Coordinator runs the two-phase signing protocol. Phase one accepts and
// verifies the first party's signatures; phase two re-derives the platform
// key, co-signs the same digests, and assembles the final unlocking
// scripts. Completion is pure and local: no network I/O once both
// signatures exist.
type Coordinator struct {
	deriver *keyderiver.Deriver
	logger  *logrus.Logger
}

func NewCoordinator(deriver *keyderiver.Deriver) *Coordinator {
	return &Coordinator{
		deriver: deriver,
		logger:  logrus.WithField("service", "signing").Logger,
	}
}

// VerifyFirstSignatures validates the submitted DER signatures (hex, keyed
// by input index) against the participant keys encoded in the vault's
// redeem script, over freshly recomputed digests. Every input must carry
// exactly one valid first-party signature before the draft advances.
func (c *Coordinator) VerifyFirstSignatures(v *types.Vault, txHex string, signatures map[int]string) error {
	if err := checkRedeemScript(v); err != nil {
		return err
	}
	sighashes, _, err := txbuilder.Sighashes(txHex, v.RedeemScript)
	if err != nil {
		return err
	}
	if len(signatures) != len(sighashes) {
		return fmt.Errorf("%w: got %d signatures for %d inputs", types.ErrInvalidSignature, len(signatures), len(sighashes))
	}

	participants, err := parseParticipants(v)
	if err != nil {
		return err
	}
	for idx, sigHex := range signatures {
		if idx < 0 || idx >= len(sighashes) {
			return fmt.Errorf("%w: input index %d out of range", types.ErrInvalidSignature, idx)
		}
		sig, err := parseDERHex(sigHex)
		if err != nil {
			return err
		}
		if signerIndex(sig, sighashes[idx], participants) < 0 {
			return types.ErrUnknownSigner
		}
	}
	return nil
}

// Complete co-signs with the platform key and assembles, for every input,
// the unlocking script OP_0 <sig_1> <sig_2> <redeem_script>. The leading
// OP_0 feeds the ledger's CHECKMULTISIG off-by-one and must be preserved
// even though it is semantically a dummy element. Signature order follows
// the position of the corresponding keys in the redeem script, never the
// order the signatures were collected in.
func (c *Coordinator) Complete(v *types.Vault, txHex string, userSignatures map[int]string) (string, string, error) {
	if err := checkRedeemScript(v); err != nil {
		return "", "", err
	}
	sighashes, tx, err := txbuilder.Sighashes(txHex, v.RedeemScript)
	if err != nil {
		return "", "", err
	}

	appKey, err := c.deriver.DeriveAppKey(v.UserID)
	if err != nil {
		return "", "", fmt.Errorf("fail to derive app key, err: %w", err)
	}
	if hex.EncodeToString(appKey.CompressedPublicKey()) != v.AppPublicKey {
		// The derived key no longer matches the stored vault; completing
		// would produce a signature the script rejects.
		return "", "", types.ErrRedeemScriptMismatch
	}

	participants, err := parseParticipants(v)
	if err != nil {
		return "", "", err
	}
	appIndex := -1
	for i, pub := range participants {
		if bytes.Equal(pub.SerializeCompressed(), appKey.CompressedPublicKey()) {
			appIndex = i
			break
		}
	}
	if appIndex < 0 {
		return "", "", types.ErrRedeemScriptMismatch
	}

	for i := range tx.TxIn {
		userSig, ok := userSignatures[i]
		if !ok {
			return "", "", fmt.Errorf("%w: missing signature for input %d", types.ErrInvalidSignature, i)
		}
		sig, err := parseDERHex(userSig)
		if err != nil {
			return "", "", err
		}
		userIndex := signerIndex(sig, sighashes[i], participants)
		if userIndex < 0 {
			return "", "", types.ErrUnknownSigner
		}
		if userIndex == appIndex {
			return "", "", types.ErrSignatureOrderMismatch
		}

		appSig := ecdsa.Sign(appKey.PrivateKey, sighashes[i])

		userSigBytes := withHashType(sig.Serialize())
		appSigBytes := withHashType(appSig.Serialize())

		// Script order: the signature whose key appears first in the
		// redeem script goes first.
		first, second := userSigBytes, appSigBytes
		if appIndex < userIndex {
			first, second = appSigBytes, userSigBytes
		}

		unlocking, err := txscript.NewScriptBuilder().
			AddOp(txscript.OP_FALSE).
			AddData(first).
			AddData(second).
			AddData(v.RedeemScript).
			Script()
		if err != nil {
			return "", "", fmt.Errorf("fail to assemble unlocking script, err: %w", err)
		}
		tx.TxIn[i].SignatureScript = unlocking
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", "", fmt.Errorf("fail to serialize signed transaction, err: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), tx.TxHash().String(), nil
}

// checkRedeemScript rebuilds the script from the stored participant keys
// and compares byte for byte, defending against a vault reconfigured
// mid-flow. A mismatch is surfaced, never coerced.
func checkRedeemScript(v *types.Vault) error {
	rebuilt, err := vault.BuildRedeemScript(v.Threshold, v.ParticipantKeys())
	if err != nil {
		return fmt.Errorf("fail to rebuild redeem script, err: %w", err)
	}
	if !bytes.Equal(rebuilt, v.RedeemScript) {
		return types.ErrRedeemScriptMismatch
	}
	return nil
}

func parseParticipants(v *types.Vault) ([]*btcec.PublicKey, error) {
	raw := v.ParticipantKeys()
	keys := make([]*btcec.PublicKey, 0, len(raw))
	for _, k := range raw {
		pub, err := btcec.ParsePubKey(k)
		if err != nil {
			return nil, types.ErrInvalidPublicKey
		}
		keys = append(keys, pub)
	}
	return keys, nil
}

func parseDERHex(sigHex string) (*ecdsa.Signature, error) {
	raw, err := hex.DecodeString(sigHex)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed hex", types.ErrInvalidSignature)
	}
	sig, err := ecdsa.ParseDERSignature(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidSignature, err)
	}
	return sig, nil
}

// signerIndex returns the redeem-script position of the key the signature
// verifies under, or -1 when it verifies under none of them.
func signerIndex(sig *ecdsa.Signature, digest []byte, participants []*btcec.PublicKey) int {
	for i, pub := range participants {
		if sig.Verify(digest, pub) {
			return i
		}
	}
	return -1
}

func withHashType(derSig []byte) []byte {
	return append(derSig, byte(txscript.SigHashAll))
}
