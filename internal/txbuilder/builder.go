package txbuilder

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/b0ase/custody/internal/types"
)

// Builder assembles unsigned withdrawal transactions: token inputs covering
// the requested amount, at least one satoshi input covering the fee, one
// recipient output, and change that never leaves the vault's custody
// boundary. It computes the per-input signing digests and signs nothing.
type Builder struct {
	params    *chaincfg.Params
	feeRate   int64 // satoshis per byte
	dustLimit int64
}

func NewBuilder(params *chaincfg.Params, feeRate, dustLimit int64) *Builder {
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	if feeRate <= 0 {
		feeRate = 1
	}
	if dustLimit <= 0 {
		dustLimit = 546
	}
	return &Builder{params: params, feeRate: feeRate, dustLimit: dustLimit}
}

// Build drafts the withdrawal described by request against the vault's
// current UTXO set. Token withdrawals move 1-sat ordinal-convention
// outputs; when request.TokenID is empty the amount is plain satoshis.
func (b *Builder) Build(vault *types.Vault, request *types.WithdrawalDraftRequest, tokenUTXOs, feeUTXOs []types.UTXO) (*types.UnsignedWithdrawal, error) {
	recipient, err := btcutil.DecodeAddress(request.RecipientAddress, b.params)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}
	recipientScript, err := txscript.PayToAddrScript(recipient)
	if err != nil {
		return nil, fmt.Errorf("fail to build recipient script, err: %w", err)
	}
	vaultAddr, err := btcutil.DecodeAddress(vault.Address, b.params)
	if err != nil {
		return nil, fmt.Errorf("invalid vault address: %w", err)
	}
	vaultScript, err := txscript.PayToAddrScript(vaultAddr)
	if err != nil {
		return nil, fmt.Errorf("fail to build vault script, err: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)

	var inputSatoshis int64
	if request.TokenID != "" {
		selected, total, err := selectTokenUTXOs(tokenUTXOs, request.Amount)
		if err != nil {
			return nil, err
		}
		for _, u := range selected {
			if err := addInput(tx, u); err != nil {
				return nil, err
			}
			inputSatoshis += u.Satoshis
		}

		transferScript, err := appendTokenEnvelope(recipientScript, request.TokenID, request.Amount)
		if err != nil {
			return nil, err
		}
		tx.AddTxOut(wire.NewTxOut(1, transferScript))

		// Token change returns to the vault address, inside custody.
		if change := total - request.Amount; change > 0 {
			changeScript, err := appendTokenEnvelope(vaultScript, request.TokenID, change)
			if err != nil {
				return nil, err
			}
			tx.AddTxOut(wire.NewTxOut(1, changeScript))
		}
	} else {
		tx.AddTxOut(wire.NewTxOut(request.Amount, recipientScript))
	}

	if err := b.addFeeInputs(tx, vault, request, feeUTXOs, vaultScript, &inputSatoshis); err != nil {
		return nil, err
	}

	sighashes, err := computeSighashes(tx, vault.RedeemScript)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("fail to serialize transaction, err: %w", err)
	}

	return &types.UnsignedWithdrawal{
		TxHex:      hex.EncodeToString(buf.Bytes()),
		Sighashes:  sighashes,
		InputCount: len(tx.TxIn),
	}, nil
}

// selectTokenUTXOs finds a minimal satisfying subset by greedy descending
// selection, to avoid fanning in every token output the vault holds.
func selectTokenUTXOs(utxos []types.UTXO, amount int64) ([]types.UTXO, int64, error) {
	if len(utxos) == 0 {
		return nil, 0, types.ErrNoUtxosAvailable
	}
	sorted := make([]types.UTXO, len(utxos))
	copy(sorted, utxos)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].TokenAmount > sorted[j].TokenAmount
	})

	var selected []types.UTXO
	var total int64
	for _, u := range sorted {
		if total >= amount {
			break
		}
		selected = append(selected, u)
		total += u.TokenAmount
	}
	if total < amount {
		return nil, 0, types.ErrInsufficientTokenBalance
	}
	return selected, total, nil
}

// addFeeInputs selects satoshi UTXOs until the projected fee is covered,
// adding satoshi change back to the vault when it clears the dust limit.
func (b *Builder) addFeeInputs(tx *wire.MsgTx, vault *types.Vault, request *types.WithdrawalDraftRequest, feeUTXOs []types.UTXO, vaultScript []byte, inputSatoshis *int64) error {
	if len(feeUTXOs) == 0 {
		return types.ErrNoUtxosAvailable
	}
	sorted := make([]types.UTXO, len(feeUTXOs))
	copy(sorted, feeUTXOs)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Satoshis > sorted[j].Satoshis
	})

	outputSatoshis := int64(0)
	for _, out := range tx.TxOut {
		outputSatoshis += out.Value
	}

	added := 0
	for _, u := range sorted {
		// One extra output accounts for the prospective change.
		fee := b.estimateFee(len(tx.TxIn)+1, len(tx.TxOut)+1, len(vault.RedeemScript))
		if *inputSatoshis >= outputSatoshis+fee {
			break
		}
		if err := addInput(tx, u); err != nil {
			return err
		}
		*inputSatoshis += u.Satoshis
		added++
	}

	fee := b.estimateFee(len(tx.TxIn), len(tx.TxOut)+1, len(vault.RedeemScript))
	if *inputSatoshis < outputSatoshis+fee {
		if added == 0 && request.TokenID == "" {
			return types.ErrNoUtxosAvailable
		}
		return types.ErrInsufficientFeeFunds
	}

	if change := *inputSatoshis - outputSatoshis - fee; change > b.dustLimit {
		tx.AddTxOut(wire.NewTxOut(change, vaultScript))
	}
	return nil
}

// estimateFee sizes the transaction assuming every input is a 2-of-3 P2SH
// spend: outpoint+sequence (40), script length prefix (3), OP_0, two DER
// signatures, and the pushed redeem script.
func (b *Builder) estimateFee(inputs, outputs, redeemScriptLen int) int64 {
	const derSigSize = 73
	inputSize := 40 + 3 + 1 + 2*(derSigSize+1) + redeemScriptLen + 2
	outputSize := 9 + 120 // generous: covers P2PKH plus a token envelope
	size := 10 + inputs*inputSize + outputs*outputSize
	return int64(size) * b.feeRate
}

func addInput(tx *wire.MsgTx, u types.UTXO) error {
	hash, err := chainhash.NewHashFromStr(u.TxID)
	if err != nil {
		return fmt.Errorf("invalid utxo txid %s: %w", u.TxID, err)
	}
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, u.OutputIndex), nil, nil))
	return nil
}

// computeSighashes computes the per-input signature digest using the
// redeem script, not the output's locking script, as the subscript. This is
// the defining characteristic of P2SH signing: a digest computed over the
// P2SH locking script verifies against the wrong script.
func computeSighashes(tx *wire.MsgTx, redeemScript []byte) ([][]byte, error) {
	sighashes := make([][]byte, len(tx.TxIn))
	for i := range tx.TxIn {
		digest, err := txscript.CalcSignatureHash(redeemScript, txscript.SigHashAll, tx, i)
		if err != nil {
			return nil, fmt.Errorf("fail to compute sighash for input %d, err: %w", i, err)
		}
		sighashes[i] = digest
	}
	return sighashes, nil
}

// Sighashes recomputes the digests for an existing draft so the signature
// coordinator can verify against fresh material rather than trusting what
// was stored.
func Sighashes(txHex string, redeemScript []byte) ([][]byte, *wire.MsgTx, error) {
	raw, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, nil, fmt.Errorf("fail to decode transaction hex, err: %w", err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, nil, fmt.Errorf("fail to deserialize transaction, err: %w", err)
	}
	sighashes, err := computeSighashes(&tx, redeemScript)
	if err != nil {
		return nil, nil, err
	}
	return sighashes, &tx, nil
}
