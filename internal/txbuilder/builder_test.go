package txbuilder

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b0ase/custody/internal/types"
	"github.com/b0ase/custody/internal/vault"
)

func testKey(t *testing.T, seed byte) *btcec.PrivateKey {
	t.Helper()
	var raw [32]byte
	for i := range raw {
		raw[i] = seed + byte(i)
	}
	priv, _ := btcec.PrivKeyFromBytes(raw[:])
	return priv
}

func testVault(t *testing.T) *types.Vault {
	t.Helper()
	keys := [][]byte{
		testKey(t, 0x11).PubKey().SerializeCompressed(),
		testKey(t, 0x22).PubKey().SerializeCompressed(),
		testKey(t, 0x33).PubKey().SerializeCompressed(),
	}
	script, err := vault.BuildRedeemScript(2, keys)
	require.NoError(t, err)
	address, err := vault.AddressForRedeemScript(script, &chaincfg.MainNetParams)
	require.NoError(t, err)
	return &types.Vault{
		UserID:       "user-1",
		RedeemScript: script,
		Address:      address,
		Threshold:    2,
	}
}

func testRecipient(t *testing.T) string {
	t.Helper()
	pub := testKey(t, 0x55).PubKey()
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), &chaincfg.MainNetParams)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

func tokenUTXOs(n int, amountEach int64) []types.UTXO {
	utxos := make([]types.UTXO, 0, n)
	for i := 0; i < n; i++ {
		utxos = append(utxos, types.UTXO{
			TxID:        fmt.Sprintf("%064x", i+1),
			OutputIndex: 0,
			Satoshis:    1,
			TokenID:     "tok-1",
			TokenAmount: amountEach,
		})
	}
	return utxos
}

func feeUTXOs() []types.UTXO {
	return []types.UTXO{{
		TxID:        fmt.Sprintf("%064x", 0xff),
		OutputIndex: 1,
		Satoshis:    100000,
	}}
}

func decodeTx(t *testing.T, txHex string) *wire.MsgTx {
	t.Helper()
	raw, err := hex.DecodeString(txHex)
	require.NoError(t, err)
	var tx wire.MsgTx
	require.NoError(t, tx.Deserialize(bytes.NewReader(raw)))
	return &tx
}

func TestBuildSelectsMinimalTokenCover(t *testing.T) {
	b := NewBuilder(&chaincfg.MainNetParams, 1, 546)
	v := testVault(t)

	draft, err := b.Build(v, &types.WithdrawalDraftRequest{
		TokenID:          "tok-1",
		Amount:           300,
		RecipientAddress: testRecipient(t),
	}, tokenUTXOs(5, 100), feeUTXOs())
	require.NoError(t, err)

	// 3 of the 5 token utxos plus one fee utxo.
	assert.Equal(t, 4, draft.InputCount)
	assert.Len(t, draft.Sighashes, 4)

	tx := decodeTx(t, draft.TxHex)
	require.Len(t, tx.TxIn, 4)

	// Token transfer out, token change, satoshi change.
	require.Len(t, tx.TxOut, 3)
	assert.Equal(t, int64(1), tx.TxOut[0].Value)
	assert.Equal(t, int64(1), tx.TxOut[1].Value)
	assert.Greater(t, tx.TxOut[2].Value, int64(0))

	// Change outputs pay the vault's own P2SH script.
	vaultAddr, err := btcutil.DecodeAddress(v.Address, &chaincfg.MainNetParams)
	require.NoError(t, err)
	vaultScript, err := txscript.PayToAddrScript(vaultAddr)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(tx.TxOut[1].PkScript, vaultScript))
	assert.Equal(t, vaultScript, tx.TxOut[2].PkScript)

	// Token change carries the remaining 200 back inside custody.
	assert.Contains(t, string(tx.TxOut[1].PkScript), `"amt":"200"`)
}

func TestBuildExactCoverHasNoTokenChange(t *testing.T) {
	b := NewBuilder(&chaincfg.MainNetParams, 1, 546)
	v := testVault(t)

	draft, err := b.Build(v, &types.WithdrawalDraftRequest{
		TokenID:          "tok-1",
		Amount:           500,
		RecipientAddress: testRecipient(t),
	}, tokenUTXOs(5, 100), feeUTXOs())
	require.NoError(t, err)

	tx := decodeTx(t, draft.TxHex)
	// Transfer out plus satoshi change only.
	require.Len(t, tx.TxOut, 2)
	assert.Contains(t, string(tx.TxOut[0].PkScript), `"amt":"500"`)
}

func TestBuildInsufficientTokenBalance(t *testing.T) {
	b := NewBuilder(&chaincfg.MainNetParams, 1, 546)
	v := testVault(t)

	_, err := b.Build(v, &types.WithdrawalDraftRequest{
		TokenID:          "tok-1",
		Amount:           900,
		RecipientAddress: testRecipient(t),
	}, tokenUTXOs(5, 100), feeUTXOs())
	assert.ErrorIs(t, err, types.ErrInsufficientTokenBalance)
}

func TestBuildNoTokenUTXOs(t *testing.T) {
	b := NewBuilder(&chaincfg.MainNetParams, 1, 546)
	v := testVault(t)

	_, err := b.Build(v, &types.WithdrawalDraftRequest{
		TokenID:          "tok-1",
		Amount:           100,
		RecipientAddress: testRecipient(t),
	}, nil, feeUTXOs())
	assert.ErrorIs(t, err, types.ErrNoUtxosAvailable)
}

func TestBuildInsufficientFeeFunds(t *testing.T) {
	b := NewBuilder(&chaincfg.MainNetParams, 1, 546)
	v := testVault(t)

	tiny := []types.UTXO{{TxID: fmt.Sprintf("%064x", 0xfe), OutputIndex: 0, Satoshis: 10}}
	_, err := b.Build(v, &types.WithdrawalDraftRequest{
		TokenID:          "tok-1",
		Amount:           100,
		RecipientAddress: testRecipient(t),
	}, tokenUTXOs(1, 100), tiny)
	assert.ErrorIs(t, err, types.ErrInsufficientFeeFunds)
}

func TestSighashesMatchRebuiltDigests(t *testing.T) {
	b := NewBuilder(&chaincfg.MainNetParams, 1, 546)
	v := testVault(t)

	draft, err := b.Build(v, &types.WithdrawalDraftRequest{
		TokenID:          "tok-1",
		Amount:           300,
		RecipientAddress: testRecipient(t),
	}, tokenUTXOs(5, 100), feeUTXOs())
	require.NoError(t, err)

	recomputed, _, err := Sighashes(draft.TxHex, v.RedeemScript)
	require.NoError(t, err)
	assert.Equal(t, draft.Sighashes, recomputed)

	// Digests over the P2SH locking script instead of the redeem script
	// must differ: the subscript substitution is what makes this P2SH.
	vaultAddr, err := btcutil.DecodeAddress(v.Address, &chaincfg.MainNetParams)
	require.NoError(t, err)
	lockingScript, err := txscript.PayToAddrScript(vaultAddr)
	require.NoError(t, err)
	wrong, _, err := Sighashes(draft.TxHex, lockingScript)
	require.NoError(t, err)
	assert.NotEqual(t, draft.Sighashes, wrong)
}
