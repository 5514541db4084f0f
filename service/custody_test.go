package service

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b0ase/custody/config"
	"github.com/b0ase/custody/internal/audit"
	"github.com/b0ase/custody/internal/chain"
	"github.com/b0ase/custody/internal/tasks"
	"github.com/b0ase/custody/internal/types"
	"github.com/b0ase/custody/storage"
)

type memoryLocker struct {
	mu      sync.Mutex
	holders map[string]string
}

func newMemoryLocker() *memoryLocker {
	return &memoryLocker{holders: map[string]string{}}
}

func (l *memoryLocker) AcquireDraftLock(_ context.Context, vaultAddress, withdrawalID string, _ time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.holders[vaultAddress]; held {
		return types.ErrDraftInFlight
	}
	l.holders[vaultAddress] = withdrawalID
	return nil
}

func (l *memoryLocker) ReleaseDraftLock(_ context.Context, vaultAddress, withdrawalID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holders[vaultAddress] == withdrawalID {
		delete(l.holders, vaultAddress)
	}
	return nil
}

// fakeChain plays indexer and relay at once: five 100-unit token outputs,
// one satoshi output for fees, and a relay that accepts everything unless
// relayDown is set.
type fakeChain struct {
	mu            sync.Mutex
	confirmations int64
	broadcasts    []string
	relayDown     bool
}

func (f *fakeChain) setRelayDown(down bool) {
	f.mu.Lock()
	f.relayDown = down
	f.mu.Unlock()
}

func (f *fakeChain) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/bsv20/"):
			var utxos []map[string]any
			for i := 0; i < 5; i++ {
				utxos = append(utxos, map[string]any{
					"txid":   fmt.Sprintf("%064x", i+1),
					"vout":   0,
					"amt":    100,
					"script": "51",
				})
			}
			_ = json.NewEncoder(w).Encode(utxos)
		case strings.HasPrefix(r.URL.Path, "/address/"):
			_ = json.NewEncoder(w).Encode([]map[string]any{
				{"txid": fmt.Sprintf("%064x", 0xfe), "output_index": 1, "value": 100000},
			})
		case strings.HasPrefix(r.URL.Path, "/tx/raw"):
			f.mu.Lock()
			down := f.relayDown
			f.mu.Unlock()
			if down {
				http.Error(w, "relay unavailable", http.StatusBadGateway)
				return
			}
			body, _ := io.ReadAll(r.Body)
			var req struct {
				TxHex string `json:"txHex"`
			}
			_ = json.Unmarshal(body, &req)
			f.mu.Lock()
			f.broadcasts = append(f.broadcasts, req.TxHex)
			f.mu.Unlock()
			raw, _ := hex.DecodeString(req.TxHex)
			txid := chainhash.DoubleHashH(raw)
			_ = json.NewEncoder(w).Encode(map[string]string{"txid": txid.String()})
		case strings.HasPrefix(r.URL.Path, "/tx/"):
			f.mu.Lock()
			conf := f.confirmations
			f.mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]any{
				"txid":          strings.TrimPrefix(r.URL.Path, "/tx/"),
				"confirmations": conf,
			})
		default:
			http.NotFound(w, r)
		}
	})
	return mux
}

type custodyEnv struct {
	svc     *CustodyService
	worker  *WorkerService
	db      *storage.MemoryStorage
	locker  *memoryLocker
	chain   *fakeChain
	userKey *btcec.PrivateKey
}

func newCustodyEnv(t *testing.T) *custodyEnv {
	t.Helper()
	fake := &fakeChain{}
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	var raw [32]byte
	for i := range raw {
		raw[i] = byte(i + 1)
	}
	userKey, _ := btcec.PrivKeyFromBytes(raw[:])
	backupKey, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0x42}, 32))

	cfg := &config.Config{}
	cfg.Custody.MasterSeed = hex.EncodeToString([]byte("service-test-master-seed"))
	cfg.Custody.BackupPublicKey = hex.EncodeToString(backupKey.PubKey().SerializeCompressed())
	cfg.Custody.FeeRate = 1
	cfg.Custody.DustLimit = 546
	cfg.Custody.DraftLockTTL = 600

	reader, err := chain.NewReader([]string{server.URL}, server.Client())
	require.NoError(t, err)
	broadcaster, err := chain.NewBroadcaster([]string{server.URL}, server.Client())
	require.NoError(t, err)

	db := storage.NewMemoryStorage()
	recorder := audit.NewRecorder(db, nil)
	locker := newMemoryLocker()

	svc, err := NewCustodyService(cfg, db, locker, reader, broadcaster, recorder, nil, nil)
	require.NoError(t, err)

	return &custodyEnv{
		svc:     svc,
		worker:  NewWorker(cfg, db, reader, recorder, nil),
		db:      db,
		locker:  locker,
		chain:   fake,
		userKey: userKey,
	}
}

func (e *custodyEnv) signDraft(t *testing.T, draft *types.WithdrawalDraftResponse) map[int]string {
	t.Helper()
	sigs := make(map[int]string, len(draft.Sighashes))
	for i, digestHex := range draft.Sighashes {
		digest, err := hex.DecodeString(digestHex)
		require.NoError(t, err)
		sigs[i] = hex.EncodeToString(ecdsa.Sign(e.userKey, digest).Serialize())
	}
	return sigs
}

func TestWithdrawalEndToEnd(t *testing.T) {
	env := newCustodyEnv(t)
	ctx := context.Background()

	v, err := env.svc.CreateVault(ctx, types.VaultCreateRequest{
		UserID:        "user-1",
		UserPublicKey: hex.EncodeToString(env.userKey.PubKey().SerializeCompressed()),
	})
	require.NoError(t, err)
	require.NotEmpty(t, v.Address)

	balance, err := env.svc.GetBalance(ctx, "user-1", []string{"tok-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(100000), balance.Satoshis)
	require.Len(t, balance.Tokens, 1)
	assert.Equal(t, int64(500), balance.Tokens[0].Amount)

	draft, err := env.svc.DraftWithdrawal(ctx, "user-1", types.WithdrawalDraftRequest{
		TokenID:          "tok-1",
		Amount:           300,
		RecipientAddress: v.Address,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, draft.InputCount) // three token inputs plus one fee input
	require.Len(t, draft.Sighashes, 4)

	// The draft lock must block a second draft for the same vault.
	_, err = env.svc.DraftWithdrawal(ctx, "user-1", types.WithdrawalDraftRequest{
		TokenID:          "tok-1",
		Amount:           100,
		RecipientAddress: v.Address,
	})
	assert.ErrorIs(t, err, types.ErrDraftInFlight)

	resp, err := env.svc.CompleteWithdrawal(ctx, "user-1", types.WithdrawalCompleteRequest{
		WithdrawalID: draft.WithdrawalID,
		Signatures:   env.signDraft(t, draft),
	})
	require.NoError(t, err)
	assert.Equal(t, types.PhaseBroadcast, resp.Status)
	assert.Len(t, resp.TxID, 64)
	assert.Len(t, env.chain.broadcasts, 1)

	trail, err := env.svc.AuditTrail(ctx, "user-1")
	require.NoError(t, err)
	phases := make([]types.WithdrawalPhase, len(trail))
	for i, record := range trail {
		phases[i] = record.Phase
	}
	assert.Equal(t, []types.WithdrawalPhase{
		types.PhaseDrafted,
		types.PhasePartiallySigned,
		types.PhaseCompleted,
		types.PhaseBroadcast,
	}, phases)

	// Completion released the lock, so drafting works again.
	_, err = env.svc.DraftWithdrawal(ctx, "user-1", types.WithdrawalDraftRequest{
		TokenID:          "tok-1",
		Amount:           100,
		RecipientAddress: v.Address,
	})
	require.NoError(t, err)
}

func TestCompleteWithdrawalRejectsForeignUser(t *testing.T) {
	env := newCustodyEnv(t)
	ctx := context.Background()

	v, err := env.svc.CreateVault(ctx, types.VaultCreateRequest{
		UserID:        "user-1",
		UserPublicKey: hex.EncodeToString(env.userKey.PubKey().SerializeCompressed()),
	})
	require.NoError(t, err)

	draft, err := env.svc.DraftWithdrawal(ctx, "user-1", types.WithdrawalDraftRequest{
		TokenID:          "tok-1",
		Amount:           100,
		RecipientAddress: v.Address,
	})
	require.NoError(t, err)

	_, err = env.svc.CompleteWithdrawal(ctx, "user-2", types.WithdrawalCompleteRequest{
		WithdrawalID: draft.WithdrawalID,
		Signatures:   env.signDraft(t, draft),
	})
	assert.ErrorIs(t, err, types.ErrWithdrawalNotFound)
}

func TestAbandonWithdrawalFreesLock(t *testing.T) {
	env := newCustodyEnv(t)
	ctx := context.Background()

	v, err := env.svc.CreateVault(ctx, types.VaultCreateRequest{
		UserID:        "user-1",
		UserPublicKey: hex.EncodeToString(env.userKey.PubKey().SerializeCompressed()),
	})
	require.NoError(t, err)

	draft, err := env.svc.DraftWithdrawal(ctx, "user-1", types.WithdrawalDraftRequest{
		TokenID:          "tok-1",
		Amount:           100,
		RecipientAddress: v.Address,
	})
	require.NoError(t, err)

	require.NoError(t, env.svc.AbandonWithdrawal(ctx, "user-1", draft.WithdrawalID))

	w, err := env.svc.GetWithdrawal(ctx, "user-1", draft.WithdrawalID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseAbandoned, w.Phase)

	// Abandoning the dead draft cannot be repeated.
	err = env.svc.AbandonWithdrawal(ctx, "user-1", draft.WithdrawalID)
	assert.ErrorIs(t, err, types.ErrInvalidPhase)

	_, err = env.svc.DraftWithdrawal(ctx, "user-1", types.WithdrawalDraftRequest{
		TokenID:          "tok-1",
		Amount:           100,
		RecipientAddress: v.Address,
	})
	require.NoError(t, err)
}

func TestBroadcastFailureCanBeRetried(t *testing.T) {
	env := newCustodyEnv(t)
	ctx := context.Background()

	v, err := env.svc.CreateVault(ctx, types.VaultCreateRequest{
		UserID:        "user-1",
		UserPublicKey: hex.EncodeToString(env.userKey.PubKey().SerializeCompressed()),
	})
	require.NoError(t, err)

	draft, err := env.svc.DraftWithdrawal(ctx, "user-1", types.WithdrawalDraftRequest{
		TokenID:          "tok-1",
		Amount:           300,
		RecipientAddress: v.Address,
	})
	require.NoError(t, err)
	req := types.WithdrawalCompleteRequest{
		WithdrawalID: draft.WithdrawalID,
		Signatures:   env.signDraft(t, draft),
	}

	env.chain.setRelayDown(true)
	_, err = env.svc.CompleteWithdrawal(ctx, "user-1", req)
	var broadcastErr *types.BroadcastError
	require.ErrorAs(t, err, &broadcastErr)

	// The fully signed transaction is persisted at completed, waiting for
	// a relay to come back.
	w, err := env.svc.GetWithdrawal(ctx, "user-1", draft.WithdrawalID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseCompleted, w.Phase)
	assert.NotEmpty(t, w.TxID)

	env.chain.setRelayDown(false)
	resp, err := env.svc.CompleteWithdrawal(ctx, "user-1", req)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseBroadcast, resp.Status)
	assert.Len(t, env.chain.broadcasts, 1)

	// The retry re-broadcasts, it does not re-run the signing protocol:
	// every phase still appears exactly once in the trail.
	trail, err := env.svc.AuditTrail(ctx, "user-1")
	require.NoError(t, err)
	phases := make([]types.WithdrawalPhase, len(trail))
	for i, record := range trail {
		phases[i] = record.Phase
	}
	assert.Equal(t, []types.WithdrawalPhase{
		types.PhaseDrafted,
		types.PhasePartiallySigned,
		types.PhaseCompleted,
		types.PhaseBroadcast,
	}, phases)

	_, err = env.svc.DraftWithdrawal(ctx, "user-1", types.WithdrawalDraftRequest{
		TokenID:          "tok-1",
		Amount:           100,
		RecipientAddress: v.Address,
	})
	require.NoError(t, err, "lock must be free once the retry broadcasts")
}

func TestBroadcastFailureCanBeAbandoned(t *testing.T) {
	env := newCustodyEnv(t)
	ctx := context.Background()

	v, err := env.svc.CreateVault(ctx, types.VaultCreateRequest{
		UserID:        "user-1",
		UserPublicKey: hex.EncodeToString(env.userKey.PubKey().SerializeCompressed()),
	})
	require.NoError(t, err)

	draft, err := env.svc.DraftWithdrawal(ctx, "user-1", types.WithdrawalDraftRequest{
		TokenID:          "tok-1",
		Amount:           300,
		RecipientAddress: v.Address,
	})
	require.NoError(t, err)

	env.chain.setRelayDown(true)
	_, err = env.svc.CompleteWithdrawal(ctx, "user-1", types.WithdrawalCompleteRequest{
		WithdrawalID: draft.WithdrawalID,
		Signatures:   env.signDraft(t, draft),
	})
	require.Error(t, err)

	require.NoError(t, env.svc.AbandonWithdrawal(ctx, "user-1", draft.WithdrawalID))
	w, err := env.svc.GetWithdrawal(ctx, "user-1", draft.WithdrawalID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseAbandoned, w.Phase)

	_, err = env.svc.DraftWithdrawal(ctx, "user-1", types.WithdrawalDraftRequest{
		TokenID:          "tok-1",
		Amount:           100,
		RecipientAddress: v.Address,
	})
	require.NoError(t, err)
}

func TestResubmittedSignaturesAuditPartiallySignedOnce(t *testing.T) {
	env := newCustodyEnv(t)
	ctx := context.Background()

	v, err := env.svc.CreateVault(ctx, types.VaultCreateRequest{
		UserID:        "user-1",
		UserPublicKey: hex.EncodeToString(env.userKey.PubKey().SerializeCompressed()),
	})
	require.NoError(t, err)

	draft, err := env.svc.DraftWithdrawal(ctx, "user-1", types.WithdrawalDraftRequest{
		TokenID:          "tok-1",
		Amount:           300,
		RecipientAddress: v.Address,
	})
	require.NoError(t, err)

	// A withdrawal that already reached partially signed must not gain a
	// second partially_signed entry when its signatures are resubmitted.
	id, err := uuid.Parse(draft.WithdrawalID)
	require.NoError(t, err)
	w, err := env.db.GetWithdrawal(ctx, id)
	require.NoError(t, err)
	w.Phase = types.PhasePartiallySigned
	require.NoError(t, env.db.UpdateWithdrawal(ctx, w))

	_, err = env.svc.CompleteWithdrawal(ctx, "user-1", types.WithdrawalCompleteRequest{
		WithdrawalID: draft.WithdrawalID,
		Signatures:   env.signDraft(t, draft),
	})
	require.NoError(t, err)

	trail, err := env.svc.AuditTrail(ctx, "user-1")
	require.NoError(t, err)
	var partiallySigned int
	for _, record := range trail {
		if record.Phase == types.PhasePartiallySigned {
			partiallySigned++
		}
	}
	assert.LessOrEqual(t, partiallySigned, 1)
}

func TestHandleTxConfirmation(t *testing.T) {
	env := newCustodyEnv(t)
	ctx := context.Background()

	v, err := env.svc.CreateVault(ctx, types.VaultCreateRequest{
		UserID:        "user-1",
		UserPublicKey: hex.EncodeToString(env.userKey.PubKey().SerializeCompressed()),
	})
	require.NoError(t, err)

	draft, err := env.svc.DraftWithdrawal(ctx, "user-1", types.WithdrawalDraftRequest{
		TokenID:          "tok-1",
		Amount:           300,
		RecipientAddress: v.Address,
	})
	require.NoError(t, err)
	resp, err := env.svc.CompleteWithdrawal(ctx, "user-1", types.WithdrawalCompleteRequest{
		WithdrawalID: draft.WithdrawalID,
		Signatures:   env.signDraft(t, draft),
	})
	require.NoError(t, err)

	task, err := tasks.NewTxConfirmation(draft.WithdrawalID, "user-1", v.Address, resp.TxID)
	require.NoError(t, err)

	// Unconfirmed yet: the handler must ask asynq to retry.
	err = env.worker.HandleTxConfirmation(ctx, task)
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))

	env.chain.mu.Lock()
	env.chain.confirmations = 1
	env.chain.mu.Unlock()

	require.NoError(t, env.worker.HandleTxConfirmation(ctx, task))
	w, err := env.svc.GetWithdrawal(ctx, "user-1", draft.WithdrawalID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseConfirmed, w.Phase)

	// A second run on the resolved withdrawal is a no-op.
	require.NoError(t, env.worker.HandleTxConfirmation(ctx, task))
}
