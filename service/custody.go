package service

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/b0ase/custody/config"
	"github.com/b0ase/custody/internal/audit"
	"github.com/b0ase/custody/internal/chain"
	"github.com/b0ase/custody/internal/keyderiver"
	"github.com/b0ase/custody/internal/signing"
	"github.com/b0ase/custody/internal/tasks"
	"github.com/b0ase/custody/internal/txbuilder"
	"github.com/b0ase/custody/internal/types"
	"github.com/b0ase/custody/internal/vault"
	"github.com/b0ase/custody/storage"
)

// DraftLocker serializes drafting per vault address. At most one withdrawal
// draft may be in flight for a vault at a time.
type DraftLocker interface {
	AcquireDraftLock(ctx context.Context, vaultAddress, withdrawalID string, ttl time.Duration) error
	ReleaseDraftLock(ctx context.Context, vaultAddress, withdrawalID string) error
}

// CustodyService orchestrates the full withdrawal protocol: draft, first
// signature verification, platform co-signing, broadcast and the audit
// trail around each transition.
type CustodyService struct {
	cfg         *config.Config
	db          storage.DatabaseStorage
	locker      DraftLocker
	vaults      *vault.Builder
	reader      *chain.Reader
	broadcaster *chain.Broadcaster
	builder     *txbuilder.Builder
	signer      *signing.Coordinator
	audit       *audit.Recorder
	queueClient *asynq.Client
	sdClient    *statsd.Client
	logger      *logrus.Logger
}

func NewCustodyService(
	cfg *config.Config,
	db storage.DatabaseStorage,
	locker DraftLocker,
	reader *chain.Reader,
	broadcaster *chain.Broadcaster,
	recorder *audit.Recorder,
	queueClient *asynq.Client,
	sdClient *statsd.Client,
) (*CustodyService, error) {
	seed, err := keyderiver.NewStaticSeedFromHex(cfg.Custody.MasterSeed)
	if err != nil {
		return nil, fmt.Errorf("fail to decode master seed: %w", err)
	}
	deriver, err := keyderiver.NewDeriver(seed)
	if err != nil {
		return nil, fmt.Errorf("fail to initialise key deriver: %w", err)
	}
	vaults, err := vault.NewBuilder(deriver, db, cfg.Custody.BackupPublicKey)
	if err != nil {
		return nil, fmt.Errorf("fail to initialise vault builder: %w", err)
	}
	return &CustodyService{
		cfg:         cfg,
		db:          db,
		locker:      locker,
		vaults:      vaults,
		reader:      reader,
		broadcaster: broadcaster,
		builder:     txbuilder.NewBuilder(&chaincfg.MainNetParams, cfg.Custody.FeeRate, cfg.Custody.DustLimit),
		signer:      signing.NewCoordinator(deriver),
		audit:       recorder,
		queueClient: queueClient,
		sdClient:    sdClient,
		logger:      logrus.WithField("service", "custody").Logger,
	}, nil
}

func (s *CustodyService) incCounter(name string, tags []string) {
	if s.sdClient == nil {
		return
	}
	if err := s.sdClient.Count(name, 1, tags, 1); err != nil {
		s.logger.Errorf("fail to count metric, err: %v", err)
	}
}

func (s *CustodyService) measureTime(name string, start time.Time, tags []string) {
	if s.sdClient == nil {
		return
	}
	if err := s.sdClient.Timing(name, time.Since(start), tags, 1); err != nil {
		s.logger.Errorf("fail to measure time metric, err: %v", err)
	}
}

// CreateVault derives the platform key for the user and returns the
// resulting multisig vault. The operation is idempotent for a given
// (user, user key) pair.
func (s *CustodyService) CreateVault(ctx context.Context, req types.VaultCreateRequest) (*types.Vault, error) {
	defer s.measureTime("custody.vault.create.latency", time.Now(), []string{})
	v, err := s.vaults.CreateOrGet(ctx, req.UserID, req.UserPublicKey)
	if err != nil {
		return nil, err
	}
	s.incCounter("custody.vault.create", []string{})
	return v, nil
}

func (s *CustodyService) GetVault(ctx context.Context, userID string) (*types.Vault, error) {
	return s.db.GetVault(ctx, userID)
}

// GetBalance reads the vault's spendable satoshis and token balances from
// the indexer fleet.
func (s *CustodyService) GetBalance(ctx context.Context, userID string, tokenIDs []string) (*types.BalanceSnapshot, error) {
	v, err := s.db.GetVault(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.reader.GetBalance(ctx, v.Address, tokenIDs)
}

// DraftWithdrawal builds an unsigned withdrawal transaction and returns its
// per-input signing digests. The vault's draft lock is held until the
// withdrawal reaches a terminal phase or the lock expires.
func (s *CustodyService) DraftWithdrawal(ctx context.Context, userID string, req types.WithdrawalDraftRequest) (*types.WithdrawalDraftResponse, error) {
	defer s.measureTime("custody.withdrawal.draft.latency", time.Now(), []string{})
	if err := req.IsValid(); err != nil {
		return nil, err
	}
	v, err := s.db.GetVault(ctx, userID)
	if err != nil {
		return nil, err
	}

	withdrawalID := uuid.New()
	ttl := time.Duration(s.cfg.Custody.DraftLockTTL) * time.Second
	if err := s.locker.AcquireDraftLock(ctx, v.Address, withdrawalID.String(), ttl); err != nil {
		return nil, err
	}

	draft, err := s.buildDraft(ctx, v, &req)
	if err != nil {
		s.releaseLock(ctx, v.Address, withdrawalID.String())
		return nil, err
	}

	sighashes := make([]string, len(draft.Sighashes))
	for i, digest := range draft.Sighashes {
		sighashes[i] = hex.EncodeToString(digest)
	}
	now := time.Now().UTC()
	w := &types.Withdrawal{
		ID:               withdrawalID,
		UserID:           userID,
		VaultAddress:     v.Address,
		TokenID:          req.TokenID,
		Amount:           req.Amount,
		RecipientAddress: req.RecipientAddress,
		Phase:            types.PhaseDrafted,
		TxHex:            draft.TxHex,
		Sighashes:        sighashes,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.db.InsertWithdrawal(ctx, w); err != nil {
		s.releaseLock(ctx, v.Address, withdrawalID.String())
		return nil, fmt.Errorf("fail to persist withdrawal, err: %w", err)
	}
	s.audit.Record(ctx, userID, v.Address, "", types.PhaseDrafted)
	s.incCounter("custody.withdrawal.draft", []string{})

	return &types.WithdrawalDraftResponse{
		WithdrawalID: withdrawalID.String(),
		TxHex:        draft.TxHex,
		Sighashes:    sighashes,
		InputCount:   draft.InputCount,
	}, nil
}

func (s *CustodyService) buildDraft(ctx context.Context, v *types.Vault, req *types.WithdrawalDraftRequest) (*types.UnsignedWithdrawal, error) {
	var tokenUTXOs []types.UTXO
	var err error
	if req.TokenID != "" {
		tokenUTXOs, err = s.reader.GetTokenUTXOs(ctx, v.Address, req.TokenID)
		if err != nil {
			return nil, err
		}
	}
	feeUTXOs, err := s.reader.GetSatoshiUTXOs(ctx, v.Address)
	if err != nil {
		return nil, err
	}
	return s.builder.Build(v, req, tokenUTXOs, feeUTXOs)
}

// CompleteWithdrawal verifies the user's signatures, attaches the platform
// co-signature, broadcasts the finished transaction and schedules
// confirmation tracking.
func (s *CustodyService) CompleteWithdrawal(ctx context.Context, userID string, req types.WithdrawalCompleteRequest) (*types.WithdrawalCompleteResponse, error) {
	defer s.measureTime("custody.withdrawal.complete.latency", time.Now(), []string{})
	if err := req.IsValid(); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(req.WithdrawalID)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed withdrawal id", types.ErrWithdrawalNotFound)
	}
	w, err := s.db.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.UserID != userID {
		return nil, types.ErrWithdrawalNotFound
	}
	switch w.Phase {
	case types.PhaseDrafted, types.PhasePartiallySigned:
	case types.PhaseCompleted:
		// A completed withdrawal already carries the fully signed
		// transaction; only its broadcast failed. Retry the broadcast
		// without re-entering the signing protocol.
		return s.broadcast(ctx, w)
	default:
		return nil, fmt.Errorf("%w: withdrawal is %s", types.ErrInvalidPhase, w.Phase)
	}
	v, err := s.db.GetVaultByAddress(ctx, w.VaultAddress)
	if err != nil {
		return nil, err
	}

	if err := s.signer.VerifyFirstSignatures(v, w.TxHex, req.Signatures); err != nil {
		return nil, err
	}
	if w.Phase == types.PhaseDrafted {
		w.UserSignatures = req.Signatures
		w.Phase = types.PhasePartiallySigned
		w.UpdatedAt = time.Now().UTC()
		if err := s.db.UpdateWithdrawal(ctx, w); err != nil {
			return nil, fmt.Errorf("fail to persist partially signed withdrawal, err: %w", err)
		}
		s.audit.Record(ctx, userID, w.VaultAddress, "", types.PhasePartiallySigned)
	}

	signedHex, txid, err := s.signer.Complete(v, w.TxHex, req.Signatures)
	if err != nil {
		return nil, err
	}
	w.TxHex = signedHex
	w.TxID = txid
	w.Phase = types.PhaseCompleted
	w.UpdatedAt = time.Now().UTC()
	if err := s.db.UpdateWithdrawal(ctx, w); err != nil {
		return nil, fmt.Errorf("fail to persist completed withdrawal, err: %w", err)
	}
	s.audit.Record(ctx, userID, w.VaultAddress, txid, types.PhaseCompleted)

	return s.broadcast(ctx, w)
}

// broadcast submits the fully signed transaction held on a completed
// withdrawal and advances it to broadcast. On relay exhaustion the
// withdrawal stays completed so the caller can retry.
func (s *CustodyService) broadcast(ctx context.Context, w *types.Withdrawal) (*types.WithdrawalCompleteResponse, error) {
	broadcastTxID, err := s.broadcaster.Broadcast(ctx, w.TxHex)
	if err != nil {
		s.incCounter("custody.withdrawal.broadcast.failure", []string{})
		return nil, err
	}
	w.TxID = broadcastTxID
	w.Phase = types.PhaseBroadcast
	w.UpdatedAt = time.Now().UTC()
	if err := s.db.UpdateWithdrawal(ctx, w); err != nil {
		return nil, fmt.Errorf("fail to persist broadcast withdrawal, err: %w", err)
	}
	s.audit.Record(ctx, w.UserID, w.VaultAddress, broadcastTxID, types.PhaseBroadcast)
	s.incCounter("custody.withdrawal.broadcast", []string{})

	s.enqueueConfirmation(ctx, w)
	s.releaseLock(ctx, w.VaultAddress, w.ID.String())

	return &types.WithdrawalCompleteResponse{
		TxHex:  w.TxHex,
		TxID:   broadcastTxID,
		Status: types.PhaseBroadcast,
	}, nil
}

// AbandonWithdrawal marks an unfinished withdrawal abandoned and frees the
// vault's draft lock so a new draft can start.
func (s *CustodyService) AbandonWithdrawal(ctx context.Context, userID string, withdrawalID string) error {
	id, err := uuid.Parse(withdrawalID)
	if err != nil {
		return fmt.Errorf("%w: malformed withdrawal id", types.ErrWithdrawalNotFound)
	}
	w, err := s.db.GetWithdrawal(ctx, id)
	if err != nil {
		return err
	}
	if w.UserID != userID {
		return types.ErrWithdrawalNotFound
	}
	switch w.Phase {
	// Completed here means signed but never accepted by any relay, so
	// abandoning it only discards local state.
	case types.PhaseDrafted, types.PhasePartiallySigned, types.PhaseCompleted:
	default:
		return fmt.Errorf("%w: withdrawal is %s", types.ErrInvalidPhase, w.Phase)
	}
	w.Phase = types.PhaseAbandoned
	w.UpdatedAt = time.Now().UTC()
	if err := s.db.UpdateWithdrawal(ctx, w); err != nil {
		return fmt.Errorf("fail to persist abandoned withdrawal, err: %w", err)
	}
	s.audit.Record(ctx, userID, w.VaultAddress, "", types.PhaseAbandoned)
	s.releaseLock(ctx, w.VaultAddress, w.ID.String())
	return nil
}

func (s *CustodyService) GetWithdrawal(ctx context.Context, userID string, withdrawalID string) (*types.Withdrawal, error) {
	id, err := uuid.Parse(withdrawalID)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed withdrawal id", types.ErrWithdrawalNotFound)
	}
	w, err := s.db.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.UserID != userID {
		return nil, types.ErrWithdrawalNotFound
	}
	return w, nil
}

// AuditTrail returns every audit entry for the user's vault, oldest first.
func (s *CustodyService) AuditTrail(ctx context.Context, userID string) ([]types.AuditRecord, error) {
	v, err := s.db.GetVault(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.audit.Trail(ctx, v.Address)
}

func (s *CustodyService) enqueueConfirmation(ctx context.Context, w *types.Withdrawal) {
	if s.queueClient == nil {
		return
	}
	task, err := tasks.NewTxConfirmation(w.ID.String(), w.UserID, w.VaultAddress, w.TxID)
	if err != nil {
		s.logger.Errorf("fail to build confirmation task, err: %v", err)
		return
	}
	if _, err := s.queueClient.EnqueueContext(ctx, task,
		asynq.MaxRetry(100),
		asynq.Timeout(time.Minute),
		asynq.Retention(24*time.Hour),
		asynq.Queue(tasks.QueueName)); err != nil {
		s.logger.Errorf("fail to enqueue confirmation task, err: %v", err)
	}
}

func (s *CustodyService) releaseLock(ctx context.Context, vaultAddress, withdrawalID string) {
	if err := s.locker.ReleaseDraftLock(ctx, vaultAddress, withdrawalID); err != nil {
		s.logger.Errorf("fail to release draft lock for %s, err: %v", vaultAddress, err)
	}
}
