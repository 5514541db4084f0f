package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/b0ase/custody/config"
	"github.com/b0ase/custody/contexthelper"
	"github.com/b0ase/custody/internal/audit"
	"github.com/b0ase/custody/internal/chain"
	"github.com/b0ase/custody/internal/tasks"
	"github.com/b0ase/custody/internal/types"
	"github.com/b0ase/custody/storage"
)

// failedAfter is how long a broadcast transaction may stay unconfirmed
// before the withdrawal is marked failed rather than retried.
const failedAfter = 24 * time.Hour

// WorkerService runs the asynchronous side of the protocol: polling the
// indexers until a broadcast withdrawal confirms or times out.
type WorkerService struct {
	cfg      *config.Config
	db       storage.DatabaseStorage
	reader   *chain.Reader
	audit    *audit.Recorder
	sdClient *statsd.Client
	logger   *logrus.Logger
}

func NewWorker(cfg *config.Config, db storage.DatabaseStorage, reader *chain.Reader, recorder *audit.Recorder, sdClient *statsd.Client) *WorkerService {
	return &WorkerService{
		cfg:      cfg,
		db:       db,
		reader:   reader,
		audit:    recorder,
		sdClient: sdClient,
		logger:   logrus.WithField("service", "worker").Logger,
	}
}

func (s *WorkerService) incCounter(name string, tags []string) {
	if s.sdClient == nil {
		return
	}
	if err := s.sdClient.Count(name, 1, tags, 1); err != nil {
		s.logger.Errorf("fail to count metric, err: %v", err)
	}
}

// HandleTxConfirmation polls the indexers for the withdrawal's transaction.
// It returns an error while the transaction is unconfirmed so asynq
// reschedules it, and marks the withdrawal confirmed or failed when the
// outcome is known.
func (s *WorkerService) HandleTxConfirmation(ctx context.Context, t *asynq.Task) error {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return err
	}
	var payload tasks.TxConfirmationPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	id, err := uuid.Parse(payload.WithdrawalID)
	if err != nil {
		return fmt.Errorf("malformed withdrawal id %s: %w", payload.WithdrawalID, asynq.SkipRetry)
	}
	w, err := s.db.GetWithdrawal(ctx, id)
	if err != nil {
		return fmt.Errorf("fail to load withdrawal %s: %v: %w", payload.WithdrawalID, err, asynq.SkipRetry)
	}
	if w.Phase != types.PhaseBroadcast {
		// Already resolved by an earlier run.
		return nil
	}

	confirmations, err := s.reader.GetConfirmations(ctx, payload.TxID)
	if err != nil {
		s.logger.WithError(err).Warnf("fail to read confirmations for %s", payload.TxID)
		return err
	}
	if confirmations > 0 {
		return s.resolve(ctx, w, types.PhaseConfirmed, "custody.withdrawal.confirmed")
	}
	if time.Since(w.UpdatedAt) > failedAfter {
		s.logger.Warnf("withdrawal %s unconfirmed after %s, marking failed", w.ID, failedAfter)
		return s.resolve(ctx, w, types.PhaseFailed, "custody.withdrawal.failed")
	}
	return fmt.Errorf("tx %s not yet confirmed", payload.TxID)
}

func (s *WorkerService) resolve(ctx context.Context, w *types.Withdrawal, phase types.WithdrawalPhase, metric string) error {
	w.Phase = phase
	w.UpdatedAt = time.Now().UTC()
	if err := s.db.UpdateWithdrawal(ctx, w); err != nil {
		return fmt.Errorf("fail to persist %s withdrawal, err: %w", phase, err)
	}
	s.audit.Record(ctx, w.UserID, w.VaultAddress, w.TxID, phase)
	s.incCounter(metric, []string{})
	return nil
}
