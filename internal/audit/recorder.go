package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/b0ase/custody/internal/types"
	"github.com/b0ase/custody/storage"
)

// archiver is the optional secondary sink for audit material.
type archiver interface {
	UploadFileWithRetry(fileContent []byte, fileName string, retry int) error
}

// Recorder appends one audit entry per withdrawal phase transition. Audit
// failures are logged and swallowed: the trail is forensic, and a broken
// sink must never roll back a withdrawal that already moved funds.
type Recorder struct {
	db      storage.DatabaseStorage
	archive archiver
	logger  *logrus.Logger
}

func NewRecorder(db storage.DatabaseStorage, archive archiver) *Recorder {
	return &Recorder{
		db:      db,
		archive: archive,
		logger:  logrus.WithField("module", "audit").Logger,
	}
}

// Record appends the phase transition to the database and, when an archive
// is configured, mirrors the record to block storage.
func (r *Recorder) Record(ctx context.Context, userID, vaultAddress, txid string, phase types.WithdrawalPhase) {
	record := &types.AuditRecord{
		UserID:       userID,
		VaultAddress: vaultAddress,
		TxID:         txid,
		Phase:        phase,
		CreatedAt:    time.Now().UTC(),
	}
	if err := r.db.AppendAuditRecord(ctx, record); err != nil {
		r.logger.WithFields(logrus.Fields{
			"user_id":       userID,
			"vault_address": vaultAddress,
			"phase":         phase,
		}).WithError(err).Error("failed to append audit record")
		return
	}
	if r.archive == nil {
		return
	}
	content, err := json.Marshal(record)
	if err != nil {
		r.logger.WithError(err).Error("failed to marshal audit record for archive")
		return
	}
	name := fmt.Sprintf("audit/%s/%d-%s.json", vaultAddress, record.CreatedAt.UnixNano(), phase)
	if err := r.archive.UploadFileWithRetry(content, name, 3); err != nil {
		r.logger.WithError(err).Error("failed to archive audit record")
	}
}

// Trail returns every recorded entry for the vault, oldest first.
func (r *Recorder) Trail(ctx context.Context, vaultAddress string) ([]types.AuditRecord, error) {
	return r.db.GetAuditRecords(ctx, vaultAddress)
}
