package tasks

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

func NewTxConfirmation(
	withdrawalID string,
	userID string,
	vaultAddress string,
	txid string,
) (*asynq.Task, error) {
	payload, err := json.Marshal(TxConfirmationPayload{WithdrawalID: withdrawalID, UserID: userID, VaultAddress: vaultAddress, TxID: txid})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeTxConfirmation, payload), nil
}
