package tasks

const (
	TypeTxConfirmation = "tx:confirmation"

	QueueName = "custody"
)

type TxConfirmationPayload struct {
	WithdrawalID string
	UserID       string
	VaultAddress string
	TxID         string
}
