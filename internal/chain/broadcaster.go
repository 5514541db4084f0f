package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/sirupsen/logrus"

	"github.com/b0ase/custody/internal/types"
)

// Broadcaster submits fully signed transactions to chain relays in a fixed
// priority order, falling through to the next relay on any failure. It is
// idempotent from the caller's perspective: relays answering "already
// known" for a previously accepted transaction are treated as success.
type Broadcaster struct {
	endpoints []string
	client    *http.Client
	logger    *logrus.Logger
}

func NewBroadcaster(endpoints []string, client *http.Client) (*Broadcaster, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("at least one relay endpoint is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Broadcaster{
		endpoints: endpoints,
		client:    client,
		logger:    logrus.WithField("service", "broadcaster").Logger,
	}, nil
}

type broadcastRequest struct {
	TxHex string `json:"txHex"`
}

type broadcastResponse struct {
	TxID  string `json:"txid"`
	Error string `json:"error,omitempty"`
}

// Broadcast submits signedTxHex and returns the txid. Exhausting every
// relay yields a *types.BroadcastError listing each attempt for diagnosis.
func (b *Broadcaster) Broadcast(ctx context.Context, signedTxHex string) (string, error) {
	localTxID, err := computeTxID(signedTxHex)
	if err != nil {
		return "", fmt.Errorf("fail to parse signed transaction, err: %w", err)
	}

	var attempts []types.BroadcastAttempt
	for _, endpoint := range b.endpoints {
		txid, err := b.submit(ctx, endpoint, signedTxHex, localTxID)
		if err == nil {
			b.logger.WithFields(logrus.Fields{
				"relay": endpoint,
				"txid":  txid,
			}).Info("transaction broadcast")
			return txid, nil
		}
		b.logger.WithError(err).Warnf("relay %s rejected broadcast", endpoint)
		attempts = append(attempts, types.BroadcastAttempt{Endpoint: endpoint, Err: err})
	}
	return "", &types.BroadcastError{Attempts: attempts}
}

func (b *Broadcaster) submit(ctx context.Context, endpoint, signedTxHex, localTxID string) (string, error) {
	payload, err := json.Marshal(broadcastRequest{TxHex: signedTxHex})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/tx/raw", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// A relay that already has the transaction in its mempool or chain
		// is success, not failure; re-broadcast must not hard-error.
		if isAlreadyKnown(body) {
			return localTxID, nil
		}
		return "", fmt.Errorf("relay returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var parsed broadcastResponse
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.TxID == "" {
		return "", fmt.Errorf("relay returned malformed response: %s", strings.TrimSpace(string(body)))
	}
	return parsed.TxID, nil
}

func isAlreadyKnown(body []byte) bool {
	msg := strings.ToLower(string(body))
	return strings.Contains(msg, "already known") ||
		strings.Contains(msg, "txn-already-known") ||
		strings.Contains(msg, "txn-already-in-mempool") ||
		strings.Contains(msg, "already in the mempool") ||
		strings.Contains(msg, "transaction already in block chain")
}

func computeTxID(txHex string) (string, error) {
	raw, err := hex.DecodeString(txHex)
	if err != nil {
		return "", err
	}
	hash := chainhash.DoubleHashH(raw)
	return hash.String(), nil
}
