package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/b0ase/custody/internal/types"
)

// Reader fetches UTXO state from external indexers. Every call is a
// read-only HTTP fetch; the chain remains the source of truth and nothing
// the reader returns is ever persisted as ground truth. The reader
// tolerates any single indexer being down by failing over in order.
type Reader struct {
	endpoints []string
	client    *http.Client
	logger    *logrus.Logger
}

func NewReader(endpoints []string, client *http.Client) (*Reader, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("at least one indexer endpoint is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Reader{
		endpoints: endpoints,
		client:    client,
		logger:    logrus.WithField("service", "chain_reader").Logger,
	}, nil
}

type satoshiUnspent struct {
	TxID        string `json:"txid"`
	OutputIndex uint32 `json:"output_index"`
	Value       int64  `json:"value"`
}

type tokenUnspent struct {
	TxID   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Amt    int64  `json:"amt"`
	Script string `json:"script"`
}

type txStatus struct {
	TxID          string `json:"txid"`
	Confirmations int64  `json:"confirmations"`
}

// GetSatoshiUTXOs returns the plain satoshi outputs spendable by address.
func (r *Reader) GetSatoshiUTXOs(ctx context.Context, address string) ([]types.UTXO, error) {
	var raw []satoshiUnspent
	if err := r.fetch(ctx, fmt.Sprintf("/address/%s/unspent", url.PathEscape(address)), &raw); err != nil {
		return nil, err
	}
	utxos := make([]types.UTXO, 0, len(raw))
	for _, u := range raw {
		utxos = append(utxos, types.UTXO{
			TxID:        u.TxID,
			OutputIndex: u.OutputIndex,
			Satoshis:    u.Value,
		})
	}
	return utxos, nil
}

// GetTokenUTXOs returns the 1-sat token outputs for one token id.
func (r *Reader) GetTokenUTXOs(ctx context.Context, address, tokenID string) ([]types.UTXO, error) {
	path := fmt.Sprintf("/bsv20/%s/unspent?id=%s", url.PathEscape(address), url.QueryEscape(tokenID))
	var raw []tokenUnspent
	if err := r.fetch(ctx, path, &raw); err != nil {
		return nil, err
	}
	utxos := make([]types.UTXO, 0, len(raw))
	for _, u := range raw {
		script, err := hex.DecodeString(u.Script)
		if err != nil {
			return nil, fmt.Errorf("indexer returned malformed script for %s:%d, err: %w", u.TxID, u.Vout, err)
		}
		utxos = append(utxos, types.UTXO{
			TxID:        u.TxID,
			OutputIndex: u.Vout,
			Satoshis:    1,
			Script:      script,
			TokenID:     tokenID,
			TokenAmount: u.Amt,
		})
	}
	return utxos, nil
}

// GetBalance aggregates a transient snapshot for address. Tokens with no
// UTXOs are absent from the result, never reported as zero entries.
func (r *Reader) GetBalance(ctx context.Context, address string, tokenIDs []string) (*types.BalanceSnapshot, error) {
	satoshiUTXOs, err := r.GetSatoshiUTXOs(ctx, address)
	if err != nil {
		return nil, err
	}
	var satoshis int64
	for _, u := range satoshiUTXOs {
		satoshis += u.Satoshis
	}

	snapshot := &types.BalanceSnapshot{
		Address:      address,
		Satoshis:     satoshis,
		FormattedBSV: decimal.New(satoshis, -8).String(),
		ObservedAt:   time.Now().UTC(),
	}

	for _, tokenID := range tokenIDs {
		tokenUTXOs, err := r.GetTokenUTXOs(ctx, address, tokenID)
		if err != nil {
			return nil, err
		}
		var amount int64
		for _, u := range tokenUTXOs {
			amount += u.TokenAmount
		}
		if amount == 0 {
			continue
		}
		snapshot.Tokens = append(snapshot.Tokens, types.TokenBalance{TokenID: tokenID, Amount: amount})
	}
	return snapshot, nil
}

// GetConfirmations reports how many confirmations the indexer has seen for
// txid; zero with a nil error means the tx is known but unconfirmed.
func (r *Reader) GetConfirmations(ctx context.Context, txid string) (int64, error) {
	var status txStatus
	if err := r.fetch(ctx, fmt.Sprintf("/tx/%s", url.PathEscape(txid)), &status); err != nil {
		return 0, err
	}
	return status.Confirmations, nil
}

// fetch walks the indexer list in order. A 404 denotes an address the
// indexer has never seen, which is zero balance rather than an error; the
// out parameter is left at its zero value. 5xx and transport errors fall
// through to the next indexer. Any other 4xx means the request itself is
// bad and no indexer will answer it, so there is no failover.
func (r *Reader) fetch(ctx context.Context, path string, out any) error {
	var lastErr error
	for _, endpoint := range r.endpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+path, nil)
		if err != nil {
			return fmt.Errorf("fail to build indexer request, err: %w", err)
		}
		resp, err := r.client.Do(req)
		if err != nil {
			lastErr = err
			r.logger.WithError(err).Warnf("indexer %s unreachable", endpoint)
			continue
		}
		var rejected bool
		func() {
			defer resp.Body.Close()
			switch {
			case resp.StatusCode == http.StatusNotFound:
				err = nil
			case resp.StatusCode >= 400 && resp.StatusCode < 500:
				err = fmt.Errorf("indexer %s rejected request: %s", endpoint, resp.Status)
				rejected = true
			case resp.StatusCode != http.StatusOK:
				err = fmt.Errorf("indexer %s returned %s", endpoint, resp.Status)
			default:
				err = json.NewDecoder(resp.Body).Decode(out)
			}
		}()
		if err == nil {
			return nil
		}
		if rejected {
			return err
		}
		lastErr = err
		r.logger.WithError(err).Warnf("indexer %s failed", endpoint)
	}
	return fmt.Errorf("%w: %v", types.ErrIndexerUnavailable, lastErr)
}
