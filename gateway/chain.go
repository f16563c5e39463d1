// Package gateway holds the contracts to the two external money
// surfaces: the chain gateway the poller asks about crypto settlement,
// and the fiat payment provider the facade opens charge sessions with.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"gitlab.com/permagate/payward/build"
)

var log = build.AddSubLogger("GATE")

// Status is what the chain gateway reports for a transaction id
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusNotFound  Status = "not found"
)

// TransactionStatus is the chain gateway's answer for one transaction
type TransactionStatus struct {
	Status      Status
	BlockHeight int64
}

// ChainGateway reports settlement status for chain transactions.
type ChainGateway interface {
	GetTransactionStatus(ctx context.Context, transactionID string) (TransactionStatus, error)
}

// ArweaveGateway asks an Arweave-style HTTP gateway for transaction
// status. The gateway answers 200 with block info once mined, 202 while
// the transaction is still propagating, and 404 when it doesn't know
// the id.
type ArweaveGateway struct {
	baseURL string
	client  *http.Client
}

var _ ChainGateway = &ArweaveGateway{}

// NewArweaveGateway points at a gateway like https://arweave.net
func NewArweaveGateway(baseURL string) *ArweaveGateway {
	return &ArweaveGateway{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// GetTransactionStatus implements ChainGateway
func (g *ArweaveGateway) GetTransactionStatus(ctx context.Context,
	transactionID string) (TransactionStatus, error) {

	url := fmt.Sprintf("%s/tx/%s/status", g.baseURL, transactionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return TransactionStatus{}, errors.Wrap(err, "could not build status request")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return TransactionStatus{}, errors.Wrapf(err,
			"could not get status for %s", transactionID)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		var body struct {
			BlockHeight           int64 `json:"block_height"`
			NumberOfConfirmations int64 `json:"number_of_confirmations"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return TransactionStatus{}, errors.Wrapf(err,
				"could not decode status for %s", transactionID)
		}
		return TransactionStatus{
			Status:      StatusConfirmed,
			BlockHeight: body.BlockHeight,
		}, nil

	case http.StatusAccepted:
		return TransactionStatus{Status: StatusPending}, nil

	case http.StatusNotFound:
		return TransactionStatus{Status: StatusNotFound}, nil

	default:
		return TransactionStatus{}, errors.Errorf(
			"gateway answered %d for %s", resp.StatusCode, transactionID)
	}
}
