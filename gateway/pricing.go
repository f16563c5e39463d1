package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"gitlab.com/permagate/payward/models/amount"
)

// PricingOracle answers the two price questions the read-only price
// routes delegate: the winc cost of storing bytes, and the winc bought
// by a fiat amount. The ledger itself never prices anything.
type PricingOracle interface {
	GetWincForBytes(ctx context.Context, byteCount int64) (amount.Amount, error)
	GetWincForFiat(ctx context.Context, currency string, fiatMinorAmount amount.Amount) (amount.Amount, error)
}

// ArweaveOracle prices bytes against an Arweave-style HTTP gateway and
// converts fiat with operator-configured rates.
type ArweaveOracle struct {
	baseURL string
	client  *http.Client
	// rates maps a lowercase currency code to winc per minor unit.
	rates map[string]decimal.Decimal
}

var _ PricingOracle = &ArweaveOracle{}

// NewArweaveOracle builds an oracle against baseURL, converting fiat
// with the given winc-per-minor-unit rates.
func NewArweaveOracle(baseURL string, rates map[string]decimal.Decimal) *ArweaveOracle {
	normalized := make(map[string]decimal.Decimal, len(rates))
	for currency, rate := range rates {
		normalized[strings.ToLower(currency)] = rate
	}
	return &ArweaveOracle{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		rates:   normalized,
	}
}

// GetWincForBytes implements PricingOracle
func (o *ArweaveOracle) GetWincForBytes(ctx context.Context,
	byteCount int64) (amount.Amount, error) {

	url := fmt.Sprintf("%s/price/%d", o.baseURL, byteCount)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return amount.Zero(), errors.Wrap(err, "could not build price request")
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return amount.Zero(), errors.Wrapf(err, "price lookup for %d bytes", byteCount)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return amount.Zero(), errors.Errorf(
			"price gateway answered %d for %d bytes", resp.StatusCode, byteCount)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return amount.Zero(), errors.Wrap(err, "could not read price response")
	}
	winc, err := amount.New(strings.TrimSpace(string(body)))
	if err != nil {
		return amount.Zero(), errors.Wrap(err, "price gateway returned a bad amount")
	}
	return winc, nil
}

// GetWincForFiat implements PricingOracle
func (o *ArweaveOracle) GetWincForFiat(_ context.Context, currency string,
	fiatMinorAmount amount.Amount) (amount.Amount, error) {

	rate, ok := o.rates[strings.ToLower(currency)]
	if !ok {
		return amount.Zero(), errors.Errorf("no conversion rate for currency %q", currency)
	}
	return fiatMinorAmount.Times(rate), nil
}
