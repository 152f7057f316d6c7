package dataapi

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// FlexDecimal accepts both JSON numbers and quoted numeric strings.
// The upstream APIs are inconsistent about which one they emit.
type FlexDecimal struct {
	decimal.Decimal
}

func (d *FlexDecimal) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(bytes.Trim(data, `"`)))
	if raw == "" || raw == "null" {
		d.Decimal = decimal.Zero
		return nil
	}
	parsed, err := decimal.NewFromString(raw)
	if err != nil {
		return err
	}
	d.Decimal = parsed
	return nil
}

// FlexInt64 accepts both JSON numbers and quoted integers. Fractional
// epoch values are truncated.
type FlexInt64 int64

func (v *FlexInt64) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(bytes.Trim(data, `"`)))
	if raw == "" || raw == "null" {
		*v = 0
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*v = FlexInt64(i)
		return nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return err
	}
	*v = FlexInt64(int64(f))
	return nil
}

type MarketPayload struct {
	ID        string      `json:"id"`
	Question  string      `json:"question"`
	Slug      string      `json:"slug"`
	Category  string      `json:"category"`
	Active    bool        `json:"active"`
	Closed    bool        `json:"closed"`
	Volume    FlexDecimal `json:"volume"`
	Liquidity FlexDecimal `json:"liquidity"`
	EndDate   string      `json:"endDate"`
	// Outcomes and OutcomePrices arrive as JSON arrays encoded inside
	// JSON strings, e.g. "[\"Yes\", \"No\"]".
	Outcomes      string `json:"outcomes"`
	OutcomePrices string `json:"outcomePrices"`
}

// resolvedPrice is the outcome price at which a closed market is
// considered settled on that outcome.
var resolvedPrice = decimal.NewFromFloat(0.99)

// WinningOutcome returns the settled outcome of a closed market, or
// nil while no outcome price has converged to 1.
func (p MarketPayload) WinningOutcome() *string {
	if p.Outcomes == "" || p.OutcomePrices == "" {
		return nil
	}
	var names []string
	if err := json.Unmarshal([]byte(p.Outcomes), &names); err != nil {
		return nil
	}
	var prices []FlexDecimal
	if err := json.Unmarshal([]byte(p.OutcomePrices), &prices); err != nil {
		return nil
	}
	for i, price := range prices {
		if i >= len(names) {
			break
		}
		if price.Decimal.GreaterThanOrEqual(resolvedPrice) {
			name := names[i]
			return &name
		}
	}
	return nil
}

type TradePayload struct {
	TransactionHash string      `json:"transactionHash"`
	ProxyWallet     string      `json:"proxyWallet"`
	Side            string      `json:"side"`
	ConditionID     string      `json:"conditionId"`
	Outcome         string      `json:"outcome"`
	Price           FlexDecimal `json:"price"`
	Size            FlexDecimal `json:"size"`
	Timestamp       FlexInt64   `json:"timestamp"`
}

// MarketRecord pairs the parsed payload with the raw body so ingestion
// can persist the original document alongside the typed columns.
type MarketRecord struct {
	Payload MarketPayload
	Raw     []byte
}
