package dataapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"polywatch/internal/pipeline"
)

const (
	DefaultMarketsHost = "https://gamma-api.polymarket.com"
	DefaultTradesHost  = "https://data-api.polymarket.com"
)

// Client reads public market and trade data. Markets and trades live
// on different hosts upstream, hence the two bases.
type Client struct {
	marketsHost string
	tradesHost  string
	httpClient  *http.Client
}

type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Body)
}

func NewClient(httpClient *http.Client, marketsHost, tradesHost string) *Client {
	if marketsHost == "" {
		marketsHost = DefaultMarketsHost
	}
	if tradesHost == "" {
		tradesHost = DefaultTradesHost
	}
	return &Client{
		marketsHost: strings.TrimRight(marketsHost, "/"),
		tradesHost:  strings.TrimRight(tradesHost, "/"),
		httpClient:  httpClient,
	}
}

func (c *Client) doRequest(ctx context.Context, host, path string, query url.Values) ([]byte, error) {
	fullURL := host + path
	if len(query) > 0 {
		fullURL = fullURL + "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, pipeline.Transient(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, pipeline.Transient(fmt.Errorf("failed to read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode, Body: string(body)}
		if apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500 {
			return nil, pipeline.Transient(apiErr)
		}
		return nil, apiErr
	}
	return body, nil
}

// FetchMarkets returns one page of markets. Records that fail to
// decode individually are dropped; the count of dropped records is
// returned so callers can log it.
func (c *Client) FetchMarkets(ctx context.Context, limit, offset int, activeOnly bool) ([]MarketRecord, int, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}
	if activeOnly {
		query.Set("active", "true")
		query.Set("closed", "false")
	}
	body, err := c.doRequest(ctx, c.marketsHost, "/markets", query)
	if err != nil {
		return nil, 0, err
	}
	var rawItems []json.RawMessage
	if err := json.Unmarshal(body, &rawItems); err != nil {
		return nil, 0, pipeline.Data(fmt.Errorf("markets payload is not a list: %w", err))
	}
	records := make([]MarketRecord, 0, len(rawItems))
	dropped := 0
	for _, raw := range rawItems {
		var payload MarketPayload
		if err := json.Unmarshal(raw, &payload); err != nil || strings.TrimSpace(payload.ID) == "" {
			dropped++
			continue
		}
		records = append(records, MarketRecord{Payload: payload, Raw: raw})
	}
	return records, dropped, nil
}

// FetchTrades returns one page of trades for a market, oldest bound by
// sinceMS (epoch milliseconds, 0 for no bound).
func (c *Client) FetchTrades(ctx context.Context, marketExternalID string, sinceMS int64, limit, offset int) ([]TradePayload, error) {
	if strings.TrimSpace(marketExternalID) == "" {
		return nil, errors.New("market external id is required")
	}
	query := url.Values{}
	query.Set("market", marketExternalID)
	query.Set("takerOnly", "true")
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}
	if sinceMS > 0 {
		query.Set("startTime", strconv.FormatInt(sinceMS, 10))
	}
	body, err := c.doRequest(ctx, c.tradesHost, "/trades", query)
	if err != nil {
		return nil, err
	}
	var items []TradePayload
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, pipeline.Data(fmt.Errorf("trades payload is not a list: %w", err))
	}
	return items, nil
}

// IsTransient reports whether a fetch error is retry-eligible.
func IsTransient(err error) bool {
	if pipeline.IsTransient(err) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}
	return false
}
