// Package oanda implements broker.Broker and broker.Streamer against the
// OANDA v20 REST and streaming APIs.
package oanda

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/rustyeddy/copytrader/broker"
)

// APIError is a non-2xx answer from OANDA.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("oanda http %d: %s (%s)", e.Status, e.Message, e.Code)
	}
	return fmt.Sprintf("oanda http %d: %s", e.Status, e.Message)
}

// Client talks to one OANDA account.
type Client struct {
	accountID string
	rest      *resty.Client
	stream    *resty.Client
}

var (
	_ broker.Broker   = (*Client)(nil)
	_ broker.Streamer = (*Client)(nil)
)

// NewClient builds a client for creds using opts.
func NewClient(creds broker.Credentials, opts Options) *Client {
	opts = opts.withDefaults()

	rest := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL(creds.Environment), "/")).
		SetAuthToken(creds.Token).
		SetHeader("Accept-Datetime-Format", "RFC3339").
		SetTimeout(opts.RequestTimeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(retryReads)

	// No overall timeout on the stream: dial, TLS handshake and response
	// headers are each bounded by ConnectTimeout, the body by the heartbeat
	// timer of whoever reads it.
	stream := resty.New().
		SetBaseURL(strings.TrimRight(opts.StreamURL(creds.Environment), "/")).
		SetAuthToken(creds.Token).
		SetHeader("Accept-Datetime-Format", "RFC3339").
		SetTransport(&http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   opts.ConnectTimeout,
			ResponseHeaderTimeout: opts.ConnectTimeout,
		})

	return &Client{accountID: creds.AccountID, rest: rest, stream: stream}
}

// retryReads retries GETs on transport errors, 429 and 5xx. Orders are never
// retried here: a lost response does not mean a lost order.
func retryReads(r *resty.Response, err error) bool {
	if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
		return false
	}
	if err != nil {
		return true
	}
	return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
}

func (c *Client) AccountID() string { return c.accountID }

type errorBody struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (c *Client) do(ctx context.Context, method, path string, query map[string]string, body, out any) (int, []byte, error) {
	req := c.rest.R().
		SetContext(ctx).
		SetPathParam("accountID", c.accountID).
		SetQueryParams(query)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "oanda %s %s", method, path)
	}

	raw := resp.Body()
	if resp.IsError() {
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		if eb.ErrorMessage == "" {
			eb.ErrorMessage = trimForErr(strings.TrimSpace(string(raw)))
		}
		return resp.StatusCode(), raw, &APIError{Status: resp.StatusCode(), Code: eb.ErrorCode, Message: eb.ErrorMessage}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode(), raw, errors.Wrapf(err, "decode %s", path)
		}
	}
	return resp.StatusCode(), raw, nil
}

type summaryResponse struct {
	Account struct {
		ID                string          `json:"id"`
		Currency          string          `json:"currency"`
		Balance           decimal.Decimal `json:"balance"`
		NAV               decimal.Decimal `json:"NAV"`
		LastTransactionID string          `json:"lastTransactionID"`
	} `json:"account"`
	LastTransactionID string `json:"lastTransactionID"`
}

// AccountSummary fetches NAV and the current transaction watermark.
func (c *Client) AccountSummary(ctx context.Context) (broker.AccountSummary, error) {
	var out summaryResponse
	if _, _, err := c.do(ctx, http.MethodGet, "/v3/accounts/{accountID}/summary", nil, nil, &out); err != nil {
		return broker.AccountSummary{}, err
	}

	last := out.LastTransactionID
	if last == "" {
		last = out.Account.LastTransactionID
	}
	return broker.AccountSummary{
		ID:                out.Account.ID,
		Currency:          out.Account.Currency,
		Balance:           out.Account.Balance,
		NAV:               out.Account.NAV,
		LastTransactionID: last,
	}, nil
}

type sinceResponse struct {
	Transactions      []transaction `json:"transactions"`
	LastTransactionID string        `json:"lastTransactionID"`
}

// TransactionsSince returns every transaction strictly after cursor.
func (c *Client) TransactionsSince(ctx context.Context, cursor string) (broker.TransactionPage, error) {
	if cursor == "" {
		return broker.TransactionPage{}, errors.New("oanda: empty cursor")
	}

	var out sinceResponse
	query := map[string]string{"id": cursor}
	if _, _, err := c.do(ctx, http.MethodGet, "/v3/accounts/{accountID}/transactions/sinceid", query, nil, &out); err != nil {
		return broker.TransactionPage{}, err
	}

	page := broker.TransactionPage{
		LastTransactionID: out.LastTransactionID,
		Transactions:      make([]broker.Transaction, 0, len(out.Transactions)),
	}
	for _, t := range out.Transactions {
		page.Transactions = append(page.Transactions, t.toBroker())
	}
	return page, nil
}

type priceBound struct {
	Price decimal.Decimal `json:"price"`
}

type clientExtensions struct {
	ID  string `json:"id,omitempty"`
	Tag string `json:"tag,omitempty"`
}

type marketOrder struct {
	Type             string            `json:"type"`
	Instrument       string            `json:"instrument"`
	Units            decimal.Decimal   `json:"units"`
	TimeInForce      string            `json:"timeInForce"`
	PositionFill     string            `json:"positionFill"`
	ClientExtensions *clientExtensions `json:"clientExtensions,omitempty"`
	TakeProfitOnFill *priceBound       `json:"takeProfitOnFill,omitempty"`
	StopLossOnFill   *priceBound       `json:"stopLossOnFill,omitempty"`
}

type cancelTransaction struct {
	Reason string `json:"reason"`
}

type rejectTransaction struct {
	RejectReason string `json:"rejectReason"`
}

type orderResponse struct {
	OrderFillTransaction   *transaction       `json:"orderFillTransaction"`
	OrderCancelTransaction *cancelTransaction `json:"orderCancelTransaction"`
	OrderRejectTransaction *rejectTransaction `json:"orderRejectTransaction"`
}

// CreateMarketOrder places a fill-or-kill market order for req.Units
// (negative sells). A cancelled or rejected order returns an error wrapping
// broker.ErrOrderRejected.
func (c *Client) CreateMarketOrder(ctx context.Context, req broker.MarketOrderRequest) (broker.OrderFill, error) {
	if req.Instrument == "" {
		return broker.OrderFill{}, errors.New("oanda: instrument is required")
	}
	if req.Units.IsZero() {
		return broker.OrderFill{}, errors.New("oanda: units must be non-zero")
	}

	clientID := req.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	order := marketOrder{
		Type:             "MARKET",
		Instrument:       req.Instrument,
		Units:            req.Units,
		TimeInForce:      "FOK",
		PositionFill:     "DEFAULT",
		ClientExtensions: &clientExtensions{ID: clientID, Tag: "copytrader"},
	}
	if req.TakeProfit != nil {
		order.TakeProfitOnFill = &priceBound{Price: *req.TakeProfit}
	}
	if req.StopLoss != nil {
		order.StopLossOnFill = &priceBound{Price: *req.StopLoss}
	}

	var out orderResponse
	_, raw, err := c.do(ctx, http.MethodPost, "/v3/accounts/{accountID}/orders", nil, map[string]any{"order": order}, &out)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && raw != nil {
			// OANDA answers 400/404 with the reject transaction attached.
			_ = json.Unmarshal(raw, &out)
			if out.OrderRejectTransaction != nil && out.OrderRejectTransaction.RejectReason != "" {
				return broker.OrderFill{}, errors.Wrapf(broker.ErrOrderRejected, "%s: %s", out.OrderRejectTransaction.RejectReason, apiErr.Message)
			}
		}
		return broker.OrderFill{}, err
	}

	if out.OrderCancelTransaction != nil {
		return broker.OrderFill{}, errors.Wrap(broker.ErrOrderRejected, out.OrderCancelTransaction.Reason)
	}
	if out.OrderFillTransaction == nil {
		return broker.OrderFill{}, errors.New("oanda: order response carried no fill")
	}

	fill := out.OrderFillTransaction
	return broker.OrderFill{
		TransactionID: fill.ID,
		OrderID:       fill.OrderID,
		Instrument:    fill.Instrument,
		Units:         fill.Units,
		Price:         fill.Price,
	}, nil
}

// StreamTransactions opens the long-lived transaction stream. The caller owns
// the returned body.
func (c *Client) StreamTransactions(ctx context.Context) (io.ReadCloser, error) {
	resp, err := c.stream.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetPathParam("accountID", c.accountID).
		Get("/v3/accounts/{accountID}/transactions/stream")
	if err != nil {
		return nil, errors.Wrap(err, "oanda transaction stream")
	}

	body := resp.RawBody()
	if resp.StatusCode() != http.StatusOK {
		defer body.Close()
		b, _ := io.ReadAll(io.LimitReader(body, 64*1024))
		var eb errorBody
		_ = json.Unmarshal(b, &eb)
		if eb.ErrorMessage == "" {
			eb.ErrorMessage = trimForErr(strings.TrimSpace(string(b)))
		}
		return nil, &APIError{Status: resp.StatusCode(), Code: eb.ErrorCode, Message: eb.ErrorMessage}
	}
	return body, nil
}

func trimForErr(s string) string {
	const n = 200
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
