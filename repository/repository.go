// Package repository is the client of the request-network node gateway.
// It creates requests, fetches them by id or owning identity, and
// submits cancellations. The node owns every request after creation;
// this client only holds read-replicated snapshots.
package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/vitwit/reqpay/logger"
	"github.com/vitwit/reqpay/types"
	"github.com/vitwit/reqpay/utils"
)

// Client talks to one request-network node. Safe for concurrent use;
// all operations are independent HTTP calls.
type Client struct {
	baseURL      string
	http         *http.Client
	log          logger.Logger
	pollInterval time.Duration
}

func NewClient(nodeURL string, timeout time.Duration, log logger.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &Client{
		baseURL:      nodeURL,
		http:         &http.Client{Timeout: timeout},
		log:          log,
		pollInterval: 500 * time.Millisecond,
	}
}

// Wire representation: the node serializes amounts as decimal strings
// since uint256 does not fit JSON numbers.
type requestEnvelope struct {
	RequestID      string                         `json:"requestId"`
	Creator        types.Identity                 `json:"creator"`
	Payee          types.Identity                 `json:"payee"`
	Payer          types.Identity                 `json:"payer"`
	Currency       types.CurrencyRef              `json:"currency"`
	ExpectedAmount string                         `json:"expectedAmount"`
	State          types.RequestState             `json:"state"`
	Balance        balanceEnvelope                `json:"balance"`
	Timestamp      int64                          `json:"timestamp"`
	PaymentNetwork types.PaymentNetworkDescriptor `json:"paymentNetwork"`
	Confirmed      bool                           `json:"confirmed"`
}

type balanceEnvelope struct {
	Balance string `json:"balance"`
}

type createRequestBody struct {
	Currency       types.CurrencyRef              `json:"currency"`
	ExpectedAmount string                         `json:"expectedAmount"`
	Payee          types.Identity                 `json:"payee"`
	Payer          types.Identity                 `json:"payer"`
	PaymentNetwork types.PaymentNetworkDescriptor `json:"paymentNetwork"`
	Signer         types.Identity                 `json:"signer"`
	Timestamp      int64                          `json:"timestamp"`
}

type createRequestResponse struct {
	RequestID string `json:"requestId"`
	Confirmed bool   `json:"confirmed"`
}

type listResponse struct {
	Requests []requestEnvelope `json:"requests"`
}

type cancelBody struct {
	Signer types.Identity `json:"signer"`
}

func (e *requestEnvelope) toRequest() (*types.PaymentRequest, error) {
	expected, err := utils.ParseBigInt(e.ExpectedAmount)
	if err != nil {
		return nil, fmt.Errorf("invalid expected amount %q: %w", e.ExpectedAmount, err)
	}
	balance := e.Balance.Balance
	if balance == "" {
		balance = "0"
	}
	settled, err := utils.ParseBigInt(balance)
	if err != nil {
		return nil, fmt.Errorf("invalid balance %q: %w", balance, err)
	}
	return &types.PaymentRequest{
		RequestID:      e.RequestID,
		Creator:        e.Creator,
		Payee:          e.Payee,
		Payer:          e.Payer,
		Currency:       e.Currency,
		ExpectedAmount: expected,
		State:          e.State,
		Balance:        types.Balance{Balance: settled},
		Timestamp:      e.Timestamp,
		PaymentNetwork: e.PaymentNetwork,
	}, nil
}

// CreateRequest validates params, submits the request, then blocks
// until the node reports it confirmed. The returned snapshot is only
// durable once this returns without error.
func (c *Client) CreateRequest(ctx context.Context, params *types.CreateRequestParams) (*types.PaymentRequest, error) {
	if params == nil {
		return nil, &types.Error{Code: types.ErrValidation, Message: "create parameters are required"}
	}
	if err := utils.ValidateStruct(params); err != nil {
		return nil, &types.Error{Code: types.ErrValidation, Message: fmt.Sprintf("validation failed: %v", err)}
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	body := createRequestBody{
		Currency:       params.Currency,
		ExpectedAmount: params.ExpectedAmount.String(),
		Payee:          params.Payee,
		Payer:          params.Payer,
		PaymentNetwork: params.PaymentNetwork,
		Signer:         params.Signer,
		Timestamp:      time.Now().Unix(),
	}

	var created createRequestResponse
	if err := c.do(ctx, http.MethodPost, "/requests", body, &created); err != nil {
		return nil, err
	}

	c.log.Debug("request submitted", map[string]any{
		"requestId": created.RequestID,
		"confirmed": created.Confirmed,
	})

	return c.waitConfirmed(ctx, created.RequestID)
}

// waitConfirmed polls the node until the request's initial persistence
// is confirmed. Cancel via ctx to stop waiting; the request itself
// stays pending on the node.
func (c *Client) waitConfirmed(ctx context.Context, requestID string) (*types.PaymentRequest, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		var env requestEnvelope
		err := c.do(ctx, http.MethodGet, "/requests/"+url.PathEscape(requestID), nil, &env)
		if err == nil && env.Confirmed {
			return env.toRequest()
		}
		if err != nil && types.CodeOf(err) != types.ErrNotFound {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, &types.Error{
				Code:    types.ErrNetwork,
				Message: fmt.Sprintf("confirmation wait aborted for %s: %v", requestID, ctx.Err()),
			}
		case <-ticker.C:
		}
	}
}

// FetchByID returns the current snapshot of one request.
func (c *Client) FetchByID(ctx context.Context, requestID string) (*types.PaymentRequest, error) {
	if requestID == "" {
		return nil, &types.Error{Code: types.ErrValidation, Message: "request id is required"}
	}
	var env requestEnvelope
	if err := c.do(ctx, http.MethodGet, "/requests/"+url.PathEscape(requestID), nil, &env); err != nil {
		return nil, err
	}
	return env.toRequest()
}

// FetchByIdentity returns every request where the identity is creator,
// payee, or payer, timestamped at or after from. Ordering is whatever
// the node returns; callers must treat the result as an unordered set.
func (c *Client) FetchByIdentity(ctx context.Context, identity types.Identity, from int64) ([]*types.PaymentRequest, error) {
	if identity.IsZero() {
		return nil, &types.Error{Code: types.ErrValidation, Message: "identity is required"}
	}

	q := url.Values{}
	q.Set("identityType", string(identity.Type))
	q.Set("identityValue", identity.Value)
	q.Set("from", fmt.Sprintf("%d", from))

	var list listResponse
	if err := c.do(ctx, http.MethodGet, "/requests?"+q.Encode(), nil, &list); err != nil {
		return nil, err
	}

	out := make([]*types.PaymentRequest, 0, len(list.Requests))
	for i := range list.Requests {
		req, err := list.Requests[i].toRequest()
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

// Cancel submits a cancellation action signed by the given identity.
// Authorization against the request's roles happens before this call;
// the node re-checks the signature on its side.
func (c *Client) Cancel(ctx context.Context, requestID string, signer types.Identity) error {
	if requestID == "" {
		return &types.Error{Code: types.ErrValidation, Message: "request id is required"}
	}
	return c.do(ctx, http.MethodPost, "/requests/"+url.PathEscape(requestID)+"/cancel", cancelBody{Signer: signer}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return &types.Error{Code: types.ErrValidation, Message: fmt.Sprintf("encode request body: %v", err)}
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &types.Error{Code: types.ErrNetwork, Message: fmt.Sprintf("build request: %v", err)}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &types.Error{Code: types.ErrNetwork, Message: fmt.Sprintf("node request failed: %v", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &types.Error{Code: types.ErrNotFound, Message: fmt.Sprintf("%s %s: not found", method, path)}
	case resp.StatusCode == http.StatusBadRequest:
		return &types.Error{Code: types.ErrValidation, Message: readNodeError(resp.Body)}
	case resp.StatusCode >= 400:
		return &types.Error{
			Code:    types.ErrNetwork,
			Message: fmt.Sprintf("node returned %d: %s", resp.StatusCode, readNodeError(resp.Body)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &types.Error{Code: types.ErrNetwork, Message: fmt.Sprintf("decode node response: %v", err)}
	}
	return nil
}

func readNodeError(r io.Reader) string {
	var payload struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(r, 4096))
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return string(raw)
}
