package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"vending-service/internal/config"
	"vending-service/internal/util"
)

// ErrPaymentNotFound is the manufacturer's "payment information does not
// exist" rejection. It shows up when SubmitOrder races the remote side's
// own propagation of a registration that RegisterPayment just confirmed,
// so callers treat it as retryable, not fatal.
var ErrPaymentNotFound = errors.New("payment information does not exist")

// TransientError marks timeouts and server-side failures that are
// eligible for bounded retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient manufacturer error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// APIError is a non-transient manufacturer rejection.
type APIError struct {
	Endpoint string
	Code     int
	Msg      string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("manufacturer %s rejected: code=%d msg=%s", e.Endpoint, e.Code, e.Msg)
}

// API is the manufacturer payment surface the reconciliation engine
// drives. All three outbound calls are independently retryable.
type API interface {
	RegisterPayment(ctx context.Context, req RegisterPaymentRequest) (string, error)
	ReportPaymentStatus(ctx context.Context, thirdID string, status int) error
	SubmitOrder(ctx context.Context, req SubmitOrderRequest) (*OrderResult, error)
	QueryPaymentStatus(ctx context.Context, thirdID string) (bool, error)
}

type RegisterPaymentRequest struct {
	MobileModelID string
	DeviceID      string
	ThirdID       string
	PayAmount     int64
	PayType       int
}

type SubmitOrderRequest struct {
	ThirdPayID    string
	ThirdID       string
	MobileModelID string
	Pic           string
	DeviceID      string
}

type OrderResult struct {
	OrderID string
	ThirdID string
	QueueNo string
	Status  string
}

// Client signs and sends the manufacturer handshake calls.
type Client struct {
	cfg        config.ManufacturerConfig
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(cfg config.ManufacturerConfig, logger *zap.Logger) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

type apiEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// RegisterPayment registers a payment with the manufacturer and returns
// the manufacturer-assigned payment id.
func (c *Client) RegisterPayment(ctx context.Context, req RegisterPaymentRequest) (string, error) {
	payload := map[string]interface{}{
		"mobile_model_id": req.MobileModelID,
		"device_id":       req.DeviceID,
		"third_id":        req.ThirdID,
		"pay_amount":      req.PayAmount,
		"pay_type":        req.PayType,
	}

	var data struct {
		ID      json.Number `json:"id"`
		ThirdID string      `json:"third_id"`
	}
	if err := c.post(ctx, "order/payData", payload, &data); err != nil {
		return "", err
	}

	c.logger.Info("Manufacturer payment registered",
		util.String("third_id", req.ThirdID),
		util.String("payment_id", data.ID.String()))
	return data.ID.String(), nil
}

// ReportPaymentStatus informs the manufacturer a payment progressed. It
// is purely advisory; a success here is not proof of order acceptance.
func (c *Client) ReportPaymentStatus(ctx context.Context, thirdID string, status int) error {
	payload := map[string]interface{}{
		"third_id": thirdID,
		"status":   status,
	}
	return c.post(ctx, "order/payStatus", payload, nil)
}

// SubmitOrder enqueues manufacturing. This is the only call that commits
// the order.
func (c *Client) SubmitOrder(ctx context.Context, req SubmitOrderRequest) (*OrderResult, error) {
	payload := map[string]interface{}{
		"third_pay_id":    req.ThirdPayID,
		"third_id":        req.ThirdID,
		"mobile_model_id": req.MobileModelID,
		"pic":             req.Pic,
		"device_id":       req.DeviceID,
	}

	var data struct {
		ID      json.Number `json:"id"`
		ThirdID string      `json:"third_id"`
		QueueNo json.Number `json:"queue_no"`
		Status  json.Number `json:"status"`
	}
	if err := c.post(ctx, "order/orderData", payload, &data); err != nil {
		return nil, err
	}

	c.logger.Info("Manufacturer order submitted",
		util.String("order_third_id", req.ThirdID),
		util.String("order_id", data.ID.String()),
		util.String("queue_no", data.QueueNo.String()))

	return &OrderResult{
		OrderID: data.ID.String(),
		ThirdID: data.ThirdID,
		QueueNo: data.QueueNo.String(),
		Status:  data.Status.String(),
	}, nil
}

// QueryPaymentStatus asks the manufacturer whether a payment exists for
// third_id, bypassing any local session state. Used by the poller's
// recovery check.
func (c *Client) QueryPaymentStatus(ctx context.Context, thirdID string) (bool, error) {
	payload := map[string]interface{}{
		"third_id": thirdID,
	}
	err := c.post(ctx, "order/payStatus", payload, nil)
	if errors.Is(err, ErrPaymentNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", endpoint, err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + endpoint
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", endpoint, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("sign", signPayload(payload, c.cfg.ReqSource, c.cfg.Secret))
	httpReq.Header.Set("req_source", c.cfg.ReqSource)
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return &TransientError{Err: err}
		}
		return fmt.Errorf("%s request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return &TransientError{Err: fmt.Errorf("%s returned HTTP %d", endpoint, resp.StatusCode)}
	}

	var envelope apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}

	if envelope.Code != 200 {
		if isPaymentNotFoundMsg(envelope.Msg) {
			return fmt.Errorf("%s: %w", endpoint, ErrPaymentNotFound)
		}
		return &APIError{Endpoint: endpoint, Code: envelope.Code, Msg: envelope.Msg}
	}

	if out != nil && len(envelope.Data) > 0 {
		dec := json.NewDecoder(bytes.NewReader(envelope.Data))
		dec.UseNumber()
		if err := dec.Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s data: %w", endpoint, err)
		}
	}
	return nil
}

// isPaymentNotFoundMsg matches the manufacturer's "payment information
// does not exist" rejection in either language it has been observed in.
func isPaymentNotFoundMsg(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(msg, "支付信息不存在") ||
		(strings.Contains(lower, "payment") && strings.Contains(lower, "not exist")) ||
		(strings.Contains(lower, "payment") && strings.Contains(lower, "not found"))
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
