package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/noah-isme/matricula-api/pkg/config"
	appErrors "github.com/noah-isme/matricula-api/pkg/errors"
)

// HTTPClient talks to the billing provider's REST API.
type HTTPClient struct {
	baseURL     string
	apiKey      string
	maxAttempts int
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewHTTPClient builds the provider client from config.
func NewHTTPClient(cfg config.GatewayConfig, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return &HTTPClient{
		baseURL:     cfg.BaseURL,
		apiKey:      cfg.APIKey,
		maxAttempts: attempts,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

type customerPayload struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	CpfCnpj string `json:"cpfCnpj"`
}

type customerListResponse struct {
	Data []customerPayload `json:"data"`
}

type chargePayload struct {
	ID                string  `json:"id"`
	Status            string  `json:"status"`
	InvoiceURL        string  `json:"invoiceUrl"`
	Value             float64 `json:"value"`
	ExternalReference string  `json:"externalReference"`
}

type chargeCancelResponse struct {
	Deleted bool `json:"deleted"`
}

// FindOrCreateCustomer searches by tax id before creating. The provider's
// search endpoints are inconsistent, so two query strategies are tried: the
// dedicated cpfCnpj filter and the generic text search.
func (c *HTTPClient) FindOrCreateCustomer(ctx context.Context, name, email, taxID string) (CustomerRef, error) {
	for _, query := range []string{"cpfCnpj=" + url.QueryEscape(taxID), "q=" + url.QueryEscape(taxID)} {
		var list customerListResponse
		if err := c.do(ctx, http.MethodGet, "/customers?"+query, nil, &list); err != nil {
			return CustomerRef{}, err
		}
		for _, cust := range list.Data {
			if cust.CpfCnpj == taxID {
				return CustomerRef{ID: cust.ID}, nil
			}
		}
	}

	body := map[string]string{"name": name, "email": email, "cpfCnpj": taxID}
	var created customerPayload
	if err := c.do(ctx, http.MethodPost, "/customers", body, &created); err != nil {
		return CustomerRef{}, err
	}
	c.logger.Info("gateway customer created", zap.String("customer_id", created.ID))
	return CustomerRef{ID: created.ID}, nil
}

// CreateChargeWithLink creates a hosted charge, retrying transient failures
// with bounded exponential backoff. Permanent provider rejections surface
// immediately without retry.
func (c *HTTPClient) CreateChargeWithLink(ctx context.Context, req ChargeRequest) (Charge, error) {
	dueDate := time.Now().UTC().AddDate(0, 0, req.DueInDays).Format("2006-01-02")
	body := map[string]interface{}{
		"customer":          req.Customer.ID,
		"billingType":       "UNDEFINED",
		"value":             req.Amount,
		"description":       req.Description,
		"externalReference": req.ExternalReference,
		"dueDate":           dueDate,
	}

	operation := func() (Charge, error) {
		var payload chargePayload
		if err := c.do(ctx, http.MethodPost, "/payments", body, &payload); err != nil {
			if appErrors.Is(err, appErrors.ErrGatewayRejected) {
				return Charge{}, backoff.Permanent(err)
			}
			return Charge{}, err
		}
		return Charge{ID: payload.ID, URL: payload.InvoiceURL, Status: payload.Status}, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	charge, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(c.maxAttempts)),
	)
	if err != nil {
		return Charge{}, err
	}
	return charge, nil
}

// GetChargeStatus returns the provider's current status for a charge.
func (c *HTTPClient) GetChargeStatus(ctx context.Context, chargeID string) (string, error) {
	var payload chargePayload
	if err := c.do(ctx, http.MethodGet, "/payments/"+url.PathEscape(chargeID), nil, &payload); err != nil {
		return "", err
	}
	return payload.Status, nil
}

// CancelCharge deletes the charge at the provider. Single attempt: callers
// treat failure as non-fatal.
func (c *HTTPClient) CancelCharge(ctx context.Context, chargeID string) (bool, error) {
	var payload chargeCancelResponse
	if err := c.do(ctx, http.MethodDelete, "/payments/"+url.PathEscape(chargeID), nil, &payload); err != nil {
		return false, err
	}
	return payload.Deleted, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "encode gateway request")
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "build gateway request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("access_token", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrGatewayUnavailable.Code, appErrors.ErrGatewayUnavailable.Status, "gateway request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrGatewayUnavailable.Code, appErrors.ErrGatewayUnavailable.Status, "read gateway response")
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return appErrors.Wrap(fmt.Errorf("gateway status %d: %s", resp.StatusCode, truncate(raw)),
			appErrors.ErrGatewayUnavailable.Code, appErrors.ErrGatewayUnavailable.Status, "gateway unavailable")
	case resp.StatusCode >= http.StatusBadRequest:
		return appErrors.Wrap(fmt.Errorf("gateway status %d: %s", resp.StatusCode, truncate(raw)),
			appErrors.ErrGatewayRejected.Code, appErrors.ErrGatewayRejected.Status, "gateway rejected request")
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return appErrors.Wrap(err, appErrors.ErrGatewayUnavailable.Code, appErrors.ErrGatewayUnavailable.Status, "decode gateway response")
		}
	}
	return nil
}

func truncate(raw []byte) string {
	const limit = 512
	if len(raw) > limit {
		return string(raw[:limit])
	}
	return string(raw)
}
