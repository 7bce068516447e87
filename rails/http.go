/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package rails

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/internal/request"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("settle.rails")

// HTTPRail talks to a bank through a normalized JSON API. Transient failures
// (network errors, 5xx and 429) are retried with exponential backoff; the
// transaction id travels as an idempotency key so retries are safe.
type HTTPRail struct {
	bankCode      string
	baseURL       string
	apiKey        string
	client        *http.Client
	maxRetries    uint64
	retryInterval time.Duration
}

type HTTPRailOption func(*HTTPRail)

// WithTransport replaces the HTTP transport, e.g. with an httpmock transport.
func WithTransport(rt http.RoundTripper) HTTPRailOption {
	return func(r *HTTPRail) {
		r.client.Transport = rt
	}
}

// WithRetryInterval sets the first backoff interval.
func WithRetryInterval(d time.Duration) HTTPRailOption {
	return func(r *HTTPRail) {
		r.retryInterval = d
	}
}

func NewHTTPRail(bankCode string, cfg config.RailConfig, opts ...HTTPRailOption) *HTTPRail {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	r := &HTTPRail{
		bankCode:      bankCode,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		client:        &http.Client{Timeout: timeout},
		maxRetries:    uint64(retries),
		retryInterval: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *HTTPRail) CreateCharge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	var res ChargeResult
	err := r.do(ctx, "create_charge", http.MethodPost, "/charges", req.TransactionID, req, &res)
	return res, err
}

func (r *HTTPRail) Pay(ctx context.Context, req PaymentRequest) (PaymentResult, error) {
	var res PaymentResult
	err := r.do(ctx, "pay", http.MethodPost, "/payments", req.TransactionID, req, &res)
	return res, err
}

func (r *HTTPRail) Query(ctx context.Context, externalReference string) (QueryResult, error) {
	var res QueryResult
	err := r.do(ctx, "query", http.MethodGet, "/payments/"+url.PathEscape(externalReference), "", nil, &res)
	return res, err
}

func (r *HTTPRail) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	var res TransferResult
	err := r.do(ctx, "transfer", http.MethodPost, "/transfers", req.TransactionID, req, &res)
	return res, err
}

func (r *HTTPRail) GetBalance(ctx context.Context, accountID string) (RailBalance, error) {
	var res RailBalance
	err := r.do(ctx, "get_balance", http.MethodGet, "/accounts/"+url.PathEscape(accountID)+"/balance", "", nil, &res)
	return res, err
}

func (r *HTTPRail) GetStatement(ctx context.Context, accountID string, start, end time.Time) ([]StatementLine, error) {
	q := url.Values{}
	q.Set("start", start.UTC().Format(time.RFC3339))
	q.Set("end", end.UTC().Format(time.RFC3339))
	var res struct {
		Lines []StatementLine `json:"lines"`
	}
	err := r.do(ctx, "get_statement", http.MethodGet, "/accounts/"+url.PathEscape(accountID)+"/statement?"+q.Encode(), "", nil, &res)
	return res.Lines, err
}

func (r *HTTPRail) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retryInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, r.maxRetries), ctx)
}

// do sends one logical call, retrying transient failures.
func (r *HTTPRail) do(ctx context.Context, operation, method, path, idempotencyKey string, body, out interface{}) error {
	ctx, span := tracer.Start(ctx, "rail."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("rail.bank_code", r.bankCode)),
	)
	defer span.End()

	var payload []byte
	if body != nil {
		buf, err := request.ToJsonReq(body)
		if err != nil {
			return &GatewayError{BankCode: r.bankCode, Operation: operation, Err: err}
		}
		payload = buf.Bytes()
	}

	attempt := 0
	op := func() error {
		attempt++
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(&GatewayError{BankCode: r.bankCode, Operation: operation, Err: err})
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if r.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+r.apiKey)
		}
		if idempotencyKey != "" {
			req.Header.Set("Idempotency-Key", idempotencyKey)
		}

		resp, err := r.client.Do(req)
		if err != nil {
			return &GatewayError{BankCode: r.bankCode, Operation: operation, Err: err}
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return &GatewayError{BankCode: r.bankCode, Operation: operation, StatusCode: resp.StatusCode, Err: err}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(bytes.TrimSpace(raw)) == 0 {
				return nil
			}
			if err := json.Unmarshal(raw, out); err != nil {
				return backoff.Permanent(&GatewayError{BankCode: r.bankCode, Operation: operation, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)})
			}
			return nil
		}

		gwErr := &GatewayError{
			BankCode:   r.bankCode,
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Err:        &request.StatusError{StatusCode: resp.StatusCode, Body: string(raw)},
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return gwErr
		}
		return backoff.Permanent(gwErr)
	}

	notify := func(err error, wait time.Duration) {
		logrus.WithFields(logrus.Fields{
			"bank_code": r.bankCode,
			"operation": operation,
			"attempt":   attempt,
			"wait":      wait,
		}).WithError(err).Warn("rail call failed, retrying")
	}

	err := backoff.RetryNotify(op, r.newBackOff(ctx), notify)
	if err == nil {
		return nil
	}
	span.RecordError(err)

	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr
	}
	return &GatewayError{BankCode: r.bankCode, Operation: operation, Err: err}
}
