package rails

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/internal/request"
	"github.com/blnkfinance/settle/model"
	"github.com/jarcoal/httpmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bankURL = "https://bank.test/v1"

func newTestRail(t *testing.T, retries int) (*HTTPRail, *httpmock.MockTransport) {
	t.Helper()
	mt := httpmock.NewMockTransport()
	rail := NewHTTPRail("001", config.RailConfig{BaseURL: bankURL + "/", APIKey: "key_123", MaxRetries: retries},
		WithTransport(mt), WithRetryInterval(time.Millisecond))
	return rail, mt
}

func wireTxn() *model.Transaction {
	return &model.Transaction{
		TransactionID:     "txn_1",
		ExternalReference: "W0123",
		AccountID:         "acc_1",
		Type:              model.TypeWireTransfer,
		Amount:            decimal.RequireFromString("150.25"),
		Currency:          "BRL",
		Details: model.TransactionDetails{WireTransfer: &model.WireTransferDetails{
			BankCode: "237", Branch: "0001", AccountNumber: "12345-6", TaxID: "12345678900", Name: "Ana",
		}},
	}
}

func TestHTTPRailTransfer(t *testing.T) {
	rail, mt := newTestRail(t, 3)

	mt.RegisterResponder(http.MethodPost, bankURL+"/transfers", func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "Bearer key_123", req.Header.Get("Authorization"))
		assert.Equal(t, "txn_1", req.Header.Get("Idempotency-Key"))
		return httpmock.NewJsonResponse(http.StatusAccepted, map[string]string{
			"external_reference": "W0123",
			"status":             "PROCESSING",
		})
	})

	res, err := rail.Transfer(context.Background(), NewTransferRequest(wireTxn()))
	require.NoError(t, err)
	assert.Equal(t, "W0123", res.ExternalReference)
	assert.Equal(t, "PROCESSING", res.Status)
	assert.Equal(t, 1, mt.GetTotalCallCount())
}

func TestHTTPRailRetriesTransientFailures(t *testing.T) {
	rail, mt := newTestRail(t, 3)

	calls := 0
	mt.RegisterResponder(http.MethodPost, bankURL+"/payments", func(req *http.Request) (*http.Response, error) {
		calls++
		if calls < 3 {
			return httpmock.NewStringResponse(http.StatusServiceUnavailable, "busy"), nil
		}
		return httpmock.NewJsonResponse(http.StatusOK, map[string]string{"external_reference": "E1", "status": "PROCESSING"})
	})

	res, err := rail.Pay(context.Background(), PaymentRequest{TransactionID: "txn_2", ExternalReference: "E1"})
	require.NoError(t, err)
	assert.Equal(t, "E1", res.ExternalReference)
	assert.Equal(t, 3, calls)
}

func TestHTTPRailGivesUpAfterMaxRetries(t *testing.T) {
	rail, mt := newTestRail(t, 2)
	mt.RegisterResponder(http.MethodPost, bankURL+"/charges", httpmock.NewStringResponder(http.StatusBadGateway, "upstream down"))

	_, err := rail.CreateCharge(context.Background(), ChargeRequest{TransactionID: "txn_3"})
	require.Error(t, err)

	var gwErr *GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, http.StatusBadGateway, gwErr.StatusCode)
	assert.Equal(t, "001", gwErr.BankCode)
	assert.Equal(t, "create_charge", gwErr.Operation)
	assert.Equal(t, 3, mt.GetTotalCallCount())

	var statusErr *request.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, "upstream down", statusErr.Body)
}

func TestHTTPRailDoesNotRetryClientErrors(t *testing.T) {
	rail, mt := newTestRail(t, 3)
	mt.RegisterResponder(http.MethodPost, bankURL+"/payments", httpmock.NewStringResponder(http.StatusUnprocessableEntity, `{"error":"invalid key"}`))

	_, err := rail.Pay(context.Background(), PaymentRequest{TransactionID: "txn_4"})
	require.Error(t, err)
	assert.Equal(t, 1, mt.GetTotalCallCount())
}

func TestHTTPRailNetworkError(t *testing.T) {
	rail, mt := newTestRail(t, 1)
	mt.RegisterResponder(http.MethodGet, bankURL+"/payments/E9", httpmock.NewErrorResponder(errors.New("connection reset")))

	_, err := rail.Query(context.Background(), "E9")
	var gwErr *GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, 0, gwErr.StatusCode)
	assert.Equal(t, 2, mt.GetTotalCallCount())
}

func TestHTTPRailBalanceAndStatement(t *testing.T) {
	rail, mt := newTestRail(t, 1)
	mt.RegisterResponder(http.MethodGet, bankURL+"/accounts/acc_1/balance",
		httpmock.NewStringResponder(http.StatusOK, `{"account_id":"acc_1","available":"99.90","currency":"BRL"}`))
	mt.RegisterResponder(http.MethodGet, `=~^`+bankURL+`/accounts/acc_1/statement\?`,
		httpmock.NewStringResponder(http.StatusOK, `{"lines":[{"external_reference":"E1","amount":"10","direction":"CREDIT","booked_at":"2024-05-01T10:00:00Z"}]}`))

	bal, err := rail.GetBalance(context.Background(), "acc_1")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(decimal.RequireFromString("99.90")))

	lines, err := rail.GetStatement(context.Background(), "acc_1", time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "CREDIT", lines[0].Direction)
}
