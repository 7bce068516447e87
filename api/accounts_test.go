package api

import (
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/blnkfinance/settle"
	model2 "github.com/blnkfinance/settle/api/model"
	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/internal/request"
	"github.com/blnkfinance/settle/model"
)

func TestCreateAccount(t *testing.T) {
	router, db := setupRouter(t, true)
	db.On("CreateAccount", mock.Anything, mock.AnythingOfType("*model.Account")).Return(nil)

	tests := []struct {
		name         string
		payload      model2.CreateAccount
		headers      map[string]string
		token        string
		expectedCode int
	}{
		{
			name:         "Operator opens an account",
			payload:      model2.CreateAccount{BankCode: testBank, Currency: "BRL", Name: "Main"},
			headers:      operatorHeaders(testClient),
			expectedCode: http.StatusCreated,
		},
		{
			name:         "Non numeric bank code",
			payload:      model2.CreateAccount{ClientID: testClient, BankCode: "bank", Currency: "BRL"},
			headers:      operatorHeaders(""),
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "Missing client",
			payload:      model2.CreateAccount{BankCode: testBank, Currency: "BRL"},
			headers:      operatorHeaders(""),
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "Clients cannot open accounts",
			payload:      model2.CreateAccount{ClientID: testClient, BankCode: testBank, Currency: "BRL"},
			token:        clientToken(t, testClient),
			expectedCode: http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payloadBytes, _ := request.ToJsonReq(&tt.payload)
			var response map[string]interface{}
			resp, err := SetUpTestRequest(TestRequest{
				Payload:  payloadBytes,
				Response: &response,
				Method:   "POST",
				Route:    "/accounts",
				Header:   tt.headers,
				Auth:     tt.token,
				Router:   router,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.expectedCode, resp.Code)
			if tt.expectedCode == http.StatusCreated {
				assert.Equal(t, testClient, response["client_id"])
				assert.Equal(t, true, response["active"])
				assert.Equal(t, "0", response["available"])
			}
		})
	}
}

func TestGetAccount(t *testing.T) {
	router, db := setupRouter(t, true)
	db.On("GetAccount", mock.Anything, "acc_1").Return(testAccount("acc_1", testClient), nil)

	var account model.Account
	resp, err := SetUpTestRequest(TestRequest{
		Response: &account,
		Method:   "GET",
		Route:    "/accounts/acc_1",
		Auth:     clientToken(t, testClient),
		Router:   router,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "acc_1", account.AccountID)

	var response apierror.APIError
	resp, err = SetUpTestRequest(TestRequest{
		Response: &response,
		Method:   "GET",
		Route:    "/accounts/acc_1",
		Auth:     clientToken(t, "client_2"),
		Router:   router,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.Equal(t, apierror.ErrNotFound, response.Code)
}

func TestBlockAndUnblockFunds(t *testing.T) {
	router, db := setupRouter(t, true)
	account := testAccount("acc_1", testClient)
	account.Available = decimal.NewFromInt(100)
	db.On("GetAccount", mock.Anything, "acc_1").Return(account, nil)
	db.On("GetEntryByCorrelation", mock.Anything, "acc_1", mock.Anything, mock.Anything).Return(nil, notFoundErr("entry"))
	db.On("CommitLedgerWrites", mock.Anything, mock.Anything).Return(nil)

	payloadBytes, _ := request.ToJsonReq(model2.FundsOperation{Amount: decimal.NewFromInt(30), Reason: "chargeback", CorrelationID: "cb-1"})
	var result settle.LedgerResult
	resp, err := SetUpTestRequest(TestRequest{
		Payload:  payloadBytes,
		Response: &result,
		Method:   "POST",
		Route:    "/accounts/acc_1/block",
		Header:   operatorHeaders(""),
		Router:   router,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, model.OperationBlock, result.Entry.Operation)
	require.NotNil(t, result.Account)
	assert.True(t, result.Account.Available.Equal(decimal.NewFromInt(70)))
	assert.True(t, result.Account.Blocked.Equal(decimal.NewFromInt(30)))

	payloadBytes, _ = request.ToJsonReq(model2.FundsOperation{Amount: decimal.NewFromInt(500), Reason: "too much"})
	var response apierror.APIError
	resp, err = SetUpTestRequest(TestRequest{
		Payload:  payloadBytes,
		Response: &response,
		Method:   "POST",
		Route:    "/accounts/acc_1/unblock",
		Header:   operatorHeaders(""),
		Router:   router,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	assert.Equal(t, apierror.ErrInsufficientFunds, response.Code)

	payloadBytes, _ = request.ToJsonReq(model2.FundsOperation{Amount: decimal.Zero, Reason: "nothing"})
	resp, err = SetUpTestRequest(TestRequest{
		Payload:  payloadBytes,
		Response: &response,
		Method:   "POST",
		Route:    "/accounts/acc_1/block",
		Header:   operatorHeaders(""),
		Router:   router,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	db.AssertNumberOfCalls(t, "CommitLedgerWrites", 1)
}

func TestGetBalance(t *testing.T) {
	router, db := setupRouter(t, true)
	account := testAccount("acc_1", testClient)
	account.Available = decimal.NewFromInt(80)
	account.Blocked = decimal.NewFromInt(20)
	db.On("GetAccount", mock.Anything, "acc_1").Return(account, nil)
	db.On("ListAccounts", mock.Anything, "client_empty").Return([]model.Account{}, nil)

	var balance model.Balance
	resp, err := SetUpTestRequest(TestRequest{
		Response: &balance,
		Method:   "GET",
		Route:    "/balances?account_id=acc_1",
		Auth:     clientToken(t, testClient),
		Router:   router,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, balance.Total.Equal(decimal.NewFromInt(100)))

	var response apierror.APIError
	resp, err = SetUpTestRequest(TestRequest{
		Response: &response,
		Method:   "GET",
		Route:    "/balances",
		Auth:     clientToken(t, "client_empty"),
		Router:   router,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestGetStatement(t *testing.T) {
	router, db := setupRouter(t, true)
	db.On("ListEntries", mock.Anything, mock.MatchedBy(func(f model.StatementFilter) bool {
		return f.ClientID == testClient && f.Start.Day() == 1 && f.End.Day() == 2 && f.End.Hour() == 23
	})).Return([]model.LedgerEntry{{EntryID: "ent_1", AccountID: "acc_1", Operation: model.OperationCredit, Amount: decimal.NewFromInt(10)}}, int64(1), nil)

	var statement model.Statement
	resp, err := SetUpTestRequest(TestRequest{
		Response: &statement,
		Method:   "GET",
		Route:    "/statements?start_date=2026-03-01&end_date=2026-03-02",
		Auth:     clientToken(t, testClient),
		Router:   router,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	require.Len(t, statement.Entries, 1)
	assert.Equal(t, int64(1), statement.TotalCount)

	tests := []struct {
		name  string
		route string
	}{
		{"Malformed date", "/statements?start_date=01-03-2026&end_date=2026-03-02"},
		{"Missing dates", "/statements"},
		{"Inverted range", "/statements?start_date=2026-03-05&end_date=2026-03-02"},
		{"Range over 90 days", "/statements?start_date=2026-01-01&end_date=2026-04-02"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var response apierror.APIError
			resp, err := SetUpTestRequest(TestRequest{
				Response: &response,
				Method:   "GET",
				Route:    tt.route,
				Auth:     clientToken(t, testClient),
				Router:   router,
			})
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.Code)
			assert.Equal(t, apierror.ErrInvalidInput, response.Code)
		})
	}
}
