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

package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/blnkfinance/settle"
	"github.com/blnkfinance/settle/api/middleware"
	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/database/mocks"
	"github.com/blnkfinance/settle/model"
	"github.com/blnkfinance/settle/rails"
)

const (
	testClient    = "client_1"
	testBank      = "001"
	testSecretKey = "operator-key"
	testJWTSecret = "jwt-secret"
)

type TestRequest struct {
	Payload  io.Reader
	Router   *gin.Engine
	Response interface{}
	Method   string
	Route    string
	Auth     string
	Header   map[string]string
}

func SetUpTestRequest(s TestRequest) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(s.Method, s.Route, s.Payload)
	for key, value := range s.Header {
		req.Header.Set(key, value)
	}
	if s.Auth != "" {
		req.Header.Set("Authorization", "Bearer "+s.Auth)
	}
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	s.Router.ServeHTTP(resp, req)

	if s.Response == nil {
		return resp, nil
	}
	err := json.NewDecoder(resp.Body).Decode(s.Response)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// discardQueue accepts background work without running it.
type discardQueue struct{}

func (discardQueue) EnqueueDispatch(context.Context, *model.Transaction) error { return nil }
func (discardQueue) EnqueueExpiry(context.Context, string, time.Time) error    { return nil }
func (discardQueue) EnqueueDelivery(context.Context, string) error             { return nil }
func (discardQueue) EnqueueIndex(context.Context, string, interface{}) error   { return nil }

func setupRouter(t *testing.T, secure bool) (*gin.Engine, *mocks.MockDataSource) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cnf := &config.Configuration{
		Server: config.ServerConfig{Secure: secure, SecretKey: testSecretKey, JWTSecret: testJWTSecret},
	}
	cnf.Transaction.ISPB = "12345678"
	config.MockDefaults(cnf)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	registry := rails.NewRegistry()
	registry.Register(testBank, rails.NewSandboxRail(testBank))

	db := &mocks.MockDataSource{}
	db.On("GetActiveSubscriptions", mock.Anything, mock.Anything).Return([]model.WebhookSubscription{}, nil).Maybe()

	s, err := settle.NewSettle(db,
		settle.WithRedis(client),
		settle.WithQueue(discardQueue{}),
		settle.WithRails(registry),
	)
	require.NoError(t, err)

	a := NewAPI(s)
	require.NotNil(t, a)
	return a.Router(), db
}

func clientToken(t *testing.T, clientID string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"client_id": clientID,
		"exp":       time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return token
}

func operatorHeaders(clientID string) map[string]string {
	headers := map[string]string{middleware.KeyHeader: testSecretKey}
	if clientID != "" {
		headers[middleware.ClientHeader] = clientID
	}
	return headers
}

func testAccount(id, clientID string) *model.Account {
	return &model.Account{AccountID: id, ClientID: clientID, BankCode: testBank, Currency: "BRL", Active: true}
}
