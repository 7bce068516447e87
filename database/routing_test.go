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

package database

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/internal/cache"
	"github.com/blnkfinance/settle/model"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var routingColumnNames = []string{"client_id", "entries", "total_percentage", "valid", "warnings", "updated_at"}

func TestGetRoutingConfiguration_ReadsThroughCache(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	ds, mock := newMockDatasource(t)
	ds.Cache = cache.NewRedisCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute)

	mock.ExpectQuery("SELECT (.+) FROM settle.routing_configurations").
		WithArgs("client_1").
		WillReturnRows(sqlmock.NewRows(routingColumnNames).
			AddRow("client_1", []byte(`[{"account_id":"acc_a","bank_code":"001","percentage":"60","active":true},{"account_id":"acc_b","bank_code":"237","percentage":"40","active":true}]`),
				"100", true, []byte(`null`), time.Now()))

	first, err := ds.GetRoutingConfiguration(context.Background(), "client_1")
	require.NoError(t, err)
	require.Len(t, first.Entries, 2)
	assert.True(t, decimal.NewFromInt(60).Equal(first.Entries[0].Percentage))

	second, err := ds.GetRoutingConfiguration(context.Background(), "client_1")
	require.NoError(t, err)
	assert.Equal(t, first.ClientID, second.ClientID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRoutingConfiguration_NotFound(t *testing.T) {
	ds, mock := newMockDatasource(t)

	mock.ExpectQuery("SELECT (.+) FROM settle.routing_configurations").
		WithArgs("client_2").
		WillReturnRows(sqlmock.NewRows(routingColumnNames))

	_, err := ds.GetRoutingConfiguration(context.Background(), "client_2")
	assert.True(t, apierror.Is(err, apierror.ErrNotFound))
}

func TestUpsertRoutingConfiguration_InvalidatesCache(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	ds, mock := newMockDatasource(t)
	ds.Cache = cache.NewRedisCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute)
	require.NoError(t, ds.Cache.Set(context.Background(), routingCacheKey("client_1"), model.RoutingConfiguration{ClientID: "client_1"}, time.Minute))

	cfg := &model.RoutingConfiguration{
		ClientID: "client_1",
		Entries: []model.RoutingEntry{
			{AccountID: "acc_a", BankCode: "001", Percentage: decimal.NewFromInt(70), Active: true},
		},
		UpdatedAt: time.Now(),
	}
	cfg.Evaluate()

	mock.ExpectExec("INSERT INTO settle.routing_configurations").
		WithArgs("client_1", sqlmock.AnyArg(), "70", false, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, ds.UpsertRoutingConfiguration(context.Background(), cfg))

	var cached model.RoutingConfiguration
	assert.ErrorIs(t, ds.Cache.Get(context.Background(), routingCacheKey("client_1"), &cached), cache.ErrMiss)
	assert.NoError(t, mock.ExpectationsWereMet())
}
