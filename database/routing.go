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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/model"
	"github.com/sirupsen/logrus"
)

const routingCacheTTL = 5 * time.Minute

func (d Datasource) cacheTTL() time.Duration {
	if d.CacheTTL > 0 {
		return d.CacheTTL
	}
	return routingCacheTTL
}

func routingCacheKey(clientID string) string {
	return "routing:" + clientID
}

// GetRoutingConfiguration returns a client's routing configuration, reading
// through the cache when one is configured. NOT_FOUND means the client has
// never stored one.
func (d Datasource) GetRoutingConfiguration(ctx context.Context, clientID string) (*model.RoutingConfiguration, error) {
	ctx, span := tracer.Start(ctx, "Fetching routing configuration")
	defer span.End()

	if d.Cache != nil {
		var cached model.RoutingConfiguration
		if err := d.Cache.Get(ctx, routingCacheKey(clientID), &cached); err == nil {
			return &cached, nil
		}
	}

	cfg := &model.RoutingConfiguration{}
	var entries, warnings []byte
	err := d.Conn.QueryRowContext(ctx, `
		SELECT client_id, entries, total_percentage, valid, warnings, updated_at
		FROM settle.routing_configurations
		WHERE client_id = $1
	`, clientID).Scan(&cfg.ClientID, &entries, &cfg.TotalPercentage, &cfg.Valid, &warnings, &cfg.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("No routing configuration for client '%s'", clientID), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve routing configuration", err)
	}
	if err := json.Unmarshal(entries, &cfg.Entries); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal routing entries", err)
	}
	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &cfg.Warnings); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal routing warnings", err)
		}
	}

	if d.Cache != nil {
		if err := d.Cache.Set(ctx, routingCacheKey(clientID), cfg, d.cacheTTL()); err != nil {
			logrus.WithField("client_id", clientID).Warn("failed to cache routing configuration: ", err)
		}
	}
	return cfg, nil
}

// UpsertRoutingConfiguration replaces a client's configuration and drops the
// cached copy.
func (d Datasource) UpsertRoutingConfiguration(ctx context.Context, cfg *model.RoutingConfiguration) error {
	ctx, span := tracer.Start(ctx, "Saving routing configuration")
	defer span.End()

	entries, err := json.Marshal(cfg.Entries)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal routing entries", err)
	}
	warnings, err := json.Marshal(cfg.Warnings)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal routing warnings", err)
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO settle.routing_configurations (client_id, entries, total_percentage, valid, warnings, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (client_id) DO UPDATE
		SET entries = EXCLUDED.entries, total_percentage = EXCLUDED.total_percentage, valid = EXCLUDED.valid,
			warnings = EXCLUDED.warnings, updated_at = EXCLUDED.updated_at
	`, cfg.ClientID, entries, cfg.TotalPercentage.String(), cfg.Valid, warnings, cfg.UpdatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to save routing configuration", err)
	}

	if d.Cache != nil {
		if err := d.Cache.Delete(ctx, routingCacheKey(cfg.ClientID)); err != nil {
			logrus.WithField("client_id", cfg.ClientID).Warn("failed to invalidate routing cache: ", err)
		}
	}
	return nil
}
