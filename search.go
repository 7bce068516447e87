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

package settle

import (
	"context"
	"sync"

	"github.com/typesense/typesense-go/typesense/api"

	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/internal/search"
)

var (
	reindexOnce    sync.Once
	reindexService *search.ReindexService
)

func (s *Settle) searchClient() (*search.TypesenseClient, error) {
	if s.search == nil {
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, "Search is not configured", nil)
	}
	return s.search, nil
}

// Search performs a search on the specified collection using the provided query parameters.
//
// Parameters:
// - ctx context.Context: The request context.
// - collection string: The name of the collection to search.
// - query *api.SearchCollectionParams: The search query parameters.
//
// Returns:
// - interface{}: The search results.
// - error: An error if search is not configured or the search fails.
func (s *Settle) Search(ctx context.Context, collection string, query *api.SearchCollectionParams) (interface{}, error) {
	client, err := s.searchClient()
	if err != nil {
		return nil, err
	}
	return client.Search(ctx, collection, query)
}

// Reindex rebuilds every search collection from the database in the
// background and returns the initial progress.
func (s *Settle) Reindex(ctx context.Context) (search.ReindexProgress, error) {
	svc, err := s.reindexer()
	if err != nil {
		return search.ReindexProgress{}, err
	}
	if p := svc.GetProgress(); p.Status == "in_progress" {
		return p, apierror.NewAPIError(apierror.ErrConflict, "A reindex is already in progress", nil)
	}
	go func() {
		_, _ = svc.StartReindex(context.WithoutCancel(ctx))
	}()
	return svc.GetProgress(), nil
}

// ReindexProgress reports the last or current reindex run.
func (s *Settle) ReindexProgress() (search.ReindexProgress, error) {
	svc, err := s.reindexer()
	if err != nil {
		return search.ReindexProgress{}, err
	}
	return svc.GetProgress(), nil
}

func (s *Settle) reindexer() (*search.ReindexService, error) {
	client, err := s.searchClient()
	if err != nil {
		return nil, err
	}
	reindexOnce.Do(func() {
		reindexService = search.NewReindexService(client, s.datasource, 1000)
	})
	return reindexService, nil
}
