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
	"net/http"

	"github.com/gin-gonic/gin"
)

// StartReindex rebuilds the search collections from the database.
// The reindex runs asynchronously to avoid HTTP timeouts.
//
// Responses:
// - 202 Accepted: Reindex started successfully, returns initial progress.
// - 400 Bad Request: Search is not configured.
// - 409 Conflict: If a reindex is already in progress.
func (a Api) StartReindex(c *gin.Context) {
	progress, err := a.settle.Reindex(c.Request.Context())
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message":  "Reindex operation started",
		"progress": progress,
	})
}

// GetReindexProgress returns the current progress of a reindex operation.
func (a Api) GetReindexProgress(c *gin.Context) {
	progress, err := a.settle.ReindexProgress()
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, progress)
}
