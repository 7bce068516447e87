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

	model2 "github.com/blnkfinance/settle/api/model"
)

func (a Api) GetRouting(c *gin.Context) {
	resp, err := a.settle.GetRoutingConfiguration(c.Request.Context(), c.Param("client_id"))
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// PutRouting replaces a client's routing split. Configurations that do not
// add up to 100% are stored and reported with their warnings.
func (a Api) PutRouting(c *gin.Context) {
	var req model2.PutRouting
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidInput(c, "invalid routing payload", err.Error())
		return
	}
	if err := req.ValidatePutRouting(); err != nil {
		invalidInput(c, "invalid routing payload", err)
		return
	}

	resp, warnings, err := a.settle.PutRoutingConfiguration(c.Request.Context(), c.Param("client_id"), req.ToEntries())
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"configuration": resp, "status": resp.Status(), "warnings": warnings})
}
