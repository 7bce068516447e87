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

package middleware

import "strings"

// Resource represents a protected API resource.
// Each resource corresponds to the first segment of a route.
type Resource string

// Action represents the allowed actions on a resource.
// Actions include read, write, delete, and wildcard (*).
type Action string

const (
	// Actions
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
	ActionAll    Action = "*"

	// Resources
	ResourceTransactions   Resource = "transactions"
	ResourceAccounts       Resource = "accounts"
	ResourceBalances       Resource = "balances"
	ResourceStatements     Resource = "statements"
	ResourceConfirmations  Resource = "confirmations"
	ResourceRouting        Resource = "routing"
	ResourceWebhooks       Resource = "webhooks"
	ResourceReconciliation Resource = "reconciliation"
	ResourceSearch         Resource = "search"
	ResourceReindex        Resource = "reindex"
	ResourceRecovery       Resource = "recovery"
	ResourceAll            Resource = "*"
)

// DefaultClientScopes are granted to a client token that carries no scopes
// claim. Operator resources (confirmations, routing, reconciliation, recovery
// and reindex) are never part of it.
var DefaultClientScopes = []string{
	BuildScope(ResourceTransactions, ActionAll),
	BuildScope(ResourceAccounts, ActionRead),
	BuildScope(ResourceBalances, ActionRead),
	BuildScope(ResourceStatements, ActionRead),
	BuildScope(ResourceWebhooks, ActionAll),
	BuildScope(ResourceSearch, ActionWrite),
}

// methodToAction maps HTTP methods to actions
var methodToAction = map[string]Action{
	"GET":    ActionRead,
	"HEAD":   ActionRead,
	"POST":   ActionWrite,
	"PUT":    ActionWrite,
	"PATCH":  ActionWrite,
	"DELETE": ActionDelete,
}

// pathToResource maps the first path segment to its resource.
var pathToResource = map[string]Resource{
	"transactions":   ResourceTransactions,
	"accounts":       ResourceAccounts,
	"balances":       ResourceBalances,
	"statements":     ResourceStatements,
	"confirmations":  ResourceConfirmations,
	"routing":        ResourceRouting,
	"webhooks":       ResourceWebhooks,
	"reconciliation": ResourceReconciliation,
	"search":         ResourceSearch,
	"reindex":        ResourceReindex,
	"recovery":       ResourceRecovery,
}

// BuildScope creates a scope string from resource and action
func BuildScope(resource Resource, action Action) string {
	return string(resource) + ":" + string(action)
}

// ParseScope parses a scope string into resource and action
func ParseScope(scope string) (Resource, Action) {
	parts := strings.Split(scope, ":")
	if len(parts) != 2 {
		return "", ""
	}
	return Resource(parts[0]), Action(parts[1])
}

// getResourceFromPath determines the resource type from the URL path.
//
// Parameters:
// - path: The URL path to analyze.
//
// Returns:
// - Resource: The determined resource type, or empty string if not found.
func getResourceFromPath(path string) Resource {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) == 0 {
		return ""
	}
	return pathToResource[parts[0]]
}

// HasPermission checks if a set of scopes has permission for a given resource and HTTP method
func HasPermission(scopes []string, resource Resource, method string) bool {
	action := methodToAction[method]
	if action == "" {
		return false
	}

	for _, scope := range scopes {
		scopeResource, scopeAction := ParseScope(scope)
		if scopeResource != ResourceAll && scopeResource != resource {
			continue
		}
		if scopeAction == ActionAll || scopeAction == action {
			return true
		}
	}
	return false
}
