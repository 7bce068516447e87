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

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/blnkfinance/settle/config"
)

const (
	KeyHeader    = "X-Settle-Key"
	ClientHeader = "X-Settle-Client"

	ClientIDKey = "client_id"
	OperatorKey = "is_operator"
	ScopesKey   = "scopes"
)

// AuthMiddleware resolves the caller of every request. Operators and banking
// rails present the secret key in X-Settle-Key and may act for any client.
// Clients present an HS256 bearer token whose client_id claim becomes their
// identity.
type AuthMiddleware struct{}

// NewAuthMiddleware creates a new instance of AuthMiddleware.
func NewAuthMiddleware() *AuthMiddleware {
	return &AuthMiddleware{}
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"code":    "UNAUTHORIZED",
		"message": message,
	})
}

// Authenticate returns a middleware function that handles authentication and
// authorization for all routes.
//
// Returns:
// - gin.HandlerFunc: A middleware function that performs the authentication.
//
// Responses:
// - 401 Unauthorized: When no credential is presented or it is invalid.
// - 403 Forbidden: When a client token lacks the scope for the route.
func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/" {
			c.Next()
			return
		}

		conf, err := config.Fetch()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_SERVER_ERROR", "message": "configuration not loaded"})
			return
		}

		// Without secure mode every caller is trusted and names its client.
		if !conf.Server.Secure {
			setOperator(c)
			c.Next()
			return
		}

		if key := extractKey(c); key != "" {
			if conf.Server.SecretKey == "" || !secureCompare(conf.Server.SecretKey, key) {
				abortUnauthorized(c, "Invalid secret key")
				return
			}
			setOperator(c)
			c.Next()
			return
		}

		tokenString, ok := bearerToken(c)
		if !ok {
			abortUnauthorized(c, "Authentication required. Use X-Settle-Key or Authorization: Bearer <token>")
			return
		}
		if conf.Server.JWTSecret == "" {
			abortUnauthorized(c, "Token authentication is not configured")
			return
		}

		claims, err := parseToken(tokenString, conf.Server.JWTSecret)
		if err != nil {
			abortUnauthorized(c, "Invalid or expired token")
			return
		}

		clientID, _ := claims["client_id"].(string)
		if clientID == "" {
			abortUnauthorized(c, "Token missing client_id claim")
			return
		}

		scopes := scopesFromClaims(claims)
		resource := getResourceFromPath(c.Request.URL.Path)
		if resource == "" || !HasPermission(scopes, resource, c.Request.Method) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "FORBIDDEN",
				"message": "Insufficient permissions for " + string(resource) + ":" + string(methodToAction[c.Request.Method]),
			})
			return
		}

		c.Set(ClientIDKey, clientID)
		c.Set(ScopesKey, scopes)
		c.Set(OperatorKey, false)
		c.Next()
	}
}

func setOperator(c *gin.Context) {
	c.Set(OperatorKey, true)
	c.Set(ClientIDKey, c.GetHeader(ClientHeader))
}

func parseToken(tokenString, secret string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

func scopesFromClaims(claims jwt.MapClaims) []string {
	raw, ok := claims["scopes"].([]interface{})
	if !ok || len(raw) == 0 {
		return DefaultClientScopes
	}
	scopes := make([]string, 0, len(raw))
	for _, s := range raw {
		if scope, ok := s.(string); ok {
			scopes = append(scopes, scope)
		}
	}
	return scopes
}

func bearerToken(c *gin.Context) (string, bool) {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// extractKey retrieves the secret key from the X-Settle-Key header.
func extractKey(c *gin.Context) string {
	return c.GetHeader(KeyHeader)
}

// ClientID returns the client the request acts for. Operators name it with
// the X-Settle-Client header.
func ClientID(c *gin.Context) string {
	return c.GetString(ClientIDKey)
}

// IsOperator reports whether the request was authenticated with the secret key.
func IsOperator(c *gin.Context) bool {
	return c.GetBool(OperatorKey)
}

// RequireOperator rejects requests that were not authenticated with the secret key.
func RequireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsOperator(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "FORBIDDEN",
				"message": "operator credentials required",
			})
			return
		}
		c.Next()
	}
}
