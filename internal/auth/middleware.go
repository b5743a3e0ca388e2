package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ContextKeyClaims = "operator_claims"

// Middleware rejects requests without a valid bearer token.
// A nil manager disables authentication.
func Middleware(jwtManager *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if jwtManager == nil {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abort(c, http.StatusUnauthorized, ErrUnauthorized.Code, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			abort(c, http.StatusUnauthorized, ErrUnauthorized.Code, "invalid authorization header format")
			return
		}

		claims, err := jwtManager.ValidateToken(parts[1])
		if err != nil {
			authErr, ok := err.(AuthError)
			if !ok {
				authErr = ErrInvalidToken
			}
			abort(c, http.StatusUnauthorized, authErr.Code, authErr.Message)
			return
		}

		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// RequireOperator blocks viewer tokens from state-changing routes
func RequireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		v, exists := c.Get(ContextKeyClaims)
		if !exists {
			// authentication disabled
			c.Next()
			return
		}
		if claims, ok := v.(*OperatorClaims); !ok || !claims.CanOperate() {
			abort(c, http.StatusForbidden, ErrForbidden.Code, "operator role required")
			return
		}
		c.Next()
	}
}

// GetOperator returns the authenticated operator name, or "" when auth is off
func GetOperator(c *gin.Context) string {
	if v, exists := c.Get(ContextKeyClaims); exists {
		if claims, ok := v.(*OperatorClaims); ok {
			return claims.Operator
		}
	}
	return ""
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error":   code,
		"message": message,
	})
}
