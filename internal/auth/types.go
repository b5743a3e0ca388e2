package auth

// Roles an operator token may carry
const (
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// OperatorClaims identifies the caller of the control API
type OperatorClaims struct {
	Operator string `json:"operator"`
	Role     string `json:"role"`
}

// CanOperate reports whether the claims allow state-changing requests
func (c OperatorClaims) CanOperate() bool {
	return c.Role == RoleOperator
}

// TokenResponse is returned when a token is issued
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"` // seconds
	TokenType   string `json:"token_type"`
}

type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e AuthError) Error() string {
	return e.Message
}

// Common authentication errors
var (
	ErrInvalidToken = AuthError{Code: "INVALID_TOKEN", Message: "invalid or expired token"}
	ErrTokenExpired = AuthError{Code: "TOKEN_EXPIRED", Message: "token has expired"}
	ErrUnauthorized = AuthError{Code: "UNAUTHORIZED", Message: "unauthorized access"}
	ErrForbidden    = AuthError{Code: "FORBIDDEN", Message: "access forbidden"}
	ErrInvalidRole  = AuthError{Code: "INVALID_ROLE", Message: "role must be operator or viewer"}
)
