package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/brandlens/brandlens-backend/internal/http/response"
	"github.com/brandlens/brandlens-backend/internal/platform/ctxutil"
	"github.com/brandlens/brandlens-backend/internal/platform/envutil"
)

var (
	errMissingToken = errors.New("missing auth token")
	errInvalidToken = errors.New("invalid auth token")
	errNotOperator  = errors.New("operator access required")
)

// extractToken looks for the token in the Authorization header first,
// then falls back to the token query param so EventSource clients can
// authenticate without custom headers.
func extractToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.Query("token")
}

type authClaims struct {
	CompanyID string `json:"company_id"`
	Operator  bool   `json:"operator"`
	jwt.RegisteredClaims
}

// RequireAuth validates the caller's JWT and attaches the decoded
// identity to the request context for downstream handlers.
func RequireAuth() gin.HandlerFunc {
	secret := []byte(envutil.String("JWT_SECRET", ""))
	return func(c *gin.Context) {
		raw := extractToken(c)
		if raw == "" {
			response.RespondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", errMissingToken)
			c.Abort()
			return
		}
		claims := &authClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errInvalidToken
			}
			return secret, nil
		})
		if err != nil || !token.Valid {
			response.RespondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", errInvalidToken)
			c.Abort()
			return
		}
		companyID, err := uuid.Parse(claims.CompanyID)
		if err != nil && !claims.Operator {
			response.RespondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", errInvalidToken)
			c.Abort()
			return
		}
		ctx := ctxutil.WithRequestData(c.Request.Context(), ctxutil.RequestData{
			CompanyID: companyID,
			Operator:  claims.Operator,
		})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireOperator gates admin routes. It must run after RequireAuth.
func RequireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		rd, ok := ctxutil.GetRequestData(c.Request.Context())
		if !ok || !rd.Operator {
			response.RespondError(c, http.StatusForbidden, "FORBIDDEN", errNotOperator)
			c.Abort()
			return
		}
		c.Next()
	}
}
