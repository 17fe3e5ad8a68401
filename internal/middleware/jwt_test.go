package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waresync/internal/common"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func runRequest(t *testing.T, authHeader string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var gotOperator string
	handler := JWTMiddleware(testSecret)(func(c echo.Context) error {
		gotOperator, _ = common.GetOperatorIDFromContext(c.Request().Context())
		return c.NoContent(http.StatusOK)
	})

	if err := handler(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec, gotOperator
}

func TestJWTMiddlewareSetsOperator(t *testing.T) {
	token := signToken(t, jwt.MapClaims{"sub": "op-7", "name": "Chen"})

	rec, operator := runRequest(t, "Bearer "+token)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "op-7", operator)
}

func TestJWTMiddlewareRejectsMissingToken(t *testing.T) {
	rec, _ := runRequest(t, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWTMiddlewareRejectsBadSignature(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "op-7"})
	signed, err := token.SignedString([]byte("other-secret"))
	require.NoError(t, err)

	rec, _ := runRequest(t, "Bearer "+signed)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWTMiddlewareRejectsMissingSubject(t *testing.T) {
	token := signToken(t, jwt.MapClaims{"name": "Chen"})

	rec, _ := runRequest(t, "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
