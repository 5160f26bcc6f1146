package validation

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirst_ReturnsFirstFailure(t *testing.T) {
	err := First(
		Required("childKey", "mia"),
		InRange("delta", 0, 1, 1000),
		Required("reason", ""),
	)
	require.Error(t, err)

	var fe *FieldError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "delta", fe.Field)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestFirst_AllPass(t *testing.T) {
	assert.NoError(t, First(
		Required("childKey", "mia"),
		MaxLength("reason", "helped cook", 200),
		InRange("delta", 5, 1, 1000),
		OneOf("direction", "credit", "credit", "debit"),
	))
}

func TestRules(t *testing.T) {
	assert.NotNil(t, Required("x", "   ")())
	assert.Nil(t, MaxLength("x", "ééé", 3)(), "length counts characters not bytes")
	assert.NotNil(t, MaxLength("x", "abcd", 3)())
	assert.NotNil(t, InRange("x", 1001, 1, 1000)())
	assert.Nil(t, InRange("x", 1000, 1, 1000)())

	fe := OneOf("direction", "sideways", "credit", "debit")()
	require.NotNil(t, fe)
	assert.Equal(t, "must be one of credit, debit", fe.Message)
}

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, "mia", NormalizeKey("  Mia "))
	assert.Equal(t, "", NormalizeKey("   "))
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "chores", SanitizeString(" cho\x00res "))
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/echo", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("short")))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("much too long body")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
