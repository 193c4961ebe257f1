package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capRequest struct {
	LimitCents int64  `json:"limit_cents" binding:"required,gt=0"`
	Reason     string `json:"reason" binding:"required,max=32"`
}

func validationRouter() *gin.Engine {
	SetupValidator()
	r := gin.New()
	r.POST("/spend-cap", func(c *gin.Context) {
		var req capRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			HandleValidationError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	})
	return r
}

func postJSON(r *gin.Engine, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/spend-cap", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSetupValidator(t *testing.T) {
	SetupValidator()

	v, ok := binding.Validator.Engine().(*validator.Validate)
	require.True(t, ok)
	assert.NotNil(t, v)
}

func TestHandleValidationError_FieldErrors(t *testing.T) {
	r := validationRouter()

	w := postJSON(r, `{"limit_cents": 0, "reason": ""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp struct {
		Success bool `json:"success"`
		Error   struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Details []struct {
				Field   string `json:"field"`
				Message string `json:"message"`
			} `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.False(t, resp.Success)
	assert.Equal(t, "ERR_VALIDATION", resp.Error.Code)
	assert.Equal(t, "Request validation failed", resp.Error.Message)
	require.Len(t, resp.Error.Details, 2)

	// Field names come from JSON tags, not Go identifiers.
	fields := []string{resp.Error.Details[0].Field, resp.Error.Details[1].Field}
	assert.Contains(t, fields, "limit_cents")
	assert.Contains(t, fields, "reason")
}

func TestHandleValidationError_MalformedJSON(t *testing.T) {
	r := validationRouter()

	w := postJSON(r, `{"limit_cents": `)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "ERR_BAD_REQUEST")
	assert.NotContains(t, w.Body.String(), "ERR_VALIDATION")
}

func TestHandleValidationError_ValidPayloadPasses(t *testing.T) {
	r := validationRouter()

	w := postJSON(r, `{"limit_cents": 50000, "reason": "monthly budget"}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestValidationMessage(t *testing.T) {
	type probe struct {
		Required string `binding:"required"`
		Email    string `binding:"omitempty,email"`
		Min      string `binding:"omitempty,min=5"`
		Max      string `binding:"omitempty,max=3"`
		Len      string `binding:"omitempty,len=5"`
		UUID     string `binding:"omitempty,uuid"`
		OneOf    string `binding:"omitempty,oneof=free pro team"`
		GTE      int    `binding:"omitempty,gte=10"`
		URL      string `binding:"omitempty,url"`
		Numeric  string `binding:"omitempty,numeric"`
	}

	v := validator.New()
	v.SetTagName("binding")

	obj := probe{
		Email:   "not-an-email",
		Min:     "ab",
		Max:     "abcd",
		Len:     "ab",
		UUID:    "nope",
		OneOf:   "enterprise",
		GTE:     5,
		URL:     "not a url",
		Numeric: "abc",
	}
	err := v.Struct(obj)
	require.Error(t, err)

	want := map[string]string{
		"Required": "This field is required",
		"Email":    "Invalid email format",
		"Min":      "Must be at least 5 characters",
		"Max":      "Must be at most 3 characters",
		"Len":      "Must be exactly 5 characters",
		"UUID":     "Invalid UUID format",
		"OneOf":    "Must be one of: free pro team",
		"GTE":      "Must be greater than or equal to 10",
		"URL":      "Invalid URL format",
		"Numeric":  "Must be numeric",
	}

	verrs := err.(validator.ValidationErrors)
	seen := map[string]bool{}
	for _, e := range verrs {
		t.Run(e.Field(), func(t *testing.T) {
			assert.Equal(t, want[e.Field()], validationMessage(e))
		})
		seen[e.Field()] = true
	}
	for field := range want {
		assert.True(t, seen[field], "no error produced for %s", field)
	}
}
