package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func decode(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return resp
}

func TestHelpers(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name     string
		send     func(c *gin.Context)
		wantCode int
		wantErr  string
	}{
		{"success", func(c *gin.Context) { Success(c, gin.H{"ok": true}) }, http.StatusOK, ""},
		{"not found", func(c *gin.Context) { NotFound(c, "missing") }, http.StatusNotFound, ErrCodeNotFound},
		{"bad request", func(c *gin.Context) { BadRequest(c, "bad") }, http.StatusBadRequest, ErrCodeBadRequest},
		{"validation", func(c *gin.Context) { ValidationFailed(c, "api_key is required") }, http.StatusBadRequest, ErrCodeValidationFailed},
		{"conflict", func(c *gin.Context) { Conflict(c, "running") }, http.StatusConflict, ErrCodeConflict},
		{"rate limited", func(c *gin.Context) { TooManyRequests(c, "slow down") }, http.StatusTooManyRequests, ErrCodeRateLimited},
		{"unavailable", func(c *gin.Context) { Unavailable(c, "disk full") }, http.StatusServiceUnavailable, ErrCodeUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

			tt.send(c)

			if w.Code != tt.wantCode {
				t.Errorf("Expected status %d, got %d", tt.wantCode, w.Code)
			}
			resp := decode(t, w)
			if tt.wantErr == "" {
				if !resp.Success || resp.Error != nil {
					t.Errorf("Expected success, got %+v", resp)
				}
				return
			}
			if resp.Success || resp.Error == nil || resp.Error.Code != tt.wantErr {
				t.Errorf("Expected error code %s, got %+v", tt.wantErr, resp.Error)
			}
		})
	}
}

func TestUnexpectedHidesDetail(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	Unexpected(c, errors.New("sql: connection string with password"))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", w.Code)
	}
	resp := decode(t, w)
	if resp.Error == nil || resp.Error.Message != "An unexpected error occurred" {
		t.Errorf("Expected generic message, got %+v", resp.Error)
	}
}
