package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	mu       sync.Mutex
	messages []ectologger.EctoLogMessage
}

func (c *captured) logger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(msg ectologger.EctoLogMessage) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.messages = append(c.messages, msg)
	})
}

func newServer(logs *captured) *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = Error(logs.logger())
	e.Use(Context())
	e.Use(Logger(logs.logger()))
	return e
}

func TestContext_RequestID(t *testing.T) {
	e := newServer(&captured{})
	var seen string
	e.GET("/ping", func(c echo.Context) error {
		seen = GetRequestID(c.Request().Context())
		return c.NoContent(http.StatusNoContent)
	})

	t.Run("generated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, rec.Header().Get(echo.HeaderXRequestID))
	})

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set(echo.HeaderXRequestID, "req-123")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		assert.Equal(t, "req-123", seen)
		assert.Equal(t, "req-123", rec.Header().Get(echo.HeaderXRequestID))
	})
}

func TestError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantMessage string
	}{
		{"http error keeps its status", httperror.NewHTTPError(http.StatusNotFound, "source record not found"), http.StatusNotFound, "source record not found"},
		{"echo error", echo.NewHTTPError(http.StatusBadRequest, "bad body"), http.StatusBadRequest, "bad body"},
		{"plain error is hidden", errors.New("pq: connection refused"), http.StatusInternalServerError, "Internal Server Error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newServer(&captured{})
			e.GET("/fail", func(c echo.Context) error { return tt.err })

			req := httptest.NewRequest(http.MethodGet, "/fail", nil)
			req.Header.Set(echo.HeaderXRequestID, "req-1")
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantMessage, body.Message)
			assert.Equal(t, "req-1", body.RequestID)
		})
	}
}

func TestLogger_OneLinePerRequest(t *testing.T) {
	logs := &captured{}
	e := newServer(logs)
	e.GET("/ok", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))

	logs.mu.Lock()
	defer logs.mu.Unlock()
	assert.Len(t, logs.messages, 1)
}
