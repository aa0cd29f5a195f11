package http

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"irma-supervisor/internal/archive"
)

func TestEndpointsLifecycle(t *testing.T) {
	handler, err := NewEndpointsHandler(archive.NewMemoryEndpoints(), nil)
	require.NoError(t, err)

	do := func(method, body string) *httptest.ResponseRecorder {
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, httptest.NewRequest(method, "/api/v1/archive/endpoints", strings.NewReader(body)))
		return resp
	}

	assert.Equal(t, http.StatusNoContent, do(http.MethodPost, `{"endpoint":"https://archive.example/in"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(http.MethodPost, `{"endpoint":"mailto:ops"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(http.MethodPost, `{}`).Code)

	resp := do(http.MethodGet, "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"endpoints":["https://archive.example/in"]}`, resp.Body.String())

	assert.Equal(t, http.StatusNoContent, do(http.MethodDelete, `{"endpoint":"https://archive.example/in"}`).Code)
	assert.Equal(t, http.StatusNotFound, do(http.MethodDelete, `{"endpoint":"https://archive.example/in"}`).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(http.MethodPut, "").Code)
}
