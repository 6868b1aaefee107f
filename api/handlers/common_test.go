package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BaSui01/fedgate/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 Common 函数测试
// =============================================================================

func TestWriteJSON(t *testing.T) {
	tests := []struct {
		name       string
		data       any
		wantStatus int
	}{
		{
			name:       "simple object",
			data:       map[string]string{"message": "hello"},
			wantStatus: http.StatusOK,
		},
		{
			name:       "array",
			data:       []int{1, 2, 3},
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteJSON(w, tt.wantStatus, tt.data)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
			assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
		})
	}
}

func TestWriteSuccess(t *testing.T) {
	w := httptest.NewRecorder()
	WriteSuccess(w, map[string]string{"key": "value"})

	assert.Equal(t, http.StatusOK, w.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.NotNil(t, resp.Data)
	assert.Nil(t, resp.Error)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name           string
		err            *types.Error
		expectedStatus int
	}{
		{"invalid request", types.NewError(types.ErrInvalidRequest, "bad selector"), http.StatusBadRequest},
		{"too large", types.NewError(types.ErrTooLarge, "too many granules"), http.StatusRequestEntityTooLarge},
		{"unavailable", types.NewError(types.ErrServiceUnavailable, "no endpoint"), http.StatusServiceUnavailable},
		{"explicit status", types.NewError(types.ErrInvalidRequest, "nope").WithHTTPStatus(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed},
		{"spill io", types.NewError(types.ErrSpillIO, "disk full"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err, zap.NewNop())

			assert.Equal(t, tt.expectedStatus, w.Code)

			var resp Response
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.err.Code), resp.Error.Code)
			assert.Equal(t, tt.err.Message, resp.Error.Message)
		})
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNoContent, StatusFor(types.NewError(types.ErrNoData, "")))
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor(types.NewError(types.ErrResolution, "")))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(errors.New("plain")))
}

// =============================================================================
// 🧪 FDSN 错误文档
// =============================================================================

func TestFDSNErrorDocument(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://gw.example/fdsnws/station/1/query?net=XX&level=foo", nil)
	submitted := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	info := ServiceInfo{DocumentationURL: "https://www.fdsn.org/webservices/", Version: "1.2.3"}

	doc := FDSNErrorDocument(r, http.StatusBadRequest,
		types.NewError(types.ErrInvalidRequest, "invalid level \"foo\""), info, submitted)

	want := "Error 400: Bad Request\n\n" +
		"invalid level \"foo\"\n\n" +
		"Usage details are available from https://www.fdsn.org/webservices/\n\n" +
		"Request:\nhttp://gw.example/fdsnws/station/1/query?net=XX&level=foo\n\n" +
		"Request Submitted:\n2024-03-01T12:30:00.000000\n\n" +
		"Service version:\n1.2.3\n"
	assert.Equal(t, want, doc)
}

func TestFDSNErrorDocument_HidesInternalCause(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/fdsnws/dataselect/1/query", nil)
	err := types.NewError(types.ErrResolution, "routing service unavailable").
		WithCause(errors.New("dial tcp 10.0.0.1:8000: connection refused"))

	doc := FDSNErrorDocument(r, http.StatusServiceUnavailable, err, ServiceInfo{}, time.Now())
	assert.Contains(t, doc, "Error 503: Service Unavailable")
	assert.Contains(t, doc, "routing service unavailable")
	assert.NotContains(t, doc, "10.0.0.1")

	doc = FDSNErrorDocument(r, http.StatusInternalServerError, errors.New("secret"), ServiceInfo{}, time.Now())
	assert.NotContains(t, doc, "secret")
}

func TestWriteFDSNError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/fdsnws/dataselect/1/query", nil)
	WriteFDSNError(w, r, http.StatusRequestEntityTooLarge, types.NewError(types.ErrTooLarge, "too long"), ServiceInfo{}, time.Now())

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(w.Body.String(), "Error 413: Request Entity Too Large\n"))
}

// =============================================================================
// 🧪 ResponseWriter
// =============================================================================

func TestResponseWriter(t *testing.T) {
	w := httptest.NewRecorder()
	rw := NewResponseWriter(w)

	assert.Equal(t, http.StatusOK, rw.StatusCode)
	assert.False(t, rw.Written)

	rw.WriteHeader(http.StatusCreated)
	assert.Equal(t, http.StatusCreated, rw.StatusCode)
	assert.True(t, rw.Written)

	// 再次写入应该被忽略
	rw.WriteHeader(http.StatusBadRequest)
	assert.Equal(t, http.StatusCreated, rw.StatusCode)

	n, err := rw.Write([]byte("test"))
	assert.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, int64(4), rw.Bytes)
}

func TestResponseWriter_FlushThroughController(t *testing.T) {
	w := httptest.NewRecorder()
	rw := NewResponseWriter(w)

	require.NoError(t, http.NewResponseController(rw).Flush())
	assert.True(t, w.Flushed)
	assert.Same(t, w, rw.Unwrap())
}
