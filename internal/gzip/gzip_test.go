package gzip

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

func TestGzipMiddleware(t *testing.T) {
	h := GzipMiddleware(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		w.Write(append([]byte("echo:"), body...))
	})

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	r := httptest.NewRequest(http.MethodPost, "/", &buf)
	r.Header.Set("Content-Encoding", "gzip")
	r.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	h(w, r)

	require.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
	zr, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(zr)
	require.NoError(t, err)
	require.Equal(t, "echo:hello", string(body))
}

func TestGzipMiddlewarePlain(t *testing.T) {
	h := GzipMiddleware(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain"))
	})
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Empty(t, w.Header().Get("Content-Encoding"))
	require.Equal(t, "plain", w.Body.String())
}

func TestGzipMiddlewareBadBody(t *testing.T) {
	h := GzipMiddleware(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not be called")
	})
	r := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte("not gzip")))
	r.Header.Set("Content-Encoding", "gzip")
	w := httptest.NewRecorder()
	h(w, r)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
