package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func brotliRouter(body string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(BrotliWithConfig(BrotliConfig{MinLength: 64}))
	r.GET("/status", func(c *gin.Context) {
		c.String(http.StatusOK, body)
	})
	return r
}

func TestBrotliCompressesLargeBodies(t *testing.T) {
	body := strings.Repeat(`{"type":"TAB_SWITCH"},`, 50)
	r := brotliRouter(body)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Accept-Encoding", "gzip, br;q=1.0")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, "br", w.Header().Get("Content-Encoding"))
	decoded, err := io.ReadAll(brotli.NewReader(w.Body))
	require.NoError(t, err)
	require.Equal(t, body, string(decoded))
}

func TestBrotliPassesSmallBodiesThrough(t *testing.T) {
	r := brotliRouter("ok")

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Accept-Encoding", "br")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Empty(t, w.Header().Get("Content-Encoding"))
	require.Equal(t, "ok", w.Body.String())
}

func TestBrotliRequiresAcceptEncoding(t *testing.T) {
	body := strings.Repeat("x", 200)
	r := brotliRouter(body)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Empty(t, w.Header().Get("Content-Encoding"))
	require.Equal(t, body, w.Body.String())
}
