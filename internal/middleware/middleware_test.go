package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stemsi/exstem-assessment/internal/response"
	"github.com/stemsi/exstem-assessment/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "middleware-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func signToken(t *testing.T, subject string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func errorCode(t *testing.T, body []byte) response.ErrCode {
	t.Helper()
	var resp response.Response
	require.NoError(t, json.Unmarshal(body, &resp))
	require.NotNil(t, resp.Error)
	return resp.Error.Code
}

func TestRequireJWT(t *testing.T) {
	r := gin.New()
	r.GET("/me", RequireJWT(service.NewTokenVerifier(testSecret)), func(c *gin.Context) {
		c.String(http.StatusOK, UserID(c))
	})

	tests := []struct {
		name   string
		setup  func(req *http.Request)
		status int
		code   response.ErrCode
		body   string
	}{
		{
			name:   "missing token",
			setup:  func(*http.Request) {},
			status: http.StatusUnauthorized,
			code:   response.ErrTokenRequired,
		},
		{
			name: "bearer header",
			setup: func(req *http.Request) {
				req.Header.Set("Authorization", "Bearer "+signToken(t, "user-7", time.Now().Add(time.Hour)))
			},
			status: http.StatusOK,
			body:   "user-7",
		},
		{
			name: "query token",
			setup: func(req *http.Request) {
				q := req.URL.Query()
				q.Set("token", signToken(t, "user-8", time.Now().Add(time.Hour)))
				req.URL.RawQuery = q.Encode()
			},
			status: http.StatusOK,
			body:   "user-8",
		},
		{
			name: "expired",
			setup: func(req *http.Request) {
				req.Header.Set("Authorization", "Bearer "+signToken(t, "user-7", time.Now().Add(-time.Hour)))
			},
			status: http.StatusUnauthorized,
			code:   response.ErrTokenExpired,
		},
		{
			name: "garbage",
			setup: func(req *http.Request) {
				req.Header.Set("Authorization", "Bearer not-a-jwt")
			},
			status: http.StatusUnauthorized,
			code:   response.ErrTokenInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			tt.setup(req)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.code != "" {
				assert.Equal(t, tt.code, errorCode(t, w.Body.Bytes()))
			} else {
				assert.Equal(t, tt.body, w.Body.String())
			}
		})
	}
}

func TestRateLimiter_PerUser(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	now := time.Now()
	rl.now = func() time.Time { return now }

	assert.True(t, rl.allow("a"))
	assert.True(t, rl.allow("a"))
	assert.False(t, rl.allow("a"))
	assert.True(t, rl.allow("b"), "buckets are independent")

	now = now.Add(time.Minute)
	assert.True(t, rl.allow("a"), "bucket refills after the interval")

	now = now.Add(time.Hour)
	rl.sweep(time.Minute)
	rl.mu.Lock()
	assert.Empty(t, rl.visitors)
	rl.mu.Unlock()
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	r := gin.New()
	r.GET("/", rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, response.ErrRateLimitExceeded, errorCode(t, w.Body.Bytes()))
}

func TestBrotli(t *testing.T) {
	big := strings.Repeat("assessment ", 500)
	r := gin.New()
	r.Use(Brotli(), NoStore())
	r.GET("/big", func(c *gin.Context) { c.String(http.StatusOK, big) })
	r.GET("/small", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	t.Run("compresses large bodies", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/big", nil)
		req.Header.Set("Accept-Encoding", "gzip, br;q=1.0")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, "br", w.Header().Get("Content-Encoding"))
		assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
		plain, err := io.ReadAll(brotli.NewReader(bytes.NewReader(w.Body.Bytes())))
		require.NoError(t, err)
		assert.Equal(t, big, string(plain))
	})

	t.Run("passes small bodies through", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/small", nil)
		req.Header.Set("Accept-Encoding", "br")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Empty(t, w.Header().Get("Content-Encoding"))
		assert.Equal(t, "ok", w.Body.String())
	})

	t.Run("ignores clients without br", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/big", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Empty(t, w.Header().Get("Content-Encoding"))
		assert.Equal(t, big, w.Body.String())
	})
}
