package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "test-signing-key"

func TestIssueAndParse(t *testing.T) {
	pair, err := Issue("a@x.edu", "Student", "classcheck", testKey, time.Minute, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)

	claims, err := Parse(pair.AccessToken, testKey, "classcheck")
	require.NoError(t, err)
	assert.Equal(t, "a@x.edu", claims.Identity)
	assert.Equal(t, "Student", claims.Role)
}

func TestParseRejections(t *testing.T) {
	pair, err := Issue("a@x.edu", "Student", "classcheck", testKey, time.Minute, time.Hour)
	require.NoError(t, err)
	expired, err := Issue("a@x.edu", "Student", "classcheck", testKey, -time.Minute, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		key    string
		issuer string
	}{
		{"wrong key", pair.AccessToken, "other-key", "classcheck"},
		{"wrong issuer", pair.AccessToken, testKey, "someone-else"},
		{"expired", expired.AccessToken, testKey, "classcheck"},
		{"garbage", "not.a.token", testKey, "classcheck"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.token, tt.key, tt.issuer)
			assert.Error(t, err)
		})
	}
}

func TestRequireMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ping", Require(testKey, "classcheck"), func(c *gin.Context) {
		claims, ok := FromContext(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"identity": claims.Identity})
	})

	pair, err := Issue("a@x.edu", "Student", "classcheck", testKey, time.Minute, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"valid", "Bearer " + pair.AccessToken, http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ping", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestRequireRole(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/t", Require(testKey, ""), RequireRole("Teacher"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	student, err := Issue("a@x.edu", "student", "", testKey, time.Minute, time.Hour)
	require.NoError(t, err)
	teacher, err := Issue("t@x.edu", "TEACHER", "", testKey, time.Minute, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/t", nil)
	req.Header.Set("Authorization", "Bearer "+student.AccessToken)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// role comparison is case-insensitive
	req = httptest.NewRequest(http.MethodGet, "/t", nil)
	req.Header.Set("Authorization", "Bearer "+teacher.AccessToken)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
