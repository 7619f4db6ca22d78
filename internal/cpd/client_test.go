package cpd

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientDoRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("busy"))
			return
		}
		assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
		assert.Equal(t, "space-1", r.URL.Query().Get("space_id"))
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, WithRetry(5, time.Millisecond), WithTokenSource(StaticToken("abc")))

	var out struct {
		OK bool `json:"ok"`
	}
	err := client.DoJSON(context.Background(), http.MethodGet, "/v2/assets", &out, Query(url.Values{"space_id": {"space-1"}}))
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientDoExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer server.Close()

	client := NewClient(server.URL, WithRetry(3, time.Millisecond))

	_, err := client.Do(context.Background(), http.MethodGet, "/fail")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maximum retry reached")
	assert.True(t, IsStatus(err, http.StatusInternalServerError))
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientDoAcceptedCodes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(server.URL, WithRetry(1, 0))

	resp, err := client.Do(context.Background(), http.MethodGet, "/missing", Accept(http.StatusOK, http.StatusNotFound))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClientJSONBodyIsResentOnRetry(t *testing.T) {
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		bodies = append(bodies, payload["name"])
		if len(bodies) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := NewClient(server.URL, WithRetry(2, time.Millisecond))

	_, err := client.Do(context.Background(), http.MethodPost, "/items", JSONBody(map[string]string{"name": "a"}), Accept(http.StatusCreated))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "a"}, bodies)
}

func TestClientURL(t *testing.T) {
	client := NewClient("https://cpd.example.com/")

	assert.Equal(t, "https://cpd.example.com/v2/assets", client.URL("v2/assets"))
	assert.Equal(t, "https://other.example.com/x", client.URL("https://other.example.com/x"))
	assert.Equal(t, "https://wos.example.com/v2", client.WithBaseURL("https://wos.example.com").URL("/v2"))
}

func signedToken(t *testing.T, expiry time.Time) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "admin",
		ExpiresAt: jwt.NewNumericDate(expiry),
	})
	signed, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)
	return signed
}

func TestCredentialsTokenSource(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	var logins atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, authorizePath, r.URL.Path)

		var creds Credentials
		require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
		assert.Equal(t, Credentials{Username: "admin", APIKey: "key"}, creds)

		logins.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{"token": signedToken(t, now.Add(10*time.Minute))})
	}))
	defer server.Close()

	source := NewCredentialsTokenSource(NewClient(server.URL, WithRetry(1, 0)), Credentials{Username: "admin", APIKey: "key"})
	source.now = func() time.Time { return now }

	first, err := source.Token(context.Background())
	require.NoError(t, err)

	second, err := source.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), logins.Load())

	source.now = func() time.Time { return now.Add(9*time.Minute + 30*time.Second) }
	_, err = source.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), logins.Load())
}

func TestTokenExpiry(t *testing.T) {
	expiry := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, TokenExpiry(signedToken(t, expiry)).Equal(expiry))
	assert.True(t, TokenExpiry("not-a-jwt").IsZero())
}

func TestGetAccessTokenMissingToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	_, err := GetAccessToken(context.Background(), NewClient(server.URL, WithRetry(1, 0)), Credentials{Username: "admin"})
	assert.ErrorContains(t, err, "has no token")
}

func TestClientDownloadFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("model weights"))
	}))
	defer server.Close()

	dst := filepath.Join(t.TempDir(), "nested", "model.zip")
	client := NewClient(server.URL, WithRetry(1, 0))

	require.NoError(t, client.DownloadFile(context.Background(), "/v2/asset_files/model.zip", dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "model weights", string(data))
	assert.NoFileExists(t, dst+".part")
}

func TestClientMultipartFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("upFile")
		require.NoError(t, err)
		defer file.Close()

		data, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, "scores.log", header.Filename)
		assert.Equal(t, "dice 0.9", string(data))
	}))
	defer server.Close()

	client := NewClient(server.URL, WithRetry(1, 0))

	_, err := client.Do(context.Background(), http.MethodPut, "/files/scores.log",
		MultipartFile("upFile", "scores.log", OpenBytes([]byte("dice 0.9"))))
	require.NoError(t, err)
}
