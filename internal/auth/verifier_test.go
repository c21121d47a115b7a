package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelworld/parcel/internal/cache"
	"github.com/parcelworld/parcel/internal/domain"
)

func silentLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func TestVerifyLocalToken(t *testing.T) {
	svc := NewService("secret-key", "", nil, silentLogger())

	token := MintToken("secret-key", "user-1", time.Hour)
	userID, err := svc.Verify(context.Background(), token)
	assert.NoError(t, err)
	assert.Equal(t, "user-1", userID)
}

func TestVerifyLocalTokenFailures(t *testing.T) {
	svc := NewService("secret-key", "", nil, silentLogger())

	expired := MintToken("secret-key", "user-1", -time.Minute)
	wrongKey := MintToken("other-key", "user-1", time.Hour)
	tampered := strings.Replace(MintToken("secret-key", "user-1", time.Hour), "user-1", "user-2", 1)

	testCases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "v1.not.a.token"},
		{"expired", expired},
		{"wrong key", wrongKey},
		{"tampered uid", tampered},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Verify(context.Background(), tc.token)
			assert.Error(t, err)
			assert.Equal(t, domain.CodeAuthFailed, domain.CodeOf(err))
		})
	}
}

func TestVerifyRemote(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Token string `json:"token"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		if body.Token == "good-token" {
			_ = json.NewEncoder(w).Encode(map[string]string{"user_id": "user-9"})
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	svc := NewService("", ts.URL, nil, silentLogger())

	userID, err := svc.Verify(context.Background(), "good-token")
	assert.NoError(t, err)
	assert.Equal(t, "user-9", userID)

	_, err = svc.Verify(context.Background(), "bad-token")
	assert.Error(t, err)
	assert.Equal(t, domain.CodeAuthFailed, domain.CodeOf(err))
}

func TestVerifyRefreshTokenFallback(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`CREATE TABLE refresh_tokens (token_hash TEXT PRIMARY KEY,
		user_id TEXT NOT NULL, expires_at INTEGER NOT NULL, created_at INTEGER NOT NULL)`)
	require.NoError(t, err)

	tokens := cache.NewTokenStore(db, silentLogger())
	require.NoError(t, tokens.Save("user-3", "opaque-abc", time.Hour))

	// Secret configured, but the token is not v1.* so it falls through to
	// the token store.
	svc := NewService("secret-key", "", tokens, silentLogger())

	userID, err := svc.Verify(context.Background(), "opaque-abc")
	assert.NoError(t, err)
	assert.Equal(t, "user-3", userID)

	_, err = svc.Verify(context.Background(), "opaque-unknown")
	assert.Error(t, err)
	assert.Equal(t, domain.CodeAuthFailed, domain.CodeOf(err))
}
