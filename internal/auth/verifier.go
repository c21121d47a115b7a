// Package auth verifies bearer tokens presented by clients. Token issuance
// lives in the external auth service; this package only establishes the
// trust boundary: given an opaque bearer string, resolve the user id or
// fail.
//
// Three verification paths, tried in order:
//  1. Local HMAC tokens ("v1.<uid>.<exp>.<sig>") signed with the shared
//     secret. No network round trip.
//  2. Remote verification against the auth service when a verify URL is
//     configured.
//  3. The refresh-token store, for opaque tokens minted by the auth
//     service and synced into the cache database.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/parcelworld/parcel/internal/cache"
	"github.com/parcelworld/parcel/internal/domain"
)

// Verifier resolves a bearer token to a user id.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// Service is the production Verifier.
type Service struct {
	secret    []byte
	verifyURL string
	client    *resty.Client
	tokens    *cache.TokenStore
	log       zerolog.Logger
}

// NewService creates a verifier. secret enables local HMAC verification,
// verifyURL enables remote verification; at least one must be non-empty
// (enforced by config validation). tokens may be nil to disable the
// refresh-token fallback.
func NewService(secret, verifyURL string, tokens *cache.TokenStore, log zerolog.Logger) *Service {
	s := &Service{
		verifyURL: verifyURL,
		tokens:    tokens,
		log:       log.With().Str("component", "auth").Logger(),
	}
	if secret != "" {
		s.secret = []byte(secret)
	}
	if verifyURL != "" {
		s.client = resty.New().
			SetTimeout(5 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(200 * time.Millisecond).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r.StatusCode() >= 500
			}).
			SetHeader("Content-Type", "application/json")
	}
	return s
}

// Verify resolves token to a user id or returns an AUTH_FAILED error.
func (s *Service) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", domain.ErrAuthFailed("missing token")
	}

	if s.secret != nil && strings.HasPrefix(token, "v1.") {
		return s.verifyLocal(token)
	}

	if s.client != nil {
		return s.verifyRemote(ctx, token)
	}

	if s.tokens != nil {
		userID, err := s.tokens.Lookup(token)
		if err != nil {
			return "", fmt.Errorf("failed to look up token: %w", err)
		}
		if userID != "" {
			return userID, nil
		}
	}

	return "", domain.ErrAuthFailed("invalid token")
}

// verifyLocal checks an HMAC token: v1.<uid>.<expiresUnix>.<hex sig>.
func (s *Service) verifyLocal(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 4 {
		return "", domain.ErrAuthFailed("malformed token")
	}
	userID, expStr, sig := parts[1], parts[2], parts[3]

	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return "", domain.ErrAuthFailed("malformed token expiry")
	}
	if time.Now().Unix() > exp {
		return "", domain.ErrAuthFailed("token expired")
	}

	want := signToken(s.secret, userID, exp)
	got, err := hex.DecodeString(sig)
	if err != nil || !hmac.Equal(got, want) {
		return "", domain.ErrAuthFailed("bad token signature")
	}

	return userID, nil
}

// verifyRemote asks the auth service whether the token is good.
func (s *Service) verifyRemote(ctx context.Context, token string) (string, error) {
	var result struct {
		UserID string `json:"user_id"`
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"token": token}).
		SetResult(&result).
		Post(s.verifyURL)
	if err != nil {
		return "", fmt.Errorf("failed to reach token verifier: %w", err)
	}

	if resp.StatusCode() != 200 || result.UserID == "" {
		s.log.Debug().Int("status", resp.StatusCode()).Msg("Remote token verification rejected")
		return "", domain.ErrAuthFailed("token rejected by verifier")
	}

	return result.UserID, nil
}

// MintToken creates a local HMAC token. Used by operational tooling and
// tests; production tokens come from the auth service.
func MintToken(secret, userID string, ttl time.Duration) string {
	exp := time.Now().Add(ttl).Unix()
	sig := signToken([]byte(secret), userID, exp)
	return fmt.Sprintf("v1.%s.%d.%s", userID, exp, hex.EncodeToString(sig))
}

func signToken(secret []byte, userID string, exp int64) []byte {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s.%d", userID, exp)
	return mac.Sum(nil)
}
