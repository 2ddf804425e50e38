// Copyright 2024 The Histlog Authors
// This file is part of Histlog.
//
// Histlog is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Histlog is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Histlog. If not, see <http://www.gnu.org/licenses/>.

package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/histlog/histlog/internal/herrors"
)

// sessionTTL is how long an issued token remains valid.
const sessionTTL = 30 * 24 * time.Hour

// tokenCacheSize bounds how many distinct verified tokens are
// remembered, so a sync client hammering the relay with one session
// token doesn't re-run HMAC verification on every request.
const tokenCacheSize = 4096

type sessionClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// issueToken signs a session token for user, scoped to userID. Spec.md
// §4.4 leaves credential validation out of scope ("the core does not
// specify token issuance"); this reference accepts any non-empty
// username (the password is not checked) and derives a stable user id from the
// username, which is enough to run a real /login endpoint without
// inventing a user store.
func issueToken(signingKey []byte, username string) (string, string, error) {
	if username == "" {
		return "", "", fmt.Errorf("relay: %w: empty username", herrors.ErrInvalidInput)
	}
	userID := deriveUserID(username)

	claims := sessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(sessionTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(signingKey)
	if err != nil {
		return "", "", fmt.Errorf("relay: sign token: %w: %v", herrors.ErrIO, err)
	}
	return signed, userID, nil
}

func deriveUserID(username string) string {
	sum := sha256.Sum256([]byte("histlog-user:" + username))
	return hex.EncodeToString(sum[:16])
}

// verifyToken checks cache before re-running HMAC verification and
// claims parsing; a cache hit still re-checks ExpiresAt, since a
// long-lived cache entry must not outlive the claim it was derived
// from.
func verifyToken(cache *lru.Cache[string, sessionClaims], signingKey []byte, raw string) (string, error) {
	if cache != nil {
		if claims, ok := cache.Get(raw); ok {
			if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
				cache.Remove(raw)
			} else {
				return claims.UserID, nil
			}
		}
	}

	token, err := jwt.ParseWithClaims(raw, &sessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return signingKey, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("relay: %w", herrors.ErrAuthFailed)
	}
	claims, ok := token.Claims.(*sessionClaims)
	if !ok || claims.UserID == "" {
		return "", fmt.Errorf("relay: %w", herrors.ErrAuthFailed)
	}

	if cache != nil {
		cache.Add(raw, *claims)
	}
	return claims.UserID, nil
}

type contextKey int

const userIDContextKey contextKey = iota

// authMiddleware extracts and verifies the "Authorization: Token <jwt>"
// header (the scheme name is part of spec.md §6's wire contract),
// storing the resolved user id in the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		typ, token, ok := strings.Cut(header, " ")
		if !ok || typ != "Token" || token == "" {
			writeError(w, http.StatusUnauthorized, "missing or malformed authorization header")
			return
		}

		userID, err := verifyToken(s.tokenCache, s.signingKey, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid session token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userIDFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userIDContextKey).(string)
	return userID
}
