package auth

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/surahj/ai-interviewer/internal/infrastructure/redis"
	"github.com/surahj/ai-interviewer/internal/models"
)

func revokedKey(tokenID string) string {
	return fmt.Sprintf("auth:revoked:%s", tokenID)
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Middleware verifies access tokens issued by the hosted auth provider and
// puts the subject into the request context. When redisClient is set, tokens
// whose jti is on the revocation list are rejected.
func Middleware(redisClient redis.RedisClient, jwtSecret string) func(http.Handler) http.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				unauthorized(w, "authorization header missing")
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				unauthorized(w, "invalid authorization header")
				return
			}

			claims := &models.AuthClaims{}
			token, err := parser.ParseWithClaims(parts[1], claims, func(token *jwt.Token) (interface{}, error) {
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				slog.Debug("rejected access token", "error", err)
				unauthorized(w, "invalid token")
				return
			}

			if claims.Subject == "" {
				unauthorized(w, "token has no subject")
				return
			}

			if redisClient != nil && claims.ID != "" {
				_, err := redisClient.Get(r.Context(), revokedKey(claims.ID))
				if err == nil {
					slog.Warn("revoked token presented", "user_id", claims.Subject, "jti", claims.ID)
					unauthorized(w, "token revoked")
					return
				}
				if !stderrors.Is(err, redis.ErrKeyNotFound) {
					slog.Error("revocation check failed", "user_id", claims.Subject, "error", err)
				}
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), claims.Subject)))
		})
	}
}
