package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	contextKeyUserID contextKey = "user_id"
	contextKeyEmail  contextKey = "email"
)

type JWTClaims struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// generateJWT 生成 JWT Token
func (s *Server) generateJWT(userID int64, email string) (string, error) {
	if s.cfg.JWTSecretKey == "" {
		return "", errors.New("JWT secret key not configured")
	}

	expiryDuration := time.Duration(s.cfg.JWTExpiryHours) * time.Hour
	claims := JWTClaims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiryDuration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "kalowrite",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.cfg.JWTSecretKey))
}

// jwtMiddleware JWT 验证中间件
func (s *Server) jwtMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			respondError(w, http.StatusUnauthorized, errors.New("missing authorization header"))
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			respondError(w, http.StatusUnauthorized, errors.New("invalid authorization header format"))
			return
		}

		tokenString := parts[1]
		if s.cfg.JWTSecretKey == "" {
			respondError(w, http.StatusInternalServerError, errors.New("JWT secret key not configured"))
			return
		}

		token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(s.cfg.JWTSecretKey), nil
		})

		if err != nil {
			respondError(w, http.StatusUnauthorized, errors.New("invalid or expired token"))
			return
		}

		claims, ok := token.Claims.(*JWTClaims)
		if !ok || !token.Valid {
			respondError(w, http.StatusUnauthorized, errors.New("invalid token claims"))
			return
		}

		ctx := r.Context()
		ctx = context.WithValue(ctx, contextKeyUserID, claims.UserID)
		ctx = context.WithValue(ctx, contextKeyEmail, claims.Email)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func getUserIDFromContext(ctx context.Context) int64 {
	if userID, ok := ctx.Value(contextKeyUserID).(int64); ok {
		return userID
	}
	return 0
}

func getEmailFromContext(ctx context.Context) string {
	if email, ok := ctx.Value(contextKeyEmail).(string); ok {
		return email
	}
	return ""
}
