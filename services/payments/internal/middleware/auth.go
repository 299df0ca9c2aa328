// Package middleware содержит HTTP middleware платёжного сервиса.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"example.com/enrollment-payments/pkg/jwt"
	"example.com/enrollment-payments/pkg/logger"
)

// ClaimsValidator — интерфейс валидации токенов.
// Позволяет мокировать в тестах вместо реального Validator с RSA ключом.
type ClaimsValidator interface {
	ValidateWithBlacklist(ctx context.Context, tokenString string) (*jwt.Claims, error)
}

// AuthMiddleware проверяет JWT токены локально: подпись публичным ключом
// сервиса пользователей плюс blacklist отозванных токенов в Redis.
type AuthMiddleware struct {
	validator ClaimsValidator
}

// NewAuthMiddleware создаёт middleware аутентификации.
func NewAuthMiddleware(validator ClaimsValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: validator}
}

// Handle возвращает Gin handler function для middleware.
func (m *AuthMiddleware) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		log := logger.FromContext(ctx)

		token := extractBearerToken(c)
		if token == "" {
			log.Debug().Msg("Отсутствует токен авторизации")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Требуется авторизация",
			})
			return
		}

		claims, err := m.validator.ValidateWithBlacklist(ctx, token)
		if err != nil {
			log.Warn().Err(err).Msg("Ошибка валидации токена")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Невалидный токен",
			})
			return
		}

		// user_id из кастомного claim, fallback на Subject
		userID := claims.UserID
		if userID == "" {
			userID = claims.Subject
		}
		if userID == "" {
			log.Warn().Msg("Токен без идентификатора пользователя")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Невалидный токен",
			})
			return
		}

		c.Set("user_id", userID)
		c.Set("role", claims.Role)
		c.Set("jti", claims.ID)

		log.Debug().
			Str("user_id", userID).
			Str("jti", claims.ID).
			Msg("Пользователь аутентифицирован")

		c.Next()
	}
}

// extractBearerToken извлекает токен из заголовка Authorization.
func extractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
