// Package middleware — Security Headers middleware для защиты от типовых веб-атак.
package middleware

import "github.com/gin-gonic/gin"

// SecurityHeaders добавляет заголовки безопасности ко всем ответам.
// Платёжные данные не должны кешироваться, встраиваться в iframe
// или отдаваться с угаданным MIME-типом.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()

		// Запрет встраивания в iframe — защита от clickjacking
		h.Set("X-Frame-Options", "DENY")

		// Запрет MIME-type sniffing
		h.Set("X-Content-Type-Options", "nosniff")

		// Встроенный XSS-фильтр браузера
		h.Set("X-XSS-Protection", "1; mode=block")

		// Скрываем информацию о сервере
		h.Set("X-Powered-By", "")

		// Реквизиты и статусы оплат не кешируем
		h.Set("Cache-Control", "no-store")

		// Не отправлять referrer на другие домены
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")

		// Отключаем ненужные браузерные API
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")

		c.Next()
	}
}
