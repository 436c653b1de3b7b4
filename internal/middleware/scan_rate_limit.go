package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const scanRateLimitPrefix = "qrbridge:rl:scan:"

// ScanRateLimit caps QR scans per payer, or per client IP when the body names
// no payer, using a fixed one-minute Redis window. It is a no-op without Redis
// and fails open on cache errors.
func ScanRateLimit(cache *redis.Client, maxPerMin int) fiber.Handler {
	if maxPerMin <= 0 {
		maxPerMin = 30
	}
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next()
		}
		var req struct {
			PayerUserID string `json:"payerUserId"`
		}
		_ = c.BodyParser(&req)
		subject := strings.TrimSpace(req.PayerUserID)
		if subject == "" {
			subject = c.IP()
		}
		key := scanRateLimitPrefix + subject
		cnt, err := cache.Incr(c.UserContext(), key).Result()
		if err != nil {
			return c.Next()
		}
		if cnt == 1 {
			cache.Expire(c.UserContext(), key, time.Minute)
		}
		if cnt > int64(maxPerMin) {
			return fiber.NewError(http.StatusTooManyRequests, "too many scans, try again later")
		}
		return c.Next()
	}
}
