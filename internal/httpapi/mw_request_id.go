package httpapi

import (
	"crypto/rand"

	"github.com/gofiber/fiber/v2"
)

const requestIDKey = "rid"

var alphabet = []byte("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")

func newReqID8() string {
	b := make([]byte, 8)
	rnd := make([]byte, 8)
	_, _ = rand.Read(rnd)
	for i := 0; i < 8; i++ {
		b[i] = alphabet[int(rnd[i])%len(alphabet)]
	}
	return string(b)
}

// RequestID keeps an 8-character X-Request-ID from the caller or assigns one.
func RequestID(c *fiber.Ctx) error {
	rid := c.Get(fiber.HeaderXRequestID)
	if len(rid) != 8 {
		rid = newReqID8()
	}
	c.Set(fiber.HeaderXRequestID, rid)
	c.Locals(requestIDKey, rid)
	return c.Next()
}

func GetRequestID(c *fiber.Ctx) string {
	if s, ok := c.Locals(requestIDKey).(string); ok {
		return s
	}
	return ""
}
