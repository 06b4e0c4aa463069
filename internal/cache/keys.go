package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func ToolFlagKey(toolKey string) string {
	return fmt.Sprintf("tool:%s", toolKey)
}

func RateLimitKey(tokenID uuid.UUID) string {
	return fmt.Sprintf("ratelimit:%s", tokenID)
}
