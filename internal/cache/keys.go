package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// ScanStatusKey holds the last aggregate status served for a scan.
func ScanStatusKey(scanID uuid.UUID) string {
	return fmt.Sprintf("scan:status:%s", scanID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
