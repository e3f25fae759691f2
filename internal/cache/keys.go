package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

// JobKeyStatusKey addresses the latest snapshot for a logical request. Job keys
// are caller supplied, so they are hashed to keep Redis keys bounded.
func JobKeyStatusKey(tenantID uuid.UUID, jobKey string) string {
	sum := sha256.Sum256([]byte(jobKey))
	return fmt.Sprintf("jobkey:%s:%s", tenantID, hex.EncodeToString(sum[:16]))
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
