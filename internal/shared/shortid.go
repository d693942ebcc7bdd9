package shared

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ShortID derives a short, stable, collision-resistant identifier from an
// arbitrary ID string. The same input always yields the same output, so
// retries and resumes address the same derived resource. Eight hex chars of
// SHA-256 keeps accidental collisions out of reach for any realistic number
// of concurrent stories.
func ShortID(id string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(id)))
	return hex.EncodeToString(sum[:])[:8]
}
