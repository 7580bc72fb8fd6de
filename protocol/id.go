package protocol

import (
	"strings"

	"github.com/google/uuid"
)

func init() {
	uuid.EnableRandPool()
}

// NewID returns a random correlation token: a version 4 UUID from crypto/rand,
// 122 random bits, hyphens stripped.
func NewID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
