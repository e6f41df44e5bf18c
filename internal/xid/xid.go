package xid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a prefixed identifier such as "sale-3f2a9c1e4b7d4f0a9e21c0d5b8a6f713".
func New(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}
