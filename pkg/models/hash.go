package models

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// HashID derives the non-reversible channel/cache identifier for a raw id.
// Chat, message, task, and user ids are hashed before they appear in embed
// records or pub/sub channel names so that cache and transport layers never
// see raw document ids.
func HashID(id string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(id))
}
