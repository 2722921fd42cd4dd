package skills

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// CallHash fingerprints a skill call for session-level deduplication.
// encoding/json writes map keys in sorted order, so the marshaled
// arguments are canonical regardless of the order the model produced them.
func CallHash(appID, skillID string, args map[string]any) string {
	canonical, err := json.Marshal(args)
	if err != nil {
		canonical = []byte(fmt.Sprintf("%v", args))
	}

	h := xxhash.New()
	_, _ = h.WriteString(appID)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(skillID)
	_, _ = h.WriteString("\x00")
	_, _ = h.Write(canonical)
	return fmt.Sprintf("%016x", h.Sum64())
}
