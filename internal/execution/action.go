package execution

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// ActionIDPrefix marks identifiers of planned bundles.
const ActionIDPrefix = "act_"

// NewActionID returns a time-ordered bundle identifier: the prefix followed by
// the hex of a version 7 UUID.
func NewActionID() string {
	u, err := uuid.NewV7()
	if err != nil {
		u = uuid.New()
	}
	return ActionIDPrefix + hex.EncodeToString(u[:])
}

// ValidActionID reports whether id is a prefixed lowercase hex identifier.
func ValidActionID(id string) bool {
	rest, ok := strings.CutPrefix(id, ActionIDPrefix)
	if !ok || rest == "" {
		return false
	}
	for _, c := range rest {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
