package orders

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// OCAManager mints one-cancels-all group identifiers. Every trade gets a
// fresh group, so exit orders from different trades can never cancel each
// other, and a restored conflicting order keeps whatever group it had before.
type OCAManager struct {
	prefix string
}

// NewOCAManager creates a manager whose groups carry the given prefix.
// An empty prefix defaults to "wh".
func NewOCAManager(prefix string) *OCAManager {
	if prefix == "" {
		prefix = "wh"
	}
	return &OCAManager{prefix: prefix}
}

// Mint returns a new group ID unique to this trade and call.
func (m *OCAManager) Mint(tradeID string) string {
	short := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-oca-%s-%s", m.prefix, tradeID, short)
}

// Owns reports whether a group ID was minted by a manager with this prefix.
// Restored conflicting orders keep foreign groups, which Owns rejects.
func (m *OCAManager) Owns(group string) bool {
	return strings.HasPrefix(group, m.prefix+"-oca-")
}
