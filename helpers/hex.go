package helpers

import (
	"encoding/hex"
	"strings"
)

// DecodeHexLoose accepts "a1b2", "A1:B2" and "a1 b2" forms,
// the way certificate fingerprints are usually copied from tools.
func DecodeHexLoose(s string) ([]byte, error) {
	s = strings.NewReplacer(":", "", " ", "", "\t", "").Replace(strings.TrimSpace(s))
	return hex.DecodeString(s)
}
