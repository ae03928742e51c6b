package util

import (
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

func Normalize(s string) string {
	return norm.NFKD.String(s)
}

// NormalizeCode folds a user-typed one-time code into its canonical form:
// compatibility-decomposed, without spaces or dashes, upper-cased.
func NormalizeCode(s string) string {
	s = Normalize(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "", "-", "", "\t", "").Replace(s)
	return strings.ToUpper(s)
}

func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

func HexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
