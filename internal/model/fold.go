package model

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// FoldKey returns the case-insensitive comparison key of s: trimmed, NFC
// normalized and Unicode case folded ("France" and "FRANCE" fold equal).
func FoldKey(s string) string {
	// A Caser is stateful; build one per call so FoldKey is goroutine safe.
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(s)))
}
