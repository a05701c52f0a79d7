// Package security keeps catalog-derived strings from escaping the export
// destination.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// maxNameLen bounds an export file name, excluding its extension.
	maxNameLen = 128
	// hashLen is the number of hex digits of the id digest appended to
	// names that had to be rewritten.
	hashLen = 8
)

// ExportName makes a file name from a catalog image id. Anything that is not
// an ASCII letter, digit, dot, underscore or dash becomes an underscore, so
// path separators in ids such as "COPERNICUS/S2/20180710T110621_T30VXP"
// cannot create directories or climb out of the destination. Runs of
// underscores collapse and leading or trailing dots and underscores are
// trimmed.
//
// Ids that come through unchanged are used as is. Any other id gets a dash
// and a short digest of the raw id appended, so "a/b" and "a_b" do not
// share a file.
func ExportName(id string) string {
	name := sanitize(id, maxNameLen)
	if name == id && name != "" {
		return name
	}
	base := sanitize(id, maxNameLen-hashLen-1)
	if base == "" {
		base = "unknown"
	}
	sum := sha256.Sum256([]byte(id))
	return base + "-" + hex.EncodeToString(sum[:])[:hashLen]
}

func sanitize(id string, limit int) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range id {
		if b.Len() >= limit {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
			lastUnderscore = r == '_'
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "._")
}
