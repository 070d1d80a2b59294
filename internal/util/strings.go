package util

import "strings"

// Slugify lowercases s and replaces every run of characters outside [a-z0-9]
// with a single dash.
func Slugify(s string) string {
	s = strings.ToLower(s)

	var builder strings.Builder
	dash := false
	for _, r := range s {
		if ('a' <= r && r <= 'z') || ('0' <= r && r <= '9') {
			builder.WriteRune(r)
			dash = false
			continue
		}
		if !dash && builder.Len() > 0 {
			builder.WriteByte('-')
			dash = true
		}
	}

	return strings.TrimSuffix(builder.String(), "-")
}
