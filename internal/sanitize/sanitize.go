package sanitize

import "strings"

// Strip removes control characters, keeping newline and tab, so
// attacker-controlled log fragments cannot inject terminal escape
// sequences when printed.
func Strip(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 || r == '\n' || r == '\t' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
