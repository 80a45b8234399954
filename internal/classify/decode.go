package classify

import "strings"

// Decode percent-decodes a request path the way attackers abuse it
// rather than the way RFC 3986 specifies it. Two deviations matter:
//
//   - the malformed double-percent form %%XX is treated as if it were
//     %XX, because scanners emit it deliberately to slip past naive
//     decoders;
//   - after decoding, the text is re-scanned for residual two-hex-digit
//     pairs that spell path metacharacters (2e -> '.', 2f -> '/',
//     5c -> '\'), reconstructing double-encoded traversal sequences
//     such as ".%%32%65" -> ".2e" -> "..".
//
// Decode is idempotent-safe: input with no '%' is returned unchanged,
// and decoding an already-decoded string does not mutate it further.
func Decode(s string) string {
	if !strings.ContainsRune(s, '%') {
		return s
	}
	return rescanHexPairs(decodePercent(s))
}

func decodePercent(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	i := 0
	for i < len(s) {
		c := s[i]
		if c == '%' {
			j := i + 1
			if j < len(s) && s[j] == '%' {
				j++ // %%XX reads as %XX
			}
			if j+1 < len(s) && isHex(s[j]) && isHex(s[j+1]) {
				b.WriteByte(unhex(s[j])<<4 | unhex(s[j+1]))
				i = j + 2
				continue
			}
		}
		b.WriteByte(c)
		i++
	}
	return b.String()
}

// rescanHexPairs replaces bare hex pairs that decode to path
// metacharacters. Restricted to '.', '/' and '\' so ordinary text
// ("apache2", version strings) passes through untouched, and so a
// second pass finds nothing left to replace.
func rescanHexPairs(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	i := 0
	for i < len(s) {
		if i+1 < len(s) && isHex(s[i]) && isHex(s[i+1]) {
			v := unhex(s[i])<<4 | unhex(s[i+1])
			if v == '.' || v == '/' || v == '\\' {
				b.WriteByte(v)
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
