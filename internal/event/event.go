package event

import (
	"net/netip"
	"time"
)

// LogEvent is one normalized log line (or a coalesced group of lines
// sharing a pid). It lives only for the duration of classification.
type LogEvent struct {
	Timestamp   time.Time
	HostTag     string
	ProcessName string
	PID         int
	IP          string // canonical form, empty if no valid literal found
	Raw         string
	Remainder   string // free text after the process[pid]: tag
}

// HasProcessTag reports whether the line carried a recognizable
// process[pid]: token. Lines without one are still returned by the
// normalizer but downstream classification usually skips them.
func (e *LogEvent) HasProcessTag() bool {
	return e.ProcessName != "" && e.PID > 0
}

// ClassifiedThreat is the output of a positive signature match. It is
// consumed immediately by the orchestrator and never persisted directly.
type ClassifiedThreat struct {
	IP         string
	Categories []int
	Evidence   string // bounded, see MaxEvidenceLen
	DetectedAt time.Time
	Jail       string
}

// MaxEvidenceLen bounds the evidence comment attached to a threat.
const MaxEvidenceLen = 80

// ClampEvidence truncates s to at most MaxEvidenceLen bytes without
// splitting a UTF-8 sequence.
func ClampEvidence(s string) string {
	if len(s) <= MaxEvidenceLen {
		return s
	}
	cut := MaxEvidenceLen
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}

// CanonicalIP parses s as an IPv4 or IPv6 literal and returns its
// canonical compressed textual form. Strict: rejects anything
// net/netip rejects, such as 999.999.999.999 or zone-less garbage.
func CanonicalIP(s string) (string, bool) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", false
	}
	// 4-in-6 mapped addresses collapse to their v4 form so one host
	// never occupies two ledger rows.
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	return addr.String(), true
}

// IsValidIP reports whether s is a syntactically valid IP literal.
func IsValidIP(s string) bool {
	_, ok := CanonicalIP(s)
	return ok
}
