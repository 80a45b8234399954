package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cpsource/fail3band/internal/event"
)

// Normalizer turns raw syslog-style lines into LogEvents. It never
// fails: fields that cannot be parsed are simply left empty, and a line
// with no recognizable process[pid] tag comes back with only Raw set.
//
// Normalizer is not safe for concurrent use; the orchestrator owns one
// per log source.
type Normalizer struct {
	ring ring
	now  func() time.Time
	log  zerolog.Logger

	reProc *regexp.Regexp
	reHost *regexp.Regexp
}

// syslog timestamps carry no year; the current year is supplied at
// parse time.
const syslogTimeLayout = "Jan _2 15:04:05"

// New creates a Normalizer with the default ring depth.
func New(logger zerolog.Logger) *Normalizer {
	return &Normalizer{
		now:    time.Now,
		log:    logger.With().Str("component", "normalize").Logger(),
		reProc: regexp.MustCompile(`([A-Za-z0-9._/-]+)\[(\d+)\]:\s?`),
		reHost: regexp.MustCompile(`\bhost-(\d{1,3}(?:-\d{1,3}){3})\b`),
	}
}

// Normalize parses one raw line. Events that carry a pid are pushed
// into the coalescing ring so a later Coalesce can stitch multi-line
// entries back together.
func (n *Normalizer) Normalize(raw string) event.LogEvent {
	ev := event.LogEvent{Raw: raw}
	rest := raw

	if ts, after, ok := n.parseTimestamp(rest); ok {
		ev.Timestamp = ts
		rest = after
	}

	if m := n.reHost.FindStringSubmatch(rest); m != nil {
		ev.HostTag = strings.ReplaceAll(m[1], "-", ".")
	}

	loc := n.reProc.FindStringSubmatchIndex(rest)
	if loc == nil {
		// Under-specified event: no process tag, nothing more to do.
		return ev
	}
	ev.ProcessName = rest[loc[2]:loc[3]]
	if pid, err := strconv.Atoi(rest[loc[4]:loc[5]]); err == nil {
		ev.PID = pid
	}
	ev.Remainder = rest[loc[1]:]

	if ip, ok := firstIPLiteral(ev.Remainder); ok {
		ev.IP = ip
	}

	if ev.HasProcessTag() {
		n.ring.push(entry{
			process:   ev.ProcessName,
			pid:       ev.PID,
			ip:        ev.IP,
			remainder: ev.Remainder,
		})
	}
	return ev
}

// Coalesce returns a copy of ev whose Remainder is the concatenation of
// all ring entries sharing ev's process and pid, oldest first, and
// whose IP is taken from the first entry that has one. With zero or one
// matching ring entries the event is returned unchanged.
func (n *Normalizer) Coalesce(ev event.LogEvent) event.LogEvent {
	if !ev.HasProcessTag() {
		return ev
	}
	matches := n.ring.collect(ev.ProcessName, ev.PID)
	if len(matches) <= 1 {
		return ev
	}

	var parts []string
	ip := ""
	for _, m := range matches {
		parts = append(parts, m.remainder)
		if ip == "" && m.ip != "" {
			ip = m.ip
		}
	}
	ev.Remainder = strings.Join(parts, " ")
	if ev.IP == "" {
		ev.IP = ip
	}
	return ev
}

func (n *Normalizer) parseTimestamp(s string) (time.Time, string, bool) {
	// "Mon DD HH:MM:SS " is 16 bytes with a single-digit day padded by
	// a space, so probe both widths.
	for _, w := range []int{15, 16} {
		if len(s) < w+1 {
			continue
		}
		ts, err := time.Parse(syslogTimeLayout, strings.TrimRight(s[:w], " "))
		if err != nil {
			continue
		}
		now := n.now()
		ts = ts.AddDate(now.Year(), 0, 0)
		// A December line read in January belongs to last year.
		if ts.After(now.Add(24 * time.Hour)) {
			ts = ts.AddDate(-1, 0, 0)
		}
		return ts, strings.TrimLeft(s[w:], " "), true
	}
	return time.Time{}, s, false
}

// firstIPLiteral scans whitespace-separated tokens for the first
// syntactically valid IPv4 or IPv6 literal, trimming surrounding
// punctuation. Validation goes through the address parser, not a
// regex, so 999.999.999.999 and friends are rejected.
func firstIPLiteral(s string) (string, bool) {
	for _, tok := range strings.Fields(s) {
		cand := strings.Trim(tok, "[](){},;\"'=<>")
		if cand == "" {
			continue
		}
		if ip, ok := event.CanonicalIP(cand); ok {
			return ip, true
		}
		// "1.2.3.4:443" style client tokens.
		if i := strings.LastIndexByte(cand, ':'); i > 0 && strings.Count(cand, ":") == 1 {
			if ip, ok := event.CanonicalIP(cand[:i]); ok {
				return ip, true
			}
		}
	}
	return "", false
}
