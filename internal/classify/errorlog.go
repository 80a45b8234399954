package classify

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cpsource/fail3band/internal/event"
)

// ErrorLogMatcher classifies Apache error-log lines:
//
//	[Thu Jul 14 01:02:03.123 2026] [core:error] [pid 123] [client 1.2.3.4:5678] AH00135: Invalid method ... path /x
//
// The client field carries the source address; the message tail is
// decoded with the same double-percent scheme as request paths and the
// offending file path becomes the evidence.
type ErrorLogMatcher struct {
	re     *regexp.Regexp
	rePath *regexp.Regexp
	now    func() time.Time
}

const errorLogJail = "apache-errorlog"

func NewErrorLogMatcher() *ErrorLogMatcher {
	return &ErrorLogMatcher{
		re:     regexp.MustCompile(`^\[[^\]]+\] \[[\w.]+:\w+\] \[pid \d+(?::tid \d+)?\] \[client ([^\]\s]+)\] (\w+): (.*)`),
		rePath: regexp.MustCompile(`(/\S+)`),
		now:    time.Now,
	}
}

func (m *ErrorLogMatcher) Name() string { return "error-log" }

func (m *ErrorLogMatcher) Match(ev event.LogEvent) Result {
	g := m.re.FindStringSubmatch(ev.Raw)
	if g == nil {
		return NoMatch()
	}

	client := g[1]
	// client is host:port; v6 literals keep their last colon group.
	if i := strings.LastIndexByte(client, ':'); i > 0 {
		if _, ok := event.CanonicalIP(client[:i]); ok {
			client = client[:i]
		}
	}
	ip, ok := event.CanonicalIP(client)
	if !ok {
		return Malformed("error-log line with invalid client address")
	}

	decoded := strings.ToLower(Decode(g[3]))
	if !strings.Contains(decoded, "..") && !containsAny(decoded, sensitiveProbes) {
		return NoMatch()
	}

	path := decoded
	if p := m.rePath.FindString(decoded); p != "" {
		path = p
	}
	evidence := fmt.Sprintf("%s %s", g[2], path)
	return Matched(&event.ClassifiedThreat{
		IP:         ip,
		Categories: []int{event.CategoryWebAppAttack},
		Evidence:   event.ClampEvidence(evidence),
		DetectedAt: m.now().UTC(),
		Jail:       errorLogJail,
	})
}
