package classify

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cpsource/fail3band/internal/event"
)

// ProbeMatcher catches request lines that never fit the quoted-request
// grammar: raw TLS handshake bytes sent to a plaintext port, HTTP/2
// connection prefaces, and CONNECT tunneling attempts. These are
// protocol probes, a category of their own.
type ProbeMatcher struct {
	re  *regexp.Regexp
	now func() time.Time
}

const probeJail = "apache-probe"

func NewProbeMatcher() *ProbeMatcher {
	return &ProbeMatcher{
		// Loose on purpose: grabs the client address and whatever sits
		// between the quotes, binary bytes included.
		re:  regexp.MustCompile(`(?s)^(\S+) \S+ \S+ \[[^\]]*\] "(.*)" (\d{3})`),
		now: time.Now,
	}
}

func (m *ProbeMatcher) Name() string { return "protocol-probe" }

func (m *ProbeMatcher) Match(ev event.LogEvent) Result {
	g := m.re.FindStringSubmatch(ev.Raw)
	if g == nil {
		return NoMatch()
	}

	request := g[2]
	kind := ""
	switch {
	case strings.HasPrefix(request, "\x16\x03"):
		kind = "tls-handshake"
	case strings.HasPrefix(request, "PRI * HTTP/2.0"):
		kind = "h2-preface"
	case strings.HasPrefix(request, "CONNECT "):
		kind = "connect-tunnel"
	case looksBinary(request):
		kind = "binary-garbage"
	default:
		return NoMatch()
	}

	ip, ok := event.CanonicalIP(g[1])
	if !ok {
		return Malformed("probe line with invalid client address")
	}

	return Matched(&event.ClassifiedThreat{
		IP:         ip,
		Categories: []int{event.CategoryPortScan},
		Evidence:   event.ClampEvidence(fmt.Sprintf("protocol probe: %s", kind)),
		DetectedAt: m.now().UTC(),
		Jail:       probeJail,
	})
}

// looksBinary reports whether the request bytes cannot be a plaintext
// HTTP request line.
func looksBinary(s string) bool {
	if s == "" || s == "-" {
		return false
	}
	ctrl := 0
	for i := 0; i < len(s) && i < 32; i++ {
		if s[i] < 0x20 && s[i] != '\t' {
			ctrl++
		}
	}
	return ctrl >= 2
}
