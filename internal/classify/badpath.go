package classify

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cpsource/fail3band/internal/event"
)

// sensitiveProbes are path fragments only scanners ask for.
var sensitiveProbes = []string{
	".env",
	".git",
	".svn",
	".htaccess",
	".htpasswd",
	"wp-config",
	"wp-login.php",
	"xmlrpc.php",
	"phpmyadmin",
	"id_rsa",
	"/etc/passwd",
	"/etc/shadow",
	".aws/credentials",
}

// exploitPaths are request targets for known remote exploits.
var exploitPaths = []string{
	"/cgi-bin/",
	"/boaform/",
	"/hnap1",
	"setup.cgi",
	"/shell",
	"/vendor/phpunit",
	"/manager/html",
	"/actuator/",
}

// BadPathMatcher classifies HTTP access-log request lines whose decoded
// path shows traversal, a sensitive-file probe, or a known exploit
// target. Format handled is combined/common log:
//
//	IP - - [ts] "METHOD path HTTP/ver" status size "ref" "ua"
type BadPathMatcher struct {
	re  *regexp.Regexp
	now func() time.Time
}

const badPathJail = "apache-badget"

func NewBadPathMatcher() *BadPathMatcher {
	return &BadPathMatcher{
		// (?s) tolerates raw binary bytes inside the quoted request.
		re:  regexp.MustCompile(`(?s)^(\S+) \S+ \S+ \[([^\]]*)\] "([A-Z]+) (\S+)(?: (\S+))?" (\d{3}) \S+`),
		now: time.Now,
	}
}

func (m *BadPathMatcher) Name() string { return "bad-path" }

func (m *BadPathMatcher) Match(ev event.LogEvent) Result {
	g := m.re.FindStringSubmatch(ev.Raw)
	if g == nil {
		return NoMatch()
	}

	ip, ok := event.CanonicalIP(g[1])
	if !ok {
		return Malformed("access-log line with invalid client address")
	}

	decoded := strings.ToLower(Decode(g[4]))

	kind := ""
	var categories []int
	switch {
	case strings.Contains(decoded, ".."):
		kind = "traversal"
		categories = []int{event.CategoryWebAppAttack}
	case containsAny(decoded, sensitiveProbes):
		kind = "sensitive-file"
		categories = []int{event.CategoryWebAppAttack}
	case containsAny(decoded, exploitPaths):
		kind = "exploit-path"
		categories = []int{event.CategoryWebAppAttack, event.CategoryBadWebBot}
	default:
		return NoMatch()
	}

	evidence := fmt.Sprintf("%s %s %s", kind, g[3], decoded)
	return Matched(&event.ClassifiedThreat{
		IP:         ip,
		Categories: categories,
		Evidence:   event.ClampEvidence(evidence),
		DetectedAt: m.now().UTC(),
		Jail:       badPathJail,
	})
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
