package classify

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cpsource/fail3band/internal/event"
)

// FirewallDropMatcher recognizes kernel log lines for packets already
// dropped by a blocklist rule, marked with the zDROP prefix:
//
//	kernel: zDROP ufw-blocklist-input: IN=eth0 ... SRC=198.51.100.7 ... PROTO=TCP ... DPT=22 ...
//
// The chain suffix becomes the jail name and the destination port
// selects the abuse categories.
type FirewallDropMatcher struct {
	reChain *regexp.Regexp
	reField *regexp.Regexp
	now     func() time.Time
}

func NewFirewallDropMatcher() *FirewallDropMatcher {
	return &FirewallDropMatcher{
		reChain: regexp.MustCompile(`zDROP ([\w.-]+):`),
		reField: regexp.MustCompile(`\b(SRC|PROTO|DPT)=(\S+)`),
		now:     time.Now,
	}
}

func (m *FirewallDropMatcher) Name() string { return "firewall-drop" }

func (m *FirewallDropMatcher) Match(ev event.LogEvent) Result {
	line := ev.Raw
	chain := m.reChain.FindStringSubmatch(line)
	if chain == nil {
		return NoMatch()
	}

	var src, proto string
	port := -1
	for _, f := range m.reField.FindAllStringSubmatch(line, -1) {
		switch f[1] {
		case "SRC":
			src = f[2]
		case "PROTO":
			proto = f[2]
		case "DPT":
			if p, err := strconv.Atoi(f[2]); err == nil {
				port = p
			}
		}
	}

	ip, ok := event.CanonicalIP(src)
	if !ok {
		return Malformed("zDROP line without a valid SRC address")
	}

	jail := chain[1]
	if i := strings.LastIndexByte(jail, '-'); i >= 0 {
		jail = jail[i+1:]
	}
	// Chain suffixes may be uppercase; jail names are lowercase
	// everywhere else, including the executor's request grammar.
	jail = strings.ToLower(jail)

	evidence := fmt.Sprintf("zDROP %s %s dpt=%d", jail, proto, port)
	return Matched(&event.ClassifiedThreat{
		IP:         ip,
		Categories: event.CategoriesForPort(port),
		Evidence:   event.ClampEvidence(evidence),
		DetectedAt: m.now().UTC(),
		Jail:       jail,
	})
}
