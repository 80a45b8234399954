package classify

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cpsource/fail3band/internal/event"
)

func classifyLine(t *testing.T, line string) Result {
	t.Helper()
	c := NewChain(zerolog.Nop())
	return c.Classify(event.LogEvent{Raw: line})
}

func TestChain_FirewallDrop(t *testing.T) {
	line := "Jul 14 01:02:03 box kernel: zDROP ufw-blocklist-input: IN=eth0 OUT= MAC=aa:bb SRC=198.51.100.7 DST=203.0.113.1 LEN=40 PROTO=TCP SPT=54321 DPT=22 WINDOW=1024"
	res := classifyLine(t, line)

	require.Equal(t, KindMatch, res.Kind)
	require.Equal(t, "198.51.100.7", res.Threat.IP)
	require.Equal(t, "input", res.Threat.Jail)
	require.Equal(t, []int{event.CategoryBruteForce, event.CategorySSH}, res.Threat.Categories)
	require.Contains(t, res.Threat.Evidence, "dpt=22")
}

func TestChain_FirewallDropUppercaseChain(t *testing.T) {
	line := "kernel: zDROP blocklist-INPUT: SRC=198.51.100.7 PROTO=TCP DPT=22"
	res := classifyLine(t, line)

	require.Equal(t, KindMatch, res.Kind)
	require.Equal(t, "input", res.Threat.Jail, "jail names stay lowercase regardless of chain casing")
}

func TestChain_FirewallDropDefaultCategory(t *testing.T) {
	line := "kernel: zDROP ufw-blocklist-forward: SRC=203.0.113.44 PROTO=UDP DPT=53413"
	res := classifyLine(t, line)

	require.Equal(t, KindMatch, res.Kind)
	require.Equal(t, "forward", res.Threat.Jail)
	require.Equal(t, []int{event.CategoryPortScan}, res.Threat.Categories)
}

func TestChain_SensitiveFileProbe(t *testing.T) {
	line := `203.0.113.9 - - [14/Jul/2026:01:02:03 +0000] "GET /.env HTTP/1.1" 404 162 "-" "Mozilla/5.0"`
	res := classifyLine(t, line)

	require.Equal(t, KindMatch, res.Kind)
	require.Equal(t, "203.0.113.9", res.Threat.IP)
	require.Equal(t, "apache-badget", res.Threat.Jail)
	require.Contains(t, res.Threat.Evidence, ".env")
	require.Equal(t, []int{event.CategoryWebAppAttack}, res.Threat.Categories)
}

func TestChain_DoubleEncodedTraversal(t *testing.T) {
	line := `198.51.100.23 - - [14/Jul/2026:01:02:03 +0000] "GET /icons/.%%32%65/.%%32%65/apache2/icons/x.png HTTP/1.1" 400 226 "-" "-"`
	res := classifyLine(t, line)

	require.Equal(t, KindMatch, res.Kind)
	require.Contains(t, res.Threat.Evidence, "traversal")
	require.Contains(t, res.Threat.Evidence, "../../apache2")
}

func TestChain_ErrorLog(t *testing.T) {
	line := `[Thu Jul 14 01:02:03.123456 2026] [core:error] [pid 1234] [client 203.0.113.77:50123] AH10244: invalid URI path (/cgi-bin/.%2e/.%2e/etc/passwd)`
	res := classifyLine(t, line)

	require.Equal(t, KindMatch, res.Kind)
	require.Equal(t, "203.0.113.77", res.Threat.IP)
	require.Equal(t, "apache-errorlog", res.Threat.Jail)
	require.Contains(t, res.Threat.Evidence, "AH10244")
}

func TestChain_ProtocolProbes(t *testing.T) {
	cases := map[string]string{
		"tls":     "192.0.2.8 - - [14/Jul/2026:01:02:03 +0000] \"\x16\x03\x01\x02\x00\x01\" 400 157 \"-\" \"-\"",
		"h2":      `192.0.2.8 - - [14/Jul/2026:01:02:03 +0000] "PRI * HTTP/2.0" 400 157 "-" "-"`,
		"connect": `192.0.2.8 - - [14/Jul/2026:01:02:03 +0000] "CONNECT example.com:443 HTTP/1.1" 405 157 "-" "-"`,
	}
	for name, line := range cases {
		t.Run(name, func(t *testing.T) {
			res := classifyLine(t, line)
			require.Equal(t, KindMatch, res.Kind)
			require.Equal(t, "192.0.2.8", res.Threat.IP)
			require.Equal(t, "apache-probe", res.Threat.Jail)
			require.Equal(t, []int{event.CategoryPortScan}, res.Threat.Categories)
		})
	}
}

func TestChain_OrdinaryLinesNoMatch(t *testing.T) {
	lines := []string{
		`203.0.113.9 - - [14/Jul/2026:01:02:03 +0000] "GET /index.html HTTP/1.1" 200 1042 "-" "Mozilla/5.0"`,
		"Jul 14 01:02:03 box sshd[100]: Accepted publickey for ops from 203.0.113.5 port 22 ssh2",
		"completely unstructured line",
		"",
	}
	for _, line := range lines {
		res := classifyLine(t, line)
		require.Equal(t, KindNoMatch, res.Kind, "line %q", line)
	}
}

func TestChain_MalformedSurfacedWhenNothingMatches(t *testing.T) {
	// zDROP shape but the SRC field is garbage.
	line := "kernel: zDROP ufw-blocklist-input: SRC=999.999.999.999 PROTO=TCP DPT=22"
	res := classifyLine(t, line)
	require.Equal(t, KindMalformed, res.Kind)
	require.NotEmpty(t, res.Reason)
}

func TestChain_EvidenceBounded(t *testing.T) {
	long := `203.0.113.9 - - [14/Jul/2026:01:02:03 +0000] "GET /.env` + strings.Repeat("a", 120) + ` HTTP/1.1" 404 162 "-" "-"`
	res := classifyLine(t, long)
	require.Equal(t, KindMatch, res.Kind)
	require.LessOrEqual(t, len(res.Threat.Evidence), event.MaxEvidenceLen)
}
