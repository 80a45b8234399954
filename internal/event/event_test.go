package event

import "testing"

func TestCanonicalIP(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"203.0.113.5", "203.0.113.5", true},
		{"2001:0db8:0000:0000:0000:0000:0000:0001", "2001:db8::1", true},
		{"::ffff:198.51.100.7", "198.51.100.7", true},
		{"999.999.999.999", "", false},
		{"not-an-ip", "", false},
		{"", "", false},
	}

	for _, c := range cases {
		got, ok := CanonicalIP(c.in)
		if ok != c.ok {
			t.Errorf("CanonicalIP(%q) ok = %v, want %v", c.in, ok, c.ok)
			continue
		}
		if got != c.want {
			t.Errorf("CanonicalIP(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestCategoriesForPort(t *testing.T) {
	got := CategoriesForPort(22)
	if len(got) != 2 || got[0] != CategoryBruteForce || got[1] != CategorySSH {
		t.Errorf("port 22 categories = %v", got)
	}
	if got := CategoriesForPort(443); len(got) != 1 || got[0] != CategoryWebAppAttack {
		t.Errorf("port 443 categories = %v", got)
	}
	if got := CategoriesForPort(6379); len(got) != 1 || got[0] != CategoryPortScan {
		t.Errorf("port 6379 categories = %v", got)
	}
}

func TestClampEvidence(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'x'
	}
	if got := ClampEvidence(string(long)); len(got) != MaxEvidenceLen {
		t.Errorf("clamped length = %d, want %d", len(got), MaxEvidenceLen)
	}
	if got := ClampEvidence("short"); got != "short" {
		t.Errorf("short evidence mutated: %q", got)
	}

	// A multibyte rune straddling the limit is dropped whole.
	multi := string(long[:MaxEvidenceLen-1]) + "é"
	got := ClampEvidence(multi)
	if len(got) > MaxEvidenceLen {
		t.Errorf("clamped length = %d, want <= %d", len(got), MaxEvidenceLen)
	}
	if got[len(got)-1] != 'x' {
		t.Errorf("clamp split a UTF-8 sequence: %q", got[len(got)-10:])
	}
}
