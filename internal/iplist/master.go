package iplist

import (
	"bufio"
	"fmt"
	"os"
	"sort"

	"github.com/cpsource/fail3band/internal/event"
)

// WriteMasterBlacklist writes the union of all the given address
// groups to path, deduplicated, canonicalized and sorted, one per
// line. The file is an audit artifact: the daemon writes it at startup
// and on demand but never reads it back at runtime.
func WriteMasterBlacklist(path string, groups ...[]string) (int, error) {
	union := make(map[string]struct{})
	for _, g := range groups {
		for _, ip := range g {
			if canon, ok := event.CanonicalIP(ip); ok {
				union[canon] = struct{}{}
			}
		}
	}

	ips := make([]string, 0, len(union))
	for ip := range union {
		ips = append(ips, ip)
	}
	sort.Strings(ips)

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create master blacklist: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, ip := range ips {
		fmt.Fprintln(w, ip)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("write master blacklist: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("close master blacklist: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("publish master blacklist: %w", err)
	}
	return len(ips), nil
}
