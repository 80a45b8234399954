package iplist

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func writeList(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestSet_LoadAndMembership(t *testing.T) {
	dir := t.TempDir()
	path := writeList(t, dir, "whitelist.ctl", `
# admin hosts
203.0.113.5
198.51.100.7   # backup box
2001:0db8:0000:0000:0000:0000:0000:0001

999.999.999.999
not-an-ip
`)

	s, err := NewSet([]string{path}, 10, zerolog.Nop())
	require.NoError(t, err)

	require.True(t, s.IsMember("203.0.113.5"))
	require.True(t, s.IsMember("198.51.100.7"))
	// Any textual form of the same address matches.
	require.True(t, s.IsMember("2001:db8::1"))
	require.False(t, s.IsMember("192.0.2.1"))
	require.False(t, s.IsMember("999.999.999.999"))
	require.Equal(t, 3, s.Len())
}

func TestSet_MissingFileTolerated(t *testing.T) {
	s, err := NewSet([]string{filepath.Join(t.TempDir(), "absent.ctl")}, 10, zerolog.Nop())
	require.NoError(t, err)
	require.False(t, s.IsMember("203.0.113.5"))
}

func TestSet_CounterGatedReload(t *testing.T) {
	dir := t.TempDir()
	path := writeList(t, dir, "whitelist.ctl", "203.0.113.5\n")

	s, err := NewSet([]string{path}, 3, zerolog.Nop())
	require.NoError(t, err)
	require.False(t, s.IsMember("192.0.2.1"))

	// Rewrite the file with a different size so the snapshot differs.
	require.NoError(t, os.WriteFile(path, []byte("203.0.113.5\n192.0.2.1\n"), 0o644))
	// mtime granularity can be coarse; force a distinct mtime.
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	// Second lookup: counter not yet exhausted, stale set still served.
	require.False(t, s.IsMember("192.0.2.1"))
	// Third lookup trips the counter, revalidates, reloads.
	require.True(t, s.IsMember("192.0.2.1"))
}

func TestSet_MergeSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	path := writeList(t, dir, "blacklist.ctl", "198.51.100.7\n")

	s, err := NewSet([]string{path}, 10, zerolog.Nop())
	require.NoError(t, err)

	s.Merge([]string{"203.0.113.99", "bogus"})
	require.True(t, s.IsMember("203.0.113.99"))

	require.NoError(t, s.Reload())
	require.True(t, s.IsMember("203.0.113.99"), "merged entries survive file reloads")
	require.True(t, s.IsMember("198.51.100.7"))
}

func TestWriteMasterBlacklist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master-blacklist.ctl")

	n, err := WriteMasterBlacklist(path,
		[]string{"203.0.113.5", "198.51.100.7"},
		[]string{"203.0.113.5", "2001:0db8::1"}, // duplicate collapses
		[]string{"garbage"},
	)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "198.51.100.7\n2001:db8::1\n203.0.113.5\n", string(body))
}
