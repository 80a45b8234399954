package ingest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cpsource/fail3band/internal/config"
)

func TestJournalTime(t *testing.T) {
	ts := journalTime("1741521600000000")
	require.Equal(t, time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC), ts.UTC())

	// Garbage falls back to roughly now.
	got := journalTime("not-a-number")
	require.WithinDuration(t, time.Now(), got, time.Minute)
}

func TestMerge_ForwardsFromAllSources(t *testing.T) {
	a := make(chan LogLine, 1)
	b := make(chan LogLine, 1)
	merged, stop := Merge(a, b)
	defer stop()

	a <- LogLine{Source: "a"}
	b <- LogLine{Source: "b"}
	close(a)
	close(b)

	var sources []string
	for line := range merged {
		sources = append(sources, line.Source)
	}
	require.ElementsMatch(t, []string{"a", "b"}, sources)
}

func TestMerge_StopUnblocksForwarders(t *testing.T) {
	src := make(chan LogLine, 200)
	for i := 0; i < 200; i++ {
		src <- LogLine{Source: "flood"}
	}
	close(src)

	// Nobody drains merged, so its buffer fills and the forwarder
	// blocks mid-send. stop must still let it exit.
	merged, stop := Merge(src)
	time.Sleep(50 * time.Millisecond)
	stop()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-merged:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("merged channel never closed after stop")
		}
	}
}

func TestFileTailer_FollowsAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	ft := NewFileTailer(config.Source{Path: path, Kind: "syslog"}, zerolog.Nop())
	lines, err := ft.Start()
	require.NoError(t, err)
	defer ft.Stop()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("Mar  9 12:00:00 gw sshd[100]: Invalid user admin from 203.0.113.5\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	select {
	case line := <-lines:
		require.Equal(t, path, line.Source)
		require.Equal(t, "syslog", line.Kind)
		require.Contains(t, line.Text, "Invalid user admin")
	case <-time.After(5 * time.Second):
		t.Fatal("tailer did not deliver the appended line")
	}
}
