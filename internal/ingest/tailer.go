package ingest

import (
	"fmt"
	"time"

	"github.com/nxadm/tail"
	"github.com/rs/zerolog"

	"github.com/cpsource/fail3band/internal/config"
)

// LogLine is one raw line from a log source.
type LogLine struct {
	Source string // path or "journald"
	Kind   string // "syslog", "access" or "error"
	Time   time.Time
	Text   string
}

// Ingester is a running log source.
type Ingester interface {
	Start() (<-chan LogLine, error)
	Stop() error
}

// FileTailer follows one log file, surviving rotation and creation
// after startup.
type FileTailer struct {
	source config.Source
	t      *tail.Tail
	log    zerolog.Logger
}

func NewFileTailer(src config.Source, logger zerolog.Logger) *FileTailer {
	return &FileTailer{source: src, log: logger}
}

func (f *FileTailer) Start() (<-chan LogLine, error) {
	cfg := tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		// Poll as fallback for filesystems where inotify misses
		// rotations (container binds, some network mounts).
		Poll:   true,
		Logger: tail.DiscardingLogger,
	}

	f.log.Info().Str("path", f.source.Path).Str("kind", f.source.Kind).Msg("tailing log source")

	t, err := tail.TailFile(f.source.Path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to tail %s: %w", f.source.Path, err)
	}
	f.t = t

	out := make(chan LogLine)
	go func() {
		defer close(out)
		for line := range t.Lines {
			if line.Err != nil {
				// Rotation races produce transient errors; skip
				// quietly instead of spamming the log.
				continue
			}
			out <- LogLine{
				Source: f.source.Path,
				Kind:   f.source.Kind,
				Time:   line.Time,
				Text:   line.Text,
			}
		}
	}()
	return out, nil
}

func (f *FileTailer) Stop() error {
	if f.t != nil {
		return f.t.Stop()
	}
	return nil
}
