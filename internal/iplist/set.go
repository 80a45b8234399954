package iplist

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/cpsource/fail3band/internal/event"
)

// Set is a reloadable membership set of IP addresses backed by one or
// more control files (one IP per line, '#' starts a comment). Lookups
// are O(1); every checkEvery-th lookup revalidates the files' mtime and
// size and re-reads only the ones that changed, so edits are picked up
// without a restart and without re-parsing on every lookup.
type Set struct {
	mu         sync.Mutex
	paths      []string
	ips        map[string]struct{}
	extra      map[string]struct{} // merged programmatically, survives reloads
	counter    int
	checkEvery int
	snapshots  map[string]fileSnapshot
	log        zerolog.Logger
}

type fileSnapshot struct {
	modTime int64
	size    int64
}

// NewSet creates a Set over the given control files and performs the
// initial load. Missing files are tolerated: they load as empty and
// are picked up once they appear.
func NewSet(paths []string, checkEvery int, logger zerolog.Logger) (*Set, error) {
	if checkEvery <= 0 {
		checkEvery = 100
	}
	s := &Set{
		paths:      paths,
		ips:        make(map[string]struct{}),
		extra:      make(map[string]struct{}),
		checkEvery: checkEvery,
		counter:    checkEvery,
		snapshots:  make(map[string]fileSnapshot),
		log:        logger.With().Str("component", "iplist").Logger(),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// IsMember reports whether ip (any textual form) is in the set.
func (s *Set) IsMember(ip string) bool {
	canon, ok := event.CanonicalIP(ip)
	if !ok {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter--
	if s.counter <= 0 {
		s.counter = s.checkEvery
		if s.changed() {
			if err := s.reloadLocked(); err != nil {
				s.log.Warn().Err(err).Msg("control file reload failed, keeping previous set")
			}
		}
	}

	if _, found := s.ips[canon]; found {
		return true
	}
	_, found := s.extra[canon]
	return found
}

// Merge adds addresses that did not come from a control file (ban
// ledger snapshots, external feed pulls). They survive file reloads.
func (s *Set) Merge(ips []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ip := range ips {
		if canon, ok := event.CanonicalIP(ip); ok {
			s.extra[canon] = struct{}{}
		}
	}
}

// Len returns the current membership count.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	union := make(map[string]struct{}, len(s.ips)+len(s.extra))
	for ip := range s.ips {
		union[ip] = struct{}{}
	}
	for ip := range s.extra {
		union[ip] = struct{}{}
	}
	return len(union)
}

// Snapshot returns the members in unspecified order.
func (s *Set) Snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	union := make(map[string]struct{}, len(s.ips)+len(s.extra))
	for ip := range s.ips {
		union[ip] = struct{}{}
	}
	for ip := range s.extra {
		union[ip] = struct{}{}
	}
	out := make([]string, 0, len(union))
	for ip := range union {
		out = append(out, ip)
	}
	return out
}

// Reload forces an immediate re-read of all control files.
func (s *Set) Reload() error {
	return s.reload()
}

// Watch arms an fsnotify watcher on the control files' directories and
// reloads immediately on writes, without waiting for the lookup
// counter. Blocks until ctx is done.
func (s *Set) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create control file watcher: %w", err)
	}
	defer watcher.Close()

	watched := make(map[string]struct{})
	for _, p := range s.paths {
		watched[p] = struct{}{}
		dir := p
		if i := strings.LastIndexByte(p, '/'); i > 0 {
			dir = p[:i]
		}
		if err := watcher.Add(dir); err != nil {
			s.log.Warn().Err(err).Str("dir", dir).Msg("cannot watch control file directory")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if _, mine := watched[ev.Name]; !mine {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.reload(); err != nil {
				s.log.Warn().Err(err).Str("path", ev.Name).Msg("reload after file change failed")
			} else {
				s.log.Info().Str("path", ev.Name).Msg("control file reloaded")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn().Err(err).Msg("control file watcher error")
		}
	}
}

func (s *Set) reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadLocked()
}

// changed reports whether any control file's mtime or size differs
// from the last-loaded snapshot. Caller holds the lock.
func (s *Set) changed() bool {
	for _, p := range s.paths {
		info, err := os.Stat(p)
		if err != nil {
			if _, had := s.snapshots[p]; had {
				return true // file vanished
			}
			continue
		}
		snap, had := s.snapshots[p]
		if !had || snap.modTime != info.ModTime().UnixNano() || snap.size != info.Size() {
			return true
		}
	}
	return false
}

// reloadLocked re-reads every control file. Caller holds the lock.
func (s *Set) reloadLocked() error {
	fresh := make(map[string]struct{})
	snaps := make(map[string]fileSnapshot)
	for _, p := range s.paths {
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("stat %s: %w", p, err)
		}
		if err := readControlFile(p, fresh, s.log); err != nil {
			return err
		}
		snaps[p] = fileSnapshot{modTime: info.ModTime().UnixNano(), size: info.Size()}
	}
	s.ips = fresh
	s.snapshots = snaps
	return nil
}

func readControlFile(path string, into map[string]struct{}, log zerolog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open control file %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		canon, ok := event.CanonicalIP(line)
		if !ok {
			log.Debug().Str("path", path).Int("line", lineNo).Str("entry", line).
				Msg("skipping invalid address in control file")
			continue
		}
		into[canon] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read control file %s: %w", path, err)
	}
	return nil
}
