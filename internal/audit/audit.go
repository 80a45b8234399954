package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cpsource/fail3band/internal/event"
)

// Decision is one audit record: what was detected and what the
// daemon decided to do about it.
type Decision struct {
	Time       time.Time `json:"time"`
	IP         string    `json:"ip"`
	Jail       string    `json:"jail"`
	Categories []int     `json:"categories"`
	Evidence   string    `json:"evidence"`
	// Outcome is one of "banned", "renewed", "whitelisted",
	// "deduped", "unbanned".
	Outcome string `json:"outcome"`
}

// Logger appends decisions to a JSONL audit file, one object per line.
type Logger struct {
	mu       sync.Mutex
	filePath string
}

func NewLogger(filePath string) *Logger {
	return &Logger{filePath: filePath}
}

// Record writes one decision. Thread safe; the file is opened per
// write so log rotation needs no coordination with the daemon.
func (l *Logger) Record(d Decision) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(d); err != nil {
		return fmt.Errorf("failed to encode audit record: %w", err)
	}
	return nil
}

// Threat builds a Decision from a classified threat.
func Threat(t event.ClassifiedThreat, outcome string) Decision {
	return Decision{
		Time:       t.DetectedAt,
		IP:         t.IP,
		Jail:       t.Jail,
		Categories: t.Categories,
		Evidence:   t.Evidence,
		Outcome:    outcome,
	}
}
