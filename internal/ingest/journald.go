package ingest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// journalEntry is the subset of journalctl's JSON output we consume.
type journalEntry struct {
	Timestamp        string `json:"__REALTIME_TIMESTAMP"` // microseconds as string
	Message          string `json:"MESSAGE"`
	SyslogIdentifier string `json:"SYSLOG_IDENTIFIER"`
	PID              string `json:"_PID"`
	UID              string `json:"_UID"`
}

// JournalReader follows the systemd journal through a journalctl
// subprocess, re-rendering entries as syslog-shaped lines so the
// normalizer needs no separate grammar for them.
type JournalReader struct {
	cmd *exec.Cmd
	log zerolog.Logger
}

func NewJournalReader(logger zerolog.Logger) *JournalReader {
	return &JournalReader{log: logger}
}

func (j *JournalReader) Start() (<-chan LogLine, error) {
	cmd := exec.Command("journalctl", "-f", "-o", "json", "--no-pager")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to pipe journalctl: %w", err)
	}
	if err := cmd.Start(); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("journalctl not found (not a systemd system?)")
		}
		return nil, fmt.Errorf("failed to start journalctl: %w", err)
	}
	j.cmd = cmd

	out := make(chan LogLine)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var entry journalEntry
			if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
				continue
			}

			// Entries tagged sshd but not emitted by root are spoofed
			// ("logger -t sshd" from an ordinary user) and must not
			// feed the ban pipeline.
			if entry.SyslogIdentifier == "sshd" && entry.UID != "0" {
				j.log.Warn().Str("uid", entry.UID).Str("pid", entry.PID).
					Msg("dropped spoofed sshd journal entry")
				continue
			}

			out <- LogLine{
				Source: "journald",
				Kind:   "syslog",
				Time:   journalTime(entry.Timestamp),
				Text:   fmt.Sprintf("%s[%s]: %s", entry.SyslogIdentifier, entry.PID, entry.Message),
			}
		}
		_ = cmd.Wait()
	}()
	return out, nil
}

func journalTime(usec string) time.Time {
	n, err := strconv.ParseInt(usec, 10, 64)
	if err != nil {
		return time.Now()
	}
	return time.UnixMicro(n)
}

func (j *JournalReader) Stop() error {
	if j.cmd != nil && j.cmd.Process != nil {
		return j.cmd.Process.Kill()
	}
	return nil
}
