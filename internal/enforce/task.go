package enforce

import (
	"time"

	"github.com/google/uuid"

	"github.com/cpsource/fail3band/internal/event"
)

// Op is the kind of work a Task carries.
type Op int

const (
	OpApplyBan Op = iota
	OpRemoveBan
	OpReportAbuse
)

func (o Op) String() string {
	switch o {
	case OpApplyBan:
		return "apply_ban"
	case OpRemoveBan:
		return "remove_ban"
	case OpReportAbuse:
		return "report_abuse"
	default:
		return "unknown"
	}
}

// Task is one unit of asynchronous enforcement work. The detection
// path never blocks on the firewall or the reporting API; it hands a
// Task to the pool and moves on.
type Task struct {
	ID         string
	Op         Op
	IP         string
	Jail       string
	Duration   *time.Duration // nil means permanent, ban ops only
	Categories []int          // report ops only
	Comment    string         // report ops only
	DetectedAt time.Time

	// Done, when set, is invoked by the worker after the task
	// finishes, with the execution error if any.
	Done func(error)
}

// BanTask builds an apply-ban task for a classified threat.
func BanTask(t event.ClassifiedThreat, d *time.Duration) Task {
	return Task{
		ID:         uuid.NewString(),
		Op:         OpApplyBan,
		IP:         t.IP,
		Jail:       t.Jail,
		Duration:   d,
		DetectedAt: t.DetectedAt,
	}
}

// UnbanTask builds a remove-ban task for an expired ban row.
func UnbanTask(ip, jail string) Task {
	return Task{
		ID:   uuid.NewString(),
		Op:   OpRemoveBan,
		IP:   ip,
		Jail: jail,
	}
}

// ReportTask builds an abuse-report task for a classified threat.
func ReportTask(t event.ClassifiedThreat) Task {
	return Task{
		ID:         uuid.NewString(),
		Op:         OpReportAbuse,
		IP:         t.IP,
		Jail:       t.Jail,
		Categories: t.Categories,
		Comment:    t.Evidence,
		DetectedAt: t.DetectedAt,
	}
}
