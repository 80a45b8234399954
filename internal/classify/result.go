package classify

import "github.com/cpsource/fail3band/internal/event"

// Kind tags a classification result so callers can tell "this line is
// simply not a threat" apart from "this line broke the parser".
type Kind int

const (
	KindNoMatch Kind = iota
	KindMatch
	KindMalformed
)

// Result is the outcome of running a line through a matcher or the
// whole chain.
type Result struct {
	Kind   Kind
	Threat *event.ClassifiedThreat // set when Kind == KindMatch
	Reason string                  // set when Kind == KindMalformed
}

func Matched(t *event.ClassifiedThreat) Result {
	return Result{Kind: KindMatch, Threat: t}
}

func NoMatch() Result {
	return Result{Kind: KindNoMatch}
}

func Malformed(reason string) Result {
	return Result{Kind: KindMalformed, Reason: reason}
}

// Matcher is one signature matcher in the chain. Match never panics on
// adversarial input; non-matches are values, not errors.
type Matcher interface {
	Name() string
	Match(ev event.LogEvent) Result
}
