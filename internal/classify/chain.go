package classify

import (
	"github.com/rs/zerolog"

	"github.com/cpsource/fail3band/internal/event"
)

// Chain runs the registered matchers in a fixed priority order. The
// first positive match wins and short-circuits the rest; there is no
// scoring or voting. The registry is static: matchers are constructed
// here, not discovered at runtime.
type Chain struct {
	matchers []Matcher
	log      zerolog.Logger
}

// NewChain builds the default matcher chain.
func NewChain(logger zerolog.Logger) *Chain {
	return &Chain{
		matchers: []Matcher{
			NewFirewallDropMatcher(),
			NewBadPathMatcher(),
			NewErrorLogMatcher(),
			NewProbeMatcher(),
		},
		log: logger.With().Str("component", "classify").Logger(),
	}
}

// Classify runs ev through the chain. A malformed verdict from one
// matcher does not stop the remaining matchers from trying; it is only
// surfaced when nothing downstream matches, so callers can count parse
// failures separately from clean lines.
func (c *Chain) Classify(ev event.LogEvent) Result {
	var malformed *Result
	for _, m := range c.matchers {
		res := m.Match(ev)
		switch res.Kind {
		case KindMatch:
			return res
		case KindMalformed:
			c.log.Debug().
				Str("matcher", m.Name()).
				Str("reason", res.Reason).
				Msg("malformed line")
			if malformed == nil {
				r := res
				malformed = &r
			}
		}
	}
	if malformed != nil {
		return *malformed
	}
	return NoMatch()
}
