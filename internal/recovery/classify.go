// Package recovery classifies raw failure output and decides how the
// engine recovers: retry with backoff, cool down until a usage limit
// resets, or fail terminally.
package recovery

import (
	"regexp"
	"strings"
)

// Kind is the classified error category.
type Kind string

const (
	KindNetwork    Kind = "network"
	KindSession    Kind = "session"
	KindAuth       Kind = "auth"
	KindSyntax     Kind = "syntax"
	KindUsageLimit Kind = "usage_limit"
	KindTimeout    Kind = "timeout"
	KindGeneric    Kind = "generic"
)

// kindMatchers map raw output to a kind. Checked in order: the first
// match wins, so the more specific kinds come first.
var kindMatchers = []struct {
	kind     Kind
	patterns []*regexp.Regexp
}{
	{KindUsageLimit, compileAll(
		`usage limit`,
		`rate limit`,
		`too many requests`,
		`limit (will )?reset`,
		`available again`,
	)},
	{KindAuth, compileAll(
		`authentication failed`,
		`unauthorized`,
		`invalid (api )?key`,
		`credentials? (rejected|expired|invalid)`,
		`permission denied`,
	)},
	{KindSyntax, compileAll(
		`syntax error`,
		`unknown (command|option|flag)`,
		`invalid (argument|syntax)`,
		`command not found`,
	)},
	{KindNetwork, compileAll(
		`connection (refused|reset|closed)`,
		`no such host`,
		`network (is )?unreachable`,
		`dns`,
		`tls handshake`,
	)},
	{KindSession, compileAll(
		`session (not found|closed|has exited|exited)`,
		`no server running`,
		`pane (not found|is dead)`,
		`broken pipe`,
	)},
	{KindTimeout, compileAll(
		`timed? ?out`,
		`deadline exceeded`,
	)},
}

func compileAll(patterns ...string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		res = append(res, regexp.MustCompile(`(?i)`+p))
	}
	return res
}

// Classify maps raw failure output to an error kind. Unmatched output
// is KindGeneric.
func Classify(raw string) Kind {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return KindGeneric
	}
	for _, m := range kindMatchers {
		for _, re := range m.patterns {
			if re.MatchString(trimmed) {
				return m.kind
			}
		}
	}
	return KindGeneric
}

// Retryable reports whether a kind is eligible for backoff retry.
// Auth and Syntax are never retried; UsageLimit recovers via cooldown
// rather than the standard retry path.
func Retryable(k Kind) bool {
	switch k {
	case KindNetwork, KindSession, KindTimeout, KindGeneric:
		return true
	default:
		return false
	}
}
