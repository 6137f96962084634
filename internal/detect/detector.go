// Package detect decides when the external session has finished a unit
// of work, by matching phase-specific completion patterns over captured
// output within a phase-specific timeout.
package detect

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/skobayashi/convoy/internal/model"
	"github.com/skobayashi/convoy/internal/session"
)

// Result of one completion wait.
type Result int

const (
	ResultCompleted Result = iota
	ResultTimedOut
)

func (r Result) String() string {
	switch r {
	case ResultCompleted:
		return "completed"
	default:
		return "timed_out"
	}
}

// Outcome carries the result plus the output captured on the final poll,
// which the error classifier inspects after a timeout. Assumed is set
// when completion was inferred from an elapsed timeout because the
// backend cannot capture output — a weaker guarantee the caller must
// treat accordingly.
type Outcome struct {
	Result  Result
	Output  string
	Assumed bool
}

// defaultPatterns are the phase completion patterns, matched
// case-insensitively against captured output.
var defaultPatterns = map[string][]string{
	model.PhaseDevelop: {
		`implementation (is )?complete`,
		`all tests? pass(ed)?`,
		`changes? committed`,
		`development (finished|complete)`,
	},
	model.PhaseClear: {
		`context (has been |was )?cleared`,
		`(?m)^\s*❯\s*$`,
		`(?m)^\s*>\s*$`,
	},
	model.PhaseReview: {
		`review (is )?complete`,
		`approved`,
		`no (further |blocking )?issues found`,
	},
	model.PhaseMerge: {
		`merged? successfully`,
		`merge (is )?complete`,
		`pull request .*merged`,
	},
	model.PhaseGeneric: {
		`(task|command) (is )?(complete|completed|finished|done)`,
		`✅`,
	},
}

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Detector polls session output on a fixed interval until a completion
// pattern matches or the phase timeout elapses.
type Detector struct {
	sess         session.Session
	config       model.DetectorConfig
	captureLines int
	patterns     map[string][]*regexp.Regexp
	logger       *log.Logger
	logLevel     LogLevel
}

// New compiles the phase pattern tables (config overrides take the place
// of the defaults for their phase) and returns a Detector.
func New(sess session.Session, cfg model.DetectorConfig, captureLines int, logger *log.Logger, logLevel string) (*Detector, error) {
	patterns := make(map[string][]*regexp.Regexp)
	for phase, defaults := range defaultPatterns {
		raw := defaults
		if override, ok := cfg.Patterns[phase]; ok && len(override) > 0 {
			raw = override
		}
		for _, p := range raw {
			re, err := regexp.Compile(`(?i)` + p)
			if err != nil {
				return nil, fmt.Errorf("compile completion pattern %q for phase %s: %w", p, phase, err)
			}
			patterns[phase] = append(patterns[phase], re)
		}
	}
	if captureLines <= 0 {
		captureLines = 50
	}
	return &Detector{
		sess:         sess,
		config:       cfg,
		captureLines: captureLines,
		patterns:     patterns,
		logger:       logger,
		logLevel:     parseLogLevel(logLevel),
	}, nil
}

// Timeout returns the configured completion timeout for a phase.
// Unknown phases use the generic timeout.
func (d *Detector) Timeout(phase string) time.Duration {
	sec := 0
	switch phase {
	case model.PhaseDevelop:
		sec = d.config.DevelopTimeoutSec
	case model.PhaseClear:
		sec = d.config.ClearTimeoutSec
	case model.PhaseReview:
		sec = d.config.ReviewTimeoutSec
	case model.PhaseMerge:
		sec = d.config.MergeTimeoutSec
	default:
		sec = d.config.GenericTimeoutSec
	}
	if sec <= 0 {
		sec = d.config.GenericTimeoutSec
	}
	return time.Duration(sec) * time.Second
}

// WaitForCompletion polls until a completion pattern for the phase
// matches the captured output or the phase timeout elapses. The only
// error it returns is context cancellation; a timeout is an Outcome,
// not an error.
func (d *Detector) WaitForCompletion(ctx context.Context, phase string) (Outcome, error) {
	timeout := d.Timeout(phase)
	interval := time.Duration(d.config.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := time.Now().Add(timeout)

	d.log(LogLevelDebug, "wait_start phase=%s timeout=%s interval=%s", phase, timeout, interval)

	var lastOutput string
	for {
		if err := ctx.Err(); err != nil {
			return Outcome{}, fmt.Errorf("completion wait cancelled: %w", err)
		}

		out, err := d.sess.CaptureOutput(d.captureLines)
		switch {
		case err == nil:
			lastOutput = out
			if d.matches(phase, out) {
				d.log(LogLevelInfo, "wait_completed phase=%s", phase)
				return Outcome{Result: ResultCompleted, Output: out}, nil
			}
		case errors.Is(err, session.ErrCaptureUnsupported):
			return d.waitWithoutCapture(ctx, phase, deadline)
		default:
			// Transient capture failures are tolerated; the timeout
			// bounds how long they can persist.
			d.log(LogLevelDebug, "wait_capture_error phase=%s error=%v", phase, err)
		}

		if time.Now().After(deadline) {
			d.log(LogLevelWarn, "wait_timeout phase=%s after=%s", phase, timeout)
			return Outcome{Result: ResultTimedOut, Output: lastOutput}, nil
		}
		if err := sleepCtx(ctx, interval); err != nil {
			return Outcome{}, fmt.Errorf("completion wait cancelled: %w", err)
		}
	}
}

// waitWithoutCapture is the degraded mode for backends without output
// capture. With assume_complete_on_timeout set, an elapsed timeout is
// reported as (assumed) success; otherwise it is a timeout like any
// other, which the caller will classify and retry.
func (d *Detector) waitWithoutCapture(ctx context.Context, phase string, deadline time.Time) (Outcome, error) {
	remaining := time.Until(deadline)
	if remaining < 0 {
		remaining = 0
	}
	if d.config.AssumeCompleteOnTimeout {
		d.log(LogLevelWarn, "wait_degraded phase=%s mode=assume_complete remaining=%s (output capture unavailable; completion is NOT verified)",
			phase, remaining.Round(time.Second))
		if err := sleepCtx(ctx, remaining); err != nil {
			return Outcome{}, fmt.Errorf("completion wait cancelled: %w", err)
		}
		return Outcome{Result: ResultCompleted, Assumed: true}, nil
	}

	d.log(LogLevelWarn, "wait_degraded phase=%s mode=timeout_only remaining=%s", phase, remaining.Round(time.Second))
	if err := sleepCtx(ctx, remaining); err != nil {
		return Outcome{}, fmt.Errorf("completion wait cancelled: %w", err)
	}
	return Outcome{Result: ResultTimedOut}, nil
}

func (d *Detector) matches(phase, output string) bool {
	res, ok := d.patterns[phase]
	if !ok {
		res = d.patterns[model.PhaseGeneric]
	}
	for _, re := range res {
		if re.MatchString(output) {
			return true
		}
	}
	return false
}

// sleepCtx sleeps for dur or returns early if ctx is cancelled.
func sleepCtx(ctx context.Context, dur time.Duration) error {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Detector) log(level LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s detector: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
