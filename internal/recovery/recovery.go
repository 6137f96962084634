package recovery

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"time"

	"github.com/skobayashi/convoy/internal/model"
)

// Action is the recovery decision for one failure.
type Action int

const (
	ActionRetry Action = iota
	ActionCooldown
	ActionFatal
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionCooldown:
		return "cooldown"
	default:
		return "fatal"
	}
}

// Decision is the outcome of HandleFailure: what to do, how long to
// wait before doing it, and why.
type Decision struct {
	Action Action
	Delay  time.Duration
	Reason string
}

const snippetMaxLen = 200

// Controller applies the retry/cooldown policy. Step retry counts are
// bounded by MaxRetries; usage-limit cooldowns bypass that budget but,
// like every recovery, consume from the workflow-wide
// MaxWorkflowRetries ceiling.
type Controller struct {
	config model.RetryConfig
	rng    *rand.Rand
	now    func() time.Time
}

func NewController(cfg model.RetryConfig) *Controller {
	return &Controller{
		config: cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
	}
}

// SetNow overrides the clock for testing.
func (c *Controller) SetNow(now func() time.Time) {
	c.now = now
}

// SetRand overrides the jitter source for testing.
func (c *Controller) SetRand(rng *rand.Rand) {
	c.rng = rng
}

// HandleFailure records the failure in the task's error history and
// decides the recovery action for the given step. The caller persists
// the mutated task and enacts the decision.
func (c *Controller) HandleFailure(task *model.Task, stepIndex int, kind Kind, rawOutput string) Decision {
	var step *model.Step
	if stepIndex >= 0 && stepIndex < len(task.Steps) {
		step = &task.Steps[stepIndex]
	}

	stepRetries := 0
	if step != nil {
		stepRetries = step.RetryCount
	}
	c.recordError(task, stepIndex, kind, rawOutput, stepRetries)

	// Workflow-wide ceiling applies to every recovery, cooldowns included.
	if task.RetryCount >= c.config.MaxWorkflowRetries {
		return Decision{
			Action: ActionFatal,
			Reason: fmt.Sprintf("workflow retry ceiling reached (%d/%d)", task.RetryCount, c.config.MaxWorkflowRetries),
		}
	}

	switch kind {
	case KindAuth, KindSyntax:
		return Decision{
			Action: ActionFatal,
			Reason: fmt.Sprintf("%s errors are not retryable", kind),
		}

	case KindUsageLimit:
		delay, found := ParseResetHint(rawOutput, c.now())
		if !found {
			delay = time.Duration(c.config.DefaultCooldownMin) * time.Minute
		}
		// Cooldowns do not consume the per-step retry budget.
		task.RetryCount++
		return Decision{
			Action: ActionCooldown,
			Delay:  delay,
			Reason: fmt.Sprintf("usage limit; waiting %s", delay.Round(time.Second)),
		}

	default:
		if stepRetries >= c.config.MaxRetries {
			return Decision{
				Action: ActionFatal,
				Reason: fmt.Sprintf("max retries exceeded (%d/%d)", stepRetries, c.config.MaxRetries),
			}
		}
		delay := c.backoff(kind, stepRetries)
		if step != nil {
			step.RetryCount++
		}
		task.RetryCount++
		return Decision{
			Action: ActionRetry,
			Delay:  delay,
			Reason: fmt.Sprintf("%s error, retry %d/%d after %s", kind, stepRetries+1, c.config.MaxRetries, delay.Round(time.Second)),
		}
	}
}

// backoff computes the retry delay: baseDelay*(retryCount+1), tripled
// for timeouts, capped at maxDelay, then perturbed by uniform jitter in
// ±jitterRange. The result never drops below one second.
func (c *Controller) backoff(kind Kind, retryCount int) time.Duration {
	base := time.Duration(c.config.BaseDelaySec) * time.Second
	maxDelay := time.Duration(c.config.MaxDelaySec) * time.Second

	delay := base * time.Duration(retryCount+1)
	if kind == KindTimeout {
		delay *= 3
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	jitterRange := time.Duration(c.config.JitterSec) * time.Second
	if jitterRange > 0 {
		jitter := time.Duration(c.rng.Int63n(int64(2*jitterRange))) - jitterRange
		delay += jitter
	}
	if delay < time.Second {
		delay = time.Second
	}
	return delay
}

// BackoffBase exposes the pre-jitter delay for a kind and retry count,
// used by tests asserting the monotonic bound.
func (c *Controller) BackoffBase(kind Kind, retryCount int) time.Duration {
	base := time.Duration(c.config.BaseDelaySec) * time.Second
	maxDelay := time.Duration(c.config.MaxDelaySec) * time.Second
	delay := base * time.Duration(retryCount+1)
	if kind == KindTimeout {
		delay *= 3
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

func (c *Controller) recordError(task *model.Task, stepIndex int, kind Kind, rawOutput string, retryCount int) {
	snippet := rawOutput
	if len(snippet) > snippetMaxLen {
		snippet = snippet[:snippetMaxLen]
	}
	rec := model.ErrorRecord{
		Kind:       string(kind),
		Snippet:    snippet,
		StepIndex:  stepIndex,
		RetryCount: retryCount,
		Timestamp:  c.now().UTC().Format(time.RFC3339),
	}
	task.ErrorHistory = append(task.ErrorHistory, rec)
	last := fmt.Sprintf("%s: %s", kind, snippet)
	task.LastError = &last
	task.Touch()
}

// resetHintRegex matches human-readable reset phrasing such as
// "available again at 3pm" or "limit will reset at 11:30am".
var resetHintRegex = regexp.MustCompile(`(?i)(\d{1,2})(?::(\d{2}))?\s*(am|pm)`)

// ParseResetHint extracts a reset time-of-day from raw output and
// returns the duration until that instant: same day if still ahead of
// now, otherwise the next day. Returns false when no hint is present.
func ParseResetHint(raw string, now time.Time) (time.Duration, bool) {
	m := resetHintRegex.FindStringSubmatch(raw)
	if m == nil {
		return 0, false
	}

	hour, err := strconv.Atoi(m[1])
	if err != nil || hour < 1 || hour > 12 {
		return 0, false
	}
	minute := 0
	if m[2] != "" {
		minute, err = strconv.Atoi(m[2])
		if err != nil || minute > 59 {
			return 0, false
		}
	}

	// 12-hour → 24-hour: 12am is 00, 12pm is 12.
	meridiem := m[3]
	if hour == 12 {
		hour = 0
	}
	if meridiem == "pm" || meridiem == "PM" || meridiem == "Pm" || meridiem == "pM" {
		hour += 12
	}

	target := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !target.After(now) {
		target = target.AddDate(0, 0, 1)
	}
	return target.Sub(now), true
}
