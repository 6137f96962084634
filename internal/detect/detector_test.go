package detect

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/skobayashi/convoy/internal/model"
	"github.com/skobayashi/convoy/internal/session"
)

// fakeSession serves scripted capture output: each CaptureOutput call
// pops the next entry, and the last entry repeats.
type fakeSession struct {
	outputs    []string
	captureErr error
	calls      int
}

func (f *fakeSession) Send(string) error { return nil }

func (f *fakeSession) CaptureOutput(int) (string, error) {
	if f.captureErr != nil {
		return "", f.captureErr
	}
	f.calls++
	if len(f.outputs) == 0 {
		return "", nil
	}
	i := f.calls - 1
	if i >= len(f.outputs) {
		i = len(f.outputs) - 1
	}
	return f.outputs[i], nil
}

func (f *fakeSession) IsAlive() bool { return true }

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestDetector(t *testing.T, sess session.Session, cfg model.DetectorConfig) *Detector {
	t.Helper()
	d, err := New(sess, cfg, 50, testLogger(), "error")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestTimeoutPerPhase(t *testing.T) {
	cfg := model.DefaultConfig().Detector
	d := newTestDetector(t, &fakeSession{}, cfg)

	tests := []struct {
		phase string
		want  time.Duration
	}{
		{model.PhaseDevelop, 600 * time.Second},
		{model.PhaseClear, 30 * time.Second},
		{model.PhaseReview, 480 * time.Second},
		{model.PhaseMerge, 300 * time.Second},
		{model.PhaseGeneric, 180 * time.Second},
		{"unknown-phase", 180 * time.Second},
	}
	for _, tt := range tests {
		if got := d.Timeout(tt.phase); got != tt.want {
			t.Errorf("Timeout(%q) = %s, want %s", tt.phase, got, tt.want)
		}
	}
}

func TestWaitForCompletionMatches(t *testing.T) {
	sess := &fakeSession{outputs: []string{"Implementation complete. All tests pass."}}
	d := newTestDetector(t, sess, model.DetectorConfig{})

	out, err := d.WaitForCompletion(context.Background(), model.PhaseDevelop)
	if err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if out.Result != ResultCompleted {
		t.Errorf("Result = %s, want completed", out.Result)
	}
	if out.Assumed {
		t.Error("verified completion must not be marked assumed")
	}
	if out.Output == "" {
		t.Error("completed outcome should carry the matched output")
	}
}

func TestWaitForCompletionCaseInsensitive(t *testing.T) {
	sess := &fakeSession{outputs: []string{"MERGED SUCCESSFULLY"}}
	d := newTestDetector(t, sess, model.DetectorConfig{})

	out, err := d.WaitForCompletion(context.Background(), model.PhaseMerge)
	if err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if out.Result != ResultCompleted {
		t.Errorf("Result = %s, want completed", out.Result)
	}
}

func TestWaitForCompletionTimeout(t *testing.T) {
	// Zero timeouts make the deadline elapse after the first capture.
	sess := &fakeSession{outputs: []string{"Error: connection refused"}}
	d := newTestDetector(t, sess, model.DetectorConfig{})

	out, err := d.WaitForCompletion(context.Background(), model.PhaseDevelop)
	if err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if out.Result != ResultTimedOut {
		t.Errorf("Result = %s, want timed_out", out.Result)
	}
	if out.Output != "Error: connection refused" {
		t.Errorf("timed-out outcome should carry last output, got %q", out.Output)
	}
}

func TestWaitForCompletionPatternOverride(t *testing.T) {
	cfg := model.DetectorConfig{
		Patterns: map[string][]string{
			model.PhaseDevelop: {`custom sentinel`},
		},
	}
	// Default develop pattern no longer matches once overridden.
	sess := &fakeSession{outputs: []string{"Implementation complete"}}
	d := newTestDetector(t, sess, cfg)

	out, err := d.WaitForCompletion(context.Background(), model.PhaseDevelop)
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != ResultTimedOut {
		t.Errorf("overridden pattern should not match defaults, got %s", out.Result)
	}

	sess = &fakeSession{outputs: []string{"CUSTOM SENTINEL reached"}}
	d = newTestDetector(t, sess, cfg)
	out, err = d.WaitForCompletion(context.Background(), model.PhaseDevelop)
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != ResultCompleted {
		t.Errorf("override pattern should match, got %s", out.Result)
	}
}

func TestWaitForCompletionInvalidOverride(t *testing.T) {
	cfg := model.DetectorConfig{
		Patterns: map[string][]string{
			model.PhaseDevelop: {`([unclosed`},
		},
	}
	if _, err := New(&fakeSession{}, cfg, 50, testLogger(), "error"); err == nil {
		t.Error("invalid pattern override should fail at construction")
	}
}

func TestWaitForCompletionCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := newTestDetector(t, &fakeSession{}, model.DetectorConfig{})
	if _, err := d.WaitForCompletion(ctx, model.PhaseGeneric); err == nil {
		t.Error("cancelled context should return an error")
	}
}

func TestWaitDegradedTimeoutOnly(t *testing.T) {
	sess := &fakeSession{captureErr: session.ErrCaptureUnsupported}
	d := newTestDetector(t, sess, model.DetectorConfig{})

	out, err := d.WaitForCompletion(context.Background(), model.PhaseGeneric)
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != ResultTimedOut {
		t.Errorf("without opt-in, capture-less timeout must read as timed_out, got %s", out.Result)
	}
}

func TestWaitDegradedAssumeComplete(t *testing.T) {
	sess := &fakeSession{captureErr: session.ErrCaptureUnsupported}
	d := newTestDetector(t, sess, model.DetectorConfig{AssumeCompleteOnTimeout: true})

	out, err := d.WaitForCompletion(context.Background(), model.PhaseGeneric)
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != ResultCompleted {
		t.Errorf("Result = %s, want completed", out.Result)
	}
	if !out.Assumed {
		t.Error("degraded completion must be flagged as assumed")
	}
}
