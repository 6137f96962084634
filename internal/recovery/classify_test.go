package recovery

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Kind
	}{
		{"connection refused", "Error: connection refused by upstream", KindNetwork},
		{"no such host", "dial tcp: lookup api.example.com: no such host", KindNetwork},
		{"network unreachable", "network is unreachable", KindNetwork},
		{"tls failure", "TLS handshake timeout", KindNetwork},
		{"session gone", "can't find session: session not found", KindSession},
		{"no server", "no server running on /tmp/tmux-1000/default", KindSession},
		{"dead pane", "pane is dead", KindSession},
		{"broken pipe", "write: broken pipe", KindSession},
		{"auth failed", "Authentication failed, please log in again", KindAuth},
		{"invalid key", "invalid API key provided", KindAuth},
		{"unauthorized", "401 Unauthorized", KindAuth},
		{"syntax error", "syntax error near unexpected token", KindSyntax},
		{"unknown command", "unknown command: /dvelop", KindSyntax},
		{"not found", "zsh: command not found: frobnicate", KindSyntax},
		{"usage limit", "You have reached your usage limit", KindUsageLimit},
		{"rate limit", "rate limit exceeded, try later", KindUsageLimit},
		{"limit reset hint", "Limit will reset at 3pm", KindUsageLimit},
		{"timed out", "operation timed out after 30s", KindTimeout},
		{"deadline", "context deadline exceeded", KindTimeout},
		{"unmatched", "something completely different happened", KindGeneric},
		{"empty", "", KindGeneric},
		{"whitespace only", "   \n\t", KindGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.raw); got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.raw, got, tt.want)
			}
		})
	}
}

func TestClassifyOrderUsageLimitBeforeTimeout(t *testing.T) {
	// Output mentioning both a rate limit and a timeout classifies as
	// usage limit: the more specific kind wins.
	raw := "request timed out: rate limit exceeded"
	if got := Classify(raw); got != KindUsageLimit {
		t.Errorf("Classify(%q) = %s, want usage_limit", raw, got)
	}
}

func TestRetryable(t *testing.T) {
	retryable := []Kind{KindNetwork, KindSession, KindTimeout, KindGeneric}
	for _, k := range retryable {
		if !Retryable(k) {
			t.Errorf("%s should be retryable", k)
		}
	}
	notRetryable := []Kind{KindAuth, KindSyntax, KindUsageLimit}
	for _, k := range notRetryable {
		if Retryable(k) {
			t.Errorf("%s should not be retryable", k)
		}
	}
}
