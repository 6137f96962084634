package session

import "testing"

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"convoy", "convoy"},
		{"my-session_1", "my-session_1"},
		{"a.b:c", "a_b_c"},
		{"spaces here", "spaces_here"},
		{"semi;colon$", "semi_colon_"},
		{"", "convoy"},
		{"...", "___"},
	}
	for _, tt := range tests {
		if got := SanitizeName(tt.in); got != tt.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewTmuxSanitizes(t *testing.T) {
	s := NewTmux("bad.name:here")
	if s.Name() != "bad_name_here" {
		t.Errorf("Name() = %q, want sanitized", s.Name())
	}
}
