package detect

import (
	"strings"
	"testing"
)

func calls(pairs ...string) []ToolCall {
	out := make([]ToolCall, 0, len(pairs))
	for _, p := range pairs {
		tool, target, _ := strings.Cut(p, ":")
		out = append(out, ToolCall{Tool: tool, Target: target})
	}
	return out
}

func TestCheckLoops_Repeat(t *testing.T) {
	tests := []struct {
		name   string
		window []ToolCall
		warn   bool
		kill   bool
	}{
		{"empty window", nil, false, false},
		{"two repetitions", calls("Bash:build", "Bash:build"), false, false},
		{"exactly warn", calls("Bash:build", "Bash:build", "Bash:build"), true, false},
		{"between warn and kill", calls("Bash:build", "Bash:build", "Bash:build", "Bash:build"), true, false},
		{"exactly kill", calls("Bash:build", "Bash:build", "Bash:build", "Bash:build", "Bash:build"), true, true},
		{"interleaved still counts", calls("Bash:build", "Read:f", "Bash:build", "Grep:x", "Bash:build"), true, false},
		{"distinct targets are distinct", calls("Bash:a", "Bash:b", "Bash:c", "Bash:d", "Bash:e"), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := CheckLoops(tt.window, 3, 5, 3, 4)
			if v.Warn != tt.warn || v.Kill != tt.kill {
				t.Errorf("verdict = %+v, want warn=%v kill=%v", v, tt.warn, tt.kill)
			}
			if (v.Warn || v.Kill) && v.Pattern != PatternRepeat {
				t.Errorf("pattern = %q", v.Pattern)
			}
		})
	}
}

func TestCheckLoops_PingPong(t *testing.T) {
	tests := []struct {
		name   string
		window []ToolCall
		warn   bool
		kill   bool
	}{
		{"two alternations", calls("Bash:a", "Bash:b"), false, false},
		{"exactly warn", calls("Bash:a", "Bash:b", "Bash:a"), true, false},
		{"exactly kill", calls("Bash:b", "Bash:a", "Bash:b", "Bash:a"), true, true},
		{"broken alternation", calls("Bash:a", "Bash:b", "Read:c", "Bash:a", "Bash:b"), false, false},
		{"repeat is not ping-pong", calls("Bash:a", "Bash:a", "Bash:a"), true, false}, // repeat warn
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := CheckLoops(tt.window, 3, 5, 3, 4)
			if v.Warn != tt.warn || v.Kill != tt.kill {
				t.Errorf("verdict = %+v, want warn=%v kill=%v", v, tt.warn, tt.kill)
			}
		})
	}
}

func TestCheckLoops_Disabled(t *testing.T) {
	window := calls("Bash:a", "Bash:a", "Bash:a", "Bash:a", "Bash:a", "Bash:a")
	v := CheckLoops(window, 0, 0, 0, 0)
	if v.Warn || v.Kill {
		t.Errorf("zero thresholds should disable detection, got %+v", v)
	}
}

func TestCheckLoops_Deterministic(t *testing.T) {
	window := calls("Bash:a", "Bash:b", "Bash:a", "Bash:b")
	v1 := CheckLoops(window, 3, 5, 3, 4)
	v2 := CheckLoops(window, 3, 5, 3, 4)
	if v1 != v2 {
		t.Errorf("same window produced different verdicts: %+v vs %+v", v1, v2)
	}
}

func TestCheckNonRetryable(t *testing.T) {
	sig := func(tool, target, line string) ErrorSig {
		return ErrorSig{ToolCall: ToolCall{Tool: tool, Target: target}, FirstLine: line}
	}

	if _, hit := CheckNonRetryable(nil); hit {
		t.Error("empty window must not detect")
	}
	if _, hit := CheckNonRetryable([]ErrorSig{sig("Bash", "build", "exit 1")}); hit {
		t.Error("single triplet must not detect")
	}

	window := []ErrorSig{
		sig("Bash", "build", "exit 1"),
		sig("Bash", "test", "exit 1"),
		sig("Bash", "build", "exit 1"),
	}
	got, hit := CheckNonRetryable(window)
	if !hit || got.Target != "build" {
		t.Errorf("expected duplicate build signature, got %+v hit=%v", got, hit)
	}

	// Different first lines do not match.
	window = []ErrorSig{
		sig("Bash", "build", "exit 1"),
		sig("Bash", "build", "exit 2"),
	}
	if _, hit := CheckNonRetryable(window); hit {
		t.Error("distinct first lines must not detect")
	}
}

func TestNormalizeErrorLine(t *testing.T) {
	in := "error:   something\t broke\nsecond line ignored"
	if got := NormalizeErrorLine(in); got != "error: something broke" {
		t.Errorf("normalized = %q", got)
	}

	long := strings.Repeat("x", 500)
	if got := NormalizeErrorLine(long); len(got) != 200 {
		t.Errorf("length = %d, want 200", len(got))
	}
}

func TestWindows_Bounded(t *testing.T) {
	var tw []ToolCall
	for i := 0; i < 30; i++ {
		tw = PushToolCall(tw, ToolCall{Tool: "Bash", Target: strings.Repeat("x", i)})
	}
	if len(tw) != ToolWindowSize {
		t.Errorf("tool window = %d", len(tw))
	}

	var ew []ErrorSig
	for i := 0; i < 50; i++ {
		ew = PushErrorSig(ew, ErrorSig{FirstLine: strings.Repeat("e", i)})
	}
	if len(ew) != ErrorWindowSize {
		t.Errorf("error window = %d", len(ew))
	}
}
