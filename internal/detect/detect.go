// Package detect holds the sliding-window recognizers the supervisor uses to
// spot pathological agent behavior. All functions are pure: verdicts depend
// only on the window contents and the thresholds.
package detect

import "strings"

// Window bounds.
const (
	// ToolWindowSize is how many recent tool calls the loop detector sees.
	ToolWindowSize = 10
	// ErrorWindowSize is how many recent tool errors the non-retryable
	// detector sees.
	ErrorWindowSize = 20
	// errorLineMax truncates normalized error first-lines.
	errorLineMax = 200
)

// ToolCall is one (tool, target) observation.
type ToolCall struct {
	Tool   string
	Target string
}

// ErrorSig identifies a failing call by tool, target and normalized error
// first-line.
type ErrorSig struct {
	ToolCall
	FirstLine string
}

// Pattern names a loop shape.
type Pattern string

// Loop patterns
const (
	PatternRepeat   Pattern = "repeat"
	PatternPingPong Pattern = "pingpong"
)

// LoopVerdict is the outcome of a loop check.
type LoopVerdict struct {
	Warn    bool
	Kill    bool
	Pattern Pattern
	Call    ToolCall
	Count   int
}

// CheckLoops runs the generic-repeat and ping-pong recognizers over the tool
// window. A threshold of 0 disables it. Kill implies Warn thresholds have
// been passed, but the verdict reports each flag independently so the caller
// can journal a warning exactly once.
func CheckLoops(window []ToolCall, repeatWarn, repeatKill, pingWarn, pingKill int) LoopVerdict {
	if v := checkRepeat(window, repeatWarn, repeatKill); v.Warn || v.Kill {
		return v
	}
	return checkPingPong(window, pingWarn, pingKill)
}

func checkRepeat(window []ToolCall, warn, kill int) LoopVerdict {
	counts := make(map[ToolCall]int, len(window))
	var top ToolCall
	max := 0
	for _, call := range window {
		counts[call]++
		if counts[call] > max {
			max = counts[call]
			top = call
		}
	}

	v := LoopVerdict{Pattern: PatternRepeat, Call: top, Count: max}
	v.Warn = warn > 0 && max >= warn
	v.Kill = kill > 0 && max >= kill
	if !v.Warn && !v.Kill {
		return LoopVerdict{}
	}
	return v
}

// checkPingPong fires when the tail of the window strictly alternates
// between the two most recent distinct calls. A straight repeat never
// alternates, so a,a,a is left to the repeat detector.
func checkPingPong(window []ToolCall, warn, kill int) LoopVerdict {
	if len(window) < 2 {
		return LoopVerdict{}
	}
	a := window[len(window)-1]
	b := window[len(window)-2]
	if a == b {
		return LoopVerdict{}
	}

	// Length of the strictly alternating a/b suffix.
	count := 1
	expect := b
	for i := len(window) - 2; i >= 0; i-- {
		if window[i] != expect {
			break
		}
		count++
		if expect == a {
			expect = b
		} else {
			expect = a
		}
	}

	v := LoopVerdict{Pattern: PatternPingPong, Call: a, Count: count}
	v.Warn = warn > 0 && count >= warn
	v.Kill = kill > 0 && count >= kill
	if !v.Warn && !v.Kill {
		return LoopVerdict{}
	}
	return v
}

// CheckNonRetryable reports whether the error window holds two identical
// (tool, target, first-line) signatures.
func CheckNonRetryable(window []ErrorSig) (ErrorSig, bool) {
	seen := make(map[ErrorSig]bool, len(window))
	for _, sig := range window {
		if seen[sig] {
			return sig, true
		}
		seen[sig] = true
	}
	return ErrorSig{}, false
}

// NormalizeErrorLine collapses whitespace in the first line of an error and
// truncates it for signature comparison.
func NormalizeErrorLine(errText string) string {
	line := errText
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.Join(strings.Fields(line), " ")
	if len(line) > errorLineMax {
		line = line[:errorLineMax]
	}
	return line
}

// PushToolCall appends to the tool window, evicting the oldest entry past
// ToolWindowSize.
func PushToolCall(window []ToolCall, call ToolCall) []ToolCall {
	window = append(window, call)
	if len(window) > ToolWindowSize {
		window = window[len(window)-ToolWindowSize:]
	}
	return window
}

// PushErrorSig appends to the error window, evicting the oldest entry past
// ErrorWindowSize.
func PushErrorSig(window []ErrorSig, sig ErrorSig) []ErrorSig {
	window = append(window, sig)
	if len(window) > ErrorWindowSize {
		window = window[len(window)-ErrorWindowSize:]
	}
	return window
}
