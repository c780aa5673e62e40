package jobtrace

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// RecordError captures an error and/or a free-form summary on the trace.
//
// With a non-nil err the wrap chain is walked outermost to innermost and
// captured as structured frames; the plain stacktrace of the recording
// goroutine is kept alongside, capped at MaxStackChars. With only a summary
// the error fields stay untouched except error_summary. Recording is
// idempotent — a later call replaces the earlier capture and the latest
// summary wins.
func (t *Trace) RecordError(summary string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err == nil {
		if summary != "" {
			t.errorSummary = summary
		}
		return
	}

	frames := recordSiteFrames(3, 32)
	chain := buildChain(err, frames)
	t.errorChain = chain

	t.errorType = chainType(chain)

	if summary == "" && len(chain) > 0 {
		summary = fmt.Sprintf("%s: %s", chain[0].Type, chain[0].Msg)
	}
	t.errorSummary = summary

	maxChars := t.MaxStackChars
	if maxChars <= 0 {
		maxChars = DefaultMaxStackChars
	}
	stack := formatStack(err, frames)
	if len(stack) > maxChars {
		stack = stack[:maxChars]
		t.errorStacktraceTruncated = true
	} else {
		t.errorStacktraceTruncated = false
	}
	t.errorStacktrace = stack
}

// buildChain walks err's wrap chain outermost to innermost. Go errors carry
// no per-wrap source location, so frames from the recording call site are
// paired positionally: the outermost error gets the immediate caller, deeper
// wraps get deeper frames while they last.
func buildChain(err error, frames []runtime.Frame) []ErrorFrame {
	var chain []ErrorFrame
	depth := 0
	for err != nil {
		frame := ErrorFrame{
			Depth: depth,
			Type:  fmt.Sprintf("%T", err),
			Msg:   truncate(err.Error(), maxFrameMsgChars),
		}
		if depth < len(frames) {
			frame.Func = shortFuncName(frames[depth].Function)
			frame.File = filepath.Base(frames[depth].File)
			frame.Line = frames[depth].Line
		}
		chain = append(chain, frame)

		err = errors.Unwrap(err)
		depth++
	}
	return chain
}

// chainType renders the chain as funcs joined outer→inner, falling back to
// the node's type where no function is known; a single-node chain without a
// function renders as its qualified type name.
func chainType(chain []ErrorFrame) string {
	if len(chain) == 0 {
		return ""
	}
	parts := make([]string, len(chain))
	for i, f := range chain {
		if f.Func != "" {
			parts[i] = f.Func
		} else {
			parts[i] = f.Type
		}
	}
	return strings.Join(parts, "→")
}

// formatStack renders a plain-text trace: the error chain first, then the
// recording goroutine's frames.
func formatStack(err error, frames []runtime.Frame) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%v\n", err)
	for unwrapped := errors.Unwrap(err); unwrapped != nil; unwrapped = errors.Unwrap(unwrapped) {
		fmt.Fprintf(&b, "caused by: %v\n", unwrapped)
	}

	for _, f := range frames {
		fmt.Fprintf(&b, "  at %s (%s:%d)\n", f.Function, filepath.Base(f.File), f.Line)
	}

	return b.String()
}

// recordSiteFrames captures up to max frames of the current goroutine,
// skipping the given number of leading frames.
func recordSiteFrames(skip, max int) []runtime.Frame {
	pcs := make([]uintptr, max)
	n := runtime.Callers(skip, pcs)
	if n == 0 {
		return nil
	}

	var out []runtime.Frame
	it := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := it.Next()
		out = append(out, frame)
		if !more {
			break
		}
	}
	return out
}

// shortFuncName strips the package path, keeping pkg.Func.
func shortFuncName(full string) string {
	if full == "" {
		return ""
	}
	if i := strings.LastIndex(full, "/"); i >= 0 {
		return full[i+1:]
	}
	return full
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
