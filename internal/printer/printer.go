// Package printer formats CLI output with colors.
package printer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
)

func init() {
	// Force color even without a TTY; NO_COLOR disables it.
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)

	out    io.Writer = os.Stdout
	errOut io.Writer = os.Stderr
)

// SetOutput redirects normal and error output. Returns a func restoring the
// previous writers.
func SetOutput(stdout, stderr io.Writer) (restore func()) {
	prevOut, prevErr := out, errOut
	out, errOut = stdout, stderr
	return func() { out, errOut = prevOut, prevErr }
}

// Success prints a success message in green with a checkmark prefix.
func Success(format string, a ...any) {
	green.Fprintf(out, "✓ %s", strings.TrimPrefix(fmt.Sprintf(format, a...), "✓ "))
}

// Info prints a plain informational message.
func Info(format string, a ...any) {
	fmt.Fprintf(out, format, a...)
}

// Warning prints a warning in yellow.
func Warning(format string, a ...any) {
	yellow.Fprintf(out, "⚠️  %s", strings.TrimPrefix(fmt.Sprintf(format, a...), "⚠️  "))
}

// Step prints one step of a multi-step operation.
func Step(format string, a ...any) {
	cyan.Fprintf(out, "→ %s", fmt.Sprintf(format, a...))
}

// Error prints a titled error with explanation and suggestions to stderr and
// returns a bare error for Cobra, which is configured with SilenceErrors.
func Error(title string, explanation string, suggestions []string) error {
	return ErrorWithContext(title, explanation, nil, suggestions)
}

// ErrorWithContext is Error with key/value details, printed in key order.
func ErrorWithContext(title string, explanation string, details map[string]string, suggestions []string) error {
	red.Fprintf(errOut, "%s\n\n", title)

	if explanation != "" {
		fmt.Fprintf(errOut, "%s\n", explanation)
	}

	if len(details) > 0 {
		keys := make([]string, 0, len(details))
		for k := range details {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Fprintln(errOut)
		for _, k := range keys {
			fmt.Fprintf(errOut, "  %s: %s\n", k, details[k])
		}
	}

	switch len(suggestions) {
	case 0:
	case 1:
		fmt.Fprintf(errOut, "\n%s\n", suggestions[0])
	default:
		fmt.Fprintf(errOut, "\nEither:\n")
		for i, s := range suggestions {
			fmt.Fprintf(errOut, "  %d. %s\n", i+1, s)
		}
	}

	return &reportedError{title: title}
}

// reportedError is an error whose details have already been printed.
type reportedError struct {
	title string
}

func (e *reportedError) Error() string {
	return e.title
}

// Reported reports whether err was returned by Error or ErrorWithContext.
func Reported(err error) bool {
	var r *reportedError
	return errors.As(err, &r)
}

// State colors a circuit or cycle state for tables: healthy and completed in
// green, degraded and partial in yellow, open and aborted in red, recovering in cyan.
func State(state string) string {
	switch state {
	case "healthy", "completed", "normal":
		return green.Sprint(state)
	case "degraded", "partial", "caution", "reduce":
		return yellow.Sprint(state)
	case "open", "aborted", "halt":
		return red.Sprint(state)
	case "recovering":
		return cyan.Sprint(state)
	default:
		return state
	}
}

// Muted renders secondary text.
func Muted(s string) string {
	return faint.Sprint(s)
}
