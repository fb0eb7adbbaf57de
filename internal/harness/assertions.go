package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %v -> %s\n", event.Step, event.Do, event.Args, event.Outcome)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion against the result and returns
// the failure messages. resolve maps names bound with "as" to ids.
func EvaluateAssertions(result *Result, assertions []Assertion, resolve func(string) string) []string {
	if resolve == nil {
		resolve = func(s string) string { return s }
	}
	var errs []string
	for _, a := range assertions {
		if err := evaluate(result, a, resolve); err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion, resolve func(string) string) error {
	state := result.State
	switch a.Type {
	case AssertPendingCount:
		if state.Pending != a.Count {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%d pending mutations", a.Count),
				Actual:   fmt.Sprintf("%d pending mutations", state.Pending),
				Trace:    result.Trace,
			}
		}

	case AssertErrorLog:
		if len(state.ErrorsLog) != a.Count {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%d error log entries", a.Count),
				Actual:   fmt.Sprintf("%d entries %q", len(state.ErrorsLog), state.ErrorsLog),
				Trace:    result.Trace,
			}
		}

	case AssertSessions:
		want := resolveAll(a.IDs, resolve)
		got := make([]string, len(state.Sessions))
		for i, s := range state.Sessions {
			got[i] = s.ID
		}
		if !slices.Equal(want, got) {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("sessions %v", want),
				Actual:   fmt.Sprintf("sessions %v", got),
			}
		}

	case AssertSession:
		id := resolve(a.Session)
		for _, s := range state.Sessions {
			if s.ID == id {
				return assertFields(a.Type, "session "+id, s, a.Expect)
			}
		}
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("session %s", id),
			Actual:   "session not found",
		}

	case AssertMessages:
		id := resolve(a.Conversation)
		want := resolveAll(a.IDs, resolve)
		got := state.Messages[id]
		if got == nil {
			got = []string{}
		}
		if !slices.Equal(want, got) {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("messages %v in %s", want, id),
				Actual:   fmt.Sprintf("messages %v", got),
			}
		}

	case AssertServerSettings:
		if state.ServerSettings == nil {
			return &AssertionError{
				Type:     a.Type,
				Expected: "settings stored on the server",
				Actual:   "no settings",
			}
		}
		return assertFields(a.Type, "server settings", *state.ServerSettings, a.Expect)

	case AssertTraceCount:
		count := 0
		for _, event := range result.Trace {
			if event.Do == a.Do && (a.Outcome == "" || event.Outcome == a.Outcome) {
				count++
			}
		}
		if count != a.Count {
			desc := a.Do
			if a.Outcome != "" {
				desc += " -> " + a.Outcome
			}
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%d occurrences of %s", a.Count, desc),
				Actual:   fmt.Sprintf("%d occurrences", count),
				Trace:    result.Trace,
			}
		}

	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func resolveAll(names []string, resolve func(string) string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = resolve(n)
	}
	return out
}

// assertFields compares the JSON fields of actual with expected (subset match).
// Values are compared by their printed form so YAML integers match JSON numbers.
func assertFields(typ, what string, actual any, expected map[string]any) error {
	data, err := json.Marshal(actual)
	if err != nil {
		return fmt.Errorf("encode %s: %w", what, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return fmt.Errorf("decode %s: %w", what, err)
	}

	keys := make([]string, 0, len(expected))
	for k := range expected {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var mismatches []string
	for _, k := range keys {
		got, ok := fields[k]
		if !ok {
			mismatches = append(mismatches, fmt.Sprintf("%s missing", k))
			continue
		}
		if fmt.Sprint(got) != fmt.Sprint(expected[k]) {
			mismatches = append(mismatches, fmt.Sprintf("%s=%v (want %v)", k, got, expected[k]))
		}
	}
	if len(mismatches) > 0 {
		return &AssertionError{
			Type:     typ,
			Expected: fmt.Sprintf("%s with %v", what, expected),
			Actual:   strings.Join(mismatches, ", "),
		}
	}
	return nil
}
