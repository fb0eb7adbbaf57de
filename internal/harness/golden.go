package harness

import (
	"bytes"
	"encoding/json"
	"reflect"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/VuDube/promptgenie-xx2a9lx/internal/model"
)

// Snapshot captures the complete trace and final state of a scenario run.
type Snapshot struct {
	Scenario string       `json:"scenario"`
	Trace    []TraceEvent `json:"trace"`
	State    State        `json:"state"`
}

// MarshalSnapshot renders a snapshot as indented canonical JSON.
func MarshalSnapshot(s Snapshot) ([]byte, error) {
	raw, err := model.MarshalCanonical(s)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// SnapshotOf returns the snapshot of a finished run.
func SnapshotOf(scenarioName string, result *Result) Snapshot {
	return Snapshot{
		Scenario: scenarioName,
		Trace:    result.Trace,
		State:    result.State,
	}
}

// MatchesGolden reports whether golden records the same trace and state as s.
func MatchesGolden(golden []byte, s Snapshot) (bool, error) {
	data, err := MarshalSnapshot(s)
	if err != nil {
		return false, err
	}
	return jsonEqual(data, golden), nil
}

// jsonEqual compares two JSON documents structurally, so goldens may be
// formatted freely.
func jsonEqual(actual, expected []byte) bool {
	var a, e any
	if err := json.Unmarshal(actual, &a); err != nil {
		return false
	}
	if err := json.Unmarshal(expected, &e); err != nil {
		return false
	}
	return reflect.DeepEqual(a, e)
}

// RunWithGolden executes a scenario and compares its snapshot against a
// golden file in testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can also check Pass.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := MarshalSnapshot(SnapshotOf(scenarioName, result))
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
		goldie.WithEqualFn(jsonEqual),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
