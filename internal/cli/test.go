package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/VuDube/promptgenie-xx2a9lx/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update    bool   // regenerate golden files
	Filter    string // scenario filter (glob pattern)
	GoldenDir string // golden file directory
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name          string   `json:"name"`
	Pass          bool     `json:"pass"`
	GoldenUpdated bool     `json:"goldenUpdated,omitempty"`
	Errors        []string `json:"errors,omitempty"`
}

// TestResult holds the overall test result.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run sync scenarios",
		Long: `Run YAML sync scenarios against an in-process client and server.

Each scenario drives the local store, the sync trigger and the
reconciliation server step by step, then checks its assertions. When a
golden file exists for a scenario, the recorded trace and final state must
match it too.

Golden files live in <golden-dir>/<scenario name>.golden; the default
golden directory is the "golden" sibling of the scenarios directory.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  promptgenie test ./internal/harness/testdata/scenarios
  promptgenie test ./scenarios --filter "offline_*"
  promptgenie test ./scenarios --update
  promptgenie test ./scenarios --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(cmd, opts, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")
	cmd.Flags().StringVar(&opts.GoldenDir, "golden-dir", "", "golden file directory")

	return cmd
}

func runTests(cmd *cobra.Command, opts *TestOptions, scenariosDir string) error {
	if info, err := os.Stat(scenariosDir); err != nil || !info.IsDir() {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenarios directory not found: %s", scenariosDir))
	}
	if opts.GoldenDir == "" {
		opts.GoldenDir = filepath.Join(filepath.Dir(filepath.Clean(scenariosDir)), "golden")
	}

	files, err := findScenarioFiles(scenariosDir, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "find scenarios", err)
	}

	out := opts.output(cmd)
	suite := TestResult{Scenarios: make([]ScenarioResult, 0, len(files))}
	for _, path := range files {
		res := opts.runScenario(path)
		if !out.JSON() {
			printScenario(out.Writer, res)
		}
		suite.Scenarios = append(suite.Scenarios, res)
		suite.Total++
		if res.Pass {
			suite.Passed++
		} else {
			suite.Failed++
		}
	}
	return reportSuite(out, suite)
}

// findScenarioFiles lists the .yaml and .yml files under dir whose base
// name, without extension, matches the glob filter.
func findScenarioFiles(dir, filter string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			ok, err := filepath.Match(filter, strings.TrimSuffix(d.Name(), ext))
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !ok {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

// runScenario loads and runs one scenario, then checks or rewrites its
// golden snapshot.
func (o *TestOptions) runScenario(path string) ScenarioResult {
	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return failedScenario(filepath.Base(path), fmt.Sprintf("failed to load scenario: %v", err))
	}
	result, err := harness.Run(scenario)
	if err != nil {
		return failedScenario(scenario.Name, fmt.Sprintf("execution failed: %v", err))
	}

	res := ScenarioResult{Name: scenario.Name, Pass: result.Pass, Errors: result.Errors}
	snapshot := harness.SnapshotOf(scenario.Name, result)
	goldenPath := filepath.Join(o.GoldenDir, scenario.Name+".golden")

	if o.Update {
		if err := writeGolden(goldenPath, snapshot); err != nil {
			return failedScenario(scenario.Name, fmt.Sprintf("failed to update golden file: %v", err))
		}
		res.GoldenUpdated = true
		return res
	}
	if problem := compareGolden(goldenPath, snapshot); problem != "" {
		res.Pass = false
		res.Errors = append([]string{problem}, res.Errors...)
	}
	return res
}

func failedScenario(name string, errs ...string) ScenarioResult {
	return ScenarioResult{Name: name, Errors: errs}
}

// compareGolden describes how snapshot differs from the golden file at
// path. A missing golden file leaves the assertions to decide.
func compareGolden(path string, snapshot harness.Snapshot) string {
	golden, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ""
	}
	if err != nil {
		return fmt.Sprintf("golden comparison failed: %v", err)
	}
	match, err := harness.MatchesGolden(golden, snapshot)
	switch {
	case err != nil:
		return fmt.Sprintf("golden comparison failed: %v", err)
	case !match:
		return "trace does not match golden file (run with --update to regenerate)"
	}
	return ""
}

// writeGolden records snapshot as the golden file at path.
func writeGolden(path string, snapshot harness.Snapshot) error {
	data, err := harness.MarshalSnapshot(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create golden directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func printScenario(w io.Writer, res ScenarioResult) {
	if res.Pass {
		note := ""
		if res.GoldenUpdated {
			note = " (golden updated)"
		}
		fmt.Fprintf(w, "✓ %s%s\n", res.Name, note)
		return
	}
	fmt.Fprintf(w, "✗ %s\n", res.Name)
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
}

// reportSuite writes the summary. Failures were already written, so the
// returned error is quiet.
func reportSuite(out *OutputFormatter, suite TestResult) error {
	var failure error
	if suite.Failed > 0 {
		failure = quietExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", suite.Failed))
	}

	switch {
	case out.JSON():
		resp := CLIResponse{Status: "ok", Data: suite}
		if failure != nil {
			resp.Status = "error"
			resp.Error = &CLIError{Code: "E_TEST_FAILED", Message: failure.Error()}
		}
		if err := json.NewEncoder(out.Writer).Encode(resp); err != nil {
			return err
		}
	case suite.Total == 0:
		fmt.Fprintln(out.Writer, "No scenarios found.")
	default:
		fmt.Fprintf(out.Writer, "\nTest Summary: %d passed, %d failed, %d total\n", suite.Passed, suite.Failed, suite.Total)
		if failure == nil {
			fmt.Fprintln(out.Writer, "✓ All scenarios passed")
		}
	}
	return failure
}
