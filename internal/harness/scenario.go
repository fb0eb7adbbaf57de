package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario defines an end-to-end sync scenario.
// A scenario executes a flow of client and server operations and asserts on
// the resulting trace and final state.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Online is the initial client connectivity. Defaults to true.
	Online *bool `yaml:"online,omitempty"`

	// ServerTime is the fixed server clock. Defaults to DefaultServerTime.
	ServerTime int64 `yaml:"server_time,omitempty"`

	// FlushTime is the fixed clock used for flush bookkeeping.
	// Defaults to DefaultFlushTime.
	FlushTime int64 `yaml:"flush_time,omitempty"`

	// Setup contains steps run before the flow. They are not traced and
	// must succeed.
	Setup []FlowStep `yaml:"setup,omitempty"`

	// Flow contains the traced steps, each with an optional expectation.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// Defaults for the deterministic clocks.
const (
	DefaultServerTime int64 = 5_000_000
	DefaultFlushTime  int64 = 900_000
)

// FlowStep is one operation.
type FlowStep struct {
	// Do is the operation name (e.g. "create_conversation").
	Do string `yaml:"do"`

	// As binds the id created by this step to a name.
	As string `yaml:"as,omitempty"`

	// Args contains the operation arguments.
	Args map[string]any `yaml:"args,omitempty"`

	// Expect validates the step outcome. If nil the step must report "ok"
	// or a successful sync outcome.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected outcome of a step.
type ExpectClause struct {
	// Outcome is "ok", a sync outcome ("flushed", "deferred", ...), a
	// submission outcome ("success", "rejected") or an error code
	// ("NOT_FOUND", "BATCH_REJECTED", ...).
	Outcome string `yaml:"outcome"`

	// Submitted is the number of records sent to the server.
	Submitted *int `yaml:"submitted,omitempty"`

	// Processed is the number of records the server reported as applied.
	Processed *int `yaml:"processed,omitempty"`

	// Errors is the number of per-item errors the server reported.
	Errors *int `yaml:"errors,omitempty"`

	// Replayed reports whether the server answered from its batch ledger.
	Replayed *bool `yaml:"replayed,omitempty"`
}

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Count is used by pending_count, error_log and trace_count.
	Count int `yaml:"count,omitempty"`

	// IDs is the expected id list (sessions, messages). Names bound with
	// "as" are resolved.
	IDs []string `yaml:"ids,omitempty"`

	// Session names the session checked by a session assertion.
	Session string `yaml:"session,omitempty"`

	// Conversation names the conversation checked by a messages assertion.
	Conversation string `yaml:"conversation,omitempty"`

	// Expect holds expected field values (session, server_settings).
	// Subset match: only listed fields are compared.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Do and Outcome select trace events for trace_count.
	Do      string `yaml:"do,omitempty"`
	Outcome string `yaml:"outcome,omitempty"`
}

// Assertion type constants.
const (
	AssertPendingCount   = "pending_count"
	AssertSessions       = "sessions"
	AssertSession        = "session"
	AssertMessages       = "messages"
	AssertServerSettings = "server_settings"
	AssertErrorLog       = "error_log"
	AssertTraceCount     = "trace_count"
)

// Operation names.
const (
	OpCreateConversation = "create_conversation"
	OpRenameConversation = "rename_conversation"
	OpDeleteConversation = "delete_conversation"
	OpAddMessage         = "add_message"
	OpUpdateSettings     = "update_settings"
	OpSync               = "sync"
	OpWake               = "wake"
	OpSetOnline          = "set_online"
	OpSubmit             = "submit"
	OpResubmit           = "resubmit"
	OpFailShard          = "fail_shard"
	OpHealShard          = "heal_shard"
)

var knownOps = map[string]bool{
	OpCreateConversation: true,
	OpRenameConversation: true,
	OpDeleteConversation: true,
	OpAddMessage:         true,
	OpUpdateSettings:     true,
	OpSync:               true,
	OpWake:               true,
	OpSetOnline:          true,
	OpSubmit:             true,
	OpResubmit:           true,
	OpFailShard:          true,
	OpHealShard:          true,
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Setup {
		if err := validateStep(fmt.Sprintf("setup[%d]", i), step); err != nil {
			return err
		}
		if step.Expect != nil {
			return fmt.Errorf("setup[%d]: expect is not allowed in setup", i)
		}
	}
	for i, step := range s.Flow {
		if err := validateStep(fmt.Sprintf("flow[%d]", i), step); err != nil {
			return err
		}
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(where string, step FlowStep) error {
	if step.Do == "" {
		return fmt.Errorf("%s: do is required", where)
	}
	if !knownOps[step.Do] {
		return fmt.Errorf("%s: unknown operation %q", where, step.Do)
	}
	if step.Expect != nil && step.Expect.Outcome == "" {
		return fmt.Errorf("%s.expect: outcome is required", where)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertPendingCount, AssertErrorLog:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
	case AssertSessions:
	case AssertSession:
		if a.Session == "" {
			return fmt.Errorf("assertions[%d]: session is required for session", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for session", index)
		}
	case AssertMessages:
		if a.Conversation == "" {
			return fmt.Errorf("assertions[%d]: conversation is required for messages", index)
		}
	case AssertServerSettings:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for server_settings", index)
		}
	case AssertTraceCount:
		if a.Do == "" {
			return fmt.Errorf("assertions[%d]: do is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
