package harness

import "github.com/VuDube/promptgenie-xx2a9lx/internal/model"

// TraceEvent records one executed step.
type TraceEvent struct {
	Step    int            `json:"step"`
	Do      string         `json:"do"`
	As      string         `json:"as,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
	Outcome string         `json:"outcome"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// State is the observable end state of a scenario.
type State struct {
	Pending        int                 `json:"pending"`
	ErrorsLog      []string            `json:"errorsLog"`
	Sessions       []model.SessionInfo `json:"sessions"`
	Messages       map[string][]string `json:"messages"`
	ServerSettings *model.Settings     `json:"serverSettings,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace lists the executed steps in order.
	Trace []TraceEvent `json:"trace"`

	// Errors describes every failed expectation.
	Errors []string `json:"errors,omitempty"`

	// State is captured after the last step.
	State State `json:"state"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
