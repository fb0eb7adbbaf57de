package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/VuDube/promptgenie-xx2a9lx/internal/conversation"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/durable"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/httpapi"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/model"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/reconcile"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/registry"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/store"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/testutil"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/transport"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/trigger"
)

// Step outcomes that are not error codes.
const (
	OutcomeOK       = "ok"
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeNoWake   = "no-wake"
	OutcomeOffline  = "offline"
)

// Harness is the scenario execution engine. One Harness serves one run.
type Harness struct {
	store     *store.Store
	client    *transport.Client
	submitter *recordingSubmitter
	conn      *switchConn
	scheduler *manualScheduler
	trigger   *trigger.Trigger

	registry *registry.Registry
	shards   *conversation.Namespace
	faults   *faultyShards
	server   *httpapi.Server
	http     *httptest.Server

	aliases       map[string]string
	conversations map[string]bool

	mu         sync.Mutex
	lastReport *trigger.Report
	lastEvent  *model.SyncEvent

	logger zerolog.Logger
}

// Run executes a scenario and returns the result.
//
// Each run gets a fresh client database in a temporary directory and a fresh
// in-memory server. Execution flow:
//  1. Start the server and the client
//  2. Execute setup steps
//  3. Execute flow steps with expect validation
//  4. Capture the final state and evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "promptgenie-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	h, err := newHarness(scenario, filepath.Join(dir, "client.db"))
	if err != nil {
		return nil, err
	}
	defer h.close()

	ctx := context.Background()
	result := NewResult()

	for i, step := range scenario.Setup {
		out := h.execute(ctx, step)
		if out.err != nil {
			return nil, fmt.Errorf("setup step %d (%s): %w", i, step.Do, out.err)
		}
	}

	for i, step := range scenario.Flow {
		out := h.execute(ctx, step)
		result.Trace = append(result.Trace, TraceEvent{
			Step:    i + 1,
			Do:      step.Do,
			As:      step.As,
			Args:    step.Args,
			Outcome: out.outcome,
			Detail:  out.detail,
		})
		for _, msg := range checkExpect(i, step, out) {
			result.AddError(msg)
		}
		h.logger.Debug().
			Int("step", i+1).
			Str("do", step.Do).
			Str("outcome", out.outcome).
			Msg("flow step completed")
	}

	state, err := h.captureState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to capture state: %w", err)
	}
	result.State = state

	for _, msg := range EvaluateAssertions(result, scenario.Assertions, h.resolve) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(scenario *Scenario, dbPath string) (*Harness, error) {
	logger := zerolog.Nop()
	serverTime := scenario.ServerTime
	if serverTime == 0 {
		serverTime = DefaultServerTime
	}
	flushTime := scenario.FlushTime
	if flushTime == 0 {
		flushTime = DefaultFlushTime
	}

	h := &Harness{
		aliases:       make(map[string]string),
		conversations: make(map[string]bool),
		logger:        logger,
	}

	// Server side: memory backend, registry, shards, coordinator, HTTP API.
	backend := durable.NewMemoryBackend()
	serverClock := testutil.NewClock(serverTime)
	h.registry = registry.New(context.Background(), backend.Namespace("registry"), serverClock, logger)
	h.shards = conversation.NewNamespace(backend, logger)
	h.faults = &faultyShards{Shards: h.shards, failing: make(map[string]bool)}
	coord := reconcile.NewCoordinator(h.registry, h.faults,
		reconcile.NewLedger(backend.Namespace("ledger")), serverClock, reconcile.Config{}, logger)
	coord.Subscribe(func(ev model.SyncEvent) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.lastEvent = &ev
	})
	srv, err := httpapi.NewServer(coord, h.registry, h.shards, httpapi.ServerConfig{}, logger)
	if err != nil {
		h.registry.Close()
		h.shards.Close()
		return nil, fmt.Errorf("failed to start server: %w", err)
	}
	h.server = srv
	h.http = httptest.NewServer(srv)

	// Client side: stepping clock, sequential ids, manual wake scheduling.
	st, err := store.Open(dbPath,
		store.WithClock(testutil.NewSteppingClock(1000, 10)),
		store.WithIDGenerator(testutil.NewSequentialIDs("id")),
		store.WithLogger(logger))
	if err != nil {
		h.close()
		return nil, fmt.Errorf("failed to open client store: %w", err)
	}
	h.store = st
	h.client = transport.NewClient(h.http.URL, h.http.Client(), logger)
	h.submitter = &recordingSubmitter{next: h.client}
	h.conn = &switchConn{client: h.client}
	h.conn.online.Store(scenario.Online == nil || *scenario.Online)
	h.scheduler = &manualScheduler{}

	flusher := trigger.NewFlusher(st, h.submitter, testutil.NewClock(flushTime), logger)
	h.trigger = trigger.New(flusher, h.conn, h.scheduler, logger)
	h.trigger.Subscribe(func(r trigger.Report) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.lastReport = &r
	})
	return h, nil
}

func (h *Harness) close() {
	if h.trigger != nil {
		h.trigger.Close()
	}
	if h.store != nil {
		h.store.Close()
	}
	if h.server != nil {
		h.server.Close()
	}
	if h.http != nil {
		h.http.Close()
	}
	h.registry.Close()
	h.shards.Close()
}

// resolve maps a name bound with "as" to its id. Unbound names are ids.
func (h *Harness) resolve(name string) string {
	if id, ok := h.aliases[name]; ok {
		return id
	}
	return name
}

func (h *Harness) bind(step FlowStep, id string) {
	if step.As != "" {
		h.aliases[step.As] = id
	}
}

// stepOutcome is what one executed step produced.
type stepOutcome struct {
	outcome string
	detail  map[string]any
	err     error

	// Set by steps that talk to the server.
	submitted int
	processed int
	errors    []string
	replayed  bool
}

func failed(err error) stepOutcome {
	code := "error"
	var se *model.SyncError
	if errors.As(err, &se) {
		code = string(se.Code)
	}
	out := stepOutcome{outcome: code, err: err}
	if se != nil && len(se.Details) > 0 {
		out.detail = map[string]any{"details": se.Details}
	}
	return out
}

// execute runs one step. Errors are folded into the outcome.
func (h *Harness) execute(ctx context.Context, step FlowStep) stepOutcome {
	args := step.Args
	switch step.Do {
	case OpCreateConversation:
		conv, err := h.store.CreateConversation(ctx, argString(args, "title"))
		if err != nil {
			return failed(err)
		}
		h.bind(step, conv.ID)
		h.conversations[conv.ID] = true
		return stepOutcome{outcome: OutcomeOK, detail: map[string]any{
			"id": conv.ID, "title": conv.Title, "createdAt": conv.CreatedAt,
		}}

	case OpRenameConversation:
		id := h.resolve(argString(args, "conversation"))
		if err := h.store.UpdateConversationTitle(ctx, id, argString(args, "title")); err != nil {
			return failed(err)
		}
		return stepOutcome{outcome: OutcomeOK}

	case OpDeleteConversation:
		id := h.resolve(argString(args, "conversation"))
		if err := h.store.DeleteConversation(ctx, id); err != nil {
			return failed(err)
		}
		return stepOutcome{outcome: OutcomeOK}

	case OpAddMessage:
		convID := h.resolve(argString(args, "conversation"))
		role := model.Role(argString(args, "role"))
		if role == "" {
			role = model.RoleUser
		}
		msg, err := h.store.AddMessage(ctx, convID, role, argString(args, "content"))
		if err != nil {
			return failed(err)
		}
		h.bind(step, msg.ID)
		return stepOutcome{outcome: OutcomeOK, detail: map[string]any{
			"id": msg.ID, "timestamp": msg.Timestamp,
		}}

	case OpUpdateSettings:
		var patch store.SettingsPatch
		if v, ok := args["preferred_model"]; ok {
			s := fmt.Sprint(v)
			patch.PreferredModel = &s
		}
		if v, ok := args["auto_sync"].(bool); ok {
			patch.AutoSync = &v
		}
		if _, err := h.store.UpdateSettings(ctx, patch); err != nil {
			return failed(err)
		}
		return stepOutcome{outcome: OutcomeOK}

	case OpSync:
		h.resetReport()
		report, err := h.trigger.Request(ctx)
		if err != nil {
			out := failed(err)
			return withReport(out, report)
		}
		return withReport(stepOutcome{outcome: string(report.Outcome)}, report)

	case OpWake:
		return h.wake(ctx)

	case OpSetOnline:
		online, _ := args["online"].(bool)
		h.conn.online.Store(online)
		return stepOutcome{outcome: OutcomeOK}

	case OpSubmit:
		records, err := decodeRecords(args["records"])
		if err != nil {
			return failed(err)
		}
		for _, rec := range records {
			if msg, ok := rec.Message(); ok {
				h.conversations[msg.ConversationID] = true
			}
		}
		return h.submit(ctx, records)

	case OpResubmit:
		records, ok := h.submitter.last()
		if !ok {
			return failed(fmt.Errorf("nothing was submitted yet"))
		}
		return h.submit(ctx, records)

	case OpFailShard, OpHealShard:
		id := h.resolve(argString(args, "conversation"))
		h.faults.set(id, step.Do == OpFailShard)
		return stepOutcome{outcome: OutcomeOK}
	}
	return failed(fmt.Errorf("unknown operation %q", step.Do))
}

// wake runs the deferred wake the way the host does: only when online, and
// the registration is released only after the wake succeeds.
func (h *Harness) wake(ctx context.Context) stepOutcome {
	fn := h.scheduler.pending()
	if fn == nil {
		return stepOutcome{outcome: OutcomeNoWake}
	}
	if !h.conn.Online(ctx) {
		return stepOutcome{outcome: OutcomeOffline}
	}

	h.resetReport()
	if err := fn(ctx); err != nil {
		out := failed(err)
		return withReport(out, trigger.Report{Submitted: h.submitter.lastSize()})
	}
	h.scheduler.release()

	h.mu.Lock()
	report := h.lastReport
	h.mu.Unlock()
	if report == nil {
		return stepOutcome{outcome: OutcomeOK}
	}
	return withReport(stepOutcome{outcome: string(report.Outcome)}, *report)
}

func (h *Harness) submit(ctx context.Context, records []model.MutationRecord) stepOutcome {
	h.mu.Lock()
	h.lastEvent = nil
	h.mu.Unlock()

	res, err := h.submitter.Submit(ctx, records)
	if err != nil {
		return failed(err)
	}

	out := stepOutcome{
		outcome:   OutcomeSuccess,
		submitted: len(records),
		processed: res.Processed,
		errors:    res.Errors,
	}
	if !res.Success {
		out.outcome = OutcomeRejected
	}
	h.mu.Lock()
	if h.lastEvent != nil {
		out.replayed = h.lastEvent.Replayed
	}
	h.mu.Unlock()

	out.detail = map[string]any{
		"submitted": out.submitted,
		"processed": out.processed,
		"replayed":  out.replayed,
	}
	if len(out.errors) > 0 {
		out.detail["errors"] = out.errors
	}
	return out
}

func (h *Harness) resetReport() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastReport = nil
}

// withReport copies the counts of a flush report into out. Deferred and
// skipped requests never reached the server and carry no counts.
func withReport(out stepOutcome, report trigger.Report) stepOutcome {
	switch report.Outcome {
	case trigger.OutcomeDeferred, trigger.OutcomeSkipped:
		return out
	}
	out.submitted = report.Submitted
	out.processed = report.Result.Processed
	out.errors = report.Result.Errors
	if out.detail == nil {
		out.detail = map[string]any{}
	}
	out.detail["submitted"] = out.submitted
	out.detail["processed"] = out.processed
	return out
}

// captureState reads the final state through the same client API the
// application uses.
func (h *Harness) captureState(ctx context.Context) (State, error) {
	pending, err := h.store.PendingCount(ctx)
	if err != nil {
		return State{}, err
	}
	local, err := h.store.Settings(ctx)
	if err != nil {
		return State{}, err
	}
	sessions, err := h.client.ListSessions(ctx)
	if err != nil {
		return State{}, err
	}

	state := State{
		Pending:   pending,
		ErrorsLog: local.ErrorsLog,
		Sessions:  sessions,
		Messages:  make(map[string][]string),
	}

	ids := make(map[string]bool, len(h.conversations)+len(sessions))
	for id := range h.conversations {
		ids[id] = true
	}
	for _, s := range sessions {
		ids[s.ID] = true
	}
	for id := range ids {
		msgs, err := h.client.Messages(ctx, id)
		if err != nil {
			return State{}, err
		}
		if len(msgs) == 0 {
			continue
		}
		out := make([]string, len(msgs))
		for i, m := range msgs {
			out[i] = m.ID
		}
		state.Messages[id] = out
	}

	settings, found, err := h.client.Settings(ctx)
	if err != nil {
		return State{}, err
	}
	if found {
		state.ServerSettings = &settings
	}
	return state, nil
}

// checkExpect compares a step outcome with its expect clause. A step without
// one must not have failed.
func checkExpect(index int, step FlowStep, out stepOutcome) []string {
	var errs []string
	where := fmt.Sprintf("flow[%d] %s", index, step.Do)

	if step.Expect == nil {
		if out.err != nil {
			errs = append(errs, fmt.Sprintf("%s: unexpected error: %v", where, out.err))
		}
		return errs
	}

	exp := step.Expect
	if out.outcome != exp.Outcome {
		msg := fmt.Sprintf("%s: expected outcome %q, got %q", where, exp.Outcome, out.outcome)
		if out.err != nil {
			msg += fmt.Sprintf(" (%v)", out.err)
		}
		errs = append(errs, msg)
	}
	if exp.Submitted != nil && *exp.Submitted != out.submitted {
		errs = append(errs, fmt.Sprintf("%s: expected %d submitted, got %d", where, *exp.Submitted, out.submitted))
	}
	if exp.Processed != nil && *exp.Processed != out.processed {
		errs = append(errs, fmt.Sprintf("%s: expected %d processed, got %d", where, *exp.Processed, out.processed))
	}
	if exp.Errors != nil && *exp.Errors != len(out.errors) {
		errs = append(errs, fmt.Sprintf("%s: expected %d errors, got %d %v", where, *exp.Errors, len(out.errors), out.errors))
	}
	if exp.Replayed != nil && *exp.Replayed != out.replayed {
		errs = append(errs, fmt.Sprintf("%s: expected replayed=%t, got %t", where, *exp.Replayed, out.replayed))
	}
	return errs
}

func argString(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// decodeRecords turns YAML records into mutation records through their wire
// encoding, so they are validated exactly as the server validates them.
func decodeRecords(raw any) ([]model.MutationRecord, error) {
	if raw == nil {
		return nil, fmt.Errorf("records are required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode records: %w", err)
	}
	var records []model.MutationRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// switchConn is online only while the flag is set and the server answers.
type switchConn struct {
	online atomic.Bool
	client *transport.Client
}

func (c *switchConn) Online(ctx context.Context) bool {
	return c.online.Load() && c.client.Online(ctx)
}

// manualScheduler holds the deferred wake until a wake step runs it.
type manualScheduler struct {
	mu   sync.Mutex
	wake func(ctx context.Context) error
}

type manualTask struct{ s *manualScheduler }

func (t manualTask) Cancel() { t.s.release() }

func (s *manualScheduler) Schedule(_ string, wake func(ctx context.Context) error) (trigger.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wake == nil {
		s.wake = wake
	}
	return manualTask{s: s}, nil
}

func (s *manualScheduler) pending() func(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wake
}

func (s *manualScheduler) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wake = nil
}

// recordingSubmitter remembers the last batch sent to the server.
type recordingSubmitter struct {
	next trigger.Submitter

	mu      sync.Mutex
	records []model.MutationRecord
	sent    bool
}

func (r *recordingSubmitter) Submit(ctx context.Context, records []model.MutationRecord) (model.SyncResponse, error) {
	r.mu.Lock()
	r.records = append([]model.MutationRecord(nil), records...)
	r.sent = true
	r.mu.Unlock()
	return r.next.Submit(ctx, records)
}

func (r *recordingSubmitter) last() ([]model.MutationRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.MutationRecord(nil), r.records...), r.sent
}

func (r *recordingSubmitter) lastSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// faultyShards fails imports into selected conversations.
type faultyShards struct {
	reconcile.Shards

	mu      sync.Mutex
	failing map[string]bool
}

var errShardUnavailable = errors.New("shard unavailable")

func (f *faultyShards) Import(ctx context.Context, conversationID string, msgs []model.Message) error {
	f.mu.Lock()
	fail := f.failing[conversationID]
	f.mu.Unlock()
	if fail {
		return errShardUnavailable
	}
	return f.Shards.Import(ctx, conversationID, msgs)
}

func (f *faultyShards) set(conversationID string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fail {
		f.failing[conversationID] = true
	} else {
		delete(f.failing, conversationID)
	}
}
