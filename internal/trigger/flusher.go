package trigger

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/VuDube/promptgenie-xx2a9lx/internal/model"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/store"
)

// Queue is the client mutation log as seen by the flusher.
// Implemented by *store.Store.
type Queue interface {
	Drain(ctx context.Context) (store.Batch, error)
	ClearThrough(ctx context.Context, lastSeq int64) error
	RecordSyncSuccess(ctx context.Context, at int64) error
	RecordSyncError(ctx context.Context, message string) error
}

// Submitter delivers one batch to the server.
// Implemented by *transport.Client.
type Submitter interface {
	Submit(ctx context.Context, records []model.MutationRecord) (model.SyncResponse, error)
}

// Outcome classifies a flush attempt.
type Outcome string

const (
	// OutcomeFlushed means the batch was acknowledged and cleared.
	OutcomeFlushed Outcome = "flushed"
	// OutcomeUpToDate means there was nothing to send.
	OutcomeUpToDate Outcome = "up-to-date"
	// OutcomeSkipped means a flush was already running.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeDeferred means the client is offline and a wake was registered.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeFailed means the batch was not acknowledged; the log is intact.
	OutcomeFailed Outcome = "failed"
)

// Report describes one flush attempt.
type Report struct {
	Outcome   Outcome            `json:"outcome"`
	Submitted int                `json:"submitted"`
	Result    model.SyncResponse `json:"result"`
	At        int64              `json:"at"`
}

// Flusher runs one drain → submit → acknowledge cycle.
type Flusher struct {
	queue     Queue
	submitter Submitter
	clock     model.Clock
	logger    zerolog.Logger
}

// NewFlusher creates a flusher. A nil clock uses the system clock.
func NewFlusher(queue Queue, submitter Submitter, clock model.Clock, logger zerolog.Logger) *Flusher {
	if clock == nil {
		clock = model.SystemClock{}
	}
	return &Flusher{queue: queue, submitter: submitter, clock: clock, logger: logger}
}

// Flush submits the whole pending log as one batch.
//
// On full success the submitted rows are cleared and lastSync recorded. On
// any failure, including a batch the server applied only partly, nothing is
// cleared and the failure is appended to the diagnostics log; the next
// flush resubmits everything.
func (f *Flusher) Flush(ctx context.Context) (Report, error) {
	batch, err := f.queue.Drain(ctx)
	if err != nil {
		return Report{Outcome: OutcomeFailed}, err
	}

	now := f.clock.NowMillis()
	if batch.Empty() {
		if err := f.queue.RecordSyncSuccess(ctx, now); err != nil {
			return Report{Outcome: OutcomeFailed}, err
		}
		f.logger.Info().Msg("everything is already up to date")
		return Report{Outcome: OutcomeUpToDate, Result: model.SyncResponse{Success: true, Errors: []string{}}, At: now}, nil
	}

	report := Report{Outcome: OutcomeFailed, Submitted: len(batch.Records), At: now}
	res, err := f.submitter.Submit(ctx, batch.Records)
	if err != nil {
		f.recordFailure(ctx, err.Error())
		return report, err
	}
	report.Result = res
	if !res.Success {
		rejected := model.NewBatchRejectedError(res.Processed, res.Errors)
		f.recordFailure(ctx, rejectionMessage(res))
		return report, rejected
	}

	if err := f.queue.ClearThrough(ctx, batch.LastSeq); err != nil {
		return report, err
	}
	if err := f.queue.RecordSyncSuccess(ctx, now); err != nil {
		return report, err
	}

	report.Outcome = OutcomeFlushed
	f.logger.Info().
		Int("submitted", len(batch.Records)).
		Int("processed", res.Processed).
		Msg("sync complete")
	return report, nil
}

func (f *Flusher) recordFailure(ctx context.Context, message string) {
	f.logger.Warn().Str("error", message).Msg("sync failed")
	// The flush already failed; a diagnostics write error only gets logged.
	if err := f.queue.RecordSyncError(context.WithoutCancel(ctx), message); err != nil {
		f.logger.Error().Err(err).Msg("record sync error")
	}
}

func rejectionMessage(res model.SyncResponse) string {
	if len(res.Errors) == 0 {
		return "Unknown sync error"
	}
	return strings.Join(res.Errors, "; ")
}
