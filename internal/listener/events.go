package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taskctl/controlplane/internal/common/logger"
	"github.com/taskctl/controlplane/internal/dispatcher"
	"github.com/taskctl/controlplane/internal/model"
	"github.com/taskctl/controlplane/internal/projection"
	"github.com/taskctl/controlplane/internal/publisher"
	"github.com/taskctl/controlplane/internal/runtimerpc"
	"github.com/taskctl/controlplane/internal/store"
)

const (
	eventTypeArtifactManifest = "artifact_manifest"
	eventTypeArtifactChunk    = "artifact_chunk"
	eventTypeArtifactCommit   = "artifact_commit"
	eventTypeLogChunk         = "log_chunk"
	eventTypeStarted          = "started"
	eventTypeCompleted        = "completed"
)

// EmbeddingRefresher enqueues a semantic-embedding refresh for a task once
// one of its runs completes. The control plane does not itself implement
// an embedding pipeline; production wiring supplies a real collaborator
// and anything without one gets the no-op default.
type EmbeddingRefresher interface {
	RefreshTaskEmbedding(taskID string)
}

type noopEmbeddingRefresher struct{}

func (noopEmbeddingRefresher) RefreshTaskEmbedding(string) {}

// Processor turns a single JobEventMessage into durable state, derived
// projections and subscriber fan-out. One Processor is shared by every
// connection; it carries no per-connection state of its own.
type Processor struct {
	store      store.Store
	artifacts  *artifactAssembler
	sequencer  *sequencer
	publisher  publisher.Publisher
	dispatcher *dispatcher.Dispatcher
	retry      *retryScheduler
	embeddings EmbeddingRefresher
	log        *logger.Logger
}

func newProcessor(s store.Store, artifacts *artifactAssembler, seq *sequencer, pub publisher.Publisher, disp *dispatcher.Dispatcher, retry *retryScheduler, embeddings EmbeddingRefresher, log *logger.Logger) *Processor {
	if embeddings == nil {
		embeddings = noopEmbeddingRefresher{}
	}
	return &Processor{
		store: s, artifacts: artifacts, sequencer: seq, publisher: pub,
		dispatcher: disp, retry: retry, embeddings: embeddings,
		log: log.WithFields(zap.String("component", "listener_processor")),
	}
}

// Process dispatches evt to the handler for its event taxonomy. runtimeID
// is used only for logging; checkpoint gating happens in the caller.
func (p *Processor) Process(ctx context.Context, runtimeID string, evt *runtimerpc.JobEventMessage) {
	switch evt.EventType {
	case eventTypeArtifactManifest:
		p.handleArtifactManifest(evt)
	case eventTypeArtifactChunk:
		p.handleArtifactChunk(evt)
	case eventTypeArtifactCommit:
		p.handleArtifactCommit(ctx, evt)
	case eventTypeLogChunk:
		p.handleLogChunk(ctx, evt)
	case eventTypeStarted:
		// acknowledgement only; the dispatcher already transitioned the
		// run to Running before submitting the command.
	case eventTypeCompleted:
		p.handleCompleted(ctx, runtimeID, evt)
	default:
		if isStructured(evt) {
			p.handleStructured(ctx, evt)
		} else {
			p.handleLog(ctx, evt)
		}
	}
}

func isStructured(evt *runtimerpc.JobEventMessage) bool {
	if evt.Sequence > 0 {
		return true
	}
	if evt.Category != "" || evt.PayloadJSON != "" || evt.SchemaVersion != "" {
		return true
	}
	switch evt.EventType {
	case "structured", "tool", "diff", "reasoning":
		return true
	default:
		return false
	}
}

type manifestPayload struct {
	FileName string `json:"fileName"`
}

func (p *Processor) handleArtifactManifest(evt *runtimerpc.JobEventMessage) {
	fileName := evt.Metadata["fileName"]
	if evt.PayloadJSON != "" {
		var mp manifestPayload
		if err := json.Unmarshal([]byte(evt.PayloadJSON), &mp); err == nil && mp.FileName != "" {
			fileName = mp.FileName
		}
	}
	p.artifacts.Manifest(evt.RunID, evt.ArtifactID, fileName)
}

func (p *Processor) handleArtifactChunk(evt *runtimerpc.JobEventMessage) {
	if err := p.artifacts.Chunk(evt.RunID, evt.ArtifactID, evt.BinaryPayload, evt.IsLastChunk); err != nil {
		p.log.Warn("artifact chunk rejected",
			zap.String("run_id", evt.RunID), zap.String("artifact_id", evt.ArtifactID), zap.Error(err))
	}
}

func (p *Processor) handleArtifactCommit(ctx context.Context, evt *runtimerpc.JobEventMessage) {
	if err := p.artifacts.Commit(ctx, evt.RunID, evt.ArtifactID); err != nil {
		p.log.Error("failed to persist artifact",
			zap.String("run_id", evt.RunID), zap.String("artifact_id", evt.ArtifactID), zap.Error(err))
	}
}

// handleLogChunk fans a chunk out to subscribers only; per the event
// taxonomy, log_chunk never gets a durable RunLogEvent row.
func (p *Processor) handleLogChunk(ctx context.Context, evt *runtimerpc.JobEventMessage) {
	_ = p.publisher.PublishRunLogAppended(ctx, publisher.RunLogAppendedData{
		RunID: evt.RunID, Sequence: evt.Sequence, Level: "info", Message: evt.Summary,
	})
}

var categoryAliases = map[string]string{
	"session.diff": "diff.updated",
}

type embeddedEnvelope struct {
	Type          string          `json:"type"`
	SchemaVersion string          `json:"schemaVersion"`
	Properties    json.RawMessage `json:"properties"`
}

func decodeEmbedded(payloadJSON string) (embeddedEnvelope, bool) {
	if payloadJSON == "" {
		return embeddedEnvelope{}, false
	}
	var env embeddedEnvelope
	if err := json.Unmarshal([]byte(payloadJSON), &env); err != nil || env.Type == "" {
		return embeddedEnvelope{}, false
	}
	return env, true
}

// canonicalizeCategory resolves the category to record for a structured
// event, following an embedded log payload's own type when the event
// itself carries no category (e.g. session.diff normalises to
// diff.updated).
func canonicalizeCategory(evt *runtimerpc.JobEventMessage) string {
	if evt.Category != "" {
		return evt.Category
	}
	if env, ok := decodeEmbedded(evt.PayloadJSON); ok {
		if alias, found := categoryAliases[env.Type]; found {
			return alias
		}
		return env.Type
	}
	return evt.EventType
}

// embeddedPayload returns the payload to persist, substituting an
// embedded envelope's properties for its outer JSON so a projection
// derived from it sees only the fields it cares about.
func embeddedPayload(evt *runtimerpc.JobEventMessage) string {
	if env, ok := decodeEmbedded(evt.PayloadJSON); ok && len(env.Properties) > 0 {
		return string(env.Properties)
	}
	return evt.PayloadJSON
}

func (p *Processor) handleStructured(ctx context.Context, evt *runtimerpc.JobEventMessage) {
	seq := p.sequencer.resolve(evt.RunID, evt)
	se := &model.RunStructuredEvent{
		RunID:         evt.RunID,
		Sequence:      seq,
		EventType:     evt.EventType,
		Category:      canonicalizeCategory(evt),
		Summary:       evt.Summary,
		Error:         evt.Error,
		PayloadJSON:   embeddedPayload(evt),
		SchemaVersion: evt.SchemaVersion,
		Timestamp:     time.UnixMilli(evt.Timestamp).UTC(),
	}

	inserted, err := p.store.AppendRunStructuredEvent(ctx, se)
	if err != nil {
		p.log.Error("failed to append structured event",
			zap.String("run_id", evt.RunID), zap.Int64("sequence", seq), zap.Error(err))
		return
	}
	if !inserted {
		return
	}

	if snap, ok, err := projection.DiffSnapshot(se); err != nil {
		p.log.Warn("failed to derive diff snapshot", zap.String("run_id", evt.RunID), zap.Error(err))
	} else if ok {
		if _, err := p.store.UpsertRunDiffSnapshot(ctx, snap); err != nil {
			p.log.Error("failed to upsert diff snapshot", zap.String("run_id", evt.RunID), zap.Error(err))
		} else if err := p.publisher.PublishRunDiffUpdated(ctx, publisher.RunDiffUpdatedData{
			RunID: snap.RunID, Sequence: snap.Sequence, DiffStat: snap.DiffStat,
		}); err != nil {
			p.log.Warn("failed to publish diff update", zap.String("run_id", evt.RunID), zap.Error(err))
		}
	}

	if proj, ok, err := p.deriveToolProjection(ctx, se); err != nil {
		p.log.Warn("failed to derive tool projection", zap.String("run_id", evt.RunID), zap.Error(err))
	} else if ok {
		if err := p.store.UpsertRunToolProjection(ctx, proj); err != nil {
			p.log.Error("failed to upsert tool projection", zap.String("run_id", evt.RunID), zap.Error(err))
		} else if err := p.publisher.PublishRunToolUpdated(ctx, publisher.RunToolUpdatedData{
			RunID: proj.RunID, ToolCallID: proj.ToolCallID, ToolName: proj.ToolName, Status: proj.Status,
		}); err != nil {
			p.log.Warn("failed to publish tool update", zap.String("run_id", evt.RunID), zap.Error(err))
		}
	}
}

// deriveToolProjection looks up the existing timeline row for the event's
// toolCallId (if any) before folding se into it, so begin/end pairs merge
// onto the same projection instead of producing two.
func (p *Processor) deriveToolProjection(ctx context.Context, se *model.RunStructuredEvent) (*model.RunToolProjection, bool, error) {
	trial, ok, err := projection.ToolProjection(se, nil)
	if err != nil || !ok {
		return nil, ok, err
	}
	existing, err := p.findToolProjection(ctx, se.RunID, trial.ToolCallID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return trial, true, nil
	}
	return projection.ToolProjection(se, existing)
}

func (p *Processor) findToolProjection(ctx context.Context, runID, toolCallID string) (*model.RunToolProjection, error) {
	rows, err := p.store.ListRunToolProjections(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if r.ToolCallID == toolCallID {
			return r, nil
		}
	}
	return nil, nil
}

func (p *Processor) handleLog(ctx context.Context, evt *runtimerpc.JobEventMessage) {
	seq := p.sequencer.resolve(evt.RunID, evt)
	level := evt.EventType
	if level == "" {
		level = "info"
	}
	le := &model.RunLogEvent{
		RunID: evt.RunID, Sequence: seq, Level: level, Message: evt.Summary,
		Timestamp: time.UnixMilli(evt.Timestamp).UTC(),
	}
	inserted, err := p.store.AppendRunLogEvent(ctx, le)
	if err != nil {
		p.log.Error("failed to append log event", zap.String("run_id", evt.RunID), zap.Error(err))
		return
	}
	if !inserted {
		return
	}
	if err := p.publisher.PublishRunLogAppended(ctx, publisher.RunLogAppendedData{
		RunID: le.RunID, Sequence: le.Sequence, Level: le.Level, Message: le.Message,
	}); err != nil {
		p.log.Warn("failed to publish log event", zap.String("run_id", evt.RunID), zap.Error(err))
	}
}

// wireResultEnvelope is the JSON shape carried in a completed event's
// metadata["payload"] field.
type wireResultEnvelope struct {
	Status   string            `json:"status"`
	Summary  string            `json:"summary"`
	Error    string            `json:"error,omitempty"`
	RunID    string            `json:"runId,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func parseResultEnvelope(evt *runtimerpc.JobEventMessage) model.ResultEnvelope {
	raw := evt.Metadata["payload"]
	if raw == "" {
		raw = evt.PayloadJSON
	}
	if raw == "" {
		return model.ResultEnvelope{Status: "failed", Summary: evt.Summary, Error: evt.Error}
	}

	var wire wireResultEnvelope
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return model.ResultEnvelope{
			Status:  "failed",
			Summary: evt.Summary,
			Error:   fmt.Sprintf("Envelope validation failed: %v", err),
		}
	}

	env := model.ResultEnvelope{
		Status:      wire.Status,
		Summary:     wire.Summary,
		Error:       wire.Error,
		OutputJSON:  raw,
		Metadata:    wire.Metadata,
		SchemaValid: true,
	}
	if env.Summary == "" {
		env.Summary = evt.Summary
	}
	if env.Error == "" {
		env.Error = evt.Error
	}
	if wire.Metadata != nil {
		env.PRUrl = wire.Metadata["prUrl"]
	}
	return env
}

func (p *Processor) handleCompleted(ctx context.Context, runtimeID string, evt *runtimerpc.JobEventMessage) {
	env := parseResultEnvelope(evt)

	state := model.RunStateFailed
	if env.Status == "succeeded" {
		state = model.RunStateSucceeded
	}
	failureClass := model.FailureClassNone
	if state == model.RunStateFailed {
		failureClass = model.ClassifyFailure(env)
	}

	changed, err := p.store.MarkRunCompleted(ctx, evt.RunID, state, env.Summary, env.OutputJSON, env.PRUrl, failureClass, time.Now().UTC())
	if err != nil {
		p.log.Error("failed to mark run completed", zap.String("run_id", evt.RunID), zap.Error(err))
		return
	}
	if !changed {
		// already terminal: idempotent no-op, matching the exactly-one-
		// transition completion contract.
		return
	}

	if env.Metadata["runDisposition"] == "obsolete" {
		if err := p.store.MarkRunObsolete(ctx, evt.RunID); err != nil {
			p.log.Warn("failed to mark run obsolete", zap.String("run_id", evt.RunID), zap.Error(err))
		}
	}

	p.artifacts.FinalizeRun(ctx, evt.RunID)
	p.sequencer.forget(evt.RunID)

	run, err := p.store.GetRun(ctx, evt.RunID)
	if err != nil {
		p.log.Error("failed to reload completed run", zap.String("run_id", evt.RunID), zap.Error(err))
		return
	}

	if sha := env.Metadata["gitSha"]; sha != "" {
		if err := p.store.UpdateTaskGitSync(ctx, run.TaskID, sha); err != nil {
			p.log.Warn("failed to update task git-sync metadata", zap.String("task_id", run.TaskID), zap.Error(err))
		}
	}
	p.embeddings.RefreshTaskEmbedding(run.TaskID)

	if err := p.publisher.PublishRunStateChanged(ctx, publisher.RunStateChangedData{
		RunID: run.ID, TaskID: run.TaskID, State: string(run.State), FailureClass: string(run.FailureClass),
		Summary: run.Summary, PRUrl: run.PRUrl, Obsolete: run.Obsolete,
	}); err != nil {
		p.log.Warn("failed to publish run completion", zap.String("run_id", run.ID), zap.Error(err))
	}

	if p.dispatcher != nil {
		if err := p.dispatcher.DispatchNextQueuedRunForTask(ctx, run.TaskID); err != nil {
			p.log.Warn("failed to dispatch next queued run after completion", zap.String("task_id", run.TaskID), zap.Error(err))
		}
	}

	if run.State == model.RunStateFailed && p.retry != nil {
		task, err := p.store.GetTask(ctx, run.TaskID)
		if err != nil {
			p.log.Warn("failed to load task for retry scheduling", zap.String("task_id", run.TaskID), zap.Error(err))
			return
		}
		p.retry.ScheduleIfEligible(task, run)
	}
}
