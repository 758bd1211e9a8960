package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/taskctl/controlplane/internal/runtimerpc"
)

const (
	categoryToolBegin = "tool.begin"
	categoryToolEnd   = "tool.end"
)

// runScenario drives the canned event sequence for one command, dispatched
// by a prefix on the run's prompt the same way a real harness prompt
// selects a behavior: "/error" always fails, "/slow" adds extra delay
// between steps, anything else runs the default plan/tool/result flow.
func (s *mockServer) runScenario(ctx context.Context, req *runtimerpc.StartRuntimeCommandRequest) {
	defer s.wg.Done()
	prompt := strings.TrimSpace(req.Prompt)

	switch {
	case strings.HasPrefix(prompt, "/error"):
		s.scenarioError(ctx, req)
	case strings.HasPrefix(prompt, "/slow"):
		s.scenarioDefault(ctx, req, 400*time.Millisecond)
	default:
		s.scenarioDefault(ctx, req, 40*time.Millisecond)
	}
}

func (s *mockServer) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (s *mockServer) emitStructured(runID, category, payload string) {
	s.broadcast(runID, &runtimerpc.RuntimeEventFrame{
		JobEvent: &runtimerpc.JobEventMessage{
			RunID:         runID,
			DeliveryID:    s.nextSequence(),
			EventType:     "structured",
			Category:      category,
			SchemaVersion: "1",
			Sequence:      s.nextSequence(),
			Timestamp:     time.Now().UTC().UnixMilli(),
			PayloadJSON:   payload,
		},
	})
}

func (s *mockServer) emitLog(runID, line string) {
	s.broadcast(runID, &runtimerpc.RuntimeEventFrame{
		JobEvent: &runtimerpc.JobEventMessage{
			RunID:      runID,
			DeliveryID: s.nextSequence(),
			EventType:  "log_chunk",
			Summary:    line,
			Timestamp:  time.Now().UTC().UnixMilli(),
		},
	})
}

func (s *mockServer) emitCompleted(runID, status, summary string) {
	envelope, _ := json.Marshal(map[string]string{"status": status, "summary": summary})
	s.broadcast(runID, &runtimerpc.RuntimeEventFrame{
		JobEvent: &runtimerpc.JobEventMessage{
			RunID:       runID,
			DeliveryID:  s.nextSequence(),
			EventType:   "completed",
			PayloadJSON: string(envelope),
			Timestamp:   time.Now().UTC().UnixMilli(),
		},
	})
}

// scenarioDefault runs one simulated tool call to completion and reports
// success, waiting step between steps.
func (s *mockServer) scenarioDefault(ctx context.Context, req *runtimerpc.StartRuntimeCommandRequest, step time.Duration) {
	runID := req.RunID
	toolCallID := fmt.Sprintf("tool-%s-1", runID)

	s.emitLog(runID, "starting run for task "+req.TaskID)
	if !s.sleep(ctx, step) {
		s.setStatus(runID, "canceled")
		return
	}

	beginPayload, _ := json.Marshal(map[string]any{
		"toolCallId": toolCallID,
		"toolName":   "shell",
		"status":     "running",
		"input":      json.RawMessage(`{"command":"` + req.Command + `"}`),
	})
	s.emitStructured(runID, categoryToolBegin, string(beginPayload))
	if !s.sleep(ctx, step) {
		s.setStatus(runID, "canceled")
		return
	}

	endPayload, _ := json.Marshal(map[string]any{
		"toolCallId": toolCallID,
		"toolName":   "shell",
		"status":     "succeeded",
		"output":     json.RawMessage(`{"exitCode":0}`),
	})
	s.emitStructured(runID, categoryToolEnd, string(endPayload))
	if !s.sleep(ctx, step) {
		s.setStatus(runID, "canceled")
		return
	}

	s.setStatus(runID, "succeeded")
	s.emitCompleted(runID, "succeeded", "mock run completed")

	s.mu.Lock()
	delete(s.commands, runID)
	s.mu.Unlock()
}

// scenarioError fails the run after one log line and a short delay, for
// exercising the listener's failure classification path.
func (s *mockServer) scenarioError(ctx context.Context, req *runtimerpc.StartRuntimeCommandRequest) {
	runID := req.RunID
	s.emitLog(runID, "starting run for task "+req.TaskID)
	if !s.sleep(ctx, 50*time.Millisecond) {
		s.setStatus(runID, "canceled")
		return
	}

	s.setStatus(runID, "failed")
	s.emitCompleted(runID, "failed", "mock run failed on purpose")

	s.mu.Lock()
	delete(s.commands, runID)
	s.mu.Unlock()
}
