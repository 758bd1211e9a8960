package projection

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/taskctl/controlplane/internal/model"
)

const (
	categoryToolBegin = "tool.begin"
	categoryToolEnd   = "tool.end"
)

type toolPayload struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Status     string          `json:"status"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
}

// ToolProjection folds a structured event into the tool's timeline row,
// creating one if existing is nil. It returns ok=false for any event whose
// category is not a tool lifecycle marker. Callers pass in whatever row is
// currently stored for (runId, toolCallId) so begin/end pairs that arrive
// in order merge onto the same projection.
func ToolProjection(e *model.RunStructuredEvent, existing *model.RunToolProjection) (proj *model.RunToolProjection, ok bool, err error) {
	if !strings.HasPrefix(e.Category, "tool.") {
		return nil, false, nil
	}
	var p toolPayload
	if e.PayloadJSON != "" {
		if err := json.Unmarshal([]byte(e.PayloadJSON), &p); err != nil {
			return nil, false, fmt.Errorf("projection: decode tool payload at sequence %d: %w", e.Sequence, err)
		}
	}

	proj = existing
	if proj == nil {
		proj = &model.RunToolProjection{
			RunID:         e.RunID,
			ToolCallID:    p.ToolCallID,
			ToolName:      p.ToolName,
			SequenceStart: e.Sequence,
		}
	}

	status := p.Status
	if status == "" {
		status = defaultToolStatus(e.Category)
	}
	if len(p.Input) > 0 {
		proj.InputJSON = string(p.Input)
	}
	proj.Merge(e.Sequence, status, string(p.Output))

	return proj, true, nil
}

func defaultToolStatus(category string) string {
	switch category {
	case categoryToolBegin:
		return "running"
	case categoryToolEnd:
		return "completed"
	default:
		return "running"
	}
}
