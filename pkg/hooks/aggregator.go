// Package hooks implements the capture and aggregation pipeline that
// turns pre/post tool hook events and a transcript into one canonical
// turn ready for persistence.
package hooks

import (
	"log/slog"
	"time"

	"github.com/sagemem/sage/pkg/hookstate"
	"github.com/sagemem/sage/pkg/memory"
	"github.com/sagemem/sage/pkg/transcript"
)

// Stats summarises the tool calls aggregated for one session.
type Stats struct {
	Total                int            `json:"total"`
	Succeeded            int            `json:"succeeded"`
	Failed               int            `json:"failed"`
	Pending              int            `json:"pending"`
	PerTool              map[string]int `json:"per_tool"`
	TotalExecutionTimeMS int64          `json:"total_execution_time_ms"`
}

// Aggregator reads the hook state store and reconciles its records with
// the transcript.
type Aggregator struct {
	store *hookstate.Store
}

func NewAggregator(store *hookstate.Store) *Aggregator {
	return &Aggregator{store: store}
}

// AggregateSession converts the session's hook records into tool calls
// ordered by pre-event timestamp. A record whose post event never
// arrived contributes a pending call with null output; that is not an
// error. projectID, when non-empty, drops records from other projects
// sharing the state directory.
func (a *Aggregator) AggregateSession(sessionID, projectID string) ([]memory.ToolCall, *Stats, error) {
	records, err := a.store.ListBySession(sessionID)
	if err != nil {
		return nil, nil, err
	}

	stats := &Stats{PerTool: make(map[string]int)}
	var calls []memory.ToolCall
	for _, record := range records {
		if projectID != "" && record.PreCall.ProjectID != projectID {
			continue
		}

		call := memory.ToolCall{
			CallID:    record.CallID,
			ToolName:  record.PreCall.ToolName,
			Input:     record.PreCall.ToolInput,
			Status:    memory.ToolCallPending,
			Timestamp: record.PreCall.Timestamp,
		}

		if record.PostCall != nil {
			call.Output = record.PostCall.ToolOutput
			call.ExecutionTimeMS = record.PostCall.ExecutionTimeMS
			if record.PostCall.IsError {
				call.Status = memory.ToolCallError
				call.ErrorMessage = record.PostCall.ErrorMessage
			} else {
				call.Status = memory.ToolCallSuccess
			}
		}

		switch call.Status {
		case memory.ToolCallSuccess:
			stats.Succeeded++
		case memory.ToolCallError:
			stats.Failed++
		default:
			stats.Pending++
		}
		stats.Total++
		stats.PerTool[call.ToolName]++
		stats.TotalExecutionTimeMS += call.ExecutionTimeMS

		calls = append(calls, call)
	}
	return calls, stats, nil
}

// EnhanceStopHookData reconciles the aggregated tool chain against the
// tool uses the transcript itself reports, yielding a data-completeness
// score in [0,1]: 0.7 weighted on capture coverage, 0.3 on capture
// quality (calls with both input and output).
func (a *Aggregator) EnhanceStopHookData(sessionID, projectID string,
	transcriptTools []transcript.ToolUseRef, transcriptResults []transcript.ToolResultRef,
) ([]memory.ToolCall, *Stats, float64, error) {
	calls, stats, err := a.AggregateSession(sessionID, projectID)
	if err != nil {
		return nil, nil, 0, err
	}

	expected := len(transcriptTools)
	captured := 0
	quality := 0.0

	byID := make(map[string]bool, len(calls))
	withData := 0
	for _, call := range calls {
		byID[call.CallID] = true
		if len(call.Input) > 0 && len(call.Output) > 0 {
			withData++
		}
	}
	for _, ref := range transcriptTools {
		if byID[ref.ToolUseID] {
			captured++
		}
	}
	if len(calls) > 0 {
		quality = float64(withData) / float64(len(calls))
	}

	coverage := 1.0
	if expected > 0 {
		coverage = float64(captured) / float64(expected)
		if coverage > 1 {
			coverage = 1
		}
	}
	completeness := 0.7*coverage + 0.3*quality

	slog.Debug("Reconciled hook records with transcript",
		"component", "hooks",
		"session_id", sessionID,
		"expected", expected,
		"captured", captured,
		"completeness", completeness)
	return calls, stats, completeness, nil
}

// CleanupProcessed removes the consumed hook records.
func (a *Aggregator) CleanupProcessed(calls []memory.ToolCall) {
	ids := make([]string, 0, len(calls))
	for _, call := range calls {
		ids = append(ids, call.CallID)
	}
	a.store.DeleteMany(ids)
}

// CleanupOld evicts records past the retention age.
func (a *Aggregator) CleanupOld(maxAge time.Duration) {
	if _, err := a.store.EvictOlderThan(maxAge); err != nil {
		slog.Warn("Hook record eviction failed",
			"component", "hooks", "error", err)
	}
}
