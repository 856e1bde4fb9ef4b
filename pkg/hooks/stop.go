package hooks

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sagemem/sage/pkg/memory"
	"github.com/sagemem/sage/pkg/transcript"
)

// Stop-hook exit codes.
const (
	StopOK       = 0 // turn persisted
	StopFailFast = 1 // no valid input, no messages, unsupported format
	StopPartial  = 2 // backup saved, database skipped
)

// TurnSaver is the storage dependency of the stop pipeline.
type TurnSaver interface {
	Save(ctx context.Context, turn *memory.Turn) (*memory.SavedTurn, error)
}

// StopPipeline drives transcript parsing, hook aggregation, turn
// assembly and persistence at turn end.
type StopPipeline struct {
	Aggregator *Aggregator
	Saver      TurnSaver

	BackupsDir     string
	TranscriptTail int
	Timeout        time.Duration
	EvictAfter     time.Duration
	Source         string
}

// Run executes the pipeline and returns a process exit code. It never
// panics; every failure maps to fail-fast or partial.
func (p *StopPipeline) Run(ctx context.Context, stdin io.Reader) int {
	input, err := ReadHookInput(stdin)
	if err != nil {
		slog.Error("Stop hook received invalid input", "component", "hooks", "error", err)
		return StopFailFast
	}
	if input.SessionID == "" || input.TranscriptPath == "" {
		slog.Error("Stop hook input missing session_id or transcript_path",
			"component", "hooks")
		return StopFailFast
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	parsed, err := p.parseTranscript(input.TranscriptPath)
	if err != nil {
		slog.Error("Stop hook could not parse transcript",
			"component", "hooks", "path", input.TranscriptPath, "error", err)
		return StopFailFast
	}

	projectID, projectName := ProjectIdentity(input.CWD)

	calls, stats, completeness, err := p.Aggregator.EnhanceStopHookData(
		input.SessionID, projectID, parsed.ToolUses, parsed.ToolResults)
	if err != nil {
		slog.Warn("Hook aggregation failed, proceeding with transcript only",
			"component", "hooks", "session_id", input.SessionID, "error", err)
		calls, stats = nil, &Stats{PerTool: map[string]int{}}
	}

	turn, err := AssembleTurn(AssembleInput{
		Messages:    parsed.Messages,
		ToolUses:    parsed.ToolUses,
		ToolResults: parsed.ToolResults,
		ToolCalls:   calls,
		SessionID:   input.SessionID,
		ProjectID:   projectID,
		ProjectName: projectName,
		Source:      p.Source,
	})
	if err != nil {
		slog.Error("Stop hook could not assemble a turn",
			"component", "hooks", "session_id", input.SessionID, "error", err)
		return StopFailFast
	}
	turn.SetMeta("tool_call_stats", stats)
	turn.SetMeta("data_completeness", completeness)
	turn.SetMeta("skipped_transcript_lines", parsed.SkippedLines)

	saved, err := p.Saver.Save(ctx, turn)
	if err != nil {
		slog.Error("Turn persistence failed, writing local backup",
			"component", "hooks", "session_id", input.SessionID, "error", err)
		if _, backupErr := memory.WriteBackup(p.BackupsDir, turn); backupErr != nil {
			slog.Error("Local backup also failed",
				"component", "hooks", "error", backupErr)
			return StopFailFast
		}
		return StopPartial
	}

	slog.Info("Turn persisted",
		"component", "hooks",
		"session_id", saved.SessionID,
		"turn_index", saved.TurnIndex,
		"memories", len(saved.MemoryIDs),
		"tool_calls", len(turn.ToolCalls))

	p.Aggregator.CleanupProcessed(calls)
	if p.EvictAfter > 0 {
		p.Aggregator.CleanupOld(p.EvictAfter)
	}
	return StopOK
}

// parseTranscript reads the transcript as JSONL and falls back to the
// plain Human:/Assistant: format when JSONL yields nothing.
func (p *StopPipeline) parseTranscript(path string) (*transcript.Transcript, error) {
	parsed, err := transcript.ParseJSONL(path, p.TranscriptTail)
	if err != nil {
		return nil, err
	}
	if len(parsed.Messages) > 0 || len(parsed.ToolUses) > 0 {
		return parsed, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	content := string(data)
	if strings.Contains(content, "Human:") || strings.Contains(content, "Assistant:") {
		return &transcript.Transcript{Messages: transcript.ParseText(content)}, nil
	}
	return parsed, nil
}
