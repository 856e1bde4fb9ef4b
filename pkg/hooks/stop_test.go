package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagemem/sage/pkg/fault"
	"github.com/sagemem/sage/pkg/hookstate"
	"github.com/sagemem/sage/pkg/memory"
)

type fakeSaver struct {
	turns []*memory.Turn
	err   error
}

func (f *fakeSaver) Save(ctx context.Context, turn *memory.Turn) (*memory.SavedTurn, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.turns = append(f.turns, turn)
	return &memory.SavedTurn{
		SessionID: turn.SessionID,
		TurnIndex: len(f.turns),
		MemoryIDs: []int64{int64(len(f.turns))},
	}, nil
}

func newStopPipeline(t *testing.T, saver TurnSaver) (*StopPipeline, string) {
	t.Helper()
	store, err := hookstate.NewStore(t.TempDir())
	require.NoError(t, err)

	backups := t.TempDir()
	return &StopPipeline{
		Aggregator:     NewAggregator(store),
		Saver:          saver,
		BackupsDir:     backups,
		TranscriptTail: 50,
		Source:         "stop_hook",
	}, backups
}

func stopInput(t *testing.T, sessionID string, lines ...string) *strings.Reader {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))

	payload, err := json.Marshal(map[string]string{
		"session_id":      sessionID,
		"transcript_path": path,
		"cwd":             "/tmp/project",
	})
	require.NoError(t, err)
	return strings.NewReader(string(payload))
}

func TestStopPipelinePersistsTurn(t *testing.T) {
	saver := &fakeSaver{}
	pipeline, _ := newStopPipeline(t, saver)

	code := pipeline.Run(context.Background(), stopInput(t, "s1",
		`{"type":"user","message":{"role":"user","content":"how do I drop an index?"}}`,
		`{"type":"assistant","message":{"role":"assistant","content":"use DROP INDEX CONCURRENTLY"}}`,
	))
	assert.Equal(t, StopOK, code)
	require.Len(t, saver.turns, 1)
	assert.Equal(t, "how do I drop an index?", saver.turns[0].UserPrompt)
	assert.Equal(t, "stop_hook", saver.turns[0].Source())
}

func TestStopPipelineToleratesMalformedLines(t *testing.T) {
	saver := &fakeSaver{}
	pipeline, _ := newStopPipeline(t, saver)

	code := pipeline.Run(context.Background(), stopInput(t, "s1",
		`{broken`,
		`{"type":"user","message":{"role":"user","content":"q"}}`,
		`also broken`,
		`{"type":"assistant","message":{"role":"assistant","content":"a"}}`,
	))
	assert.Equal(t, StopOK, code)
	require.Len(t, saver.turns, 1)
	assert.Equal(t, 2, saver.turns[0].Metadata["skipped_transcript_lines"])
}

func TestStopPipelineInvalidInputFailsFast(t *testing.T) {
	pipeline, _ := newStopPipeline(t, &fakeSaver{})
	assert.Equal(t, StopFailFast, pipeline.Run(context.Background(), strings.NewReader("not json")))
}

func TestStopPipelineMissingSessionFailsFast(t *testing.T) {
	pipeline, _ := newStopPipeline(t, &fakeSaver{})
	assert.Equal(t, StopFailFast, pipeline.Run(context.Background(),
		strings.NewReader(`{"transcript_path":"/tmp/x.jsonl"}`)))
}

func TestStopPipelineEmptyTranscriptFailsFast(t *testing.T) {
	pipeline, _ := newStopPipeline(t, &fakeSaver{})
	assert.Equal(t, StopFailFast, pipeline.Run(context.Background(), stopInput(t, "s1", "")))
}

func TestStopPipelineStorageFailureWritesBackup(t *testing.T) {
	saver := &fakeSaver{err: fault.New(fault.StorageTransient, "memory", "connection refused")}
	pipeline, backups := newStopPipeline(t, saver)

	code := pipeline.Run(context.Background(), stopInput(t, "s1",
		`{"type":"user","message":{"role":"user","content":"q"}}`,
		`{"type":"assistant","message":{"role":"assistant","content":"a"}}`,
	))
	assert.Equal(t, StopPartial, code)

	entries, err := os.ReadDir(backups)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "conversation_s1")
}

func TestStopPipelinePlainTextTranscript(t *testing.T) {
	saver := &fakeSaver{}
	pipeline, _ := newStopPipeline(t, saver)

	path := filepath.Join(t.TempDir(), "transcript.txt")
	require.NoError(t, os.WriteFile(path,
		[]byte("Human: explain vacuum\nAssistant: it reclaims dead tuples"), 0644))

	payload := fmt.Sprintf(`{"session_id":"s1","transcript_path":%q}`, path)
	code := pipeline.Run(context.Background(), strings.NewReader(payload))
	assert.Equal(t, StopOK, code)
	require.Len(t, saver.turns, 1)
	assert.Equal(t, "explain vacuum", saver.turns[0].UserPrompt)
}
