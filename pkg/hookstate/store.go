// Package hookstate is a filesystem-backed, multi-writer store keyed by
// tool-call id. The pre-tool, post-tool and stop hooks run as separate OS
// processes and rendezvous here through flock-protected JSON files.
package hookstate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// PreCall is the half of a record written by the pre-tool hook.
type PreCall struct {
	SessionID   string          `json:"session_id"`
	ToolName    string          `json:"tool_name"`
	ToolInput   json.RawMessage `json:"tool_input,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	ProjectID   string          `json:"project_id,omitempty"`
	ProjectName string          `json:"project_name,omitempty"`
}

// PostCall is the half written by the post-tool hook.
type PostCall struct {
	ToolOutput      json.RawMessage `json:"tool_output,omitempty"`
	ExecutionTimeMS int64           `json:"execution_time_ms,omitempty"`
	IsError         bool            `json:"is_error,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Record is the on-disk merge target for one tool invocation. A record
// with only PreCall populated is valid; the tool may still be running.
type Record struct {
	CallID   string    `json:"call_id"`
	PreCall  *PreCall  `json:"pre_call,omitempty"`
	PostCall *PostCall `json:"post_call,omitempty"`
}

// Complete reports whether both halves have arrived.
func (r *Record) Complete() bool {
	return r.PreCall != nil && r.PostCall != nil
}

// Store holds one file per call id under a shared directory. The
// directory may be shared by unrelated process groups; filtering happens
// by project id inside the record, never by path.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create hook state dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) path(callID string) string {
	return filepath.Join(s.dir, "complete_"+sanitizeCallID(callID)+".json")
}

// sanitizeCallID keeps host-supplied call ids from escaping the state
// directory.
func sanitizeCallID(callID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, callID)
}

// RecordPre creates the record for callID or sets its pre_call field.
func (s *Store) RecordPre(callID string, pre *PreCall) error {
	if callID == "" {
		return fmt.Errorf("call id is required")
	}
	return s.update(callID, func(record *Record) {
		record.PreCall = pre
	})
}

// RecordPost sets the post_call field, creating the record if the pre
// hook never ran. The post event carries enough identity to do so.
func (s *Store) RecordPost(callID string, post *PostCall) error {
	if callID == "" {
		return fmt.Errorf("call id is required")
	}
	return s.update(callID, func(record *Record) {
		record.PostCall = post
	})
}

// update performs a locked read-modify-write of one record file.
func (s *Store) update(callID string, mutate func(*Record)) error {
	path := s.path(callID)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return fmt.Errorf("failed to open hook record %s: %w", callID, err)
	}
	defer f.Close()

	if err := flockExclusive(f); err != nil {
		return fmt.Errorf("failed to lock hook record %s: %w", callID, err)
	}
	defer flockUnlock(f)

	record := s.decode(f, callID)
	record.CallID = callID
	mutate(record)

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal hook record %s: %w", callID, err)
	}

	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate hook record %s: %w", callID, err)
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return fmt.Errorf("failed to write hook record %s: %w", callID, err)
	}
	return nil
}

// decode reads the current record under an already-held lock. Corrupt
// JSON is treated as absent and logged.
func (s *Store) decode(f *os.File, callID string) *Record {
	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return &Record{}
	}

	data := make([]byte, info.Size())
	if _, err := f.ReadAt(data, 0); err != nil {
		slog.Warn("Failed to read hook record, treating as absent",
			"component", "hookstate", "call_id", callID, "error", err)
		return &Record{}
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		slog.Warn("Corrupt hook record, treating as absent",
			"component", "hookstate", "call_id", callID, "error", err)
		return &Record{}
	}
	return &record
}

// Read returns the record for callID, or nil when absent or corrupt.
func (s *Store) Read(callID string) (*Record, error) {
	f, err := os.Open(s.path(callID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open hook record %s: %w", callID, err)
	}
	defer f.Close()

	if err := flockShared(f); err != nil {
		return nil, fmt.Errorf("failed to lock hook record %s: %w", callID, err)
	}
	defer flockUnlock(f)

	record := s.decode(f, callID)
	if record.CallID == "" {
		return nil, nil
	}
	return record, nil
}

// ListBySession returns all records whose pre_call.session_id matches,
// ordered by pre-event timestamp ascending. Records without a pre half
// have no session identity and are skipped.
func (s *Store) ListBySession(sessionID string) ([]*Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list hook state dir: %w", err)
	}

	var records []*Record
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "complete_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		callID := strings.TrimSuffix(strings.TrimPrefix(name, "complete_"), ".json")

		record, err := s.Read(callID)
		if err != nil {
			slog.Warn("Skipping unreadable hook record",
				"component", "hookstate", "file", name, "error", err)
			continue
		}
		if record == nil || record.PreCall == nil {
			continue
		}
		if record.PreCall.SessionID != sessionID {
			continue
		}
		records = append(records, record)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].PreCall.Timestamp.Before(records[j].PreCall.Timestamp)
	})
	return records, nil
}

// EvictOlderThan removes record files whose mtime is older than maxAge.
// Returns the number of files removed.
func (s *Store) EvictOlderThan(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list hook state dir: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
			slog.Warn("Failed to evict stale hook record",
				"component", "hookstate", "file", entry.Name(), "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		slog.Debug("Evicted stale hook records",
			"component", "hookstate", "removed", removed, "max_age", maxAge)
	}
	return removed, nil
}

// DeleteMany removes the given records after consumption. Best effort:
// failures are logged, never returned.
func (s *Store) DeleteMany(callIDs []string) {
	for _, callID := range callIDs {
		if err := os.Remove(s.path(callID)); err != nil && !os.IsNotExist(err) {
			slog.Warn("Failed to delete consumed hook record",
				"component", "hookstate", "call_id", callID, "error", err)
		}
	}
}
