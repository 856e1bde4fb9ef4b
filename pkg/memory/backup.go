package memory

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// WriteBackup dumps a turn verbatim as JSON under the backups directory so
// a storage or provider outage never loses data. Returns the file path.
func WriteBackup(backupsDir string, turn *Turn) (string, error) {
	if err := os.MkdirAll(backupsDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create backups dir: %w", err)
	}

	session := turn.SessionID
	if session == "" {
		session = "unknown"
	}
	name := fmt.Sprintf("conversation_%s_%s.json",
		session, time.Now().UTC().Format("20060102T150405"))
	path := filepath.Join(backupsDir, name)

	data, err := json.MarshalIndent(turn, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal turn for backup: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}

	slog.Info("Turn backed up locally",
		"component", "store", "path", path, "session_id", session)
	return path, nil
}

// ReadBackup loads a turn previously written by WriteBackup.
func ReadBackup(path string) (*Turn, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}

	var turn Turn
	if err := json.Unmarshal(data, &turn); err != nil {
		return nil, fmt.Errorf("failed to parse backup %s: %w", path, err)
	}
	return &turn, nil
}
