package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const (
	appDirName   = "sage"
	hookStateDir = ".sage_hooks_temp"

	// snapshotKeep is how many config snapshots survive under backups/.
	snapshotKeep = 10
)

// ConfigDir returns the per-user configuration directory, honouring
// SAGE_CONFIG_DIR. The platform default comes from os.UserConfigDir
// (XDG on Linux, Application Support on macOS, APPDATA on Windows).
func ConfigDir() (string, error) {
	if dir := os.Getenv("SAGE_CONFIG_DIR"); dir != "" {
		return dir, nil
	}

	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve user config dir: %w", err)
	}
	return filepath.Join(base, appDirName), nil
}

// ConfigFilePath returns the path of config.json inside ConfigDir.
func ConfigFilePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// BackupsDir returns the directory for config snapshots and local
// conversation dumps, creating it if needed.
func BackupsDir() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	backups := filepath.Join(dir, "backups")
	if err := os.MkdirAll(backups, 0755); err != nil {
		return "", fmt.Errorf("failed to create backups dir: %w", err)
	}
	return backups, nil
}

// HookStateDir returns the shared hook rendezvous directory
// (~/.sage_hooks_temp, mode 0700), creating it if needed. The directory
// may be shared by many project trees; records filter by project id.
func HookStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home dir: %w", err)
	}
	dir := filepath.Join(home, hookStateDir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create hook state dir: %w", err)
	}
	return dir, nil
}

// WriteConfigFile atomically replaces config.json, keeping the previous
// content as a timestamped snapshot under backups/ (last 10 retained).
func WriteConfigFile(cfg *Config) error {
	path, err := ConfigFilePath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	if prev, err := os.ReadFile(path); err == nil {
		if err := snapshotConfig(prev); err != nil {
			return err
		}
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace config: %w", err)
	}

	return nil
}

func snapshotConfig(content []byte) error {
	backups, err := BackupsDir()
	if err != nil {
		return err
	}

	name := fmt.Sprintf("config_%s.json", time.Now().UTC().Format("20060102T150405"))
	if err := os.WriteFile(filepath.Join(backups, name), content, 0644); err != nil {
		return fmt.Errorf("failed to write config snapshot: %w", err)
	}

	return pruneSnapshots(backups)
}

func pruneSnapshots(backups string) error {
	entries, err := filepath.Glob(filepath.Join(backups, "config_*.json"))
	if err != nil {
		return err
	}
	if len(entries) <= snapshotKeep {
		return nil
	}

	sort.Strings(entries)
	for _, stale := range entries[:len(entries)-snapshotKeep] {
		_ = os.Remove(stale)
	}
	return nil
}

// QuarantineCorruptConfig moves an unparsable config.json aside to
// backups/corrupted/ so a fresh default can be written. Returns the
// quarantine path.
func QuarantineCorruptConfig() (string, error) {
	path, err := ConfigFilePath()
	if err != nil {
		return "", err
	}

	backups, err := BackupsDir()
	if err != nil {
		return "", err
	}

	corruptedDir := filepath.Join(backups, "corrupted")
	if err := os.MkdirAll(corruptedDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create corrupted dir: %w", err)
	}

	dest := filepath.Join(corruptedDir,
		fmt.Sprintf("config_%s.json", time.Now().UTC().Format("20060102T150405")))
	if err := os.Rename(path, dest); err != nil {
		return "", fmt.Errorf("failed to quarantine config: %w", err)
	}

	return dest, nil
}
