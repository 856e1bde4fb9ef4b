package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	// Path to the YAML config file. Optional: when empty or absent, the
	// built-in defaults plus environment overrides apply.
	Path string

	// Watch re-loads the file on change and invokes OnChange.
	Watch bool

	// OnChange receives the re-loaded config. An error keeps the previous
	// config active.
	OnChange func(*Config) error
}

// Loader assembles the effective config from defaults, the YAML file and
// environment variables, in that precedence order.
type Loader struct {
	options  LoaderOptions
	parser   *yaml.YAML
	provider *file.File
}

func NewLoader(opts LoaderOptions) *Loader {
	return &Loader{
		options: opts,
		parser:  yaml.Parser(),
	}
}

// Load builds the effective configuration.
func (l *Loader) Load() (*Config, error) {
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}

	if l.options.Watch && l.options.Path != "" {
		if err := l.watch(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func (l *Loader) load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if l.options.Path != "" {
		if err := l.loadFile(k, l.options.Path); err != nil {
			return nil, err
		}
	}

	if err := k.Load(confmap.Provider(EnvOverrides(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// loadFile parses the YAML file and expands ${VAR} references before the
// values reach koanf.
func (l *Loader) loadFile(k *koanf.Koanf, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("Config file not found, using defaults", "path", path)
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	parsed, err := l.parser.Unmarshal(raw)
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	expanded, ok := ExpandEnvVarsInData(parsed).(map[string]interface{})
	if !ok {
		return fmt.Errorf("config file %s is not a mapping", path)
	}

	if err := k.Load(confmap.Provider(expanded, "."), nil); err != nil {
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}

	return nil
}

// watch re-loads the config on file change through the koanf file
// provider (fsnotify underneath).
func (l *Loader) watch() error {
	l.provider = file.Provider(l.options.Path)

	err := l.provider.Watch(func(event interface{}, err error) {
		if err != nil {
			slog.Warn("Config watch error", "path", l.options.Path, "error", err)
			return
		}

		cfg, loadErr := l.load()
		if loadErr != nil {
			slog.Warn("Ignoring config change, reload failed",
				"path", l.options.Path, "error", loadErr)
			return
		}

		slog.Info("Configuration reloaded", "path", l.options.Path)

		if l.options.OnChange != nil {
			if cbErr := l.options.OnChange(cfg); cbErr != nil {
				slog.Warn("Config change rejected", "error", cbErr)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("failed to watch config file: %w", err)
	}

	return nil
}

// Unwatch stops the file watcher.
func (l *Loader) Unwatch() {
	if l.provider != nil {
		_ = l.provider.Unwatch()
	}
}
