// Package config loads kbsync configuration from a file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/kbsync/internal/logging"
)

// Defaults.
const (
	DefaultDBPath         = "~/.kbsync.db"
	DefaultConcurrency    = 4
	DefaultRequestTimeout = 60 * time.Second
	DefaultDebounce       = 500 * time.Millisecond
)

// Directory is one watched directory and the collection it feeds.
type Directory struct {
	Path        string `mapstructure:"path" yaml:"path"`
	KnowledgeID string `mapstructure:"knowledge_id" yaml:"knowledge_id"`

	// Older config.json files spell the key knowledgeId.
	LegacyKnowledgeID string `mapstructure:"knowledgeId" yaml:"-"`
}

// Config holds the effective configuration.
type Config struct {
	URL        string `mapstructure:"url" yaml:"url"`
	APIKey     string `mapstructure:"api_key" yaml:"api_key"`
	UploadPath string `mapstructure:"upload_path" yaml:"upload_path,omitempty"`
	AttachPath string `mapstructure:"attach_path" yaml:"attach_path,omitempty"`

	DBPath      string      `mapstructure:"db_path" yaml:"db_path"`
	Directories []Directory `mapstructure:"directories" yaml:"directories"`
	Exclude     []string    `mapstructure:"exclude" yaml:"exclude,omitempty"`

	Concurrency    int           `mapstructure:"concurrency" yaml:"concurrency"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	Debounce       time.Duration `mapstructure:"debounce" yaml:"debounce"`
	RescanInterval time.Duration `mapstructure:"rescan_interval" yaml:"rescan_interval"`

	DashboardAddr string `mapstructure:"dashboard_addr" yaml:"dashboard_addr,omitempty"`
	MetricsAddr   string `mapstructure:"metrics_addr" yaml:"metrics_addr,omitempty"`

	Log logging.Config `mapstructure:"log" yaml:"log"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-" yaml:"-"`
}

// Options controls where Load looks.
type Options struct {
	File string   // Explicit config file; must exist when set
	Fs   afero.Fs // Filesystem to read from (default: OS)

	// SearchDirs overrides the default search locations.
	SearchDirs []string
}

// candidate is a config file name searched for in a directory.
type candidate struct {
	dir, name string
}

// Load reads the config file, applies environment overrides and defaults,
// and expands paths. A missing config file is not an error unless
// opts.File names it; Validate reports what is still missing.
func Load(opts Options) (*Config, error) {
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	v := viper.New()
	v.SetFs(fs)
	setDefaults(v)

	v.SetEnvPrefix("KBSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Open WebUI variable names are accepted as fallbacks.
	if err := v.BindEnv("url", "KBSYNC_URL", "OPEN_WEBUI_URL"); err != nil {
		return nil, fmt.Errorf("failed to bind url env: %w", err)
	}
	if err := v.BindEnv("api_key", "KBSYNC_API_KEY", "OPEN_WEBUI_API_KEY"); err != nil {
		return nil, fmt.Errorf("failed to bind api_key env: %w", err)
	}

	file := opts.File
	if file != "" {
		expanded, err := expandPath(file)
		if err != nil {
			return nil, err
		}
		file = expanded
	} else {
		found, err := find(fs, searchCandidates(opts.SearchDirs))
		if err != nil {
			return nil, err
		}
		file = found
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = file

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("url", "")
	v.SetDefault("api_key", "")
	v.SetDefault("upload_path", "")
	v.SetDefault("attach_path", "")
	v.SetDefault("db_path", DefaultDBPath)
	v.SetDefault("concurrency", DefaultConcurrency)
	v.SetDefault("request_timeout", DefaultRequestTimeout)
	v.SetDefault("debounce", DefaultDebounce)
	v.SetDefault("rescan_interval", time.Duration(0))
	v.SetDefault("dashboard_addr", "")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// searchCandidates lists config files in lookup order: kbsync.* and the
// legacy config.json in the working directory, then config.* under the
// user config directories.
func searchCandidates(dirs []string) []candidate {
	if dirs != nil {
		var out []candidate
		for _, d := range dirs {
			out = append(out, candidate{d, "kbsync"}, candidate{d, "config"})
		}
		return out
	}

	out := []candidate{{".", "kbsync"}, {".", "config"}}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		out = append(out, candidate{filepath.Join(xdg, "kbsync"), "config"})
	}
	if home, err := homedir.Dir(); err == nil {
		out = append(out, candidate{filepath.Join(home, ".config", "kbsync"), "config"})
	}
	return out
}

// find returns the first existing candidate with a supported extension.
func find(fs afero.Fs, candidates []candidate) (string, error) {
	for _, c := range candidates {
		for _, ext := range viper.SupportedExts {
			path := filepath.Join(c.dir, c.name+"."+ext)
			ok, err := afero.Exists(fs, path)
			if err != nil {
				return "", fmt.Errorf("failed to check %s: %w", path, err)
			}
			if ok {
				return path, nil
			}
		}
	}
	return "", nil
}

func (c *Config) normalize() error {
	var err error
	if c.DBPath, err = expandPath(c.DBPath); err != nil {
		return err
	}
	if c.Log.File != "" {
		if c.Log.File, err = expandPath(c.Log.File); err != nil {
			return err
		}
	}

	for i := range c.Directories {
		d := &c.Directories[i]
		if d.KnowledgeID == "" {
			d.KnowledgeID = d.LegacyKnowledgeID
		}
		d.LegacyKnowledgeID = ""
		if d.Path == "" {
			continue
		}
		if d.Path, err = expandPath(d.Path); err != nil {
			return err
		}
	}

	c.URL = strings.TrimRight(c.URL, "/")
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	return nil
}

// expandPath expands ~ and environment variables and makes the path
// absolute.
func expandPath(p string) (string, error) {
	expanded, err := homedir.Expand(p)
	if err != nil {
		return "", fmt.Errorf("failed to expand %s: %w", p, err)
	}
	expanded = os.ExpandEnv(expanded)
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", p, err)
	}
	return abs, nil
}

// Validate checks the configuration. When remote is true the service URL
// and API key are required as well.
func (c *Config) Validate(remote bool) error {
	var errs []error
	if remote {
		if c.URL == "" {
			errs = append(errs, errors.New("url is required (set url or OPEN_WEBUI_URL)"))
		}
		if c.APIKey == "" {
			errs = append(errs, errors.New("api_key is required (set api_key or OPEN_WEBUI_API_KEY)"))
		}
	}
	if len(c.Directories) == 0 {
		errs = append(errs, errors.New("at least one directory is required"))
	}
	seen := make(map[Directory]bool)
	for i, d := range c.Directories {
		if d.Path == "" {
			errs = append(errs, fmt.Errorf("directories[%d]: path is required", i))
		}
		if d.KnowledgeID == "" {
			errs = append(errs, fmt.Errorf("directories[%d]: knowledge_id is required", i))
		}
		if seen[d] {
			errs = append(errs, fmt.Errorf("directories[%d]: duplicate %s -> %s", i, d.Path, d.KnowledgeID))
		}
		seen[d] = true
	}
	if c.RequestTimeout < 0 || c.Debounce < 0 || c.RescanInterval < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	return errors.Join(errs...)
}

// Masked returns a copy with the API key hidden.
func (c *Config) Masked() *Config {
	out := *c
	out.Directories = append([]Directory(nil), c.Directories...)
	out.Exclude = append([]string(nil), c.Exclude...)
	out.APIKey = MaskSecret(c.APIKey)
	return &out
}

// MaskSecret keeps the last four characters of long secrets.
func MaskSecret(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "****"
	default:
		return "****" + s[len(s)-4:]
	}
}

// YAML renders the configuration with the API key masked.
func (c *Config) YAML() ([]byte, error) {
	data, err := yaml.Marshal(c.Masked())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// WriteFile writes cfg to path as YAML, creating parent directories. The
// file holds the API key, so it is readable by the owner only.
func WriteFile(fs afero.Fs, path string, cfg *Config) error {
	if fs == nil {
		fs = afero.NewOsFs()
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := afero.WriteFile(fs, path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}
