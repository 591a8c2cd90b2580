// Package config holds the user configuration of ipush.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/luojun96/ipush/build"
	"github.com/luojun96/ipush/tool"
	"github.com/luojun96/ipush/tracing"
	"github.com/luojun96/ipush/vcs"
)

// EnvPrefix prefixes environment overrides, e.g. IPUSH_LOG_LEVEL.
const EnvPrefix = "IPUSH"

// Config is the complete configuration.
type Config struct {
	// Registries are pushed to in order. Duplicates are kept.
	Registries       []string `mapstructure:"registries"`
	UseGitCommitHash bool     `mapstructure:"use_git_commit_hash"`
	UseGitCommitTags bool     `mapstructure:"use_git_commit_tags"`
	RepoRoot         string   `mapstructure:"repo_root"`
	SearchPaths      []string `mapstructure:"search_paths"`
	StoreDir         string   `mapstructure:"store_dir"`
	Concurrency      int      `mapstructure:"concurrency"`
	KeepSandboxes    bool     `mapstructure:"keep_sandboxes"`

	Tool    ToolConfig     `mapstructure:"tool"`
	Targets []TargetConfig `mapstructure:"targets"`
	Log     LogConfig      `mapstructure:"log"`
	Tracing tracing.Config `mapstructure:"tracing"`
}

// ToolConfig selects the oras release. Env entries are KEY=VALUE so that
// variable names keep their case.
type ToolConfig struct {
	Version       string   `mapstructure:"version"`
	KnownVersions []string `mapstructure:"known_versions"`
	URLTemplate   string   `mapstructure:"url_template"`
	Path          string   `mapstructure:"path"`
	Env           []string `mapstructure:"env"`
}

// TargetConfig declares how a dependency ref is built.
type TargetConfig struct {
	Ref     string   `mapstructure:"ref"`
	Command []string `mapstructure:"command"`
	Outputs []string `mapstructure:"outputs"`
	Env     []string `mapstructure:"env"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	home, _ := homedir.Dir()
	return Config{
		UseGitCommitHash: true,
		UseGitCommitTags: true,
		RepoRoot:         ".",
		SearchPaths:      vcs.DefaultSearchPaths,
		StoreDir:         filepath.Join("~", ".cache", "ipush"),
		Concurrency:      runtime.GOMAXPROCS(0),
		Tool: ToolConfig{
			Version:       tool.DefaultVersion,
			KnownVersions: tool.DefaultKnownVersions,
			URLTemplate:   tool.DefaultURLTemplate,
			Env:           []string{"HOME=" + home},
		},
		Log:     LogConfig{Level: "info", Format: "console"},
		Tracing: tracing.DefaultConfig(),
	}
}

// SetDefaults registers Defaults with v.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("registries", d.Registries)
	v.SetDefault("use_git_commit_hash", d.UseGitCommitHash)
	v.SetDefault("use_git_commit_tags", d.UseGitCommitTags)
	v.SetDefault("repo_root", d.RepoRoot)
	v.SetDefault("search_paths", d.SearchPaths)
	v.SetDefault("store_dir", d.StoreDir)
	v.SetDefault("concurrency", d.Concurrency)
	v.SetDefault("keep_sandboxes", d.KeepSandboxes)
	v.SetDefault("tool.version", d.Tool.Version)
	v.SetDefault("tool.known_versions", d.Tool.KnownVersions)
	v.SetDefault("tool.url_template", d.Tool.URLTemplate)
	v.SetDefault("tool.path", d.Tool.Path)
	v.SetDefault("tool.env", d.Tool.Env)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
}

// Load reads the config file into v and returns the validated result. An
// explicit file must exist; otherwise ipush.yaml in the working directory
// and then ~/.config/ipush/config.yaml are tried, and having neither is
// fine.
func Load(v *viper.Viper, file string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else if _, err := os.Stat("ipush.yaml"); err == nil {
		v.SetConfigFile("ipush.yaml")
	} else {
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "ipush"))
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cfg and expands ~ and relative paths in place.
func (c *Config) Validate() error {
	for i, r := range c.Registries {
		if strings.TrimRight(r, "/") == "" {
			return fmt.Errorf("registries[%d]: empty registry", i)
		}
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.Tool.Version == "" {
		return errors.New("tool.version is required")
	}
	for _, kv := range c.Tool.KnownVersions {
		if _, err := tool.ParseKnownVersion(kv); err != nil {
			return fmt.Errorf("tool.known_versions: %w", err)
		}
	}
	if _, err := ParseEnv(c.Tool.Env); err != nil {
		return fmt.Errorf("tool.env: %w", err)
	}
	seen := make(map[string]bool, len(c.Targets))
	for i, t := range c.Targets {
		if t.Ref == "" {
			return fmt.Errorf("targets[%d]: ref is required", i)
		}
		if seen[t.Ref] {
			return fmt.Errorf("targets[%d]: duplicate ref %s", i, t.Ref)
		}
		seen[t.Ref] = true
		if len(t.Outputs) == 0 {
			return fmt.Errorf("target %s: outputs are required", t.Ref)
		}
		if _, err := ParseEnv(t.Env); err != nil {
			return fmt.Errorf("target %s: %w", t.Ref, err)
		}
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unsupported log format %q", c.Log.Format)
	}

	var err error
	if c.StoreDir, err = homedir.Expand(c.StoreDir); err != nil {
		return fmt.Errorf("store_dir: %w", err)
	}
	if c.Tool.Path != "" {
		if c.Tool.Path, err = homedir.Expand(c.Tool.Path); err != nil {
			return fmt.Errorf("tool.path: %w", err)
		}
	}
	if c.RepoRoot, err = filepath.Abs(c.RepoRoot); err != nil {
		return fmt.Errorf("repo_root: %w", err)
	}
	return nil
}

// ToolSpec returns the tool selection.
func (c *Config) ToolSpec() tool.Tool {
	return tool.Tool{
		Version:       c.Tool.Version,
		KnownVersions: c.Tool.KnownVersions,
		URLTemplate:   c.Tool.URLTemplate,
		Path:          c.Tool.Path,
	}
}

// ToolEnv returns the environment of oras invocations.
func (c *Config) ToolEnv() map[string]string {
	env, _ := ParseEnv(c.Tool.Env)
	return env
}

// BuildTargets indexes the targets by ref.
func (c *Config) BuildTargets() map[string]build.Target {
	targets := make(map[string]build.Target, len(c.Targets))
	for _, t := range c.Targets {
		env, _ := ParseEnv(t.Env)
		targets[t.Ref] = build.Target{Command: t.Command, Outputs: t.Outputs, Env: env}
	}
	return targets
}

// ParseEnv turns KEY=VALUE entries into a map. Later entries win.
func ParseEnv(entries []string) (map[string]string, error) {
	env := make(map[string]string, len(entries))
	for _, e := range entries {
		k, v, ok := strings.Cut(e, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid env entry %q, want KEY=VALUE", e)
		}
		env[k] = v
	}
	return env, nil
}
