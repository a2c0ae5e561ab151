package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const envPrefix = "PACKAGER_"

// Config is the full service configuration. Precedence, lowest first:
// built-in defaults, YAML file, PACKAGER_* environment, command line flags.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Limits LimitsConfig `yaml:"limits"`
	Jobs   JobsConfig   `yaml:"jobs"`
	Tool   ToolConfig   `yaml:"tool"`
	Log    LogConfig    `yaml:"log"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type LimitsConfig struct {
	MaxUploadBytes       int64  `yaml:"max_upload_bytes"`
	MaxEntries           int    `yaml:"max_entries"`
	MaxUncompressedBytes uint64 `yaml:"max_uncompressed_bytes"`
}

type JobsConfig struct {
	MaxQueued     int64         `yaml:"max_queued"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	ConsumeResult bool          `yaml:"consume_result"`
	WorkspaceDir  string        `yaml:"workspace_dir"`
}

type ToolConfig struct {
	Runner            string        `yaml:"runner"` // local or docker
	Timeout           time.Duration `yaml:"timeout"`
	Dir               string        `yaml:"dir"`
	Interpreter       string        `yaml:"interpreter"`
	Script            string        `yaml:"script"`
	WorkDir           string        `yaml:"work_dir"`
	LinkIntoWorkspace bool          `yaml:"link_into_workspace"`
	OutputLimit       int           `yaml:"output_limit"`
	PassEnv           []string      `yaml:"pass_env"`
	Docker            DockerConfig  `yaml:"docker"`
}

type DockerConfig struct {
	Image       string `yaml:"image"`
	MemoryBytes int64  `yaml:"memory_bytes"`
	NanoCPUs    int64  `yaml:"nano_cpus"`
	PidsLimit   int64  `yaml:"pids_limit"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8000",
			AllowedOrigins:    []string{"http://localhost:5173"},
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   5 * time.Second,
		},
		Limits: LimitsConfig{
			MaxUploadBytes:       50 << 20,
			MaxEntries:           2000,
			MaxUncompressedBytes: 256 << 20,
		},
		Jobs: JobsConfig{
			MaxQueued:     20,
			TTL:           30 * time.Minute,
			SweepInterval: 60 * time.Second,
			ConsumeResult: true,
		},
		Tool: ToolConfig{
			Runner:            "local",
			Timeout:           120 * time.Second,
			Dir:               "/opt/azure-sentinel/Tools/Create-Azure-Sentinel-Solution",
			Interpreter:       "pwsh",
			Script:            "V3/createSolutionV3.ps1",
			WorkDir:           "V3",
			LinkIntoWorkspace: false,
			OutputLimit:       64 << 10,
			Docker: DockerConfig{
				MemoryBytes: 1 << 30,
				NanoCPUs:    2e9,
				PidsLimit:   512,
			},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load builds the configuration from args (without the program name) and
// the environment exposed by lookupEnv.
func Load(args []string, lookupEnv func(string) (string, bool)) (Config, error) {
	fs := pflag.NewFlagSet("packager", pflag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file (env PACKAGER_CONFIG)")
	addr := fs.String("addr", "", "listen address, e.g. :8000")
	runner := fs.String("runner", "", "tool runner: local or docker")
	logLevel := fs.String("log-level", "", "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Default()

	path := *configPath
	if path == "" {
		path, _ = lookupEnv(envPrefix + "CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(lookupEnv); err != nil {
		return Config{}, err
	}

	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *runner != "" {
		cfg.Tool.Runner = *runner
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	// #nosec G304 -- config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(lookupEnv func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookupEnv(envPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookupEnv(envPrefix + name); ok && v != "" {
			*dst = splitList(v)
		}
	}
	num := func(name string, dst *int64) {
		if v, ok := lookupEnv(envPrefix + name); ok && v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookupEnv(envPrefix + name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookupEnv(envPrefix + name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	str("ADDR", &c.Server.Addr)
	list("ALLOWED_ORIGINS", &c.Server.AllowedOrigins)

	num("MAX_UPLOAD_BYTES", &c.Limits.MaxUploadBytes)
	entries := int64(c.Limits.MaxEntries)
	num("MAX_ENTRIES", &entries)
	c.Limits.MaxEntries = int(entries)
	uncompressed := int64(c.Limits.MaxUncompressedBytes)
	num("MAX_UNCOMPRESSED_BYTES", &uncompressed)
	if uncompressed < 0 {
		errs = append(errs, errors.New(envPrefix+"MAX_UNCOMPRESSED_BYTES must not be negative"))
	} else {
		c.Limits.MaxUncompressedBytes = uint64(uncompressed)
	}

	num("MAX_QUEUED_JOBS", &c.Jobs.MaxQueued)
	dur("JOB_TTL", &c.Jobs.TTL)
	dur("SWEEP_INTERVAL", &c.Jobs.SweepInterval)
	boolean("CONSUME_RESULT", &c.Jobs.ConsumeResult)
	str("WORKSPACE_DIR", &c.Jobs.WorkspaceDir)

	str("TOOL_RUNNER", &c.Tool.Runner)
	dur("TOOL_TIMEOUT", &c.Tool.Timeout)
	str("TOOLS_DIR", &c.Tool.Dir)
	str("TOOL_INTERPRETER", &c.Tool.Interpreter)
	boolean("TOOL_LINK_INTO_WORKSPACE", &c.Tool.LinkIntoWorkspace)
	list("TOOL_PASS_ENV", &c.Tool.PassEnv)
	str("TOOL_IMAGE", &c.Tool.Docker.Image)

	str("LOG_LEVEL", &c.Log.Level)

	return errors.Join(errs...)
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Limits.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("limits.max_upload_bytes must be positive"))
	}
	if c.Limits.MaxEntries <= 0 {
		errs = append(errs, errors.New("limits.max_entries must be positive"))
	}
	if c.Limits.MaxUncompressedBytes == 0 {
		errs = append(errs, errors.New("limits.max_uncompressed_bytes must be positive"))
	}
	if c.Jobs.MaxQueued <= 0 {
		errs = append(errs, errors.New("jobs.max_queued must be positive"))
	}
	if c.Jobs.TTL <= 0 || c.Jobs.SweepInterval <= 0 {
		errs = append(errs, errors.New("jobs.ttl and jobs.sweep_interval must be positive"))
	}
	if c.Tool.Timeout <= 0 {
		errs = append(errs, errors.New("tool.timeout must be positive"))
	}
	if !filepath.IsAbs(c.Tool.Dir) {
		errs = append(errs, fmt.Errorf("tool.dir must be absolute, got %q", c.Tool.Dir))
	}
	switch c.Tool.Runner {
	case "local":
	case "docker":
		if c.Tool.Docker.Image == "" {
			errs = append(errs, errors.New("tool.docker.image is required for the docker runner"))
		}
	default:
		errs = append(errs, fmt.Errorf("tool.runner must be local or docker, got %q", c.Tool.Runner))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel maps the configured level name onto slog.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
