package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults for the supervision loop. The worker log ceiling is 10 MiB.
const (
	DefaultPollInterval    = 1800 * time.Second
	DefaultGracePeriod     = 1 * time.Second
	DefaultSettlePeriod    = 2 * time.Second
	DefaultConfirmTimeout  = 5 * time.Second
	DefaultInstallAttempts = 3
	DefaultInstallBackoff  = 3 * time.Second
	DefaultLogMaxBytes     = 10 << 20
	DefaultSessionName     = "nexus"
	DefaultWindowMarker    = "Nexus Node"
	DefaultIdentityEnv     = "NEXUS_NODE_ID"
	DefaultWorkerBinary    = "nexus-network"
	DefaultTagRepo         = "https://github.com/nexus-xyz/nexus-cli.git"
	DefaultInstallCommand  = "curl -sSf https://cli.nexus.xyz/ -o /tmp/nexus-install.sh && NONINTERACTIVE=1 sh /tmp/nexus-install.sh"
	DefaultStateDirName    = ".nodekeeper"
	DefaultConfigFileName  = "config.toml"
)

// Settings is the immutable session configuration. It is built once by Load
// and handed to every component; nothing mutates it afterwards.
type Settings struct {
	GOOS         string           `mapstructure:"-"`
	HomeDir      string           `mapstructure:"home"`
	StateDir     string           `mapstructure:"state_dir"`
	Worker       WorkerConfig     `mapstructure:"worker"`
	Identity     IdentityConfig   `mapstructure:"identity"`
	Log          LogConfig        `mapstructure:"log"`
	Supervisor   SupervisorConfig `mapstructure:"supervisor"`
	Dependencies DependencyConfig `mapstructure:"dependencies"`
	Context      ContextConfig    `mapstructure:"context"`
	Metrics      MetricsConfig    `mapstructure:"metrics"`
	History      HistoryConfig    `mapstructure:"history"`
}

type WorkerConfig struct {
	Binary         string   `mapstructure:"binary"`
	Args           []string `mapstructure:"args"`     // placed before --node-id
	Patterns       []string `mapstructure:"patterns"` // executable names that identify worker processes
	InstallCommand string   `mapstructure:"install_command"`
	TagRepo        string   `mapstructure:"tag_repo"`
}

type IdentityConfig struct {
	File           string        `mapstructure:"file"`
	Env            string        `mapstructure:"env"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
}

// LogConfig covers both the worker log (File, rotated at MaxBytes) and the
// supervisor's own diagnostic log (SupervisorFile, lumberjack semantics).
type LogConfig struct {
	File           string `mapstructure:"file"`
	MaxBytes       int64  `mapstructure:"max_bytes"`
	Level          string `mapstructure:"level"`
	SupervisorFile string `mapstructure:"supervisor_file"`
	MaxSizeMB      int    `mapstructure:"max_size_mb"`
	MaxBackups     int    `mapstructure:"max_backups"`
	MaxAgeDays     int    `mapstructure:"max_age_days"`
	Compress       bool   `mapstructure:"compress"`
}

type SupervisorConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	GracePeriod     time.Duration `mapstructure:"grace_period"`
	SettlePeriod    time.Duration `mapstructure:"settle_period"`
	InstallAttempts int           `mapstructure:"install_attempts"`
	InstallBackoff  time.Duration `mapstructure:"install_backoff"`
}

type DependencyConfig struct {
	Skip   bool     `mapstructure:"skip"`
	Linux  []string `mapstructure:"linux"`
	Darwin []string `mapstructure:"darwin"`
}

type ContextConfig struct {
	SessionName  string `mapstructure:"session_name"`
	WindowMarker string `mapstructure:"window_marker"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// HistoryConfig selects the lifecycle event sink. Empty DSN disables it.
type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

// NewViper returns a viper instance with defaults and NODEKEEPER_* env binding.
func NewViper(home string) *viper.Viper {
	v := viper.New()
	SetDefaults(v, home)
	v.SetEnvPrefix("NODEKEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers every known key so that env overrides and
// Unmarshal see the full tree even without a config file.
func SetDefaults(v *viper.Viper, home string) {
	state := filepath.Join(home, DefaultStateDirName)
	v.SetDefault("home", home)
	v.SetDefault("state_dir", state)

	v.SetDefault("worker.binary", DefaultWorkerBinary)
	v.SetDefault("worker.args", []string{"start"})
	v.SetDefault("worker.patterns", []string{DefaultWorkerBinary, "nexus-cli"})
	v.SetDefault("worker.install_command", DefaultInstallCommand)
	v.SetDefault("worker.tag_repo", DefaultTagRepo)

	v.SetDefault("identity.file", filepath.Join(state, "node.json"))
	v.SetDefault("identity.env", DefaultIdentityEnv)
	v.SetDefault("identity.confirm_timeout", DefaultConfirmTimeout)

	v.SetDefault("log.file", filepath.Join(state, "worker.log"))
	v.SetDefault("log.max_bytes", int64(DefaultLogMaxBytes))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.supervisor_file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("log.compress", false)

	v.SetDefault("supervisor.poll_interval", DefaultPollInterval)
	v.SetDefault("supervisor.grace_period", DefaultGracePeriod)
	v.SetDefault("supervisor.settle_period", DefaultSettlePeriod)
	v.SetDefault("supervisor.install_attempts", DefaultInstallAttempts)
	v.SetDefault("supervisor.install_backoff", DefaultInstallBackoff)

	v.SetDefault("dependencies.skip", false)
	v.SetDefault("dependencies.linux", []string{
		"sudo apt-get update -y",
		"sudo apt-get install -y build-essential pkg-config libssl-dev git protobuf-compiler tmux curl",
	})
	v.SetDefault("dependencies.darwin", []string{
		"brew install protobuf git",
	})

	v.SetDefault("context.session_name", DefaultSessionName)
	v.SetDefault("context.window_marker", DefaultWindowMarker)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("history.dsn", "")
}

// DefaultConfigPath returns ~/.nodekeeper/config.toml.
func DefaultConfigPath(home string) string {
	return filepath.Join(home, DefaultStateDirName, DefaultConfigFileName)
}

// Load reads an optional TOML file into v and unmarshals the merged tree.
// An explicit path that does not exist is an error; the default path is
// silently skipped when absent.
func Load(v *viper.Viper, path string) (Settings, error) {
	home := v.GetString("home")
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath(home)
	}
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(filepath.Clean(path))
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if explicit {
		return Settings{}, fmt.Errorf("config file %s: %w", path, err)
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode config: %w", err)
	}
	s.GOOS = runtime.GOOS
	s.expandPaths()
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s *Settings) expandPaths() {
	s.StateDir = ExpandHome(s.StateDir, s.HomeDir)
	s.Identity.File = ExpandHome(s.Identity.File, s.HomeDir)
	s.Log.File = ExpandHome(s.Log.File, s.HomeDir)
	s.Log.SupervisorFile = ExpandHome(s.Log.SupervisorFile, s.HomeDir)
}

// ExpandHome replaces a leading "~/" with home.
func ExpandHome(p, home string) string {
	if p == "~" {
		return home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, p[2:])
	}
	return p
}

// Validate rejects settings the supervisor cannot run with.
func (s Settings) Validate() error {
	var errs []error
	if strings.TrimSpace(s.Worker.Binary) == "" {
		errs = append(errs, errors.New("worker.binary is required"))
	}
	if len(s.Worker.Patterns) == 0 {
		errs = append(errs, errors.New("worker.patterns must list at least one executable name"))
	}
	if s.Identity.File == "" {
		errs = append(errs, errors.New("identity.file is required"))
	}
	if s.Log.File == "" {
		errs = append(errs, errors.New("log.file is required"))
	}
	if s.Log.MaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("log.max_bytes must be positive, got %d", s.Log.MaxBytes))
	}
	if s.Supervisor.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("supervisor.poll_interval must be positive, got %s", s.Supervisor.PollInterval))
	}
	if s.Supervisor.GracePeriod < 0 || s.Supervisor.SettlePeriod < 0 || s.Supervisor.InstallBackoff < 0 {
		errs = append(errs, errors.New("supervisor durations cannot be negative"))
	}
	if s.Supervisor.InstallAttempts < 1 {
		errs = append(errs, fmt.Errorf("supervisor.install_attempts must be at least 1, got %d", s.Supervisor.InstallAttempts))
	}
	if s.Context.SessionName == "" || strings.ContainsAny(s.Context.SessionName, ":. \t") {
		errs = append(errs, fmt.Errorf("context.session_name %q is invalid", s.Context.SessionName))
	}
	return errors.Join(errs...)
}

// DependencyCommands returns the install commands for goos.
func (s Settings) DependencyCommands(goos string) []string {
	if s.Dependencies.Skip {
		return nil
	}
	switch goos {
	case "linux":
		return s.Dependencies.Linux
	case "darwin":
		return s.Dependencies.Darwin
	default:
		return nil
	}
}
