package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// DirName is the data directory under $HOME.
	DirName = ".ttydeck"
	// FileName is the user config file inside the data directory.
	FileName = "config.toml"
	// HomeEnv overrides the data directory.
	HomeEnv = "TTYDECK_HOME"
	// ClaudeConfigDirEnv overrides the Claude config directory.
	ClaudeConfigDirEnv = "CLAUDE_CONFIG_DIR"
)

// UserConfig is the root of config.toml.
type UserConfig struct {
	Engine   EngineSettings   `toml:"engine"`
	Ports    PortSettings     `toml:"ports"`
	Server   ServerSettings   `toml:"server"`
	Claude   ClaudeSettings   `toml:"claude"`
	Identify IdentifySettings `toml:"identify"`
	Registry RegistrySettings `toml:"registry"`
	Logs     LogSettings      `toml:"logs"`
}

// EngineSettings controls the background status loop.
type EngineSettings struct {
	// PollIntervalMS is the status cache poll interval. Default: 3000
	PollIntervalMS int `toml:"poll_interval_ms"`

	// AuditEvery runs a deep health audit every Nth poll. Default: 10
	AuditEvery int `toml:"audit_every"`

	// DataDir holds the registry, locks and logs. Default: ~/.ttydeck
	DataDir string `toml:"data_dir"`
}

// PortSettings is the inclusive port range handed to terminal servers.
type PortSettings struct {
	Min int `toml:"min"`
	Max int `toml:"max"`
}

// ServerSettings describes how terminal servers are spawned and verified.
type ServerSettings struct {
	// Binary is the terminal server executable. Empty means this binary in
	// termserve mode; "ttyd" is also understood.
	Binary string `toml:"binary"`

	// Names are executable basenames recognised as terminal servers in the
	// process table. Default: ["ttyd", "ttydeck"]
	Names []string `toml:"names"`

	BindTimeoutMS   int `toml:"bind_timeout_ms"`
	HealthTimeoutMS int `toml:"health_timeout_ms"`
	StartWaitMS     int `toml:"start_wait_ms"`
	StopGraceMS     int `toml:"stop_grace_ms"`

	// ContentMinChars is how many visible characters a multiplexed pane
	// must render before it counts as healthy. Default: 20
	ContentMinChars int `toml:"content_min_chars"`

	// TmuxPrefix names tmux sessions created for multiplexed servers.
	TmuxPrefix string `toml:"tmux_prefix"`
}

// ClaudeSettings locates conversation logs and candidate processes.
type ClaudeSettings struct {
	// Binary is the executable basename treated as a conversation process.
	Binary string `toml:"binary"`

	// ConfigDir is the Claude config dir (projects/ lives under it).
	ConfigDir string `toml:"config_dir"`

	// Exclude lists command-line substrings of wrapper shims and restart loops.
	Exclude []string `toml:"exclude"`

	// WrapperLog is the JSONL file written by the launch wrapper.
	WrapperLog string `toml:"wrapper_log"`

	// ProximityWindowSecs bounds the time-proximity fallback. Default: 60
	ProximityWindowSecs int `toml:"proximity_window_secs"`
}

// IdentifySettings tunes the screen-to-log matcher.
type IdentifySettings struct {
	ContentWeight  float64 `toml:"content_weight"`
	CoverageWeight float64 `toml:"coverage_weight"`
	BirthWeight    float64 `toml:"birth_weight"`
	CompositeFloor float64 `toml:"composite_floor"`
	ContentFloor   float64 `toml:"content_floor"`

	CooldownSecs   int `toml:"cooldown_secs"`
	NGramSize      int `toml:"ngram_size"`
	MaxNGrams      int `toml:"max_ngrams"`
	RecentLines    int `toml:"recent_lines"`
	TopCandidates  int `toml:"top_candidates"`
	MinChunkChars  int `toml:"min_chunk_chars"`
	MinCachedChars int `toml:"min_cached_chars"`

	// ModifiedWindowHours admits logs modified this recently. Default: 24
	ModifiedWindowHours int `toml:"modified_window_hours"`
	// BirthWindowMinutes admits logs created this close to process start. Default: 120
	BirthWindowMinutes int `toml:"birth_window_minutes"`

	// CapturesPerMinute limits fresh pane captures across all pids. Default: 30
	CapturesPerMinute int `toml:"captures_per_minute"`
}

// RegistrySettings selects the instance registry backend.
type RegistrySettings struct {
	// Backend is "json" (default) or "sqlite".
	Backend string `toml:"backend"`

	// MaxRecords caps persisted records. Default: 200
	MaxRecords int `toml:"max_records"`
}

// LogSettings mirrors logging.Config.
type LogSettings struct {
	Level              string `toml:"level"`
	Format             string `toml:"format"`
	MaxSizeMB          int    `toml:"max_size_mb"`
	MaxBackups         int    `toml:"max_backups"`
	RetentionDays      int    `toml:"retention_days"`
	Compress           bool   `toml:"compress"`
	RingBufferMB       int    `toml:"ring_buffer_mb"`
	AggregateIntervalS int    `toml:"aggregate_interval_secs"`
	PprofEnabled       bool   `toml:"pprof_enabled"`
}

// Dir returns the data directory, honouring TTYDECK_HOME.
func Dir() (string, error) {
	if env := strings.TrimSpace(os.Getenv(HomeEnv)); env != "" {
		return ExpandTilde(env), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, DirName), nil
}

// Path returns the config file path.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Load reads the config file at path. A missing file yields an empty config
// whose getters return defaults.
func Load(path string) (*UserConfig, error) {
	var cfg UserConfig
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return &UserConfig{}, fmt.Errorf("config.toml parse error: %w", err)
	}
	return &cfg, nil
}

// LoadDefault loads the config from Path().
func LoadDefault() (*UserConfig, error) {
	path, err := Path()
	if err != nil {
		return &UserConfig{}, err
	}
	return Load(path)
}

// Save writes cfg to path atomically: temp file, fsync, rename.
func Save(path string, cfg *UserConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# ttydeck configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	_ = syncFile(tmpPath)
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename config: %w", err)
	}
	return nil
}

func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// ExpandTilde expands a leading "~/" to the home directory.
func ExpandTilde(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	return path
}

func ms(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Millisecond
}

// GetEngineSettings returns engine settings with defaults applied.
func (c *UserConfig) GetEngineSettings() EngineSettings {
	s := c.Engine
	if s.PollIntervalMS <= 0 {
		s.PollIntervalMS = 3000
	}
	if s.AuditEvery <= 0 {
		s.AuditEvery = 10
	}
	if s.DataDir == "" {
		if dir, err := Dir(); err == nil {
			s.DataDir = dir
		}
	} else {
		s.DataDir = ExpandTilde(s.DataDir)
	}
	return s
}

// PollInterval returns the status cache interval.
func (s EngineSettings) PollInterval() time.Duration { return ms(s.PollIntervalMS, 3000) }

// GetPortSettings returns the port range with defaults applied.
func (c *UserConfig) GetPortSettings() PortSettings {
	s := c.Ports
	if s.Min <= 0 {
		s.Min = 7681
	}
	if s.Max < s.Min {
		s.Max = s.Min + 99
	}
	return s
}

// GetServerSettings returns terminal server settings with defaults applied.
func (c *UserConfig) GetServerSettings() ServerSettings {
	s := c.Server
	if len(s.Names) == 0 {
		s.Names = []string{"ttyd", "ttydeck"}
	}
	if s.ContentMinChars <= 0 {
		s.ContentMinChars = 20
	}
	if s.TmuxPrefix == "" {
		s.TmuxPrefix = "ttydeck_"
	}
	return s
}

// BindTimeout is how long to wait for the spawned server to bind its port.
func (s ServerSettings) BindTimeout() time.Duration { return ms(s.BindTimeoutMS, 5000) }

// HealthTimeout bounds the post-bind health check.
func (s ServerSettings) HealthTimeout() time.Duration { return ms(s.HealthTimeoutMS, 15000) }

// StartWait is how long a concurrent start waits for the first caller.
func (s ServerSettings) StartWait() time.Duration { return ms(s.StartWaitMS, 3000) }

// StopGrace is the SIGTERM to SIGKILL escalation delay.
func (s ServerSettings) StopGrace() time.Duration { return ms(s.StopGraceMS, 1000) }

// GetClaudeSettings returns Claude settings with defaults applied.
// CLAUDE_CONFIG_DIR wins over the config file.
func (c *UserConfig) GetClaudeSettings() ClaudeSettings {
	s := c.Claude
	if s.Binary == "" {
		s.Binary = "claude"
	}
	if env := os.Getenv(ClaudeConfigDirEnv); env != "" {
		s.ConfigDir = ExpandTilde(env)
	} else if s.ConfigDir != "" {
		s.ConfigDir = ExpandTilde(s.ConfigDir)
	} else if home, err := os.UserHomeDir(); err == nil {
		s.ConfigDir = filepath.Join(home, ".claude")
	}
	if len(s.Exclude) == 0 {
		s.Exclude = []string{"claude-wrapper", "claude-restart-loop"}
	}
	if s.WrapperLog == "" {
		if dir, err := Dir(); err == nil {
			s.WrapperLog = filepath.Join(dir, "wrapper.log")
		}
	} else {
		s.WrapperLog = ExpandTilde(s.WrapperLog)
	}
	if s.ProximityWindowSecs <= 0 {
		s.ProximityWindowSecs = 60
	}
	return s
}

// GetIdentifySettings returns matcher settings with defaults applied.
func (c *UserConfig) GetIdentifySettings() IdentifySettings {
	s := c.Identify
	if s.ContentWeight == 0 && s.CoverageWeight == 0 && s.BirthWeight == 0 {
		s.ContentWeight, s.CoverageWeight, s.BirthWeight = 0.4, 0.3, 0.3
	}
	if s.CompositeFloor <= 0 {
		s.CompositeFloor = 0.10
	}
	if s.ContentFloor <= 0 {
		s.ContentFloor = 0.08
	}
	if s.CooldownSecs <= 0 {
		s.CooldownSecs = 60
	}
	if s.NGramSize <= 0 {
		s.NGramSize = 4
	}
	if s.MaxNGrams <= 0 {
		s.MaxNGrams = 150
	}
	if s.RecentLines <= 0 {
		s.RecentLines = 200
	}
	if s.TopCandidates <= 0 {
		s.TopCandidates = 3
	}
	if s.MinChunkChars <= 0 {
		s.MinChunkChars = 20
	}
	if s.MinCachedChars <= 0 {
		s.MinCachedChars = 200
	}
	if s.ModifiedWindowHours <= 0 {
		s.ModifiedWindowHours = 24
	}
	if s.BirthWindowMinutes <= 0 {
		s.BirthWindowMinutes = 120
	}
	if s.CapturesPerMinute <= 0 {
		s.CapturesPerMinute = 30
	}
	return s
}

// GetRegistrySettings returns registry settings with defaults applied.
func (c *UserConfig) GetRegistrySettings() RegistrySettings {
	s := c.Registry
	switch s.Backend {
	case "json", "sqlite":
	default:
		s.Backend = "json"
	}
	if s.MaxRecords <= 0 {
		s.MaxRecords = 200
	}
	return s
}

// GetLogSettings returns logging settings with defaults applied.
func (c *UserConfig) GetLogSettings() LogSettings {
	s := c.Logs
	if s.Level == "" {
		s.Level = "info"
	}
	if s.Format == "" {
		s.Format = "json"
	}
	if s.MaxSizeMB <= 0 {
		s.MaxSizeMB = 10
	}
	if s.MaxBackups <= 0 {
		s.MaxBackups = 5
	}
	if s.RetentionDays <= 0 {
		s.RetentionDays = 10
	}
	if s.RingBufferMB <= 0 {
		s.RingBufferMB = 4
	}
	if s.AggregateIntervalS <= 0 {
		s.AggregateIntervalS = 30
	}
	return s
}
