package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Source describes one log input to tail.
type Source struct {
	Path string `yaml:"path"`
	// Kind selects the normalizer/classifier front end:
	// "syslog" (auth.log, kern.log, journald text), "access" (HTTP
	// access log), "error" (Apache error log).
	Kind string `yaml:"kind"`
}

// Config is the full daemon configuration.
type Config struct {
	Input struct {
		Sources       []Source `yaml:"sources"`
		EnableJournal bool     `yaml:"enable_journald"`
	} `yaml:"input"`

	Storage struct {
		Backend     string `yaml:"backend"` // "sqlite" or "postgres"
		SQLitePath  string `yaml:"sqlite_path"`
		PostgresDSN string `yaml:"postgres_dsn"`
	} `yaml:"storage"`

	Detection struct {
		DedupWindow     time.Duration `yaml:"dedup_window"`
		WhitelistFiles  []string      `yaml:"whitelist_files"`
		BlacklistFiles  []string      `yaml:"blacklist_files"`
		ExternalFeeds   []string      `yaml:"external_feeds"`
		MasterBlacklist string        `yaml:"master_blacklist"`
		ReloadCheckMod  int           `yaml:"reload_check_every"` // lookups between mtime checks
	} `yaml:"detection"`

	Ban struct {
		DefaultDuration   time.Duration `yaml:"default_duration"`
		ActivityRetention time.Duration `yaml:"activity_retention"`
		ReaperInterval    time.Duration `yaml:"reaper_interval"`
	} `yaml:"ban"`

	Queue struct {
		Workers int `yaml:"workers"`
		Depth   int `yaml:"depth"`
	} `yaml:"queue"`

	Report struct {
		Enabled       bool          `yaml:"enabled"`
		URL           string        `yaml:"url"`
		APIKey        string        `yaml:"api_key"`
		Timeout       time.Duration `yaml:"timeout"`
		RatePerMinute int           `yaml:"rate_per_minute"`
	} `yaml:"report"`

	Firewall struct {
		Mode           string `yaml:"mode"` // "exec" or "socket"
		ExecutorSocket string `yaml:"executor_socket"`
	} `yaml:"firewall"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Listen  string `yaml:"listen"`
	} `yaml:"metrics"`

	Output struct {
		AuditLogPath       string        `yaml:"audit_log_path"`
		CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	} `yaml:"output"`
}

// Load reads the configuration from the given path, applies defaults
// and validates required fields. Validation failures are fatal to the
// caller by contract: nothing else in the process starts without a
// usable config.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "sqlite"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "fail3band.db"
	}
	if cfg.Detection.DedupWindow <= 0 {
		cfg.Detection.DedupWindow = 15 * time.Minute
	}
	if cfg.Detection.ReloadCheckMod <= 0 {
		cfg.Detection.ReloadCheckMod = 100
	}
	if cfg.Detection.MasterBlacklist == "" {
		cfg.Detection.MasterBlacklist = "master-blacklist.ctl"
	}
	if cfg.Ban.DefaultDuration <= 0 {
		cfg.Ban.DefaultDuration = 24 * time.Hour
	}
	if cfg.Ban.ActivityRetention <= 0 {
		cfg.Ban.ActivityRetention = 30 * 24 * time.Hour
	}
	if cfg.Ban.ReaperInterval <= 0 {
		cfg.Ban.ReaperInterval = time.Minute
	}
	if cfg.Queue.Workers <= 0 {
		cfg.Queue.Workers = 4
	}
	if cfg.Queue.Depth <= 0 {
		cfg.Queue.Depth = 256
	}
	if cfg.Report.Timeout <= 0 {
		cfg.Report.Timeout = 10 * time.Second
	}
	if cfg.Report.RatePerMinute <= 0 {
		cfg.Report.RatePerMinute = 30
	}
	if cfg.Report.URL == "" {
		cfg.Report.URL = "https://api.abuseipdb.com/api/v2/report"
	}
	if cfg.Firewall.Mode == "" {
		cfg.Firewall.Mode = "exec"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
	if cfg.Output.AuditLogPath == "" {
		cfg.Output.AuditLogPath = "audit.log"
	}
	if cfg.Output.CheckpointInterval <= 0 {
		cfg.Output.CheckpointInterval = 15 * time.Second
	}
}

func validate(cfg *Config) error {
	if len(cfg.Input.Sources) == 0 && !cfg.Input.EnableJournal {
		return fmt.Errorf("config: no input sources and journald disabled")
	}
	for i, s := range cfg.Input.Sources {
		if s.Path == "" {
			return fmt.Errorf("config: input.sources[%d] missing path", i)
		}
		switch s.Kind {
		case "syslog", "access", "error":
		case "":
			cfg.Input.Sources[i].Kind = "syslog"
		default:
			return fmt.Errorf("config: input.sources[%d] has unknown kind %q", i, s.Kind)
		}
	}
	switch cfg.Storage.Backend {
	case "sqlite":
	case "postgres":
		if cfg.Storage.PostgresDSN == "" {
			return fmt.Errorf("config: storage.backend is postgres but postgres_dsn is empty")
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", cfg.Storage.Backend)
	}
	if cfg.Report.Enabled && cfg.Report.APIKey == "" {
		return fmt.Errorf("config: report.enabled requires report.api_key")
	}
	if cfg.Firewall.Mode == "socket" && cfg.Firewall.ExecutorSocket == "" {
		return fmt.Errorf("config: firewall.mode is socket but executor_socket is empty")
	}
	return nil
}
