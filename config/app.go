package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type AppConfig struct {
	Host       string `yaml:"host"`
	HTTPPort   int    `yaml:"http_port"`
	DBPath     string `yaml:"db_path"`
	JournalDir string `yaml:"journal_dir"`

	Upstream UpstreamConfig `yaml:"upstream"`
	Cache    CacheConfig    `yaml:"cache"`
	Limits   LimitsConfig   `yaml:"limits"`
	Throttle ThrottleConfig `yaml:"throttle"`
	Selector SelectorConfig `yaml:"selector"`
	Friends  FriendsConfig  `yaml:"friends"`
	HTTP     HTTPConfig     `yaml:"http"`

	// SaveMinInterval is the minimum spacing between durable state flushes.
	SaveMinInterval time.Duration `yaml:"save_min_interval"`
	// CleanupSchedule is a cron expression driving the cleanup sweep.
	CleanupSchedule string `yaml:"cleanup_schedule"`
	// UnverifiedTTL is how long an unverified account survives before the
	// sweep deletes it.
	UnverifiedTTL time.Duration `yaml:"unverified_ttl"`

	Forums       []string `yaml:"forums"`
	PostsPerPage int      `yaml:"posts_per_page"`
}

type UpstreamConfig struct {
	APIBase     string        `yaml:"api_base"`
	DesktopBase string        `yaml:"desktop_base"`
	Timeout     time.Duration `yaml:"timeout"`
}

type CacheConfig struct {
	ShortTTL time.Duration `yaml:"short_ttl"`
	LongTTL  time.Duration `yaml:"long_ttl"`
}

type RateWindow struct {
	Max   int           `yaml:"max"`
	Reset time.Duration `yaml:"reset"`
}

type LimitsConfig struct {
	AccountAction  RateWindow `yaml:"account_action"`
	UpstreamAccess RateWindow `yaml:"upstream_access"`
}

type ThrottleTarget struct {
	MinInterval time.Duration `yaml:"min_interval"`
	// Rate and Burst enable an additional token bucket when Rate > 0.
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

type ThrottleConfig struct {
	API     ThrottleTarget `yaml:"api"`
	Desktop ThrottleTarget `yaml:"desktop"`
}

type SelectorConfig struct {
	Max         int `yaml:"max"`
	SuccessStep int `yaml:"success_step"`
	FailureStep int `yaml:"failure_step"`
}

type FriendsConfig struct {
	UserIDs []int64 `yaml:"user_ids"`
	// FriendOnly restricts account creation to the IDs above.
	FriendOnly bool `yaml:"friend_only"`
	// NoCacheRequests makes friend reads skip the short cache unless the
	// request opts back in with ?cache=true.
	NoCacheRequests bool `yaml:"no_cache_requests"`
}

type HTTPConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// DefaultForums is the set of forum codes the upstream recognises.
var DefaultForums = []string{
	"ET", "CA", "FN", "GM", "HW", "IN", "SW", "MP", "AP",
	"SP", "LV", "SY", "ED", "BB", "PT", "TR", "CO", "AN", "TO", "MU", "VI",
	"DC", "ST", "WK", "TS", "RA", "MB", "AC", "JT", "EP", "BW",
}

func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		Host:       "0.0.0.0",
		HTTPPort:   8888,
		DBPath:     "./hkgpx.db",
		JournalDir: "./logs",
		Upstream: UpstreamConfig{
			APIBase:     "http://android-1-1.hkgolden.com",
			DesktopBase: "http://forum15.hkgolden.com",
			Timeout:     8 * time.Second,
		},
		Cache: CacheConfig{
			ShortTTL: 60 * time.Second,
			LongTTL:  3 * time.Hour,
		},
		Limits: LimitsConfig{
			AccountAction:  RateWindow{Max: 10, Reset: 180 * time.Second},
			UpstreamAccess: RateWindow{Max: 50, Reset: 300 * time.Second},
		},
		Throttle: ThrottleConfig{
			API:     ThrottleTarget{MinInterval: 1 * time.Second},
			Desktop: ThrottleTarget{MinInterval: 2 * time.Second},
		},
		Selector: SelectorConfig{
			Max:         25,
			SuccessStep: 1,
			FailureStep: 2,
		},
		Friends: FriendsConfig{
			NoCacheRequests: true,
		},
		HTTP: HTTPConfig{
			RPS:   10,
			Burst: 20,
		},
		SaveMinInterval: 5 * time.Second,
		CleanupSchedule: "*/10 * * * *",
		UnverifiedTTL:   10 * time.Minute,
		Forums:          DefaultForums,
		PostsPerPage:    25,
	}
}

func LoadAppConfig(path string) (*AppConfig, error) {
	cfg := DefaultAppConfig()

	// Load .env file if it exists (silently ignore if not found)
	if envPath := findEnvFile(path); envPath != "" {
		_ = godotenv.Load(envPath)
	}

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // Config file path from CLI flag
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		expanded := os.Expand(string(data), func(key string) string {
			return os.Getenv(key)
		})

		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations that would break component invariants.
func (c *AppConfig) Validate() error {
	if c.PostsPerPage <= 0 {
		return fmt.Errorf("posts_per_page must be greater than 0")
	}
	if c.Selector.Max <= 0 {
		return fmt.Errorf("selector.max must be greater than 0")
	}
	if c.Selector.SuccessStep <= 0 || c.Selector.FailureStep <= 0 {
		return fmt.Errorf("selector step sizes must be greater than 0")
	}
	if c.Cache.ShortTTL <= 0 || c.Cache.LongTTL <= 0 {
		return fmt.Errorf("cache TTLs must be greater than 0")
	}
	if c.Limits.AccountAction.Max <= 0 || c.Limits.UpstreamAccess.Max <= 0 {
		return fmt.Errorf("rate limit maximums must be greater than 0")
	}
	if len(c.Forums) == 0 {
		return fmt.Errorf("at least one forum code is required")
	}
	return nil
}

// findEnvFile looks for .env file in the config file's directory or current directory
func findEnvFile(configPath string) string {
	if configPath != "" {
		dir := filepath.Dir(configPath)
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	if _, err := os.Stat(".env"); err == nil {
		return ".env"
	}

	return ""
}

func applyEnvOverrides(cfg *AppConfig) {
	if v := os.Getenv("HKGPX_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("HKGPX_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.HTTPPort = port
		}
	}
	if v := os.Getenv("HKGPX_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("HKGPX_JOURNAL_DIR"); v != "" {
		cfg.JournalDir = v
	}
	if v := os.Getenv("HKGPX_API_BASE"); v != "" {
		cfg.Upstream.APIBase = v
	}
	if v := os.Getenv("HKGPX_DESKTOP_BASE"); v != "" {
		cfg.Upstream.DesktopBase = v
	}
	if v := os.Getenv("HKGPX_UPSTREAM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Upstream.Timeout = d
		}
	}
	if v := os.Getenv("HKGPX_CLEANUP_SCHEDULE"); v != "" {
		cfg.CleanupSchedule = v
	}
}

// IsFriend reports whether the user ID belongs to the configured friend list.
func (c *AppConfig) IsFriend(userID int64) bool {
	for _, id := range c.Friends.UserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// ValidForum reports whether the forum code is recognised.
func (c *AppConfig) ValidForum(forum string) bool {
	for _, f := range c.Forums {
		if f == forum {
			return true
		}
	}
	return false
}
