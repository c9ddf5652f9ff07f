package config

import (
	"fmt"
	"os"
	"time"

	"github.com/growthops/devicefarm/pkg/utils"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration for a worker or orchestrator run. Secrets
// (API key, mailbox credentials) are only read from the environment;
// everything else can be overridden from a YAML file.
type Config struct {
	Airtable AirtableConfig `yaml:"airtable"`
	Agent    AgentConfig    `yaml:"agent"`
	Mailbox  MailboxConfig  `yaml:"mailbox"`
	VPN      VPNConfig      `yaml:"vpn"`
	Warmup   WarmupConfig   `yaml:"warmup"`

	// DataDir holds the local session-history database.
	DataDir string `yaml:"data_dir"`
}

type AirtableConfig struct {
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"-"`
	BaseID   string `yaml:"base_id"`
	TableID  string `yaml:"table_id"`
	MaxClaim int    `yaml:"max_claim_candidates"`
}

type AgentConfig struct {
	// DevicePort is the automation agent port on the device; the worker
	// forwards a local port to it over adb.
	DevicePort int      `yaml:"device_port"`
	Timeout    Duration `yaml:"timeout"`
}

type MailboxConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	Folders        []string `yaml:"folders"`
	SubjectMatch   string   `yaml:"subject_match"`
	SenderMatch    string   `yaml:"sender_match"`
	ScanLimit      int      `yaml:"scan_limit"`
	FetchAttempts  int      `yaml:"fetch_attempts"`
	FetchInterval  Duration `yaml:"fetch_interval"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
}

type VPNConfig struct {
	Enabled     bool     `yaml:"enabled"`
	PackageName string   `yaml:"package_name"`
	Timeout     Duration `yaml:"timeout"`
}

// Range is an inclusive [Lo, Hi] duration interval used for randomized pacing.
type Range struct {
	Lo Duration `yaml:"lo"`
	Hi Duration `yaml:"hi"`
}

func (r Range) Pick() time.Duration { return utils.DurationBetween(r.Lo.D(), r.Hi.D()) }

type WarmupConfig struct {
	Keywords []string `yaml:"keywords"`

	MaxScrolls     int      `yaml:"max_scrolls"`
	MaxRuntime     Duration `yaml:"max_runtime"`
	PercentToWatch float64  `yaml:"percent_to_watch"`

	LikeProbability        float64 `yaml:"like_probability"`
	CommentProbability     float64 `yaml:"comment_probability"`
	LikeCommentProbability float64 `yaml:"like_comment_probability"`

	WatchTime        Range  `yaml:"watch_time"`
	IdleDuration     Range  `yaml:"idle_duration"`
	IdleAfterActions [2]int `yaml:"idle_after_actions"`

	Delays map[string]Range `yaml:"delays"`
}

// Delay picks a randomized pause for the named pacing label, falling back to
// the "default" entry when the label is unknown.
func (w WarmupConfig) Delay(label string) time.Duration {
	if r, ok := w.Delays[label]; ok {
		return r.Pick()
	}
	if r, ok := w.Delays["default"]; ok {
		return r.Pick()
	}
	return time.Second
}

func dur(d time.Duration) Duration { return Duration(d) }

// Default returns the built-in configuration, matching the tuning the farm
// runs with in production.
func Default() *Config {
	return &Config{
		Airtable: AirtableConfig{
			BaseURL:  "https://api.airtable.com/v0",
			MaxClaim: 5,
		},
		Agent: AgentConfig{
			DevicePort: 7912,
			Timeout:    dur(15 * time.Second),
		},
		Mailbox: MailboxConfig{
			Port:           993,
			Folders:        []string{"INBOX", "Spam"},
			SubjectMatch:   "verify your account",
			SenderMatch:    "security@mail.instagram.com",
			ScanLimit:      20,
			FetchAttempts:  5,
			FetchInterval:  dur(15 * time.Second),
			ConnectTimeout: dur(30 * time.Second),
		},
		VPN: VPNConfig{
			PackageName: "com.nordvpn.android",
			Timeout:     dur(5 * time.Minute),
		},
		Warmup: WarmupConfig{
			Keywords: []string{
				"travel photography", "street food", "fitness journey",
				"home workout", "nature hiking", "city lifestyle",
			},
			MaxScrolls:             100,
			MaxRuntime:             dur(8 * time.Minute),
			PercentToWatch:         0.8,
			LikeProbability:        0.7,
			CommentProbability:     0.25,
			LikeCommentProbability: 0.3,
			WatchTime:              Range{Lo: dur(4 * time.Second), Hi: dur(9 * time.Second)},
			IdleDuration:           Range{Lo: dur(2 * time.Second), Hi: dur(6 * time.Second)},
			IdleAfterActions:       [2]int{3, 6},
			Delays: map[string]Range{
				"after_like":      {Lo: dur(1800 * time.Millisecond), Hi: dur(2300 * time.Millisecond)},
				"between_scrolls": {Lo: dur(2 * time.Second), Hi: dur(3 * time.Second)},
				"before_scroll":   {Lo: dur(1500 * time.Millisecond), Hi: dur(2200 * time.Millisecond)},
				"after_post_tap":  {Lo: dur(1 * time.Second), Hi: dur(1500 * time.Millisecond)},
				"after_comment":   {Lo: dur(1200 * time.Millisecond), Hi: dur(2 * time.Second)},
				"back_delay":      {Lo: dur(1500 * time.Millisecond), Hi: dur(2200 * time.Millisecond)},
				"default":         {Lo: dur(1 * time.Second), Hi: dur(2 * time.Second)},
			},
		},
		DataDir: "data",
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment. A missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	// An empty keyword list would leave the browsing session nothing to
	// search for; catch it here rather than mid-run.
	if len(cfg.Warmup.Keywords) == 0 {
		return nil, fmt.Errorf("warmup.keywords must not be empty")
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Airtable.APIKey = utils.Env("AIRTABLE_API_KEY", c.Airtable.APIKey)
	c.Airtable.BaseID = utils.Env("AIRTABLE_BASE_ID", c.Airtable.BaseID)
	c.Airtable.TableID = utils.Env("AIRTABLE_ACCOUNTS_TABLE_ID", c.Airtable.TableID)
	c.Airtable.BaseURL = utils.Env("AIRTABLE_BASE_URL", c.Airtable.BaseURL)

	c.Mailbox.Host = utils.Env("IMAP_HOST", c.Mailbox.Host)
	c.Mailbox.Port = utils.EnvInt("IMAP_PORT", c.Mailbox.Port)

	c.Warmup.MaxRuntime = Duration(utils.EnvDuration("WARMUP_MAX_RUNTIME", c.Warmup.MaxRuntime.D()))
	c.DataDir = utils.Env("DATA_DIR", c.DataDir)
}

// ValidateForWorker checks the settings a worker cannot run without.
func (c *Config) ValidateForWorker() error {
	if c.Airtable.APIKey == "" {
		return fmt.Errorf("AIRTABLE_API_KEY is required")
	}
	if c.Airtable.BaseID == "" {
		return fmt.Errorf("AIRTABLE_BASE_ID is required")
	}
	if c.Airtable.TableID == "" {
		return fmt.Errorf("AIRTABLE_ACCOUNTS_TABLE_ID is required")
	}
	return nil
}
