// Package config loads gateway settings from a YAML file with environment
// variable overrides.
//
// Global settings live at the top level; per-CDN-environment overrides live
// under sections keyed "env.<name>". Cron rules for scheduled actors live
// under keys named "cron_<actor>".
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Environment is one CDN environment block: it selects the object-store
// bucket, the external metadata tables, the AWS profile and the purge
// credentials used for requests scoped to that environment.
type Environment struct {
	Name        string
	Bucket      string   `mapstructure:"bucket"`
	Table       string   `mapstructure:"table"`
	ConfigTable string   `mapstructure:"config_table"`
	AWSProfile  string   `mapstructure:"aws_profile"`
	CDNURL      string   `mapstructure:"cdn_url"`

	CacheFlushURLs         []string `mapstructure:"cache_flush_urls"`
	CacheFlushARLTemplates []string `mapstructure:"cache_flush_arl_templates"`

	FastpurgeEnabled     bool   `mapstructure:"fastpurge_enabled"`
	FastpurgeHost        string `mapstructure:"fastpurge_host"`
	FastpurgeClientToken string `mapstructure:"fastpurge_client_token"`
	FastpurgeClientSec   string `mapstructure:"fastpurge_client_secret"`
	FastpurgeAccessToken string `mapstructure:"fastpurge_access_token"`
}

// Settings is the full parsed configuration for one process.
type Settings struct {
	DBURL    string `mapstructure:"db_url"`
	HTTPAddr string `mapstructure:"http_addr"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	NotifyChannel string `mapstructure:"notify_channel"`

	BatchSize     int `mapstructure:"batch_size"`
	MaxTries      int `mapstructure:"max_tries"`
	WorkerThreads int `mapstructure:"worker_threads"`
	Prefetch      int `mapstructure:"prefetch"`
	S3PoolSize    int `mapstructure:"s3_pool_size"`

	WorkerKeepaliveInterval time.Duration `mapstructure:"worker_keepalive_interval"`
	WorkerKeepaliveTimeout  time.Duration `mapstructure:"worker_keepalive_timeout"`

	// Hour-denominated horizons.
	TaskDeadlineHours   int `mapstructure:"task_deadline"`
	PublishTimeoutHours int `mapstructure:"publish_timeout"`
	HistoryTimeoutHours int `mapstructure:"history_timeout"`

	// Minute-denominated scheduler knobs.
	SchedulerIntervalMin int `mapstructure:"scheduler_interval"`
	SchedulerDelayMin    int `mapstructure:"scheduler_delay"`
	ConfigCacheTTLMin    int `mapstructure:"config_cache_ttl"`

	MaxRetries   int           `mapstructure:"max_retries"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
	TimeLimit    time.Duration `mapstructure:"time_limit"`
	TaskDeadline time.Duration `mapstructure:"-"`

	AutoindexFilename string   `mapstructure:"autoindex_filename"`
	EntryPointFiles   []string `mapstructure:"entry_point_files"`

	CDNSignatureTimeout time.Duration `mapstructure:"cdn_signature_timeout"`
	CDNMaxExpireDays    int           `mapstructure:"cdn_max_expire_days"`
	CDNListingFlush     bool          `mapstructure:"cdn_listing_flush"`

	CallContextHeader string `mapstructure:"call_context_header"`

	cronRules    map[string]string
	environments map[string]*Environment
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("notify_channel", "pubgate_messages")
	v.SetDefault("batch_size", 25)
	v.SetDefault("max_tries", 20)
	v.SetDefault("worker_threads", 4)
	v.SetDefault("prefetch", 1)
	v.SetDefault("s3_pool_size", 3)
	v.SetDefault("worker_keepalive_interval", "30s")
	v.SetDefault("worker_keepalive_timeout", "120s")
	v.SetDefault("task_deadline", 2)
	v.SetDefault("publish_timeout", 24)
	v.SetDefault("history_timeout", 24*14)
	v.SetDefault("scheduler_interval", 15)
	v.SetDefault("scheduler_delay", 5)
	v.SetDefault("config_cache_ttl", 2)
	v.SetDefault("max_retries", 4)
	v.SetDefault("max_backoff", "5m")
	v.SetDefault("time_limit", "30m")
	v.SetDefault("autoindex_filename", ".__exodus_autoindex")
	v.SetDefault("entry_point_files", []string{
		"repomd.xml",
		"repomd.xml.asc",
		"PULP_MANIFEST",
	})
	v.SetDefault("cdn_signature_timeout", "30m")
	v.SetDefault("cdn_max_expire_days", 365)
	v.SetDefault("cdn_listing_flush", true)
	v.SetDefault("call_context_header", "X-RhApiPlatform-CallContext")
	v.SetDefault("cron_janitor", "0 * * * *")
}

// Load reads settings from the given file path. An empty path loads
// defaults plus environment variable overrides only.
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("PUBGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	s.TaskDeadline = time.Duration(s.TaskDeadlineHours) * time.Hour

	s.cronRules = map[string]string{}
	s.environments = map[string]*Environment{}
	for _, key := range v.AllKeys() {
		if name, ok := strings.CutPrefix(key, "cron_"); ok {
			s.cronRules[name] = v.GetString(key)
		}
		if rest, ok := strings.CutPrefix(key, "env."); ok {
			name, _, found := strings.Cut(rest, ".")
			if !found || s.environments[name] != nil {
				continue
			}
			env := &Environment{Name: name, FastpurgeEnabled: true}
			if err := v.UnmarshalKey("env."+name, env); err != nil {
				return nil, fmt.Errorf("parse env.%s: %w", name, err)
			}
			s.environments[name] = env
		}
	}

	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Settings) validate() error {
	if s.BatchSize < 1 {
		return fmt.Errorf("batch_size must be positive")
	}
	if s.WorkerKeepaliveTimeout <= s.WorkerKeepaliveInterval {
		return fmt.Errorf("worker_keepalive_timeout must exceed worker_keepalive_interval")
	}
	for name, env := range s.environments {
		if env.Table == "" {
			return fmt.Errorf("env.%s: table is required", name)
		}
	}
	return nil
}

// Env returns the named environment block, or nil when undeclared.
func (s *Settings) Env(name string) *Environment {
	return s.environments[name]
}

// EnvNames returns the declared environment names.
func (s *Settings) EnvNames() []string {
	names := make([]string, 0, len(s.environments))
	for name := range s.environments {
		names = append(names, name)
	}
	return names
}

// CronRule returns the cron rule configured for a scheduled actor.
func (s *Settings) CronRule(actor string) (string, bool) {
	rule, ok := s.cronRules[actor]
	return rule, ok
}

// SetCronRule overrides a cron rule; used by tests.
func (s *Settings) SetCronRule(actor, rule string) {
	if s.cronRules == nil {
		s.cronRules = map[string]string{}
	}
	s.cronRules[actor] = rule
}

// AddEnv registers an environment block; used by tests.
func (s *Settings) AddEnv(env *Environment) {
	if s.environments == nil {
		s.environments = map[string]*Environment{}
	}
	s.environments[env.Name] = env
}

// SchedulerInterval is the delay between scheduler self-enqueues.
func (s *Settings) SchedulerInterval() time.Duration {
	return time.Duration(s.SchedulerIntervalMin) * time.Minute
}

// SchedulerDelay is the initial delay of scheduler messages at boot.
func (s *Settings) SchedulerDelay() time.Duration {
	return time.Duration(s.SchedulerDelayMin) * time.Minute
}

// ConfigCacheTTL is the delay before a config deployment's cache flush.
func (s *Settings) ConfigCacheTTL() time.Duration {
	return time.Duration(s.ConfigCacheTTLMin) * time.Minute
}

// PublishTimeout is the horizon past which non-terminal work is abandoned.
func (s *Settings) PublishTimeout() time.Duration {
	return time.Duration(s.PublishTimeoutHours) * time.Hour
}

// HistoryTimeout is the retention horizon for terminal objects.
func (s *Settings) HistoryTimeout() time.Duration {
	return time.Duration(s.HistoryTimeoutHours) * time.Hour
}
