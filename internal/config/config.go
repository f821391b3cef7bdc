// Package config loads and validates scout configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/JakeFAU/scout/internal/crawler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server          ServerConfig                `mapstructure:"server"`
	Logging         LoggingConfig               `mapstructure:"logging"`
	Telemetry       TelemetryConfig             `mapstructure:"telemetry"`
	Discovery       DiscoveryConfig             `mapstructure:"discovery"`
	Relevance       RelevanceConfig             `mapstructure:"relevance"`
	Spider          SpiderConfig                `mapstructure:"spider"`
	Classifier      ClassifierConfig            `mapstructure:"classifier"`
	Strategy        StrategyConfig              `mapstructure:"strategy"`
	Scheduler       SchedulerConfig             `mapstructure:"scheduler"`
	Fetch           FetchConfig                 `mapstructure:"fetch"`
	Capabilities    map[string]CapabilityConfig `mapstructure:"capabilities"`
	CapabilityChain map[string][]string         `mapstructure:"capability_chain"`
	CredentialPool  CredentialPoolConfig        `mapstructure:"credential_pool"`
	Credentials     []CredentialConfig          `mapstructure:"credentials"`
	RateLimit       RateLimitConfig             `mapstructure:"rate_limit"`
	Dedup           DedupConfig                 `mapstructure:"dedup"`
	JobStore        JobStoreConfig              `mapstructure:"jobstore"`
	Sink            SinkConfig                  `mapstructure:"sink"`
	Notify          NotifyConfig                `mapstructure:"notify"`
	Graph           GraphConfig                 `mapstructure:"graph"`
	Frontier        FrontierConfig              `mapstructure:"frontier"`
	Shutdown        ShutdownConfig              `mapstructure:"shutdown"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	// APIKey, when set, is required on every /v1 route.
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Tracing     bool   `mapstructure:"tracing"`
}

// DiscoveryConfig controls the search aggregator and its sources.
type DiscoveryConfig struct {
	MaxResults         int           `mapstructure:"max_results"`
	SourceTimeout      time.Duration `mapstructure:"source_timeout"`
	Sources            []string      `mapstructure:"sources"`
	Seeds              []string      `mapstructure:"seeds"`
	SerperAPIKey       string        `mapstructure:"serper_api_key"`
	SerperEndpoint     string        `mapstructure:"serper_endpoint"`
	BingAPIKey         string        `mapstructure:"bing_api_key"`
	BingEndpoint       string        `mapstructure:"bing_endpoint"`
	BraveAPIKey        string        `mapstructure:"brave_api_key"`
	BraveEndpoint      string        `mapstructure:"brave_endpoint"`
	DuckDuckGoEndpoint string        `mapstructure:"duckduckgo_endpoint"`
}

// RelevanceConfig controls scoring and the frontier admission gate.
type RelevanceConfig struct {
	Threshold     int           `mapstructure:"threshold"`
	BatchSize     int           `mapstructure:"batch_size"`
	Oracle        string        `mapstructure:"oracle"`
	OracleTimeout time.Duration `mapstructure:"oracle_timeout"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	CacheSize     int           `mapstructure:"cache_size"`
	OllamaHost    string        `mapstructure:"ollama_host"`
	OllamaModel   string        `mapstructure:"ollama_model"`
}

// SpiderConfig bounds link-graph expansion.
type SpiderConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	MaxDepth        int           `mapstructure:"max_depth"`
	MaxTotalURLs    int           `mapstructure:"max_total_urls"`
	MaxFanout       int           `mapstructure:"max_fanout"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	LinkConcurrency int           `mapstructure:"link_concurrency"`
}

// ClassifierConfig controls protection probing.
type ClassifierConfig struct {
	TTL              time.Duration `mapstructure:"ttl"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	ErrorTTL         time.Duration `mapstructure:"error_ttl"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

// StrategyConfig tunes the per-domain success tracker.
type StrategyConfig struct {
	EMAAlpha float64 `mapstructure:"ema_alpha"`
}

// SchedulerConfig controls retry, backoff, and escalation.
type SchedulerConfig struct {
	MaxAttempts           int           `mapstructure:"max_attempts"`
	BackoffBase           time.Duration `mapstructure:"backoff_base"`
	BackoffCap            time.Duration `mapstructure:"backoff_cap"`
	RetryPenalty          int           `mapstructure:"retry_penalty"`
	FailuresPerCapability int           `mapstructure:"failures_per_capability"`
	PollInterval          time.Duration `mapstructure:"poll_interval"`
}

// FetchConfig holds settings shared by the retrieval capabilities.
type FetchConfig struct {
	UserAgent         string        `mapstructure:"user_agent"`
	RespectRobots     bool          `mapstructure:"respect_robots"`
	Headless          bool          `mapstructure:"headless"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	CaptchaEndpoint   string        `mapstructure:"captcha_endpoint"`
}

// CapabilityConfig overrides the resource profile of one capability.
type CapabilityConfig struct {
	Concurrency        int           `mapstructure:"concurrency"`
	Cost               int           `mapstructure:"cost"`
	Timeout            time.Duration `mapstructure:"timeout"`
	CredentialService  string        `mapstructure:"credential_service"`
	CredentialRequired bool          `mapstructure:"credential_required"`
}

// CredentialPoolConfig tunes health transitions.
type CredentialPoolConfig struct {
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// CredentialConfig declares one externally issued credential or proxy.
type CredentialConfig struct {
	ID         string        `mapstructure:"id"`
	Service    string        `mapstructure:"service"`
	Secret     string        `mapstructure:"secret"`
	ProxyURL   string        `mapstructure:"proxy_url"`
	QuotaLimit int64         `mapstructure:"quota_limit"`
	ResetEvery time.Duration `mapstructure:"reset_every"`
}

// RateLimitConfig caps per-domain and per-credential request rates.
type RateLimitConfig struct {
	DomainRPS       float64 `mapstructure:"domain_rps"`
	DomainBurst     int     `mapstructure:"domain_burst"`
	CredentialRPS   float64 `mapstructure:"credential_rps"`
	CredentialBurst int     `mapstructure:"credential_burst"`
}

// DedupConfig sizes the LRU and the optional shared Redis tier.
type DedupConfig struct {
	Capacity    int           `mapstructure:"capacity"`
	RedisAddr   string        `mapstructure:"redis_addr"`
	RedisTTL    time.Duration `mapstructure:"redis_ttl"`
	RedisPrefix string        `mapstructure:"redis_prefix"`
}

// JobStoreConfig selects the job persistence backend.
type JobStoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// SinkConfig selects where retrieved content is delivered.
type SinkConfig struct {
	Drivers []string `mapstructure:"drivers"`
	Dir     string   `mapstructure:"dir"`
	Bucket  string   `mapstructure:"bucket"`
	Prefix  string   `mapstructure:"prefix"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	DSN     string   `mapstructure:"dsn"`
	Table   string   `mapstructure:"table"`
}

// NotifyConfig holds Pub/Sub settings for dead-letter notifications.
type NotifyConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// GraphConfig holds Neo4j settings for recording the link graph.
type GraphConfig struct {
	URI      string `mapstructure:"uri"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// FrontierConfig controls candidate retention.
type FrontierConfig struct {
	Retention time.Duration `mapstructure:"retention"`
}

// ShutdownConfig controls the graceful drain.
type ShutdownConfig struct {
	Grace time.Duration `mapstructure:"grace"`
}

var (
	jobStoreDrivers = map[string]bool{"memory": true, "sqlite": true, "postgres": true}
	sinkDrivers     = map[string]bool{"memory": true, "local": true, "gcs": true, "kafka": true, "postgres": true}
	oracles         = map[string]bool{"heuristic": true, "ollama": true}
	sources         = map[string]bool{"static": true, "serper": true, "bing": true, "brave": true, "duckduckgo": true}
)

// Load builds a Config from disk/environment. An empty path falls back to
// scout/config.yaml in the XDG config directories, then to defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path == "" {
		if found, err := xdg.SearchConfigFile("scout/config.yaml"); err == nil {
			path = found
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "scout")
	v.SetDefault("telemetry.tracing", false)

	v.SetDefault("discovery.max_results", 50)
	v.SetDefault("discovery.source_timeout", 10*time.Second)
	v.SetDefault("discovery.sources", []string{"static"})
	v.SetDefault("discovery.serper_endpoint", "https://google.serper.dev/search")
	v.SetDefault("discovery.bing_endpoint", "https://api.bing.microsoft.com/v7.0/search")
	v.SetDefault("discovery.brave_endpoint", "https://api.search.brave.com/res/v1/web/search")
	v.SetDefault("discovery.duckduckgo_endpoint", "https://api.duckduckgo.com/")

	v.SetDefault("relevance.threshold", 70)
	v.SetDefault("relevance.batch_size", 10)
	v.SetDefault("relevance.oracle", "heuristic")
	v.SetDefault("relevance.oracle_timeout", 20*time.Second)
	v.SetDefault("relevance.cache_ttl", time.Hour)
	v.SetDefault("relevance.cache_size", 4096)
	v.SetDefault("relevance.ollama_host", "http://localhost:11434")
	v.SetDefault("relevance.ollama_model", "llama3.2")

	v.SetDefault("spider.enabled", true)
	v.SetDefault("spider.max_depth", 2)
	v.SetDefault("spider.max_total_urls", 200)
	v.SetDefault("spider.max_fanout", 10)
	v.SetDefault("spider.fetch_timeout", 15*time.Second)
	v.SetDefault("spider.link_concurrency", 4)

	v.SetDefault("classifier.ttl", 6*time.Hour)
	v.SetDefault("classifier.probe_timeout", 10*time.Second)
	v.SetDefault("classifier.error_ttl", time.Minute)
	v.SetDefault("classifier.failure_threshold", 3)

	v.SetDefault("strategy.ema_alpha", 0.3)

	v.SetDefault("scheduler.max_attempts", 5)
	v.SetDefault("scheduler.backoff_base", time.Second)
	v.SetDefault("scheduler.backoff_cap", 5*time.Minute)
	v.SetDefault("scheduler.retry_penalty", 10)
	v.SetDefault("scheduler.failures_per_capability", 2)
	v.SetDefault("scheduler.poll_interval", 250*time.Millisecond)

	v.SetDefault("fetch.user_agent", "scout-bot/0.1")
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.headless", true)
	v.SetDefault("fetch.navigation_timeout", 45*time.Second)
	v.SetDefault("fetch.captcha_endpoint", "https://2captcha.com")

	for capability, spec := range crawler.DefaultCapabilitySpecs() {
		prefix := "capabilities." + string(capability) + "."
		v.SetDefault(prefix+"concurrency", spec.Concurrency)
		v.SetDefault(prefix+"cost", spec.Cost)
		v.SetDefault(prefix+"timeout", spec.Timeout)
		v.SetDefault(prefix+"credential_service", spec.CredentialService)
		v.SetDefault(prefix+"credential_required", spec.CredentialRequired)
	}
	for category, chain := range crawler.DefaultChainTable() {
		names := make([]string, 0, len(chain))
		for _, c := range chain {
			names = append(names, string(c))
		}
		v.SetDefault("capability_chain."+string(category), names)
	}

	v.SetDefault("credential_pool.cooldown", time.Minute)

	v.SetDefault("rate_limit.domain_rps", 1.0)
	v.SetDefault("rate_limit.domain_burst", 2)
	v.SetDefault("rate_limit.credential_rps", 5.0)
	v.SetDefault("rate_limit.credential_burst", 5)

	v.SetDefault("dedup.capacity", 100_000)
	v.SetDefault("dedup.redis_ttl", 24*time.Hour)
	v.SetDefault("dedup.redis_prefix", "scout:seen:")

	v.SetDefault("jobstore.driver", "memory")
	v.SetDefault("sink.drivers", []string{"memory"})
	v.SetDefault("sink.prefix", "pages")
	v.SetDefault("frontier.retention", time.Hour)
	v.SetDefault("shutdown.grace", 30*time.Second)
}

// Validate enforces required values and reasonable limits. Any error here is
// fatal at startup.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateScheduler(); err != nil {
		return err
	}
	if _, err := c.CapabilitySpecs(); err != nil {
		return err
	}
	if _, err := c.ChainTable(); err != nil {
		return err
	}
	if err := c.validateCredentials(); err != nil {
		return err
	}
	return c.validateBackends()
}

func (c Config) validatePipeline() error {
	if c.Discovery.MaxResults <= 0 {
		return fmt.Errorf("discovery.max_results must be > 0")
	}
	if c.Discovery.SourceTimeout <= 0 {
		return fmt.Errorf("discovery.source_timeout must be > 0")
	}
	for _, name := range c.Discovery.Sources {
		if !sources[name] {
			return fmt.Errorf("discovery.sources: unknown source %q", name)
		}
	}
	if c.Relevance.Threshold < 0 || c.Relevance.Threshold > 100 {
		return fmt.Errorf("relevance.threshold must be within 0..100")
	}
	if c.Relevance.BatchSize <= 0 {
		return fmt.Errorf("relevance.batch_size must be > 0")
	}
	if !oracles[c.Relevance.Oracle] {
		return fmt.Errorf("relevance.oracle: unknown oracle %q", c.Relevance.Oracle)
	}
	if c.Spider.MaxDepth < 0 {
		return fmt.Errorf("spider.max_depth must be >= 0")
	}
	if c.Spider.MaxTotalURLs <= 0 {
		return fmt.Errorf("spider.max_total_urls must be > 0")
	}
	if c.Spider.MaxFanout <= 0 {
		return fmt.Errorf("spider.max_fanout must be > 0")
	}
	if c.Classifier.TTL <= 0 {
		return fmt.Errorf("classifier.ttl must be > 0")
	}
	if c.Classifier.ProbeTimeout <= 0 {
		return fmt.Errorf("classifier.probe_timeout must be > 0")
	}
	if c.Strategy.EMAAlpha <= 0 || c.Strategy.EMAAlpha > 1 {
		return fmt.Errorf("strategy.ema_alpha must be within (0, 1]")
	}
	if c.Dedup.Capacity <= 0 {
		return fmt.Errorf("dedup.capacity must be > 0")
	}
	return nil
}

func (c Config) validateScheduler() error {
	s := c.Scheduler
	switch {
	case s.MaxAttempts <= 0:
		return fmt.Errorf("scheduler.max_attempts must be > 0")
	case s.BackoffBase <= 0:
		return fmt.Errorf("scheduler.backoff_base must be > 0")
	case s.BackoffCap < s.BackoffBase:
		return fmt.Errorf("scheduler.backoff_cap must be >= scheduler.backoff_base")
	case s.RetryPenalty < 0:
		return fmt.Errorf("scheduler.retry_penalty must be >= 0")
	case s.FailuresPerCapability <= 0:
		return fmt.Errorf("scheduler.failures_per_capability must be > 0")
	case c.Shutdown.Grace < 0:
		return fmt.Errorf("shutdown.grace must be >= 0")
	}
	return nil
}

func (c Config) validateCredentials() error {
	seen := make(map[string]struct{}, len(c.Credentials))
	for i, cred := range c.Credentials {
		if cred.ID == "" {
			return fmt.Errorf("credentials[%d].id is required", i)
		}
		if _, dup := seen[cred.ID]; dup {
			return fmt.Errorf("credentials[%d]: duplicate id %q", i, cred.ID)
		}
		seen[cred.ID] = struct{}{}
		if cred.Service == "" {
			return fmt.Errorf("credentials[%d].service is required", i)
		}
		if cred.QuotaLimit <= 0 {
			return fmt.Errorf("credentials[%d].quota_limit must be > 0", i)
		}
	}
	return nil
}

func (c Config) validateBackends() error {
	if !jobStoreDrivers[c.JobStore.Driver] {
		return fmt.Errorf("jobstore.driver: unknown driver %q", c.JobStore.Driver)
	}
	if c.JobStore.Driver != "memory" && c.JobStore.DSN == "" {
		return fmt.Errorf("jobstore.dsn is required for driver %q", c.JobStore.Driver)
	}
	for _, driver := range c.Sink.Drivers {
		if !sinkDrivers[driver] {
			return fmt.Errorf("sink.drivers: unknown driver %q", driver)
		}
		switch {
		case driver == "local" && c.Sink.Dir == "":
			return fmt.Errorf("sink.dir is required for the local sink")
		case driver == "gcs" && c.Sink.Bucket == "":
			return fmt.Errorf("sink.bucket is required for the gcs sink")
		case driver == "kafka" && (len(c.Sink.Brokers) == 0 || c.Sink.Topic == ""):
			return fmt.Errorf("sink.brokers and sink.topic are required for the kafka sink")
		case driver == "postgres" && c.Sink.DSN == "":
			return fmt.Errorf("sink.dsn is required for the postgres sink")
		}
	}
	return nil
}

// CapabilitySpecs merges configured overrides over the built-in profiles.
func (c Config) CapabilitySpecs() (map[crawler.Capability]crawler.CapabilitySpec, error) {
	specs := crawler.DefaultCapabilitySpecs()
	for name, override := range c.Capabilities {
		capability, err := crawler.ParseCapability(name)
		if err != nil {
			return nil, fmt.Errorf("capabilities: %w", err)
		}
		if override.Concurrency <= 0 {
			return nil, fmt.Errorf("capabilities.%s.concurrency must be > 0", name)
		}
		if override.Timeout <= 0 {
			return nil, fmt.Errorf("capabilities.%s.timeout must be > 0", name)
		}
		if override.CredentialRequired && override.CredentialService == "" {
			return nil, fmt.Errorf("capabilities.%s.credential_service is required when credentials are required", name)
		}
		specs[capability] = crawler.CapabilitySpec{
			Concurrency:        override.Concurrency,
			Cost:               override.Cost,
			Timeout:            override.Timeout,
			CredentialService:  override.CredentialService,
			CredentialRequired: override.CredentialRequired,
		}
	}
	return specs, nil
}

// ChainTable converts the capability_chain section into a validated table.
func (c Config) ChainTable() (crawler.ChainTable, error) {
	if len(c.CapabilityChain) == 0 {
		return crawler.DefaultChainTable(), nil
	}
	table := make(crawler.ChainTable, len(c.CapabilityChain))
	for key, names := range c.CapabilityChain {
		category, err := crawler.ParseProtectionCategory(key)
		if err != nil {
			return nil, fmt.Errorf("capability_chain: %w", err)
		}
		chain := make([]crawler.Capability, 0, len(names))
		for _, name := range names {
			chain = append(chain, crawler.Capability(name))
		}
		table[category] = chain
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

// PoolCredentials converts configured credentials into pool entries.
func (c Config) PoolCredentials() []crawler.Credential {
	out := make([]crawler.Credential, 0, len(c.Credentials))
	for _, cred := range c.Credentials {
		out = append(out, crawler.Credential{
			ID:         cred.ID,
			Service:    cred.Service,
			Secret:     cred.Secret,
			ProxyURL:   cred.ProxyURL,
			QuotaLimit: cred.QuotaLimit,
			ResetEvery: cred.ResetEvery,
			Health:     crawler.CredentialActive,
		})
	}
	return out
}
