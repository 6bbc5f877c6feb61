package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vyvo/hairstyle-transfer/pkg/failure"
)

// Mode selects how stages are executed for every run of a process.
type Mode string

const (
	// ModeProduction binds every stage to the remote services.
	ModeProduction Mode = "production"
	// ModeOffline binds every stage to the local image adapters.
	ModeOffline Mode = "offline"
)

// Storage backends.
const (
	BackendOSS    = "oss"
	BackendSFTP   = "sftp"
	BackendMemory = "memory"
)

// URL modes for uploaded assets.
const (
	URLModePublic = "public"
	URLModeSigned = "signed"
)

// Pipeline captures everything the orchestrator and its collaborators need.
type Pipeline struct {
	Mode         Mode         `mapstructure:"mode"`
	Credentials  Credentials  `mapstructure:"credentials"`
	Storage      Storage      `mapstructure:"storage"`
	DashScope    DashScope    `mapstructure:"dashscope"`
	Segmentation Segmentation `mapstructure:"segmentation"`
	Retry        Retry        `mapstructure:"retry"`
	Run          Run          `mapstructure:"run"`
	Redis        Redis        `mapstructure:"redis"`
	Kafka        Kafka        `mapstructure:"kafka"`
	Telemetry    Telemetry    `mapstructure:"telemetry"`
}

// Credentials are resolved once at startup and never read again from the
// environment.
type Credentials struct {
	AccessKeyID     string `mapstructure:"access_key_id"`
	AccessKeySecret string `mapstructure:"access_key_secret"`
	APIKey          string `mapstructure:"api_key"`
}

// Configured reports whether the credential set for remote services is present.
func (c Credentials) Configured() bool {
	return c.APIKey != "" && c.AccessKeyID != "" && c.AccessKeySecret != ""
}

type Storage struct {
	Backend       string        `mapstructure:"backend"`
	Endpoint      string        `mapstructure:"endpoint"`
	Bucket        string        `mapstructure:"bucket"`
	Prefix        string        `mapstructure:"prefix"`
	URLMode       string        `mapstructure:"url_mode"`
	SignedURLTTL  time.Duration `mapstructure:"signed_url_ttl"`
	PublicBaseURL string        `mapstructure:"public_base_url"`
	MaxBytes      int64         `mapstructure:"max_bytes"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	SFTP          SFTP          `mapstructure:"sftp"`
}

type SFTP struct {
	Addr           string `mapstructure:"addr"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
	KnownHostsPath string `mapstructure:"known_hosts_path"`
	Root           string `mapstructure:"root"`
}

type DashScope struct {
	BaseURL        string        `mapstructure:"base_url"`
	FusionModel    string        `mapstructure:"fusion_model"`
	StyleModel     string        `mapstructure:"style_model"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	MaxWait        time.Duration `mapstructure:"max_wait"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Watermark      bool          `mapstructure:"watermark"`
}

type Segmentation struct {
	Endpoint string        `mapstructure:"endpoint"`
	MaxWait  time.Duration `mapstructure:"max_wait"`
}

// Retry configures the transient-network backoff used for status queries.
type Retry struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type Run struct {
	StageRetries   int           `mapstructure:"stage_retries"`
	StageRetryWait time.Duration `mapstructure:"stage_retry_wait"`
	Deadline       time.Duration `mapstructure:"deadline"`
	DefaultStyle   string        `mapstructure:"default_style"`
}

type Redis struct {
	URL string `mapstructure:"url"`
	// TTL is how long a finished run stays queryable. The in-memory tracker
	// and the offline image store honour it too when URL is empty.
	TTL time.Duration `mapstructure:"ttl"`
}

type Kafka struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type Telemetry struct {
	Tracing     bool   `mapstructure:"tracing"`
	ServiceName string `mapstructure:"service_name"`
}

// GatewayConfig captures runtime settings for the HTTP front-end.
type GatewayConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr"`
	PublicBaseURL  string        `mapstructure:"public_base_url"`
	APIKeys        []string      `mapstructure:"api_keys"`
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Pipeline       Pipeline      `mapstructure:"pipeline"`
}

// LoadPipeline loads pipeline configuration from defaults, files, and env vars.
func LoadPipeline() (Pipeline, error) {
	v := newViper()
	setPipelineDefaults(v, "")
	if err := readConfig(v); err != nil {
		return Pipeline{}, err
	}

	var cfg Pipeline
	if err := v.Unmarshal(&cfg); err != nil {
		return Pipeline{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// LoadGateway loads gateway configuration, including the embedded pipeline
// section, from defaults, files, and env vars.
func LoadGateway() (GatewayConfig, error) {
	v := newViper()
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("public_base_url", "http://localhost:8080")
	v.SetDefault("api_keys", []string{})
	v.SetDefault("max_upload_bytes", 20<<20)
	v.SetDefault("request_timeout", 10*time.Minute)
	setPipelineDefaults(v, "pipeline.")
	if err := readConfig(v); err != nil {
		return GatewayConfig{}, err
	}

	var cfg GatewayConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return GatewayConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath("./configs")
	v.SetEnvPrefix("HAIRSTYLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("load config: %w", err)
		}
	}
	return nil
}

func setPipelineDefaults(v *viper.Viper, prefix string) {
	v.SetDefault(prefix+"mode", string(ModeProduction))

	v.SetDefault(prefix+"credentials.access_key_id", "")
	v.SetDefault(prefix+"credentials.access_key_secret", "")
	v.SetDefault(prefix+"credentials.api_key", "")
	// The cloud SDK variable names are honoured as well.
	_ = v.BindEnv(prefix+"credentials.access_key_id", envName(prefix, "credentials.access_key_id"), "ALIBABA_CLOUD_ACCESS_KEY_ID")
	_ = v.BindEnv(prefix+"credentials.access_key_secret", envName(prefix, "credentials.access_key_secret"), "ALIBABA_CLOUD_ACCESS_KEY_SECRET")
	_ = v.BindEnv(prefix+"credentials.api_key", envName(prefix, "credentials.api_key"), "DASHSCOPE_API_KEY")

	v.SetDefault(prefix+"storage.backend", BackendOSS)
	v.SetDefault(prefix+"storage.endpoint", "oss-cn-shanghai.aliyuncs.com")
	v.SetDefault(prefix+"storage.bucket", "")
	v.SetDefault(prefix+"storage.prefix", "hairstyle-transfer")
	v.SetDefault(prefix+"storage.url_mode", URLModePublic)
	v.SetDefault(prefix+"storage.signed_url_ttl", time.Hour)
	v.SetDefault(prefix+"storage.public_base_url", "")
	v.SetDefault(prefix+"storage.max_bytes", 3<<20)
	v.SetDefault(prefix+"storage.retry_delay", 500*time.Millisecond)
	v.SetDefault(prefix+"storage.sftp.addr", "")
	v.SetDefault(prefix+"storage.sftp.user", "")
	v.SetDefault(prefix+"storage.sftp.password", "")
	v.SetDefault(prefix+"storage.sftp.private_key_path", "")
	v.SetDefault(prefix+"storage.sftp.known_hosts_path", "")
	v.SetDefault(prefix+"storage.sftp.root", "/srv/assets")

	v.SetDefault(prefix+"dashscope.base_url", "https://dashscope.aliyuncs.com/api/v1")
	v.SetDefault(prefix+"dashscope.fusion_model", "wan2.5-i2i-preview")
	v.SetDefault(prefix+"dashscope.style_model", "wan2.5-i2i-preview")
	v.SetDefault(prefix+"dashscope.poll_interval", 10*time.Second)
	v.SetDefault(prefix+"dashscope.max_wait", 180*time.Second)
	v.SetDefault(prefix+"dashscope.request_timeout", 30*time.Second)
	v.SetDefault(prefix+"dashscope.watermark", false)

	v.SetDefault(prefix+"segmentation.endpoint", "")
	v.SetDefault(prefix+"segmentation.max_wait", 60*time.Second)

	v.SetDefault(prefix+"retry.base_delay", 500*time.Millisecond)
	v.SetDefault(prefix+"retry.multiplier", 2.0)
	v.SetDefault(prefix+"retry.max_delay", 5*time.Second)
	v.SetDefault(prefix+"retry.max_attempts", 4)

	v.SetDefault(prefix+"run.stage_retries", 2)
	v.SetDefault(prefix+"run.stage_retry_wait", 2*time.Second)
	v.SetDefault(prefix+"run.deadline", 0)
	v.SetDefault(prefix+"run.default_style", "artistic")

	v.SetDefault(prefix+"redis.url", "")
	v.SetDefault(prefix+"redis.ttl", time.Hour)

	v.SetDefault(prefix+"kafka.brokers", []string{})
	v.SetDefault(prefix+"kafka.topic", "hairstyle.runs")

	v.SetDefault(prefix+"telemetry.tracing", false)
	v.SetDefault(prefix+"telemetry.service_name", "hairstyle-transfer")
}

func envName(prefix, key string) string {
	return "HAIRSTYLE_" + strings.ToUpper(strings.ReplaceAll(prefix+key, ".", "_"))
}

// Validate fails fast when the selected mode cannot run with the resolved
// settings.
func (c Pipeline) Validate() error {
	switch c.Mode {
	case ModeProduction, ModeOffline:
	default:
		return failure.Configuration("unknown mode %q", c.Mode)
	}
	if c.Retry.MaxAttempts < 1 {
		return failure.Configuration("retry.max_attempts must be at least 1")
	}
	if c.Run.StageRetries < 0 {
		return failure.Configuration("run.stage_retries must not be negative")
	}
	if c.Storage.MaxBytes <= 0 {
		return failure.Configuration("storage.max_bytes must be positive")
	}
	if c.Mode == ModeOffline {
		return nil
	}

	if c.Credentials.APIKey == "" {
		return failure.Configuration("credentials.api_key is required (DASHSCOPE_API_KEY)")
	}
	if c.DashScope.BaseURL == "" {
		return failure.Configuration("dashscope.base_url is required")
	}
	if c.Segmentation.Endpoint == "" {
		return failure.Configuration("segmentation.endpoint is required")
	}
	if c.DashScope.PollInterval <= 0 || c.DashScope.MaxWait <= 0 {
		return failure.Configuration("dashscope.poll_interval and dashscope.max_wait must be positive")
	}

	switch c.Storage.Backend {
	case BackendOSS:
		if c.Credentials.AccessKeyID == "" || c.Credentials.AccessKeySecret == "" {
			return failure.Configuration("credentials.access_key_id and credentials.access_key_secret are required for oss storage")
		}
		if c.Storage.Endpoint == "" || c.Storage.Bucket == "" {
			return failure.Configuration("storage.endpoint and storage.bucket are required for oss storage")
		}
	case BackendSFTP:
		if c.Storage.SFTP.Addr == "" || c.Storage.SFTP.User == "" {
			return failure.Configuration("storage.sftp.addr and storage.sftp.user are required for sftp storage")
		}
		if c.Storage.PublicBaseURL == "" {
			return failure.Configuration("storage.public_base_url is required for sftp storage")
		}
	case BackendMemory:
		return failure.Configuration("memory storage is only reachable in offline mode")
	default:
		return failure.Configuration("unknown storage backend %q", c.Storage.Backend)
	}

	switch c.Storage.URLMode {
	case URLModePublic:
	case URLModeSigned:
		if c.Storage.Backend != BackendOSS {
			return failure.Configuration("signed urls are only supported by oss storage")
		}
	default:
		return failure.Configuration("unknown storage.url_mode %q", c.Storage.URLMode)
	}
	return nil
}
