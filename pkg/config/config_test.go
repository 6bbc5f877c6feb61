package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyvo/hairstyle-transfer/pkg/failure"
)

func TestLoadPipelineDefaults(t *testing.T) {
	cfg, err := LoadPipeline()
	require.NoError(t, err)

	assert.Equal(t, ModeProduction, cfg.Mode)
	assert.Equal(t, BackendOSS, cfg.Storage.Backend)
	assert.Equal(t, "hairstyle-transfer", cfg.Storage.Prefix)
	assert.Equal(t, int64(3<<20), cfg.Storage.MaxBytes)
	assert.Equal(t, 10*time.Second, cfg.DashScope.PollInterval)
	assert.Equal(t, 180*time.Second, cfg.DashScope.MaxWait)
	assert.Equal(t, 2, cfg.Run.StageRetries)
	assert.Equal(t, "wan2.5-i2i-preview", cfg.DashScope.StyleModel)
}

func TestLoadPipelineFromEnv(t *testing.T) {
	t.Setenv("DASHSCOPE_API_KEY", "sk-test")
	t.Setenv("ALIBABA_CLOUD_ACCESS_KEY_ID", "LTAI-test")
	t.Setenv("HAIRSTYLE_CREDENTIALS_ACCESS_KEY_SECRET", "secret")
	t.Setenv("HAIRSTYLE_STORAGE_BUCKET", "hair-transfer-bucket")
	t.Setenv("HAIRSTYLE_SEGMENTATION_ENDPOINT", "https://seg.example.com/segment-hair")
	t.Setenv("HAIRSTYLE_DASHSCOPE_POLL_INTERVAL", "3s")
	t.Setenv("HAIRSTYLE_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := LoadPipeline()
	require.NoError(t, err)

	assert.Equal(t, "sk-test", cfg.Credentials.APIKey)
	assert.Equal(t, "LTAI-test", cfg.Credentials.AccessKeyID)
	assert.Equal(t, "secret", cfg.Credentials.AccessKeySecret)
	assert.True(t, cfg.Credentials.Configured())
	assert.Equal(t, 3*time.Second, cfg.DashScope.PollInterval)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	require.NoError(t, cfg.Validate())
}

func TestValidateFailsFastWithConfigurationError(t *testing.T) {
	t.Setenv("DASHSCOPE_API_KEY", "")
	t.Setenv("HAIRSTYLE_CREDENTIALS_API_KEY", "")

	cfg, err := LoadPipeline()
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, &failure.Error{Kind: failure.KindConfiguration}))
	assert.Contains(t, err.Error(), "api_key")
}

func TestValidateOfflineNeedsNoCredentials(t *testing.T) {
	cfg, err := LoadPipeline()
	require.NoError(t, err)

	cfg.Mode = ModeOffline
	cfg.Storage.Backend = BackendMemory
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsMemoryStorageInProduction(t *testing.T) {
	cfg := Pipeline{
		Mode:         ModeProduction,
		Credentials:  Credentials{APIKey: "k", AccessKeyID: "id", AccessKeySecret: "s"},
		Storage:      Storage{Backend: BackendMemory, MaxBytes: 1, URLMode: URLModePublic},
		DashScope:    DashScope{BaseURL: "http://x", PollInterval: time.Second, MaxWait: time.Minute},
		Segmentation: Segmentation{Endpoint: "http://seg"},
		Retry:        Retry{MaxAttempts: 1},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offline")

	cfg.Storage.Backend = BackendSFTP
	cfg.Storage.SFTP = SFTP{Addr: "host:22", User: "assets"}
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "public_base_url")

	cfg.Storage.PublicBaseURL = "https://assets.example.com"
	assert.NoError(t, cfg.Validate())

	cfg.Storage.URLMode = URLModeSigned
	assert.Error(t, cfg.Validate())
}

func TestLoadGatewayNestsPipeline(t *testing.T) {
	t.Setenv("HAIRSTYLE_PIPELINE_MODE", "offline")
	t.Setenv("HAIRSTYLE_API_KEYS", "k1,k2")

	cfg, err := LoadGateway()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, ModeOffline, cfg.Pipeline.Mode)
	assert.Equal(t, []string{"k1", "k2"}, cfg.APIKeys)
	assert.Equal(t, int64(20<<20), cfg.MaxUploadBytes)
}
