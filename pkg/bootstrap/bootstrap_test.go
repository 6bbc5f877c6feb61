package bootstrap

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyvo/hairstyle-transfer/pkg/config"
	"github.com/vyvo/hairstyle-transfer/pkg/events"
	"github.com/vyvo/hairstyle-transfer/pkg/failure"
	"github.com/vyvo/hairstyle-transfer/pkg/runstore"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func offlineConfig() config.Pipeline {
	return config.Pipeline{
		Mode:      config.ModeOffline,
		Storage:   config.Storage{Backend: config.BackendMemory, Prefix: "hairstyle-transfer", MaxBytes: 3 << 20, RetryDelay: time.Millisecond},
		DashScope: config.DashScope{PollInterval: time.Second, MaxWait: time.Minute},
		Retry:     config.Retry{BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Millisecond, MaxAttempts: 1},
		Run:       config.Run{StageRetries: 2, StageRetryWait: time.Millisecond, DefaultStyle: "artistic"},
	}
}

func TestBuildOffline(t *testing.T) {
	s, err := Build(offlineConfig(), quiet)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, config.ModeOffline, s.Orchestrator.Mode())
	assert.IsType(t, &runstore.MemStore{}, s.Tracker)
	assert.IsType(t, &events.LogPublisher{}, s.Publisher)

	families, err := s.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestBuildUsesRedisTracker(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := offlineConfig()
	cfg.Redis = config.Redis{URL: "redis://" + mr.Addr(), TTL: time.Minute}

	s, err := Build(cfg, quiet)
	require.NoError(t, err)
	assert.IsType(t, &runstore.RedisStore{}, s.Tracker)
	assert.NoError(t, s.Close())
}

func TestBuildRejectsIncompleteProductionConfig(t *testing.T) {
	cfg := offlineConfig()
	cfg.Mode = config.ModeProduction

	_, err := Build(cfg, quiet)
	assert.Equal(t, failure.KindConfiguration, failure.KindOf(err))
}

func TestBuildProduction(t *testing.T) {
	cfg := offlineConfig()
	cfg.Mode = config.ModeProduction
	cfg.Credentials = config.Credentials{AccessKeyID: "id", AccessKeySecret: "secret", APIKey: "sk-test"}
	cfg.Storage.Backend = config.BackendOSS
	cfg.Storage.Endpoint = "oss-cn-shanghai.aliyuncs.com"
	cfg.Storage.Bucket = "hair-assets"
	cfg.Storage.URLMode = config.URLModePublic
	cfg.Segmentation.Endpoint = "https://imageseg.example/segment-hair"
	cfg.DashScope.BaseURL = "https://dashscope.aliyuncs.com/api/v1"

	s, err := Build(cfg, quiet)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, config.ModeProduction, s.Orchestrator.Mode())
}
