package pipeline

import (
	"time"

	"github.com/vyvo/hairstyle-transfer/pkg/config"
	"github.com/vyvo/hairstyle-transfer/pkg/remotetask"
	"github.com/vyvo/hairstyle-transfer/pkg/stage"
)

// Bind pairs every adapter in table with client.
func Bind(table stage.Table, client remotetask.TaskClient, interval, maxWait time.Duration) map[stage.Kind]Binding {
	bindings := make(map[stage.Kind]Binding, len(table))
	for kind, adapter := range table {
		bindings[kind] = Binding{Adapter: adapter, Client: client, Interval: interval, MaxWait: maxWait}
	}
	return bindings
}

// RemoteBindings binds the three stages to the hosted segmentation and
// synthesis services, all reached through client.
func RemoteBindings(cfg config.Pipeline, client remotetask.TaskClient) map[stage.Kind]Binding {
	table := stage.RemoteTable(
		cfg.Segmentation.Endpoint,
		stage.SynthesisConfig{BaseURL: cfg.DashScope.BaseURL, Model: cfg.DashScope.FusionModel, Watermark: cfg.DashScope.Watermark},
		stage.SynthesisConfig{BaseURL: cfg.DashScope.BaseURL, Model: cfg.DashScope.StyleModel, Watermark: cfg.DashScope.Watermark},
	)
	bindings := Bind(table, client, cfg.DashScope.PollInterval, cfg.DashScope.MaxWait)
	seg := bindings[stage.Segmentation]
	if cfg.Segmentation.MaxWait > 0 {
		seg.MaxWait = cfg.Segmentation.MaxWait
	}
	bindings[stage.Segmentation] = seg
	return bindings
}

// NewConfig derives the orchestrator settings from the pipeline section.
func NewConfig(cfg config.Pipeline, bindings map[stage.Kind]Binding) Config {
	return Config{
		Mode:           cfg.Mode,
		Bindings:       bindings,
		StageRetries:   cfg.Run.StageRetries,
		StageRetryWait: cfg.Run.StageRetryWait,
		Deadline:       cfg.Run.Deadline,
		DefaultStyle:   stage.Style(cfg.Run.DefaultStyle),
	}
}
