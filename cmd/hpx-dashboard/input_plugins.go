package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/egparedes/hpx-dashboard/internal/metrics"
	"github.com/egparedes/hpx-dashboard/internal/source"
	"github.com/egparedes/hpx-dashboard/internal/tcpserver"
)

// InputSourcePlugin is a small plugin primitive for wiring counter inputs.
type InputSourcePlugin interface {
	Name() string
	Enabled() bool
	Build(ctx context.Context) (source.Source, error)
}

// InputPluginConfig defines runtime input selection.
type InputPluginConfig struct {
	ListenAddr  string
	MaxLineSize int
	Sink        source.Sink

	StdinEnabled bool
	StdinPiped   func() bool

	OTLPEnabled bool
	OTLPAddr    string

	SelfMonitorInterval time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Pipeline
}

func buildInputPlugins(cfg InputPluginConfig) []InputSourcePlugin {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	piped := cfg.StdinPiped
	if piped == nil {
		piped = source.StdinIsPiped
	}
	return []InputSourcePlugin{
		tcpInputPlugin{cfg: cfg},
		stdinInputPlugin{cfg: cfg, piped: piped},
		otlpInputPlugin{cfg: cfg},
		selfInputPlugin{cfg: cfg},
	}
}

// The agent listener is always on; it is the primary input.
type tcpInputPlugin struct {
	cfg InputPluginConfig
}

func (p tcpInputPlugin) Name() string { return tcpserver.SourceName }

func (p tcpInputPlugin) Enabled() bool { return true }

func (p tcpInputPlugin) Build(_ context.Context) (source.Source, error) {
	server := tcpserver.NewServer(p.cfg.ListenAddr, p.cfg.Sink, tcpserver.ServerConfig{
		MaxLineSize: p.cfg.MaxLineSize,
		Logger:      p.cfg.Logger,
		Metrics:     p.cfg.Metrics,
	})
	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("start tcp server: %w", err)
	}
	return source.NewTCPSource(server), nil
}

type stdinInputPlugin struct {
	cfg   InputPluginConfig
	piped func() bool
}

func (p stdinInputPlugin) Name() string { return "stdin" }

func (p stdinInputPlugin) Enabled() bool { return p.cfg.StdinEnabled && p.piped() }

func (p stdinInputPlugin) Build(_ context.Context) (source.Source, error) {
	return source.NewStdinSource(source.StdinConfig{
		MaxLineSize: p.cfg.MaxLineSize,
		Logger:      p.cfg.Logger,
		Metrics:     p.cfg.Metrics,
	}), nil
}

type otlpInputPlugin struct {
	cfg InputPluginConfig
}

func (p otlpInputPlugin) Name() string { return "otlp" }

func (p otlpInputPlugin) Enabled() bool { return p.cfg.OTLPEnabled }

func (p otlpInputPlugin) Build(_ context.Context) (source.Source, error) {
	src := source.NewOTLPSource(p.cfg.OTLPAddr, source.OTLPConfig{
		Logger:  p.cfg.Logger,
		Metrics: p.cfg.Metrics,
	})
	if err := src.Listen(); err != nil {
		return nil, err
	}
	return src, nil
}

type selfInputPlugin struct {
	cfg InputPluginConfig
}

func (p selfInputPlugin) Name() string { return "self" }

func (p selfInputPlugin) Enabled() bool { return p.cfg.SelfMonitorInterval > 0 }

func (p selfInputPlugin) Build(_ context.Context) (source.Source, error) {
	return source.NewSelfMonitor(p.cfg.SelfMonitorInterval, source.SelfMonitorConfig{
		Logger:  p.cfg.Logger,
		Metrics: p.cfg.Metrics,
	}), nil
}
