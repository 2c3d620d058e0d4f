package main

import (
	"context"
	"strings"
	"sync"

	"convsync/internal/config"
	"convsync/internal/localtools"
	"convsync/internal/logger"
	"convsync/internal/metrics"
	"convsync/internal/render"
	"convsync/internal/syncengine"
	"convsync/internal/toolexec"
	"convsync/internal/transport"
)

// app holds the wired components shared by every command.
type app struct {
	cfg       *config.Config
	client    *transport.Client
	executor  *toolexec.Executor
	collector *metrics.Collector
	engine    *syncengine.Engine
	renderer  *render.Renderer

	stopMetrics context.CancelFunc
	metricsWG   sync.WaitGroup
}

func newExecutor(cfg *config.Config, collector *metrics.Collector) (*toolexec.Executor, error) {
	tools, err := localtools.Tools(localtools.Options{Enabled: cfg.ToolEnabled})
	if err != nil {
		return nil, err
	}
	opts := toolexec.Options{MaxConcurrency: cfg.ToolConcurrency}
	if collector != nil {
		opts.Hooks = collector.ToolHooks()
	}
	return toolexec.New(tools, opts)
}

func newApp(cfg *config.Config, theme string) (*app, error) {
	if err := cfg.RequireEndpoint(); err != nil {
		return nil, err
	}

	if theme == "" {
		theme = render.DetectTheme()
	}
	renderer, err := render.New(render.Options{Theme: theme})
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector(metrics.Config{ProcessMetrics: cfg.MetricsAddr != ""})
	executor, err := newExecutor(cfg, collector)
	if err != nil {
		return nil, err
	}

	client := transport.NewClient(transport.ConfigFrom(cfg))

	opts := syncengine.OptionsFromConfig(cfg)
	opts.Transport = client
	opts.Tools = executor
	opts.Observer = collector
	engine, err := syncengine.New(opts)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:         cfg,
		client:      client,
		executor:    executor,
		collector:   collector,
		engine:      engine,
		renderer:    renderer,
		stopMetrics: func() {},
	}
	a.startMetrics()
	return a, nil
}

func (a *app) startMetrics() {
	if a.cfg.MetricsAddr == "" {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.stopMetrics = cancel
	a.metricsWG.Add(1)
	go func() {
		defer a.metricsWG.Done()
		if err := a.collector.Serve(ctx, a.cfg.MetricsAddr); err != nil {
			logger.Error("Metrics server failed", "addr", a.cfg.MetricsAddr, "error", err)
		}
	}()
}

// sendAndWait sends text and blocks until the engine is idle again. The returned
// state is the final one even when an error is returned.
func (a *app) sendAndWait(ctx context.Context, text string, opts syncengine.SendOptions) (syncengine.State, error) {
	if err := a.engine.SendMessage(ctx, text, opts); err != nil {
		return a.engine.State(), err
	}
	if err := a.engine.WaitIdle(ctx); err != nil {
		a.engine.StopChat()
		return a.engine.State(), err
	}
	state := a.engine.State()
	return state, state.Error
}

func (a *app) close() {
	a.engine.Close()
	a.stopMetrics()
	a.metricsWG.Wait()
}

func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}
