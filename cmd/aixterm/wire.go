package main

import (
	"context"
	"path/filepath"

	"github.com/aixterm/aixterm/pkg/chatloop"
	"github.com/aixterm/aixterm/pkg/cleanup"
	"github.com/aixterm/aixterm/pkg/config"
	"github.com/aixterm/aixterm/pkg/contextbuilder"
	"github.com/aixterm/aixterm/pkg/llmclient"
	"github.com/aixterm/aixterm/pkg/logger"
	"github.com/aixterm/aixterm/pkg/mcp"
	"github.com/aixterm/aixterm/pkg/plugin"
	"github.com/aixterm/aixterm/pkg/service"
	"github.com/aixterm/aixterm/pkg/sessionlog"
)

// runServiceForeground wires every component together and blocks serving
// the control socket until ctx is canceled. This is the function the
// auto-spawn client and `service start`/`restart` invoke via
// "aixterm service run".
func runServiceForeground(ctx context.Context, configOverride string) error {
	paths, err := resolveConfigPath(configOverride)
	if err != nil {
		return err
	}

	cfg, err := config.LoadConfig(paths.ConfigPath)
	if err != nil {
		logger.WarnCF("service", "config load failed, starting with defaults", map[string]any{"error": err.Error()})
		cfg = config.DefaultConfig()
	}

	logger.SetLevel(parseLogLevel(cfg.Logging.Level))
	if cfg.Logging.File != "" {
		if err := logger.EnableFileLogging(cfg.Logging.File); err != nil {
			logger.WarnCF("service", "failed to enable file logging", map[string]any{"error": err.Error()})
		}
	}

	supervisor := mcp.NewSupervisor(ctx)
	defer supervisor.StopAll()
	supervisor.SetRateLimit(cfg.RateLimits.MaxToolCallsPerMinute)

	for _, spec := range cfg.ToolServers {
		if !spec.Enabled || !spec.AutoStart {
			continue
		}
		if err := supervisor.Start(mcp.ServerSpec{
			Name:           spec.Name,
			Command:        spec.Command,
			Args:           spec.Args,
			Env:            spec.Env,
			TimeoutSeconds: spec.TimeoutSeconds,
		}); err != nil {
			logger.WarnCF("service", "tool server failed to start", map[string]any{"name": spec.Name, "error": err.Error()})
		}
	}

	llm := llmclient.New(cfg.APIURL, cfg.APIKey)
	loop := chatloop.New(llm, supervisor, cfg)

	store := sessionlog.New(paths.TTYDir)
	builder := contextbuilder.New(store)

	plugins := plugin.NewRegistry()
	pluginsDir := filepath.Join(paths.HomeDir, "plugins")
	for _, m := range plugin.DiscoverManifests(pluginsDir) {
		logger.InfoCF("plugin", "discovered plugin manifest", map[string]any{"name": m.Name, "version": m.Version, "commands": len(m.Commands)})
	}

	cleanupMgr := cleanup.NewManager(paths.TTYDir, cleanup.Policy{
		IntervalHours: cfg.Cleanup.IntervalHours,
		MaxLogAgeDays: cfg.Cleanup.MaxLogAgeDays,
		MaxLogFiles:   cfg.Cleanup.MaxLogFiles,
		CronSchedule:  cfg.Cleanup.CronSchedule,
	})
	go cleanupMgr.Run(ctx)

	svc := service.New(paths.SocketPath, paths.TTYDir, cfg, supervisor, loop, builder, store, plugins, cleanupMgr.Stats)

	logger.InfoCF("service", "aixterm service starting", map[string]any{"socket": paths.SocketPath})
	return svc.Serve(ctx)
}
