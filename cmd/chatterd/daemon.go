package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chatterd/internal/command"
	"chatterd/internal/dispatch"
	"chatterd/internal/generation"
	"chatterd/internal/memory"
	"chatterd/internal/personality"
	"chatterd/internal/ratelimit"
	"chatterd/internal/store"
	"chatterd/internal/transport"
)

// runDaemon assembles the components and runs the bot until a shutdown
// signal arrives.
func runDaemon(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	st, err := store.Open(cfg.Storage.Backend, cfg.Storage.Root, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("store close failed", zap.Error(err))
		}
	}()

	mem, err := memory.NewManager(st, cfg.Memory.SummarizeThreshold, cfg.Memory.MaxContextMessages, logger)
	if err != nil {
		return err
	}
	if err := mem.Load(ctx); err != nil {
		logger.Warn("conversation reload failed, starting empty", zap.Error(err))
	}

	personas, err := personality.NewRegistry(cfg.Persona.Dir, logger)
	if err != nil {
		return fmt.Errorf("load personalities: %w", err)
	}
	if cfg.Persona.Watch {
		if err := personas.Watch(); err != nil {
			logger.Warn("personality watcher unavailable", zap.Error(err))
		} else {
			defer personas.Stop()
		}
	}

	router := command.NewRouter(command.Options{
		Prefix:            cfg.Commands.Prefix,
		AutoRespond:       cfg.Responses.AutoRespond,
		AgentName:         cfg.Agent.DisplayName,
		ActivePersonality: cfg.Persona.Active,
		Personalities:     personas.Names,
	}, logger)

	var engine generation.Engine
	if cfg.LLM.APIKey != "" {
		gem, err := generation.NewGemini(ctx, cfg.LLM.APIKey, cfg.LLM.Model, logger)
		if err != nil {
			return fmt.Errorf("generation engine: %w", err)
		}
		engine = gem
	} else {
		logger.Warn("no llm api key configured, replies limited to fallback texts")
	}

	bridge, err := transport.NewWSClient(cfg.Transport.URL, cfg.Transport.Token, logger)
	if err != nil {
		return err
	}
	defer func() { _ = bridge.Close() }()

	pipeline, err := dispatch.NewPipeline(dispatch.Options{
		Transport: bridge,
		Memory:    mem,
		Router:    router,
		Rates:     ratelimit.New(cfg.ShortCooldown()),
		Engine:    engine,
		Fallbacks: generation.NewFallbackPool(cfg.Responses.Fallbacks),
		Personas:  personas,
		Config: dispatch.Config{
			AgentID:             cfg.Agent.ID,
			IgnoredContacts:     cfg.Filters.IgnoredContacts,
			IgnoreGroups:        cfg.Filters.IgnoreGroups,
			FrequencyLimit:      cfg.Rate.FrequencyLimit,
			FrequencyWindow:     cfg.FrequencyWindow(),
			MaxContextMessages:  cfg.Memory.MaxContextMessages,
			MaxResponseLength:   cfg.Responses.MaxLength,
			GenerationTimeout:   cfg.GenerationTimeout(),
			ActivePersonality:   cfg.Persona.Active,
			MaintenanceInterval: cfg.MaintenanceInterval(),
			CooldownMaxAge:      cfg.CooldownMaxAge(),
			ConversationMaxAge:  cfg.ConversationMaxAge(),
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	logger.Info("chatterd starting",
		zap.String("version", version),
		zap.String("agent", cfg.Agent.ID),
		zap.String("bridge", cfg.Transport.URL),
		zap.String("storage", cfg.Storage.Backend),
		zap.Int("conversations", mem.Count()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bridge.Run(gctx) })
	g.Go(func() error { return pipeline.Run(gctx) })
	g.Go(func() error { return pipeline.RunMaintenance(gctx) })

	if err := g.Wait(); err != nil {
		return fmt.Errorf("chatterd: %w", err)
	}
	logger.Info("chatterd stopped")
	return nil
}
