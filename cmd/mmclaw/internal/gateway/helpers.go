package gateway

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/tinyland-inc/mmclaw/cmd/mmclaw/internal"
	"github.com/tinyland-inc/mmclaw/pkg/config"
	"github.com/tinyland-inc/mmclaw/pkg/inject"
	anthropicinject "github.com/tinyland-inc/mmclaw/pkg/inject/anthropic"
	openaiinject "github.com/tinyland-inc/mmclaw/pkg/inject/openai"
	"github.com/tinyland-inc/mmclaw/pkg/logger"
	"github.com/tinyland-inc/mmclaw/pkg/session"
)

func gatewayCmd(debug bool) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
		fmt.Println("Debug mode enabled")
	}

	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	provider, err := createProvider(cfg)
	if err != nil {
		return fmt.Errorf("error creating provider: %w", err)
	}

	agent := inject.NewAgent(provider, cfg.Agent.Model, cfg.Agent.SystemPrompt, cfg.Agent.MaxTokens)
	engine := session.NewEngine(cfg, agent, agent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("error starting bridge: %w", err)
	}

	if engine.Connected() {
		fmt.Printf("✓ Bridge connected to %s\n", cfg.Server.URL)
	}
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	<-sigChan

	fmt.Println("\nShutting down...")
	cancel()
	engine.Stop()
	fmt.Println("✓ Bridge stopped")

	return nil
}

// createProvider picks the AI backend from config.
func createProvider(cfg *config.Config) (inject.Provider, error) {
	switch cfg.Agent.Provider {
	case "openai":
		if cfg.Providers.OpenAI.APIKey == "" {
			return nil, fmt.Errorf("providers.openai.api_key is not set")
		}
		return openaiinject.NewProvider(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.APIBase), nil
	default:
		if cfg.Providers.Anthropic.APIKey == "" {
			return nil, fmt.Errorf("providers.anthropic.api_key is not set")
		}
		return anthropicinject.NewProviderWithBaseURL(
			cfg.Providers.Anthropic.APIKey,
			cfg.Providers.Anthropic.APIBase,
		), nil
	}
}
