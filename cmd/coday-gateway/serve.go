// ABOUTME: The serve command wires config into providers, agents, storage and the gateway
// ABOUTME: Prints the startup banner and runs until SIGINT or SIGTERM

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/fatih/color"

	"github.com/biznet-io/coday/internal/agent"
	"github.com/biznet-io/coday/internal/auth"
	"github.com/biznet-io/coday/internal/builtins"
	"github.com/biznet-io/coday/internal/config"
	"github.com/biznet-io/coday/internal/conversation"
	"github.com/biznet-io/coday/internal/gateway"
	"github.com/biznet-io/coday/internal/provider"
	"github.com/biznet-io/coday/internal/session"
	"github.com/biznet-io/coday/internal/store"
	"github.com/biznet-io/coday/internal/tools"
	"github.com/biznet-io/coday/internal/usage"
)

// fallbackModels names the model the implicit default agent uses per
// provider type.
var fallbackModels = map[string]string{
	config.ProviderAnthropic: "BIG",
	config.ProviderOpenAI:    "gpt-4o",
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	models, err := loadModels(cfg.ModelsFile)
	if err != nil {
		return err
	}
	providers := buildProviders(cfg, models, logger)

	catalog, err := buildAgents(cfg, logger)
	if err != nil {
		return err
	}

	registry := tools.NewRegistry(logger)
	if err := registry.RegisterPack(builtins.BasePack(catalog, time.Now)); err != nil {
		return fmt.Errorf("registering builtin tools: %w", err)
	}

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return fmt.Errorf("creating JWT verifier: %w", err)
		}
		verifier = v
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	recorder := usage.NewRecorder(usage.Config{
		Sink:          st,
		FlushInterval: cfg.Usage.FlushInterval,
		BatchSize:     cfg.Usage.BatchSize,
		Logger:        logger,
	})

	sessions := session.NewManager(session.Config{
		HeartbeatInterval: cfg.Sessions.HeartbeatInterval,
		Timeout:           cfg.Sessions.Timeout,
		SweepInterval:     cfg.Sessions.SweepInterval,
		Logger:            logger,
		NewRuntime: func(s *session.Session) (session.Runtime, error) {
			return agent.NewRuntime(agent.RuntimeConfig{
				ClientID:        s.ID(),
				Catalog:         catalog,
				PreferredAgent:  cfg.Agents.Default,
				Providers:       providers,
				Tools:           registry,
				ToolTimeout:     cfg.Tools.Timeout,
				Conversation:    conversation.New(st, s.Username(), logger),
				Events:          s.Events(),
				Usage:           recorder,
				DelegationDepth: *cfg.Agents.DelegationDepth,
				Logger:          logger,
			}), nil
		},
	})

	printStartup(cfg, configPath, catalog)

	logger.Info("starting coday-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_enabled", cfg.GRPC.Enabled,
		"agents", catalog.Len(),
		"providers", len(providers),
		"auth", verifier != nil,
	)

	gw, err := gateway.New(gateway.Options{
		Config:   cfg,
		Sessions: sessions,
		Catalog:  catalog,
		Store:    st,
		Usage:    recorder,
		Verifier: verifier,
		Logger:   logger,
	})
	if err != nil {
		sessions.Close()
		_ = recorder.Close(context.Background())
		_ = st.Close()
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func printStartup(cfg *config.Config, configPath string, catalog *agent.Catalog) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	if cfg.Server.HTTPAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	if cfg.GRPC.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.GRPC.Addr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		} else if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	green.Print("    ▶ ")
	fmt.Print("Agents:    ")
	for i, def := range catalog.List() {
		if i > 0 {
			fmt.Print(", ")
		}
		cyan.Print(def.Name)
		gray.Printf(" (%s)", def.Provider)
	}
	fmt.Println()

	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! auth disabled, every client runs as anonymous")
	}
	fmt.Println()
}

func loadModels(path string) (*provider.Catalog, error) {
	if path == "" {
		return provider.NewCatalog(provider.DefaultModels()), nil
	}
	catalog, err := provider.LoadCatalog(path)
	if err != nil {
		return nil, fmt.Errorf("loading models file: %w", err)
	}
	return catalog, nil
}

// buildProviders creates one client per configured provider. Clients are
// shared by every session so each backend keeps a single rate-limit
// snapshot.
func buildProviders(cfg *config.Config, models *provider.Catalog, logger *slog.Logger) map[string]*provider.Client {
	out := make(map[string]*provider.Client, len(cfg.Providers))
	for name, p := range cfg.Providers {
		var httpClient *http.Client
		if p.Timeout > 0 {
			httpClient = &http.Client{Timeout: p.Timeout}
		}

		var backend provider.Backend
		switch p.Type {
		case config.ProviderAnthropic:
			backend = provider.NewAnthropicBackend(provider.AnthropicConfig{APIKey: p.APIKey, BaseURL: p.BaseURL, HTTPClient: httpClient})
		case config.ProviderOpenAI:
			backend = provider.NewOpenAIBackend(provider.OpenAIConfig{Name: name, APIKey: p.APIKey, BaseURL: p.BaseURL, HTTPClient: httpClient})
		}
		if p.APIKey == "" {
			logger.Warn("provider has no api key, calls will fail", "provider", name)
		}

		out[name] = provider.NewClient(provider.ClientConfig{
			Backend: backend,
			Catalog: models,
			Throttle: provider.Throttle{
				Threshold: cfg.Throttle.Threshold,
				MaxDelay:  cfg.Throttle.MaxDelay,
			},
			Cache: provider.CacheStrategy{
				Placement:       cfg.Cache.Placement,
				UpdateThreshold: cfg.Cache.UpdateThreshold,
				MinMessages:     cfg.Cache.MinMessages,
			},
			Logger: logger,
		})
	}
	return out
}

// buildAgents registers the configured agents. Without definitions a
// default agent is bound to the first provider by name.
func buildAgents(cfg *config.Config, logger *slog.Logger) (*agent.Catalog, error) {
	catalog := agent.NewCatalog(logger)
	for _, a := range cfg.Agents.Definitions {
		def := agent.Definition{
			Name:         a.Name,
			Description:  a.Description,
			Instructions: a.Instructions,
			Provider:     a.Provider,
			Model:        a.Model,
			Temperature:  a.Temperature,
			MaxTokens:    a.MaxTokens,
			Tools:        a.Tools,
		}
		if def.Model == "" {
			def.Model = fallbackModels[cfg.Providers[a.Provider].Type]
		}
		if err := catalog.Register(def); err != nil {
			return nil, fmt.Errorf("registering agent %s: %w", a.Name, err)
		}
	}

	if catalog.Len() == 0 && len(cfg.Providers) > 0 {
		names := make([]string, 0, len(cfg.Providers))
		for name := range cfg.Providers {
			names = append(names, name)
		}
		sort.Strings(names)
		first := names[0]
		def := agent.Definition{
			Name:        agent.DefaultAgentName,
			Description: "General purpose assistant",
			Provider:    first,
			Model:       fallbackModels[cfg.Providers[first].Type],
		}
		if err := catalog.Register(def); err != nil {
			return nil, fmt.Errorf("registering default agent: %w", err)
		}
		logger.Info("no agents configured, using default", "agent", def.Name, "provider", first, "model", def.Model)
	}

	return catalog, nil
}
