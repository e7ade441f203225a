// ABOUTME: Tests for command wiring: agent catalog building, providers, token flags, init output
// ABOUTME: Uses config.Parse so each case starts from a validated config

package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biznet-io/coday/internal/agent"
	"github.com/biznet-io/coday/internal/config"
	"github.com/biznet-io/coday/internal/provider"
)

func parseConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	return cfg
}

func TestBuildAgents_FromDefinitions(t *testing.T) {
	cfg := parseConfig(t, `
providers:
  claude:
    type: anthropic
    api_key: k
agents:
  definitions:
    - name: reviewer
      provider: claude
      tools: [current_time]
    - name: writer
      provider: claude
      model: SMALL
`)
	catalog, err := buildAgents(cfg, slog.Default())
	require.NoError(t, err)
	require.Equal(t, 2, catalog.Len())

	reviewer, ok := catalog.Get("reviewer")
	require.True(t, ok)
	assert.Equal(t, "BIG", reviewer.Model, "model defaults per provider type")
	assert.Equal(t, []string{"current_time"}, reviewer.Tools)

	writer, _ := catalog.Get("writer")
	assert.Equal(t, "SMALL", writer.Model)
}

func TestBuildAgents_DefaultAgent(t *testing.T) {
	cfg := parseConfig(t, `
providers:
  zeta:
    type: anthropic
  alpha:
    type: openai
`)
	catalog, err := buildAgents(cfg, slog.Default())
	require.NoError(t, err)

	def, ok := catalog.Get(agent.DefaultAgentName)
	require.True(t, ok)
	assert.Equal(t, "alpha", def.Provider)
	assert.Equal(t, "gpt-4o", def.Model)

	empty, err := buildAgents(parseConfig(t, "logging:\n  level: info\n"), slog.Default())
	require.NoError(t, err)
	assert.Zero(t, empty.Len())
}

func TestBuildProviders(t *testing.T) {
	cfg := parseConfig(t, `
providers:
  claude:
    type: anthropic
    api_key: k
    timeout: 30s
  local:
    type: openai
    base_url: http://localhost:11434/v1
`)
	clients := buildProviders(cfg, provider.NewCatalog(provider.DefaultModels()), slog.Default())
	require.Len(t, clients, 2)
	assert.Equal(t, "anthropic", clients["claude"].Name())
	assert.Equal(t, "local", clients["local"].Name(), "openai-compatible backends take the configured name")
}

func TestRunToken_Flags(t *testing.T) {
	assert.ErrorContains(t, runToken(nil), "--user")
	assert.ErrorContains(t, runToken([]string{"--user"}), "requires a value")
	assert.ErrorContains(t, runToken([]string{"--bogus=1"}), "unknown flag")
	assert.ErrorContains(t, runToken([]string{"alice"}), "unexpected argument")
	assert.ErrorContains(t, runToken([]string{"-u", "alice", "--ttl", "soon"}), "parsing --ttl")
}

func TestRunToken_RequiresSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0600))
	t.Setenv(config.EnvConfigPath, path)

	err := runToken([]string{"--user=alice"})
	assert.ErrorContains(t, err, "jwt_secret not configured")
}

func TestInitAnswers_RenderIsValid(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	a := initAnswers{
		HTTPAddr:     "127.0.0.1:3000",
		DBPath:       "/tmp/coday.db",
		ProviderType: config.ProviderAnthropic,
		APIKeyEnv:    "ANTHROPIC_API_KEY",
		JWTSecret:    "0123456789abcdef0123456789abcdef",
		LogLevel:     "debug",
		LogFormat:    "json",
	}

	cfg := parseConfig(t, a.render())
	assert.Equal(t, "sk-test", cfg.Providers["anthropic"].APIKey)
	assert.Equal(t, "coday", cfg.Agents.Definitions[0].Name)
	assert.Equal(t, a.JWTSecret, cfg.Auth.JWTSecret)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Positive(t, cfg.Sessions.Timeout)
}
