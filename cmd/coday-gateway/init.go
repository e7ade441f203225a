// ABOUTME: The init command writes a starter config file from interactive answers
// ABOUTME: Generates a random JWT secret when authentication is enabled

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/biznet-io/coday/internal/config"
)

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coday-gateway configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	defaultPath := os.Getenv(config.EnvConfigPath)
	if defaultPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory: %w", err)
		}
		defaultPath = filepath.Join(home, ".config", "coday", "config.yaml")
	}

	outputFile := prompt(reader, "Config file path", defaultPath)
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server ---")
	answers := initAnswers{
		HTTPAddr: prompt(reader, "HTTP address", "127.0.0.1:3000"),
		DBPath:   prompt(reader, "SQLite database path", filepath.Join(filepath.Dir(outputFile), "coday.db")),
	}

	fmt.Println("\n--- Provider ---")
	answers.ProviderType = prompt(reader, "Provider type (anthropic/openai)", config.ProviderAnthropic)
	answers.APIKeyEnv = prompt(reader, "Environment variable holding the API key", defaultKeyEnv(answers.ProviderType))

	fmt.Println("\n--- Auth ---")
	if yes(prompt(reader, "Require bearer tokens?", "yes")) {
		secret, err := randomSecret()
		if err != nil {
			return err
		}
		answers.JWTSecret = secret
	}

	fmt.Println("\n--- Logging ---")
	answers.LogLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	answers.LogFormat = prompt(reader, "Log format (text/json)", "text")

	content := answers.render()
	if _, err := config.Parse([]byte(content)); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  export %s=...\n", answers.APIKeyEnv)
	fmt.Printf("  coday-gateway serve\n")
	if answers.JWTSecret != "" {
		fmt.Println("\nTo mint a token:")
		fmt.Printf("  coday-gateway token --user you\n")
	}
	return nil
}

type initAnswers struct {
	HTTPAddr     string
	DBPath       string
	ProviderType string
	APIKeyEnv    string
	JWTSecret    string
	LogLevel     string
	LogFormat    string
}

func (a initAnswers) render() string {
	var b strings.Builder
	b.WriteString("# coday-gateway configuration\n")
	b.WriteString("# Generated by coday-gateway init\n\n")

	fmt.Fprintf(&b, "server:\n  http_addr: %q\n\n", a.HTTPAddr)
	fmt.Fprintf(&b, "database:\n  path: %q\n\n", a.DBPath)
	if a.JWTSecret != "" {
		fmt.Fprintf(&b, "auth:\n  jwt_secret: %q\n\n", a.JWTSecret)
	}

	fmt.Fprintf(&b, "providers:\n  %s:\n    type: %q\n    api_key: \"${%s}\"\n\n", a.ProviderType, a.ProviderType, a.APIKeyEnv)

	b.WriteString("agents:\n")
	b.WriteString("  delegation_depth: 1\n")
	b.WriteString("  definitions:\n")
	fmt.Fprintf(&b, "    - name: coday\n      provider: %q\n      model: %q\n", a.ProviderType, fallbackModels[a.ProviderType])
	b.WriteString("      instructions: \"You are Coday, a helpful assistant.\"\n\n")

	b.WriteString("sessions:\n")
	b.WriteString("  heartbeat_interval: \"30s\"\n")
	b.WriteString("  timeout: \"8h\"\n\n")

	fmt.Fprintf(&b, "logging:\n  level: %q\n  format: %q\n", a.LogLevel, a.LogFormat)
	return b.String()
}

func defaultKeyEnv(providerType string) string {
	if providerType == config.ProviderOpenAI {
		return "OPENAI_API_KEY"
	}
	return "ANTHROPIC_API_KEY"
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

func yes(answer string) bool {
	a := strings.ToLower(answer)
	return a == "yes" || a == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && (err != io.EOF || input == "") {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
