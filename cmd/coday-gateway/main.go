// ABOUTME: Entry point for coday-gateway, the multi-session agent server
// ABOUTME: Dispatches the serve, init, token, health and version subcommands

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/biznet-io/coday/internal/auth"
	"github.com/biznet-io/coday/internal/config"
	"github.com/biznet-io/coday/internal/gateway"
)

// version is set by goreleaser at build time.
var version = "dev"

const banner = `
                _
  ___ ___   __| | __ _ _   _
 / __/ _ \ / _' |/ _' | | | |
| (_| (_) | (_| | (_| | |_| |
 \___\___/ \__,_|\__,_|\__, |
                       |___/
`

// defaultTokenTTL is the lifetime of tokens minted by the token command.
const defaultTokenTTL = 30 * 24 * time.Hour

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: coday-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                         Start the gateway server")
		fmt.Println("  init                          Create a new config file interactively")
		fmt.Println("  token --user NAME [--ttl D]   Mint a bearer token for NAME")
		fmt.Println("  health                        Check gateway health")
		fmt.Println("  version                       Print the version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	path, err := config.DefaultPath()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

// runToken mints a JWT signed with auth.jwt_secret. Supports "--user value"
// and "--user=value" forms.
func runToken(args []string) error {
	var username string
	ttl := defaultTokenTTL
	for i := 0; i < len(args); i++ {
		arg := args[i]
		var value string
		var flag string
		switch {
		case strings.HasPrefix(arg, "--") && strings.Contains(arg, "="):
			flag, value, _ = strings.Cut(arg, "=")
		case strings.HasPrefix(arg, "-"):
			flag = arg
			if i+1 >= len(args) {
				return fmt.Errorf("%s requires a value", arg)
			}
			value = args[i+1]
			i++
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}

		switch flag {
		case "--user", "-u":
			username = strings.TrimSpace(value)
		case "--ttl":
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("parsing --ttl: %w", err)
			}
			ttl = d
		default:
			return fmt.Errorf("unknown flag: %s", flag)
		}
	}
	if username == "" {
		return errors.New("--user flag is required")
	}

	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured in %s", path)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(username, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	gray := color.New(color.FgHiBlack)
	gray.Fprintf(os.Stderr, "user %s, expires %s\n", username, time.Now().Add(ttl).UTC().Format("Jan 02, 2006"))
	return nil
}

// runHealth asks the gRPC health service when it is enabled, and the HTTP
// readiness endpoint otherwise.
func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if cfg.GRPC.Enabled && cfg.GRPC.Addr != "" {
		return grpcHealth(ctx, cfg.GRPC.Addr)
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

func grpcHealth(ctx context.Context, addr string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: gateway.HealthServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("unhealthy: %s", resp.GetStatus())
	}

	fmt.Println("healthy")
	return nil
}
