// ABOUTME: Listener setup for the gateway: plain TCP or a tailscale tsnet node
// ABOUTME: On the tailnet HTTP binds :80, or :443 with Tailscale certs or Funnel

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/biznet-io/coday/internal/config"
)

// tailnetGRPCPort is where the health service listens on the tailnet.
const tailnetGRPCPort = ":50051"

// listeners holds what Run serves on. tailnet is set when the listeners
// belong to a tsnet node that must be closed on shutdown.
type listeners struct {
	http    net.Listener
	grpc    net.Listener
	tailnet *tsnet.Server
}

func (ls *listeners) close() {
	for _, ln := range []net.Listener{ls.http, ls.grpc} {
		if ln != nil {
			_ = ln.Close()
		}
	}
	if ls.tailnet != nil {
		_ = ls.tailnet.Close()
	}
}

func (g *Gateway) listen(ctx context.Context) (*listeners, error) {
	if !g.config.Tailscale.Enabled {
		return g.listenTCP()
	}
	if g.config.Server.HTTPAddr != "" || g.config.GRPC.Addr != "" {
		g.logger.Warn("server.http_addr and grpc.addr are ignored when tailscale is enabled",
			"http_addr", g.config.Server.HTTPAddr,
			"grpc_addr", g.config.GRPC.Addr,
		)
	}
	return g.listenTailnet(ctx)
}

func (g *Gateway) listenTCP() (*listeners, error) {
	ls := &listeners{}

	var err error
	ls.http, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	if g.grpcServer != nil {
		ls.grpc, err = net.Listen("tcp", g.config.GRPC.Addr)
		if err != nil {
			ls.close()
			return nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}
	return ls, nil
}

// tailnetStateDir defaults to ~/.local/share/coday/tailscale.
func tailnetStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving tailscale state dir (set tailscale.state_dir): %w", err)
	}
	return filepath.Join(home, ".local", "share", "coday", "tailscale"), nil
}

// tailnetAuthKey falls back to $TS_AUTHKEY.
func tailnetAuthKey(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if key := os.Getenv("TS_AUTHKEY"); key != "" {
		return key, nil
	}
	return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
}

func (g *Gateway) listenTailnet(ctx context.Context) (*listeners, error) {
	tsCfg := g.config.Tailscale

	dir, err := tailnetStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := tailnetAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	ls := &listeners{tailnet: &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       dir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}}

	g.logger.Info("=== TAILSCALE STARTING ===", "hostname", tsCfg.Hostname, "state_dir", dir, "ephemeral", tsCfg.Ephemeral)
	status, err := ls.tailnet.Up(ctx)
	if err != nil {
		ls.close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailnet(tsCfg.Hostname, status)

	if g.grpcServer != nil {
		if ls.grpc, err = ls.tailnet.Listen("tcp", tailnetGRPCPort); err != nil {
			ls.close()
			return nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
		}
	}
	if ls.http, err = g.tailnetHTTP(ls.tailnet, tsCfg); err != nil {
		ls.close()
		return nil, err
	}
	return ls, nil
}

func (g *Gateway) logTailnet(hostname string, status *ipnstate.Status) {
	var ip, dnsName string
	if len(status.TailscaleIPs) > 0 {
		ip = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", ip, "dns_name", dnsName)
}

// tailnetHTTP picks the HTTP listener: Funnel, HTTPS with node certs, or
// plain :80 inside the tailnet.
func (g *Gateway) tailnetHTTP(srv *tsnet.Server, tsCfg config.TailscaleConfig) (net.Listener, error) {
	if tsCfg.Funnel {
		g.logger.Info("serving through tailscale funnel on :443")
		ln, err := srv.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	}

	if !tsCfg.HTTPS {
		ln, err := srv.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}

	g.logger.Info("serving HTTPS with tailscale certs on :443")
	lc, err := srv.LocalClient()
	if err != nil {
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	ln, err := srv.Listen("tcp", ":443")
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{GetCertificate: lc.GetCertificate, MinVersion: tls.VersionTLS12}), nil
}
