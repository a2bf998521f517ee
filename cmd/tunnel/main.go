package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/burrowed/tunnel/internal/cmdutil"
	"github.com/burrowed/tunnel/internal/securefile"
	tversion "github.com/burrowed/tunnel/internal/version"
	"github.com/burrowed/tunnel/tunnelclient"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// clientConfig is the on-disk shape described in spec.md §6:
// {serverUrl, apiKey, portSubdomains?: {<port>: <subdomain>}}.
type clientConfig struct {
	ServerURL      string            `json:"serverUrl"`
	APIKey         string            `json:"apiKey"`
	PortSubdomains map[string]string `json:"portSubdomains,omitempty"`
}

func loadClientConfig(path string) (clientConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return clientConfig{}, err
	}
	var cfg clientConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return clientConfig{}, fmt.Errorf("tunnel: parse %s: %w", path, err)
	}
	return cfg, nil
}

func (cfg clientConfig) withRememberedSubdomain(port int, subdomain string) clientConfig {
	out := cfg
	out.PortSubdomains = make(map[string]string, len(cfg.PortSubdomains)+1)
	for k, v := range cfg.PortSubdomains {
		out.PortSubdomains[k] = v
	}
	out.PortSubdomains[strconv.Itoa(port)] = subdomain
	return out
}

func (cfg clientConfig) save(path string) error {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return securefile.WriteFileAtomic(path, b, 0o600)
}

// logDashboard is the simplest possible tunnelclient.Dashboard: one log
// line per forwarded request.
type logDashboard struct {
	log *log.Logger
}

func (d *logDashboard) RequestObserved(method, path, class string) {
	d.log.Printf("%s %s (%s)", method, path, class)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	logger := log.New(stderr, "", log.LstdFlags)

	configPath := cmdutil.EnvString("TUNNEL_CONFIG_FILE", "tunnel.json")
	localPort, err := cmdutil.EnvInt("TUNNEL_LOCAL_PORT", 0)
	if err != nil {
		fmt.Fprintf(stderr, "invalid TUNNEL_LOCAL_PORT: %v\n", err)
		return 1
	}

	fs := flag.NewFlagSet("tunnel", flag.ContinueOnError)
	fs.SetOutput(stderr)

	showVersion := false
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&configPath, "config", configPath, "path to the client config file (env: TUNNEL_CONFIG_FILE)")
	fs.IntVar(&localPort, "port", localPort, "local port to expose (required) (env: TUNNEL_LOCAL_PORT)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if showVersion {
		_, _ = fmt.Fprintln(stdout, tversion.String(version, commit, date))
		return 0
	}

	usageErr := func(msg string) int {
		if msg != "" {
			fmt.Fprintln(stderr, msg)
		}
		fs.Usage()
		return 1
	}
	if localPort <= 0 {
		return usageErr("missing --port")
	}

	cfg, err := loadClientConfig(configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if cfg.ServerURL == "" || cfg.APIKey == "" {
		return usageErr(fmt.Sprintf("%s must set serverUrl and apiKey", configPath))
	}
	stickySubdomain := cfg.PortSubdomains[strconv.Itoa(localPort)]

	client := tunnelclient.NewClient(tunnelclient.Config{
		ServerURL: cfg.ServerURL,
		APIKey:    cfg.APIKey,
		LocalPort: localPort,
		Subdomain: stickySubdomain,
		Dashboard: &logDashboard{log: logger},
		Logger:    logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	go watchConnectionEvents(client, cfg, configPath, localPort, stdout, logger)

	if err := client.Run(ctx); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

// watchConnectionEvents logs each lifecycle transition and persists a
// freshly assigned subdomain back to the config file so the next run of
// this port is sticky, per spec.md §6's portSubdomains contract.
func watchConnectionEvents(client *tunnelclient.Client, cfg clientConfig, configPath string, localPort int, stdout io.Writer, logger *log.Logger) {
	for ev := range client.Events {
		switch ev.State {
		case "open":
			logger.Printf("tunnel open: https://%s", ev.Subdomain)
			_ = cmdutil.WriteJSON(stdout, map[string]string{"state": "open", "subdomain": ev.Subdomain}, false)
			if ev.Subdomain != "" && cfg.PortSubdomains[strconv.Itoa(localPort)] != ev.Subdomain {
				cfg = cfg.withRememberedSubdomain(localPort, ev.Subdomain)
				if err := cfg.save(configPath); err != nil {
					logger.Printf("failed to persist sticky subdomain: %v", err)
				}
			}
		case "connecting":
			logger.Printf("tunnel connecting...")
		case "closed":
			logger.Printf("tunnel connection closed: %v", ev.Err)
		}
	}
}
