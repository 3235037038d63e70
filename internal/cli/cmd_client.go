package cli

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/tunlify/tunlify/internal/client"
	"github.com/tunlify/tunlify/internal/config"
	"github.com/tunlify/tunlify/internal/debughttp"
	ilog "github.com/tunlify/tunlify/internal/log"
)

func runClient(ctx context.Context, args []string) int {
	cfg, err := config.ParseClientFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "client config error:", err)
		return 2
	}
	if err := mergeClientSettings(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, "client config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel)

	if err := debughttp.Start(ctx, cfg.PprofAddr, logger, "client"); err != nil {
		fmt.Fprintln(os.Stderr, "client error:", err)
		return 1
	}

	c := client.New(cfg, logger)
	if err := c.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "client error:", err)
		return 1
	}
	return 0
}

// mergeClientSettings fills server and token from the settings file written
// by `tunlify login` when flags and environment left them empty.
func mergeClientSettings(cfg *config.ClientConfig) error {
	if strings.TrimSpace(cfg.ServerURL) == "" || strings.TrimSpace(cfg.Token) == "" {
		if stored, err := client.LoadSettings(); err == nil {
			if strings.TrimSpace(cfg.ServerURL) == "" {
				cfg.ServerURL = stored.Server
			}
			if strings.TrimSpace(cfg.Token) == "" {
				cfg.Token = stored.Token
			}
		}
	}
	if strings.TrimSpace(cfg.ServerURL) == "" || strings.TrimSpace(cfg.Token) == "" {
		return errors.New("missing credentials. run `tunlify login --server https://api.example.com --token <token>` or provide --server/--token")
	}
	normalized, err := normalizeServerURL(cfg.ServerURL)
	if err != nil {
		return err
	}
	cfg.ServerURL = normalized
	return nil
}

func runLogin(args []string) int {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	serverURL := envOr("TUNLIFY_SERVER", "")
	token := envOr("TUNLIFY_TOKEN", "")
	fs.StringVar(&serverURL, "server", serverURL, "Gateway base URL (e.g. https://api.tunlify.dev)")
	fs.StringVar(&token, "token", token, "Tunnel connection token")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	serverURL = strings.TrimSpace(serverURL)
	token = strings.TrimSpace(token)

	canPrompt := isInteractiveInput()
	reader := bufio.NewReader(os.Stdin)
	if serverURL == "" {
		if !canPrompt {
			fmt.Fprintln(os.Stderr, "login error: missing --server (or TUNLIFY_SERVER)")
			return 2
		}
		v, err := prompt(reader, "Gateway host or URL: ")
		if err != nil {
			fmt.Fprintln(os.Stderr, "login error:", err)
			return 1
		}
		serverURL = v
	}
	if token == "" {
		if !canPrompt {
			fmt.Fprintln(os.Stderr, "login error: missing --token (or TUNLIFY_TOKEN)")
			return 2
		}
		v, err := prompt(reader, "Connection token: ")
		if err != nil {
			fmt.Fprintln(os.Stderr, "login error:", err)
			return 1
		}
		token = v
	}

	normalized, err := normalizeServerURL(serverURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "login error:", err)
		return 2
	}
	if token == "" {
		fmt.Fprintln(os.Stderr, "login error: server and token are required")
		return 2
	}
	if err := client.SaveSettings(client.Settings{Server: normalized, Token: token}); err != nil {
		fmt.Fprintln(os.Stderr, "login error:", err)
		return 1
	}
	fmt.Println("saved:", client.SettingsPath())
	return 0
}

// normalizeServerURL upgrades bare hosts to https and trims trailing slashes.
// Plain http stays accepted so a tls-mode off gateway can be reached.
func normalizeServerURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("missing server URL")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.New("server URL must use http or https")
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("server URL must include host")
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String(), nil
}

func isInteractiveInput() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func prompt(reader *bufio.Reader, label string) (string, error) {
	fmt.Fprint(os.Stdout, label)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
