package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"livegate/server"
)

const defaultConfigPath = "./config.yaml"

func configCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or check the configuration file",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "init",
			Short: "Interactively write a new config file",
			RunE: func(cmd *cobra.Command, args []string) error {
				path := configPathOrDefault(opts.configPath)
				if err := runConfigInit(path, cmd.InOrStdin(), cmd.OutOrStdout(), opts.logger); err != nil {
					return fmt.Errorf("config init failed: %w", err)
				}
				opts.logger.Info("configuration initialized successfully", "path", path)
				return nil
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Validate the config file and probe the identity provider",
			RunE: func(cmd *cobra.Command, args []string) error {
				path := configPathOrDefault(opts.configPath)
				if err := runConfigValidate(cmd.Context(), path, opts.logger); err != nil {
					return fmt.Errorf("config validation failed: %w", err)
				}
				opts.logger.Info("configuration is valid", "path", path)
				return nil
			},
		},
	)
	return cmd
}

func configPathOrDefault(path string) string {
	if path == "" {
		return defaultConfigPath
	}
	return path
}

// loadConfig reads path, or ./config.yaml when present, or the environment alone.
func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		} else {
			logger.Debug("no config file, using environment only")
			return server.LoadConfig("")
		}
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run 'livegate config init' to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, in io.Reader, out io.Writer, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(path, bufio.NewReader(in), out, logger)
	return err
}

func runConfigValidate(ctx context.Context, path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	logger.Info("validating configuration URLs...")
	wellKnown := wellKnownURL(cfg.OIDC.IssuerURL)
	if err := validateURL(ctx, wellKnown); err != nil {
		logger.Error("issuer URL validation failed", "issuer", cfg.OIDC.IssuerURL, "url", wellKnown, "error", err)
	} else {
		logger.Info("issuer URL is accessible", "issuer", cfg.OIDC.IssuerURL)
	}
	if cfg.Sessions.DatabaseURL != "" {
		logger.Info("session store", "type", server.DetectDatabaseType(cfg.Sessions.DatabaseURL))
	}
	logger.Info("configuration validation complete")
	return nil
}

func validateStartupURLs(ctx context.Context, cfg server.Config, logger *slog.Logger) {
	wellKnown := wellKnownURL(cfg.OIDC.IssuerURL)
	if err := validateURL(ctx, wellKnown); err != nil {
		logger.Warn("issuer URL may not be accessible",
			"issuer", cfg.OIDC.IssuerURL,
			"url", wellKnown,
			"error", err,
			"note", "server will continue but federated login may fail")
		return
	}
	logger.Info("issuer URL is accessible", "issuer", cfg.OIDC.IssuerURL)
}

func wellKnownURL(issuer string) string {
	return strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"
}

func validateURL(ctx context.Context, urlStr string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}

func runSetup(path string, reader *bufio.Reader, out io.Writer, logger *slog.Logger) (server.Config, error) {
	fmt.Fprintf(out, "No configuration file found at %s.\n", path)
	fmt.Fprintln(out, "Starting guided setup. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()

	devMode := askYesNo(reader, out, "Run in development mode?", true)
	if devMode {
		cfg.Server.Environment = server.EnvDevelopment
		cfg.Server.DevListenAddr = ask(reader, out, "Dev listen address", cfg.Server.DevListenAddr)
		cfg.Server.PublicURL = "http://" + cfg.Server.DevListenAddr
	} else {
		cfg.Server.Environment = server.EnvProduction
		domain := askRequired(reader, out, "Primary public domain (e.g. live.example.com)")
		domain = strings.TrimSuffix(domain, "/")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.PublicURL = "https://" + domain
		cfg.Server.AllowedHosts = []string{domain}
		cfg.Server.TLS.Email = ask(reader, out, "ACME contact email", cfg.Server.TLS.Email)
	}

	cfg.Server.AllowedOrigins = normalizeList(ask(reader, out, "Allowed CORS origins (comma separated)", ""), nil)

	cfg.OIDC.IssuerURL = strings.TrimSuffix(ask(reader, out, "OIDC issuer URL", cfg.OIDC.IssuerURL), "/")
	cfg.OIDC.ClientID = askRequired(reader, out, "OIDC client ID")
	cfg.OIDC.ClientSecret = ask(reader, out, "OIDC client secret (empty for public clients)", "")

	secret := ask(reader, out, "Session secret (empty to generate)", "")
	if secret == "" {
		secret = randomHex(32)
	}
	cfg.Sessions.Secret = secret

	if devMode {
		cfg.Sessions.DatabaseURL = ask(reader, out, "Database URL (empty for in-memory)", "")
	} else {
		cfg.Sessions.DatabaseURL = askRequired(reader, out, "Database URL (postgres://... or a SQLite file)")
	}

	cfg.Demo.Enabled = askYesNo(reader, out, "Enable demo phone/email login?", cfg.Demo.Enabled)
	if cfg.Demo.Enabled {
		cfg.Demo.RequireSignedToken = askYesNo(reader, out, "Require server-signed demo tokens?", !devMode)
	}

	if err := cfg.Validate(); err != nil {
		return server.Config{}, err
	}
	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path)

	return server.LoadConfig(path)
}

func ask(reader *bufio.Reader, out io.Writer, prompt, def string) string {
	if def != "" {
		fmt.Fprintf(out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(out, "%s: ", prompt)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func askRequired(reader *bufio.Reader, out io.Writer, prompt string) string {
	for {
		fmt.Fprintf(out, "%s: ", prompt)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input != "" {
			return input
		}
		if err != nil {
			return ""
		}
		fmt.Fprintln(out, "This value is required. Please enter a value.")
	}
}

func askYesNo(reader *bufio.Reader, out io.Writer, prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Fprintf(out, "%s [%s]: ", prompt, defLabel)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "" {
			return def
		}
		switch input {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(out, "Please enter 'y' or 'n'.")
	}
}

func normalizeList(input string, fallback []string) []string {
	if strings.TrimSpace(input) == "" {
		return fallback
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	return hex.EncodeToString(buf)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
