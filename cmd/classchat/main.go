package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"classchat/internal/config"
	"classchat/internal/domain"
	"classchat/internal/metrics"
	"classchat/internal/realtime"
	"classchat/internal/session"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	_ = godotenv.Load(".env")
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:     "classchat",
		Short:   "classchat: course chat from the terminal",
		Long:    "classchat is the terminal client for the course platform's chat: optimistic sends, live events, history paging, reactions and attachments.",
		Version: version,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.classchat/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(devserverCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			if _, err := os.Stat(cfgPath); err == nil {
				logger.Warn("config already exists, leaving it unchanged", "path", cfgPath)
			} else {
				if err := config.Save(cfgPath, config.Defaults()); err != nil {
					return err
				}
				logger.Info("config written", "path", cfgPath)
			}
			dataDir := config.ExpandPath(config.Defaults().General.DataDir)
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "data", dataDir)
			logger.Info("next: put a session token in " + config.ExpandPath(config.Defaults().Auth.TokenFile) +
				" or set " + session.TokenEnvVar)
			return nil
		},
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfigOrDefaults falls back to defaults when no config file exists yet,
// so the client works against a local dev server out of the box.
func loadConfigOrDefaults() *config.Config {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		return config.Defaults()
	}
	return cfg
}

// buildLogger derives the logger from config: level from general.logLevel,
// output to general.logFile when set so log lines stay out of the chat view.
func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	out := io.Writer(os.Stderr)
	if cfg.General.LogFile != "" {
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			logger.Warn("cannot open log file, logging to stderr", "path", cfg.General.LogFile, "err", err)
		} else {
			out = f
		}
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

// newSubscriber picks the realtime transport configured for this client.
func newSubscriber(cfg *config.Config, token string) domain.Subscriber {
	if cfg.Realtime.Transport == "nats" {
		return realtime.NewNATSSubscriber(realtime.NATSConfig{
			URL:           cfg.Realtime.NATSURL,
			SubjectPrefix: cfg.Realtime.SubjectPrefix,
			Logger:        logger,
		})
	}
	return realtime.NewWSSubscriber(realtime.WSConfig{
		BaseURL: cfg.Server.BaseURL,
		Token:   token,
		Logger:  logger,
	})
}

// serveMetrics exposes the debug metrics listener until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           metrics.Collector.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	logger.Info("metrics listener started", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("metrics listener failed", "addr", addr, "err", err)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show client status: config, token, server reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false)
				cfg = config.Defaults()
			} else {
				logger.Info("config", "path", cfgPath, "loaded", true)
			}

			sess, err := session.Load(session.Config{
				Token:     cfg.Auth.Token,
				TokenFile: cfg.Auth.TokenFile,
				Logger:    logger,
			})
			switch {
			case err != nil:
				logger.Info("session", "token", false)
			case sess.Valid() != nil:
				logger.Info("session", "token", true, "user", sess.Identity().UserID, "expired", true)
			default:
				logger.Info("session", "token", true, "user", sess.Identity().UserID,
					"expires", sess.ExpiresAt().Format(time.RFC3339))
			}

			client := &http.Client{Timeout: 3 * time.Second}
			resp, err := client.Get(cfg.Server.BaseURL + "/v1/healthz")
			if err != nil {
				logger.Info("server", "url", cfg.Server.BaseURL, "reachable", false, "err", err)
			} else {
				resp.Body.Close()
				logger.Info("server", "url", cfg.Server.BaseURL, "reachable", resp.StatusCode == http.StatusOK)
			}

			logger.Info("realtime", "transport", cfg.Realtime.Transport)
			logger.Info("cache", "enabled", cfg.Cache.Enabled, "path", cfg.Cache.DBPath)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. server.baseUrl)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. realtime.transport nats)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sanitized := config.Sanitize(cfg)
			data, _ := json.MarshalIndent(sanitized, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
