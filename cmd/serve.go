package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"madera-chat/internal/chat"
	"madera-chat/internal/config"
	"madera-chat/internal/gateway"
	"madera-chat/internal/metrics"
	"madera-chat/internal/notify"
	providerfactory "madera-chat/internal/provider/factory"
	"madera-chat/internal/server"
)

const serveUsage = `Usage:
  madera-chat serve [--config <path>] [--env-file <path>] [--port <port>]

Flags:
  --config   string   Path to YAML configuration file (optional, environment is enough)
  --env-file string   .env file to load before reading the environment (default ".env")
  --port     int      Override server port from configuration`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath, envFile string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.StringVar(&envFile, "env-file", "", "path to .env file")
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	var envFiles []string
	if envFile != "" {
		envFiles = append(envFiles, envFile)
	}
	cfg, err := config.Load(cfgPath, envFiles...)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	m := metrics.New()

	sinks, closeSinks, err := notify.SinksFromConfig(cfg.Notify, &http.Client{Timeout: cfg.Notify.Timeout})
	if err != nil {
		return err
	}
	defer func() {
		if err := closeSinks(); err != nil {
			slog.Warn("close lead sinks", "err", err)
		}
	}()
	notifier := notify.New(sinks, cfg.Notify.Timeout, m)

	opts := chat.Options{
		Notifier:   notifier,
		Metrics:    m,
		Structured: cfg.Chat.Structured(),
	}
	if cfg.Provider.HasCredential() {
		p, err := providerfactory.New(cfg.Provider)
		if err != nil {
			return err
		}
		gw, err := gateway.New(p, gateway.Options{
			Model:        cfg.Provider.Model,
			Temperature:  cfg.Provider.Temperature,
			MaxTokens:    cfg.Provider.MaxTokens,
			HistoryLimit: cfg.Chat.HistoryLimit,
			JSONMode:     cfg.Chat.Structured(),
		}, m)
		if err != nil {
			return err
		}
		opts.Gateway = gw
		slog.Info("llm provider configured", "provider", gw.ProviderName(), "model", cfg.Provider.Model)
	} else {
		slog.Warn("no LLM API key configured: chat requests will fail with 500")
	}

	srv, err := server.New(cfg, chat.NewService(opts), notifier, m)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}
