package main

import (
	"fmt"
	"log/slog"

	"github.com/genfin/furrow/internal/config"
	"github.com/genfin/furrow/internal/db"
	"github.com/genfin/furrow/internal/logging"
	"github.com/genfin/furrow/internal/metrics"
	"github.com/genfin/furrow/internal/notify"
	"github.com/genfin/furrow/internal/notify/discord"
	"github.com/genfin/furrow/internal/notify/slack"
	"github.com/genfin/furrow/internal/season"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

// app bundles what a command needs to run lifecycle operations.
type app struct {
	cfg      *config.Config
	db       *gorm.DB
	svc      *season.Service
	log      *slog.Logger
	notifier notify.Notifier
}

// openApp loads the config, connects to the database and builds the season
// service. Logs go to the command's stderr.
func openApp(cmd *cobra.Command, configPath string, m *metrics.Metrics) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	notifier, err := buildNotifier(cfg.Notify)
	if err != nil {
		return nil, err
	}

	svc := season.New(gormDB, season.Options{
		Logger:      logger,
		Metrics:     m,
		Notifier:    notifier,
		RatePerAcre: cfg.Loan.RatePerAcre,
	})
	return &app{
		cfg:      cfg,
		db:       gormDB,
		svc:      svc,
		log:      logger,
		notifier: notifier,
	}, nil
}

// close releases the database handle.
func (a *app) close() {
	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
}

// buildNotifier returns the configured chat notifiers, or nil when none is
// configured.
func buildNotifier(c config.NotifyConfig) (notify.Notifier, error) {
	var multi notify.Multi
	if c.Slack.BotToken != "" {
		n, err := slack.New(slack.Opts{BotToken: c.Slack.BotToken, ChannelID: c.Slack.ChannelID})
		if err != nil {
			return nil, err
		}
		multi = append(multi, n)
	}
	if c.Discord.BotToken != "" {
		n, err := discord.New(discord.Opts{BotToken: c.Discord.BotToken, ChannelID: c.Discord.ChannelID})
		if err != nil {
			return nil, err
		}
		multi = append(multi, n)
	}
	if len(multi) == 0 {
		return nil, nil
	}
	return multi, nil
}
