package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zulandar/signalbox/internal/catalog"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/conversation"
	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/logging"
	"github.com/zulandar/signalbox/internal/notify"
	"github.com/zulandar/signalbox/internal/notify/amqp"
	"github.com/zulandar/signalbox/internal/notify/discord"
	"github.com/zulandar/signalbox/internal/notify/slack"
	"github.com/zulandar/signalbox/internal/platform"
	"github.com/zulandar/signalbox/internal/upload"
)

const defaultConfigPath = "signalbox.yaml"

// app holds what every command builds from the config file.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	client *platform.Client

	store   *db.Store
	closers []func() error
}

func loadApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return newApp(cfg), nil
}

func newApp(cfg *config.Config) *app {
	return &app{
		cfg:    cfg,
		logger: logging.New(cfg.Log),
		client: platform.NewClient(platform.ClientOpts{
			AccessToken:     cfg.Platform.AccessToken,
			Timeout:         cfg.Timeout(),
			StreamThreshold: cfg.Platform.StreamThreshold,
		}),
	}
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.logger.Sync()
}

func (a *app) uploads() (*upload.Manager, error) {
	p := a.cfg.Platform
	return upload.NewManager(upload.ManagerOpts{
		Client:           a.client,
		BaseURL:          p.BaseURL,
		APIVersion:       p.APIVersion,
		AppID:            p.AppID,
		ClientID:         p.ClientID,
		ClientSecret:     p.ClientSecret,
		StageDir:         a.cfg.Upload.StageDir,
		TransferAttempts: a.cfg.Upload.TransferAttempts,
		MaxFileBytes:     a.cfg.Upload.MaxFileBytes,
		Logger:           a.logger,
	})
}

func (a *app) templates() (*catalog.Manager, error) {
	p := a.cfg.Platform
	return catalog.NewManager(catalog.ManagerOpts{
		Client:      a.client,
		BaseURL:     p.BaseURL,
		APIVersion:  p.APIVersion,
		WABAID:      p.WABAID,
		SearchLimit: a.cfg.Catalog.SearchLimit,
		MaxPages:    a.cfg.Catalog.MaxPages,
		Logger:      a.logger,
	})
}

// openStore connects and migrates the conversation store once.
func (a *app) openStore() (*db.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	gormDB, err := db.Connect(a.cfg.Store.Driver, storeDSN(a.cfg.Store))
	if err != nil {
		return nil, err
	}
	if sqlDB, err := gormDB.DB(); err == nil {
		a.closers = append(a.closers, sqlDB.Close)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, err
	}
	store, err := db.NewStore(gormDB)
	if err != nil {
		return nil, err
	}
	a.store = store
	return store, nil
}

// storeDSN returns the configured DSN, or one built from the host fields.
func storeDSN(c config.StoreConfig) string {
	if c.DSN != "" || c.Driver != db.DriverMySQL {
		return c.DSN
	}
	return db.MySQLDSN(c.User, c.Password, c.Host, c.Port, c.Database)
}

func (a *app) source() (conversation.Source, error) {
	c := a.cfg.Conversations
	if c.Source == config.SourceStore {
		store, err := a.openStore()
		if err != nil {
			return nil, err
		}
		return conversation.NewStoreSource(store)
	}
	return conversation.NewHTTPSource(a.client, c.FeedURL, c.ModeURL)
}

func (a *app) engine(onChange func(prev, next conversation.Snapshot)) (*conversation.Engine, error) {
	src, err := a.source()
	if err != nil {
		return nil, err
	}
	return conversation.NewEngine(conversation.EngineOpts{
		Source:   src,
		Interval: a.cfg.PollInterval(),
		OnChange: onChange,
		Logger:   a.logger,
	})
}

// notifier builds every configured alert sink. Alerts are always logged.
func (a *app) notifier(ctx context.Context) (notify.Notifier, error) {
	sinks := notify.Multi{notify.Log{Logger: a.logger.Named("alert")}}
	n := a.cfg.Notify
	if n.Slack.Enabled() {
		s, err := slack.New(slack.Opts{BotToken: n.Slack.BotToken, ChannelID: n.Slack.ChannelID})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if n.Discord.Enabled() {
		d, err := discord.New(discord.Opts{BotToken: n.Discord.BotToken, ChannelID: n.Discord.ChannelID, Logger: a.logger})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, d)
	}
	if n.AMQP.URL != "" {
		p, err := amqp.New(ctx, amqp.Opts{URL: n.AMQP.URL, Exchange: n.AMQP.Exchange, Logger: a.logger})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, p.Close)
		sinks = append(sinks, p)
	}
	return sinks, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(cmd.Context())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
