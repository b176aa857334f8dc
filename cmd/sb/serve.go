package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zulandar/signalbox/internal/catalog"
	"github.com/zulandar/signalbox/internal/console"
	"github.com/zulandar/signalbox/internal/notify"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the console API",
		Long: `Serves the console API: uploads, templates, the conversation view and
the store-backed feed. With --watch-templates the template status watcher
runs alongside.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			if port > 0 {
				a.cfg.Server.Port = port
			}

			ctx, cancel := signalContext(cmd)
			defer cancel()
			return runServe(ctx, cmd, a, watch)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default: server.port)")
	cmd.Flags().BoolVar(&watch, "watch-templates", false, "run the template status watcher")
	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, a *app, watch bool) error {
	opts := console.Opts{
		Port:   a.cfg.Server.Port,
		Logger: a.logger,
		Out:    cmd.OutOrStdout(),
	}

	n, err := a.notifier(ctx)
	if err != nil {
		return err
	}

	// Services that cannot be built from the config are left out of the
	// API rather than failing the whole server.
	if m, err := a.uploads(); err == nil {
		opts.Uploads = m
	} else {
		a.logger.Warn("uploads disabled", zap.Error(err))
	}
	templates, err := a.templates()
	if err == nil {
		opts.Templates = templates
	} else {
		a.logger.Warn("templates disabled", zap.Error(err))
	}
	e, err := a.engine(notify.OnConversationChange(ctx, n, a.logger))
	if err != nil {
		return err
	}
	defer e.Close()
	opts.Conversations = e

	store, err := a.openStore()
	if err != nil {
		return err
	}
	opts.Store = store

	if watch && templates != nil {
		w, err := catalog.NewWatcher(catalog.WatcherOpts{
			Lister:   templates,
			Schedule: a.cfg.Catalog.WatchCron,
			OnChange: notify.OnTemplateChange(ctx, n, a.logger),
			Logger:   a.logger,
		})
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Stop()
	}

	return console.Start(ctx, opts)
}
