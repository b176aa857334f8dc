package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zulandar/signalbox/internal/catalog"
	"github.com/zulandar/signalbox/internal/notify"
)

func newTemplateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Manage message templates",
	}

	cmd.AddCommand(newTemplateListCmd())
	cmd.AddCommand(newTemplateGetCmd())
	cmd.AddCommand(newTemplateCreateCmd())
	cmd.AddCommand(newTemplateDeleteCmd())
	cmd.AddCommand(newTemplateWatchCmd())
	return cmd
}

func newTemplateListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every template of the business account",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			m, err := a.templates()
			if err != nil {
				return err
			}
			templates, err := m.List(cmd.Context())
			if err != nil {
				return err
			}
			printTemplates(cmd.OutOrStdout(), templates)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newTemplateGetCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "get NAME",
		Short: "Show the template named exactly NAME",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			m, err := a.templates()
			if err != nil {
				return err
			}
			t, err := m.FindExact(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(t)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newTemplateCreateCmd() *cobra.Command {
	var (
		configPath   string
		headerMedia  string
		headerFormat string
	)

	cmd := &cobra.Command{
		Use:   "create FILE.json",
		Short: "Submit a template definition for review",
		Long: `Submits the template definition in FILE.json (name, language, category,
components). With --header-media the file is uploaded first and a media
HEADER component referencing its handle is prepended.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTemplateCreate(cmd, configPath, args[0], headerMedia, headerFormat)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&headerMedia, "header-media", "", "media file to upload for the header")
	cmd.Flags().StringVar(&headerFormat, "header-format", "IMAGE", "header format: IMAGE, VIDEO or DOCUMENT")
	return cmd
}

// readDefinition loads a template definition from a JSON file.
func readDefinition(path string) (catalog.Definition, error) {
	var def catalog.Definition
	data, err := os.ReadFile(path)
	if err != nil {
		return def, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &def); err != nil {
		return def, fmt.Errorf("parse %s: %w", path, err)
	}
	return def, nil
}

func runTemplateCreate(cmd *cobra.Command, configPath, path, headerMedia, headerFormat string) error {
	def, err := readDefinition(path)
	if err != nil {
		return err
	}
	if err := def.Validate(); err != nil {
		return err
	}

	a, err := loadApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	m, err := a.templates()
	if err != nil {
		return err
	}

	if headerMedia != "" {
		u, err := a.uploads()
		if err != nil {
			return err
		}
		f, err := os.Open(headerMedia)
		if err != nil {
			return fmt.Errorf("open %s: %w", headerMedia, err)
		}
		defer f.Close()
		handle, err := u.UploadFile(cmd.Context(), f, filepath.Base(headerMedia), mediaTypeOf(headerMedia))
		if err != nil {
			return err
		}
		def.Components = append([]json.RawMessage{catalog.HeaderMediaComponent(headerFormat, string(handle))}, def.Components...)
	}

	t, err := m.Create(cmd.Context(), def)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created template %s (id %s, category %s): %s\n", t.Name, t.ID, t.Category, t.Status)
	return nil
}

func newTemplateDeleteCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete every language version of template NAME",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			m, err := a.templates()
			if err != nil {
				return err
			}
			if err := m.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted template %s\n", args[0])
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newTemplateWatchCmd() *cobra.Command {
	var (
		configPath string
		schedule   string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Alert on template status changes",
		Long: `Lists templates on a cron schedule and sends an alert to the configured
sinks whenever a template's moderation status changes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			if schedule == "" {
				schedule = a.cfg.Catalog.WatchCron
			}

			ctx, cancel := signalContext(cmd)
			defer cancel()

			m, err := a.templates()
			if err != nil {
				return err
			}
			n, err := a.notifier(ctx)
			if err != nil {
				return err
			}
			w, err := catalog.NewWatcher(catalog.WatcherOpts{
				Lister:   m,
				Schedule: schedule,
				OnChange: notify.OnTemplateChange(ctx, n, a.logger),
				Logger:   a.logger,
			})
			if err != nil {
				return err
			}
			if err := w.Start(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Watching templates (%s). Press Ctrl-C to stop.\n", schedule)
			<-ctx.Done()
			w.Stop()
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron schedule (default: catalog.watch_cron)")
	return cmd
}

func printTemplates(out io.Writer, templates []catalog.Template) {
	if len(templates) == 0 {
		fmt.Fprintln(out, "No templates.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tLANGUAGE\tCATEGORY\tSTATUS\tID")
	for _, t := range templates {
		status := string(t.Status)
		if t.RejectedReason != "" && t.RejectedReason != "NONE" {
			status += " (" + strings.ToLower(t.RejectedReason) + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.Name, t.Language, t.Category, status, t.ID)
	}
	w.Flush()
}
