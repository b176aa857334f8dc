package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/conversation"
	"github.com/zulandar/signalbox/internal/notify"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Conversation sync commands",
	}

	cmd.AddCommand(newSyncWatchCmd())
	cmd.AddCommand(newSyncModeCmd())
	return cmd
}

func newSyncWatchCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "watch [NUMBER]",
		Short: "Follow the conversations of a business number",
		Long: `Polls the conversation feed of NUMBER and prints the conversation list
whenever it changes. NUMBER defaults to platform.business_phone_number.
Raised alert flags are sent to the configured sinks.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			number, err := businessNumber(a.cfg, args)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd)
			defer cancel()

			n, err := a.notifier(ctx)
			if err != nil {
				return err
			}
			e, err := a.engine(notify.OnConversationChange(ctx, n, a.logger))
			if err != nil {
				return err
			}
			defer e.Close()

			sub, err := e.Subscribe(ctx, number)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for u := range sub.Updates() {
				printSnapshot(out, u.Snapshot)
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newSyncModeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "mode NUMBER CONVERSATION auto|manual",
		Short: "Switch a conversation between automated and manual replies",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := conversation.ParseMode(args[2])
			if err != nil {
				return err
			}
			a, err := loadApp(configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			e, err := a.engine(nil)
			if err != nil {
				return err
			}
			defer e.Close()
			if err := e.SetResponseMode(cmd.Context(), args[0], args[1], mode); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Conversation %s is now %s\n", args[1], mode)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

// businessNumber picks the number from args, falling back to the
// configured business phone number.
func businessNumber(cfg *config.Config, args []string) (string, error) {
	number := cfg.Platform.BusinessPhoneNumber
	if len(args) > 0 {
		number = args[0]
	}
	if number == "" {
		return "", errors.New("no business number: pass NUMBER or set platform.business_phone_number")
	}
	if err := conversation.ValidateBusinessNumber(number); err != nil {
		return "", err
	}
	return number, nil
}

func printSnapshot(out io.Writer, snap conversation.Snapshot) {
	fmt.Fprintf(out, "\n%s  %d conversations  (polled %s)\n",
		snap.BusinessNumber, len(snap.Users), snap.PolledAt.Local().Format(time.TimeOnly))
	if len(snap.Users) == 0 {
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CONVERSATION\tMODE\tALERT\tTIME\tLAST MESSAGE")
	for _, u := range snap.Users {
		c, _ := snap.Conversation(u.ID)
		alert := ""
		if u.Alert {
			alert = "!"
		}
		at := ""
		if !u.Time.IsZero() {
			at = u.Time.Local().Format(time.TimeOnly)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", u.ID, c.ResponseMode, alert, at, truncate(u.Message, 60))
	}
	w.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
