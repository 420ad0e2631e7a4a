package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"remindflow/internal/domain"
	"remindflow/internal/scheduler"
)

var (
	remindAt       string
	remindSubject  string
	remindTone     string
	remindChannels []string
	remindKey      string

	scheduleTimezone string
)

var remindCmd = &cobra.Command{
	Use:   "remind <offset> <text...>",
	Short: "Schedule a one-shot reminder",
	Long: `Schedule a reminder that fires once.

The offset is relative to now and combines days, hours, minutes and seconds:
  remindflow remind 25m "take a break"
  remindflow remind 1d2h "renew the certificate"

Use --at for an absolute time in the configured time zone:
  remindflow remind --at "2026-03-10 08:00" "standup"
  remindflow remind --at "明天 8点" "standup"`,
	Args: func(cmd *cobra.Command, args []string) error {
		if remindAt != "" {
			return cobra.MinimumNArgs(1)(cmd, args)
		}
		return cobra.MinimumNArgs(2)(cmd, args)
	},
	RunE: runRemind,
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule <cron> <text...>",
	Short: "Schedule a recurring reminder",
	Long: `Schedule a reminder that fires on a cron schedule until cancelled.

  remindflow schedule "0 9 * * 1-5" "stand-up in 15 minutes"
  remindflow schedule "@every 2h" "drink some water"`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSchedule,
}

func init() {
	for _, c := range []*cobra.Command{remindCmd, scheduleCmd} {
		c.Flags().StringVarP(&remindSubject, "subject", "s", "", "message subject")
		c.Flags().StringVar(&remindTone, "tone", "", "message tone: gentle, urgent or cheerful")
		c.Flags().StringSliceVarP(&remindChannels, "channels", "c", nil, "channel names (default: configured defaults)")
		c.Flags().StringVar(&remindKey, "key", "", "idempotency key; a second submission with the same key is rejected")
	}
	remindCmd.Flags().StringVar(&remindAt, "at", "", "absolute fire time instead of an offset")
	scheduleCmd.Flags().StringVar(&scheduleTimezone, "tz", "", "IANA time zone for the cron expression")

	rootCmd.AddCommand(remindCmd, scheduleCmd)
}

func textPayload(text string) domain.Payload {
	return domain.Payload{
		Kind:    domain.PayloadText,
		Text:    text,
		Subject: remindSubject,
		Tone:    domain.Tone(remindTone),
	}
}

func runRemind(cmd *cobra.Command, args []string) error {
	expr, textArgs := remindAt, args
	if expr == "" {
		expr, textArgs = args[0], args[1:]
	}
	return withApp(func(ctx context.Context, app *App) error {
		t, err := app.Service.SubmitOneShot(ctx, scheduler.OneShotRequest{
			Expression:     expr,
			Payload:        textPayload(strings.Join(textArgs, " ")),
			Channels:       remindChannels,
			IdempotencyKey: remindKey,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s reminder %s fires at %s\n", green("✓"), t.ID, localTime(t.NextFireAt))
		return nil
	})
}

func runSchedule(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, app *App) error {
		t, err := app.Service.SubmitRecurring(ctx, scheduler.RecurringRequest{
			Cron:           args[0],
			Timezone:       scheduleTimezone,
			Payload:        textPayload(strings.Join(args[1:], " ")),
			Channels:       remindChannels,
			IdempotencyKey: remindKey,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s schedule %s (%s %s) first fires at %s\n",
			green("✓"), t.ID, t.Trigger.Cron, t.Trigger.Timezone, localTime(t.NextFireAt))
		return nil
	})
}
