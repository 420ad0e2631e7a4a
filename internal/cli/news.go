package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"remindflow/internal/domain"
	"remindflow/internal/scheduler"
)

var (
	newsNoPush   bool
	newsSources  []string
	newsFilter   string
	newsChannels []string
	newsCron     string
	newsTimezone string
)

var newsCmd = &cobra.Command{
	Use:   "news",
	Short: "Build and deliver news digests from the configured feeds",
}

var newsNowCmd = &cobra.Command{
	Use:   "now",
	Short: "Build a digest and deliver it right away",
	Long: `Build a digest from the configured sources and deliver it immediately.
With --no-push the digest is printed and nothing is recorded as seen.`,
	Args: cobra.NoArgs,
	RunE: runNewsNow,
}

var newsScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Deliver a digest on a cron schedule",
	Args:  cobra.NoArgs,
	RunE:  runNewsSchedule,
}

func init() {
	for _, c := range []*cobra.Command{newsNowCmd, newsScheduleCmd} {
		c.Flags().StringSliceVar(&newsSources, "sources", nil, "source name patterns, e.g. tech-* (default: all)")
		c.Flags().StringVar(&newsFilter, "filter", "", `CEL item filter, e.g. 'item.title.contains("Go")'`)
		c.Flags().StringSliceVarP(&newsChannels, "channels", "c", nil, "channel names (default: configured defaults)")
	}
	newsNowCmd.Flags().BoolVar(&newsNoPush, "no-push", false, "print the digest instead of delivering it")
	newsScheduleCmd.Flags().StringVar(&newsCron, "cron", "", "cron expression (default: digest.default_cron)")
	newsScheduleCmd.Flags().StringVar(&newsTimezone, "tz", "", "IANA time zone for the cron expression")

	newsCmd.AddCommand(newsNowCmd, newsScheduleCmd)
	rootCmd.AddCommand(newsCmd)
}

func newsSpec() domain.DigestSpec {
	return domain.DigestSpec{Sources: newsSources, Filter: newsFilter}
}

func runNewsNow(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, app *App) error {
		out := cmd.OutOrStdout()
		if newsNoPush {
			d, err := app.Producer.Preview(ctx, newsSpec())
			if err != nil {
				return err
			}
			fmt.Fprintln(out, d.Plain())
			return nil
		}

		t, err := app.Service.SubmitOneShot(ctx, scheduler.OneShotRequest{
			Expression: "0s",
			Payload:    domain.Payload{Kind: domain.PayloadDigest, Digest: ptr(newsSpec())},
			Channels:   newsChannels,
		})
		if err != nil {
			return err
		}
		if err := app.FireNow(defaultCommandTimeout); err != nil {
			return err
		}

		recs, err := app.Service.ListHistory(ctx, t.ID, 1)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Fprintf(out, "digest %s queued; a running server will deliver it\n", t.ID)
			return nil
		}
		printExecution(out, recs[0])
		if recs[0].Status == domain.StatusTotalFailure {
			return fmt.Errorf("digest was not delivered")
		}
		return nil
	})
}

func runNewsSchedule(cmd *cobra.Command, args []string) error {
	expr := newsCron
	if expr == "" {
		expr = cfg.Digest.DefaultCron
	}
	return withApp(func(ctx context.Context, app *App) error {
		t, err := app.Service.SubmitRecurring(ctx, scheduler.RecurringRequest{
			Cron:     expr,
			Timezone: newsTimezone,
			Payload:  domain.Payload{Kind: domain.PayloadDigest, Digest: ptr(newsSpec())},
			Channels: newsChannels,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s digest %s scheduled (%s), first at %s\n",
			green("✓"), t.ID, expr, t.NextFireAt.Local().Format(time.DateTime))
		return nil
	})
}

func ptr[T any](v T) *T { return &v }
