package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"remindflow/internal/domain"
)

var (
	tasksState  string
	tasksLimit  int
	historyTask string
	historyMax  int
	healthAddr  string
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List and cancel tasks",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var f domain.TaskFilter
		if tasksState != "" {
			st, err := domain.ParseState(tasksState)
			if err != nil {
				return err
			}
			f.State = st
		}
		f.Limit = tasksLimit
		return withApp(func(ctx context.Context, app *App) error {
			tasks, err := app.Service.ListTasks(ctx, f)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(tasks) == 0 {
				fmt.Fprintln(out, "no tasks")
				return nil
			}
			for _, t := range tasks {
				printTask(out, t)
			}
			return nil
		})
	},
}

var tasksCancelCmd = &cobra.Command{
	Use:   "cancel <id>...",
	Short: "Cancel tasks",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, app *App) error {
			var failed []string
			for _, id := range args {
				state, err := app.Service.Cancel(ctx, id)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s %s: %v\n", red("✗"), id, err)
					failed = append(failed, id)
					continue
				}
				note := ""
				if state == domain.StateFiring {
					note = " (firing now, stops after this delivery)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s cancelled%s\n", green("✓"), id, note)
			}
			if len(failed) > 0 {
				return fmt.Errorf("could not cancel %s", strings.Join(failed, ", "))
			}
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show and clear execution history",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent executions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, app *App) error {
			recs, err := app.Service.ListHistory(ctx, historyTask, historyMax)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintln(out, "no executions")
				return nil
			}
			for _, rec := range recs {
				printExecution(out, rec)
			}
			return nil
		})
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete execution history",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, app *App) error {
			n, err := app.Service.ClearHistory(ctx, historyTask)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d executions\n", n)
			return nil
		})
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Query a running server's health endpoint",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := healthAddr
		if addr == "" {
			addr = cfg.Server.Addr
		}
		if !strings.HasPrefix(addr, "http") {
			addr = "http://" + addr
		}
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(strings.TrimRight(addr, "/") + "/health")
		if err != nil {
			return fmt.Errorf("querying health: %w", err)
		}
		defer resp.Body.Close()

		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("decoding health: %w", err)
		}
		out := cmd.OutOrStdout()
		if resp.StatusCode == http.StatusOK {
			fmt.Fprintf(out, "%s healthy", green("●"))
		} else {
			fmt.Fprintf(out, "%s stalled", red("●"))
		}
		fmt.Fprintf(out, "  last tick %v  lag %v  in flight %v/%v\n",
			body["last_tick"], body["lag"], body["in_flight"], body["workers"])
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("scheduler unhealthy")
		}
		return nil
	},
}

func init() {
	tasksListCmd.Flags().StringVar(&tasksState, "state", "", "only tasks in this state")
	tasksListCmd.Flags().IntVarP(&tasksLimit, "limit", "n", 100, "maximum number of tasks")
	tasksCmd.AddCommand(tasksListCmd, tasksCancelCmd)

	for _, c := range []*cobra.Command{historyListCmd, historyClearCmd} {
		c.Flags().StringVar(&historyTask, "task", "", "only this task's executions")
	}
	historyListCmd.Flags().IntVarP(&historyMax, "limit", "n", 20, "maximum number of executions")
	historyCmd.AddCommand(historyListCmd, historyClearCmd)

	healthCmd.Flags().StringVar(&healthAddr, "addr", "", "server address (default: server.addr)")

	rootCmd.AddCommand(tasksCmd, historyCmd, healthCmd)
}
