package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fatih/color"

	"remindflow/internal/domain"
)

const defaultCommandTimeout = 2 * time.Minute

func commandContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	if timeout <= 0 {
		return ctx, stop
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	return tctx, func() {
		cancel()
		stop()
	}
}

// withApp opens the store and wiring for a one-off command.
func withApp(fn func(ctx context.Context, app *App) error) error {
	app, err := NewApp(cfg)
	if err != nil {
		return err
	}
	defer app.Close()
	ctx, cancel := commandContext(defaultCommandTimeout)
	defer cancel()
	return fn(ctx, app)
}

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
)

func colorState(s domain.State) string {
	switch s {
	case domain.StateScheduled:
		return cyan(string(s))
	case domain.StateFiring:
		return yellow(string(s))
	case domain.StateCompleted:
		return green(string(s))
	case domain.StateFailed:
		return red(string(s))
	}
	return faint(string(s))
}

func colorStatus(s domain.OverallStatus) string {
	switch s {
	case domain.StatusAllDelivered:
		return green(string(s))
	case domain.StatusPartialFailure:
		return yellow(string(s))
	}
	return red(string(s))
}

func localTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func taskSummary(t domain.Task) string {
	if t.Payload.Kind == domain.PayloadDigest {
		s := "digest"
		if t.Payload.Digest != nil && len(t.Payload.Digest.Sources) > 0 {
			s += " [" + strings.Join(t.Payload.Digest.Sources, ",") + "]"
		}
		return s
	}
	text := t.Payload.Text
	if r := []rune(text); len(r) > 40 {
		text = string(r[:40]) + "…"
	}
	return strings.ReplaceAll(text, "\n", " ")
}

func printTask(w io.Writer, t domain.Task) {
	when := t.Trigger.Cron
	if !t.Trigger.Recurring() {
		when = "once"
	}
	channels := "default"
	if len(t.Channels) > 0 {
		channels = strings.Join(t.Channels, ",")
	}
	fmt.Fprintf(w, "%s  %-20s  %-14s  next %-19s  %-10s  %s\n",
		t.ID, colorState(t.State), when, localTime(t.NextFireAt), channels, taskSummary(t))
}

func printExecution(w io.Writer, rec domain.ExecutionRecord) {
	catchUp := ""
	if rec.CatchUp {
		catchUp = faint(" (catch-up)")
	}
	fmt.Fprintf(w, "%s  %s  %s%s\n", localTime(&rec.FiredAt), rec.TaskID, colorStatus(rec.Status), catchUp)
	if rec.Reason != "" {
		fmt.Fprintf(w, "    %s\n", rec.Reason)
	}
	for _, o := range rec.Outcomes {
		mark := green("ok")
		if !o.Delivered {
			mark = red("failed")
		}
		line := fmt.Sprintf("    %-12s %-8s %s attempts=%d", o.Channel, o.Kind, mark, o.Attempts)
		if o.Error != "" {
			line += "  " + faint(o.Error)
		}
		fmt.Fprintln(w, line)
	}
}
